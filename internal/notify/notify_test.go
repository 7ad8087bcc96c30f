package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/internal/dom"
	"github.com/pagepilot/pagepilot/internal/dom/memdom"
)

func toastCount(t *testing.T, page *memdom.Page) int {
	t.Helper()
	els, err := page.QueryAll(context.Background(), "#pagepilot-toast")
	require.NoError(t, err)
	return len(els)
}

func TestShowStickyReplacesPrevious(t *testing.T) {
	t.Parallel()
	page := memdom.MustNew(`<html><body></body></html>`)
	agent := NewAgent(page, memdom.NewClock(), 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, agent.ShowSticky(ctx, Progress, "Filling prompt..."))
	assert.Equal(t, 1, toastCount(t, page))

	require.NoError(t, agent.ShowSticky(ctx, Error, "Copy the prompt manually"))
	assert.Equal(t, 1, toastCount(t, page), "the toast is a shared resource; showing must replace, never stack")

	el, err := page.Query(ctx, "#pagepilot-toast")
	require.NoError(t, err)
	text, err := el.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Copy the prompt manually", text)
	cls, _, err := el.Attr(ctx, "class")
	require.NoError(t, err)
	assert.Contains(t, cls, "pagepilot-toast--error")
}

func TestShowAutoHides(t *testing.T) {
	t.Parallel()
	page := memdom.MustNew(`<html><body></body></html>`)
	agent := NewAgent(page, memdom.NewClock(), 0, zap.NewNop())

	require.NoError(t, agent.Show(context.Background(), Success, "All 3 assets loaded"))

	// The deterministic clock makes the auto-hide sleep return immediately;
	// the removal still happens on another goroutine.
	assert.Eventually(t, func() bool {
		return toastCount(t, page) == 0
	}, time.Second, 5*time.Millisecond, "transient toast should auto-hide")
}

func TestHide(t *testing.T) {
	t.Parallel()
	page := memdom.MustNew(`<html><body></body></html>`)
	agent := NewAgent(page, memdom.NewClock(), 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, agent.Hide(ctx), "hiding with nothing shown is a no-op")
	require.NoError(t, agent.ShowSticky(ctx, Progress, "working"))
	require.NoError(t, agent.Hide(ctx))
	assert.Equal(t, 0, toastCount(t, page))
}

func TestShowEscapesText(t *testing.T) {
	t.Parallel()
	page := memdom.MustNew(`<html><body></body></html>`)
	agent := NewAgent(page, memdom.NewClock(), 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, agent.ShowSticky(ctx, Error, `<img src=x onerror=alert(1)>`))
	// The payload must land as text, not as a child element.
	els, err := page.QueryAll(ctx, "img")
	require.NoError(t, err)
	assert.Empty(t, els)
}

func TestShowFailsWithoutContainer(t *testing.T) {
	t.Parallel()
	// A document with no body: insertion has nowhere to go.
	page := memdom.MustNew(``)
	agent := NewAgent(page, memdom.NewClock(), 0, zap.NewNop())

	err := agent.ShowSticky(context.Background(), Progress, "hello")
	// html.Parse synthesizes a body for the empty document, so force the
	// failure through a removed body instead.
	if err == nil {
		body, qerr := page.Query(context.Background(), "body")
		require.NoError(t, qerr)
		require.NoError(t, body.Remove(context.Background()))
		err = agent.ShowSticky(context.Background(), Error, "again")
	}
	assert.ErrorIs(t, err, dom.ErrNoMatch)
}
