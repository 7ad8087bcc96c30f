package selectors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/internal/dom"
	"github.com/pagepilot/pagepilot/internal/dom/memdom"
)

func newResolver(t *testing.T, pageHTML string, overrides map[string][]string) (*Resolver, *memdom.Page, *memdom.Clock) {
	t.Helper()
	page := memdom.MustNew(pageHTML)
	clock := memdom.NewClock()
	return New(page, NewCatalog(overrides), clock, 0, zap.NewNop()), page, clock
}

func TestResolveHonorsCandidateOrder(t *testing.T) {
	t.Parallel()

	// Both candidates match; the first one listed must win.
	r, _, _ := newResolver(t, `<html><body>
		<textarea id="secondary"></textarea>
		<textarea id="primary" data-testid="prompt-input"></textarea>
	</body></html>`, nil)

	el, err := r.Resolve(context.Background(), RolePromptField)
	require.NoError(t, err)
	id, ok, err := el.Attr(context.Background(), "id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "primary", id, "first candidate in the ordered list must win over later ones")
}

func TestResolveFallsThroughToLaterCandidates(t *testing.T) {
	t.Parallel()

	// Only the lowest-priority generic candidate matches.
	r, _, _ := newResolver(t, `<html><body><textarea></textarea></body></html>`,
		map[string][]string{string(RolePromptField): {"textarea#x", "textarea"}})

	el, err := r.Resolve(context.Background(), RolePromptField)
	require.NoError(t, err)
	assert.Equal(t, "textarea", el.Selector())
}

func TestResolveSkipsUnsupportedSelectors(t *testing.T) {
	t.Parallel()

	r, _, _ := newResolver(t, `<html><body><textarea></textarea></body></html>`,
		map[string][]string{string(RolePromptField): {"div:has(textarea)", "textarea"}})

	el, err := r.Resolve(context.Background(), RolePromptField)
	require.NoError(t, err, "invalid candidate must be skipped, not fatal")
	assert.Equal(t, "textarea", el.Selector())
}

func TestResolveUnknownRoleFailsFast(t *testing.T) {
	t.Parallel()

	r, _, clock := newResolver(t, `<html><body></body></html>`, nil)

	_, err := r.Resolve(context.Background(), Role("no_such_role"))
	assert.ErrorIs(t, err, ErrNoCandidates)

	// The bounded wait must not poll for a role that can never match.
	_, err = r.AwaitResolve(context.Background(), Role("no_such_role"), 5*time.Second)
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.Empty(t, clock.Slept(), "an empty candidate list must never turn into a wait")
}

func TestAwaitResolveTimesOut(t *testing.T) {
	t.Parallel()

	r, _, clock := newResolver(t, `<html><body><div></div></body></html>`, nil)

	start := clock.Now()
	_, err := r.AwaitResolve(context.Background(), RolePromptField, 5*time.Second)
	assert.ErrorIs(t, err, ErrResolveTimeout)
	assert.GreaterOrEqual(t, clock.Now().Sub(start), 5*time.Second)
}

// gatedQuerier reports no matches for the first n queries, then delegates.
// It stands in for an element that mounts a few poll intervals late.
type gatedQuerier struct {
	mu        sync.Mutex
	page      *memdom.Page
	remaining int
}

func (g *gatedQuerier) Query(ctx context.Context, sel string) (dom.Element, error) {
	g.mu.Lock()
	blocked := g.remaining > 0
	if blocked {
		g.remaining--
	}
	g.mu.Unlock()
	if blocked {
		return nil, dom.ErrNoMatch
	}
	return g.page.Query(ctx, sel)
}

func (g *gatedQuerier) QueryAll(ctx context.Context, sel string) ([]dom.Element, error) {
	return g.page.QueryAll(ctx, sel)
}

func TestAwaitResolveFindsLateElement(t *testing.T) {
	t.Parallel()

	page := memdom.MustNew(`<html><body><textarea></textarea></body></html>`)
	clock := memdom.NewClock()
	// Three full poll rounds (four candidates each) see nothing.
	gate := &gatedQuerier{page: page, remaining: 3 * len(DefaultCatalog().Candidates(RolePromptField))}
	r := New(gate, DefaultCatalog(), clock, 0, zap.NewNop())

	el, err := r.AwaitResolve(context.Background(), RolePromptField, 10*time.Second)
	require.NoError(t, err)
	tag, _ := el.Tag(context.Background())
	assert.Equal(t, "textarea", tag)
	assert.Len(t, clock.Slept(), 3, "resolver should have waited out exactly the blocked rounds")
}

func TestAwaitResolveRespectsContext(t *testing.T) {
	t.Parallel()

	r, _, _ := newResolver(t, `<html><body></body></html>`, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.AwaitResolve(ctx, RolePromptField, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCatalogOverridesReplaceWholeList(t *testing.T) {
	t.Parallel()

	c := NewCatalog(map[string][]string{string(RoleShareLink): {"a.custom"}})
	assert.Equal(t, []string{"a.custom"}, c.Candidates(RoleShareLink))
	// Untouched roles keep their defaults.
	assert.NotEmpty(t, c.Candidates(RolePromptField))
	// Empty overrides are ignored rather than erasing a role.
	c2 := NewCatalog(map[string][]string{string(RoleShareLink): {}})
	assert.Equal(t, DefaultCatalog().Candidates(RoleShareLink), c2.Candidates(RoleShareLink))
}
