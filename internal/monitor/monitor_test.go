package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
	"github.com/pagepilot/pagepilot/internal/dom"
	"github.com/pagepilot/pagepilot/internal/dom/memdom"
	"github.com/pagepilot/pagepilot/internal/notify"
	"github.com/pagepilot/pagepilot/internal/selectors"
)

type mockSink struct {
	mu      sync.Mutex
	results []schemas.AutomationResult
	err     error
}

func (s *mockSink) SubmitResult(_ context.Context, res schemas.AutomationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return s.err
}

func (s *mockSink) all() []schemas.AutomationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.AutomationResult(nil), s.results...)
}

func (s *mockSink) count() int { return len(s.all()) }

type mockNotifier struct {
	mu    sync.Mutex
	kinds []notify.Kind
	texts []string
}

func (m *mockNotifier) Show(_ context.Context, kind notify.Kind, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, kind)
	m.texts = append(m.texts, text)
	return nil
}

func (m *mockNotifier) ShowSticky(ctx context.Context, kind notify.Kind, text string) error {
	return m.Show(ctx, kind, text)
}

func (m *mockNotifier) Hide(context.Context) error { return nil }

func (m *mockNotifier) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

type monitorFixture struct {
	monitor  *Monitor
	page     *memdom.Page
	clock    *memdom.Clock
	sink     *mockSink
	notifier *mockNotifier
}

func newFixture(t *testing.T, pageHTML string, catalog *selectors.Catalog) *monitorFixture {
	t.Helper()
	if catalog == nil {
		catalog = selectors.DefaultCatalog()
	}
	page := memdom.MustNew(pageHTML)
	clock := memdom.NewClock()
	resolver := selectors.New(page, catalog, clock, 0, zap.NewNop())
	sink := &mockSink{}
	notifier := &mockNotifier{}
	m := New(page, resolver, notifier, sink, clock, 0, zap.NewNop())
	return &monitorFixture{monitor: m, page: page, clock: clock, sink: sink, notifier: notifier}
}

// idlePage has a toolbar for the save affordance but no published links yet.
const idlePage = `<html><body>
<main><div class="result-toolbar"></div></main>
</body></html>`

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestStartKeepsSingleSubscription(t *testing.T) {
	fx := newFixture(t, idlePage, nil)
	ctx := context.Background()

	require.NoError(t, fx.monitor.Start(ctx, "task-1", "pub-1"))
	assert.Equal(t, 1, fx.page.SubscriberCount())

	// A second start replaces, never stacks.
	require.NoError(t, fx.monitor.Start(ctx, "task-2", "pub-2"))
	assert.Equal(t, 1, fx.page.SubscriberCount())
	assert.True(t, fx.monitor.Monitoring())

	fx.monitor.Stop()
	assert.Equal(t, 0, fx.page.SubscriberCount())
	assert.False(t, fx.monitor.Monitoring())
	fx.monitor.Stop() // idempotent
	fx.monitor.waitSettled()
}

func TestDetectsPublishedShareLink(t *testing.T) {
	fx := newFixture(t, idlePage, nil)
	ctx := context.Background()
	require.NoError(t, fx.monitor.Start(ctx, "task-1", "pub-1"))

	// The studio publishes: a share panel mounts under main.
	_, err := fx.page.InsertHTML(ctx, "main",
		`<div class="share-panel"><a href="https://studio.test/share/abc123">Share</a></div>`)
	require.NoError(t, err)

	eventually(t, func() bool { return fx.sink.count() == 1 }, "publication must be reported")
	res := fx.sink.all()[0]
	assert.Equal(t, "task-1", res.TaskID)
	assert.Equal(t, "pub-1", res.PublicationID)
	assert.Equal(t, "https://studio.test/share/abc123", res.ResultURL)
	assert.Equal(t, schemas.ResultSuccess, res.Status)

	// Further mutations that leave the links unchanged must not re-report.
	_, err = fx.page.InsertHTML(ctx, "main", `<div class="noise"></div>`)
	require.NoError(t, err)
	fx.monitor.Stop()
	fx.monitor.waitSettled()
	assert.Equal(t, 1, fx.sink.count(), "identical snapshots must be reported once")
}

func TestDetectsLinkChange(t *testing.T) {
	fx := newFixture(t, idlePage, nil)
	ctx := context.Background()
	require.NoError(t, fx.monitor.Start(ctx, "task-1", "pub-1"))

	_, err := fx.page.InsertHTML(ctx, "main",
		`<a href="https://studio.test/share/v1">Share</a>`)
	require.NoError(t, err)
	eventually(t, func() bool { return fx.sink.count() == 1 }, "first publication reported")

	// The studio re-publishes under a new URL.
	link, err := fx.page.Query(ctx, `a[href*="/share/"]`)
	require.NoError(t, err)
	require.NoError(t, link.SetAttr(ctx, "href", "https://studio.test/share/v2"))
	fx.page.SetLocation("https://studio.test/app?v=2")

	eventually(t, func() bool { return fx.sink.count() == 2 }, "changed snapshot reported again")
	assert.Equal(t, "https://studio.test/share/v2", fx.sink.all()[1].ResultURL)

	fx.monitor.Stop()
	fx.monitor.waitSettled()
}

func TestSubmissionFailureDoesNotStopMonitoring(t *testing.T) {
	fx := newFixture(t, idlePage, nil)
	fx.sink.err = errors.New("backend unreachable")
	ctx := context.Background()
	require.NoError(t, fx.monitor.Start(ctx, "task-1", "pub-1"))

	_, err := fx.page.InsertHTML(ctx, "main", `<a href="https://studio.test/share/x">Share</a>`)
	require.NoError(t, err)

	eventually(t, func() bool { return fx.sink.count() == 1 }, "submission attempted")
	assert.True(t, fx.monitor.Monitoring(), "a failed submission must not tear monitoring down")

	fx.monitor.Stop()
	fx.monitor.waitSettled()
}

func TestExtractFromDataAttribute(t *testing.T) {
	fx := newFixture(t, `<html><body>
<button data-share-url="https://studio.test/share/btn">Share</button>
<a href="https://cdn.test/download/file.mp4">Download</a>
</body></html>`, nil)

	want := schemas.LinkSnapshot{
		ShareLink:    "https://studio.test/share/btn",
		DownloadLink: "https://cdn.test/download/file.mp4",
	}
	snap := fx.monitor.Extract(context.Background())
	assert.Empty(t, cmp.Diff(want, snap))
}

func TestExtractFromNestedAnchor(t *testing.T) {
	catalog := selectors.NewCatalog(map[string][]string{
		string(selectors.RoleShareLink): {"div.result-card"},
	})
	fx := newFixture(t, `<html><body>
<div class="result-card"><span>Done</span><a href="https://studio.test/s/abc?mode=share">open</a></div>
</body></html>`, catalog)

	snap := fx.monitor.Extract(context.Background())
	assert.Equal(t, "https://studio.test/s/abc?mode=share", snap.ShareLink)
}

func TestExtractFallbackAnchorScan(t *testing.T) {
	// Nothing matches the cataloged shapes; the href substring scan is the
	// last resort. First match wins per kind.
	fx := newFixture(t, `<html><body>
<a href="https://studio.test/about">About</a>
<a href="https://cdn.test/s/abc?mode=share">result</a>
<a href="https://cdn.test/dl?download=true">get it</a>
<a href="https://cdn.test/s/later?mode=share">second</a>
</body></html>`, nil)

	want := schemas.LinkSnapshot{
		ShareLink:    "https://cdn.test/s/abc?mode=share",
		DownloadLink: "https://cdn.test/dl?download=true",
	}
	snap := fx.monitor.Extract(context.Background())
	assert.Empty(t, cmp.Diff(want, snap))
}

func TestExtractEmptyPage(t *testing.T) {
	fx := newFixture(t, `<html><body><p>nothing here</p></body></html>`, nil)
	assert.True(t, fx.monitor.Extract(context.Background()).Empty())
}

func TestManualSaveButton(t *testing.T) {
	fx := newFixture(t, `<html><body>
<main><div class="result-toolbar"></div>
<a href="https://studio.test/share/manual">Share</a></main>
</body></html>`, nil)
	ctx := context.Background()
	require.NoError(t, fx.monitor.Start(ctx, "task-1", "pub-1"))

	var btnFound bool
	eventually(t, func() bool {
		_, err := fx.page.Query(ctx, "#pagepilot-save")
		btnFound = err == nil
		return btnFound
	}, "save button must be injected into the toolbar")
	require.True(t, btnFound)

	// The link was on the page at start, so the automatic path already
	// reported it once.
	eventually(t, func() bool { return fx.sink.count() == 1 }, "automatic report")

	btn, err := fx.page.Query(ctx, "#pagepilot-save")
	require.NoError(t, err)
	require.NoError(t, btn.Click(ctx))

	// Manual save bypasses dedup: same snapshot, reported again.
	eventually(t, func() bool { return fx.sink.count() == 2 }, "manual save must always report")
	assert.Equal(t, "https://studio.test/share/manual", fx.sink.all()[1].ResultURL)

	text, err := btn.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Saved", text)
	_, disabled, err := btn.Attr(ctx, "disabled")
	require.NoError(t, err)
	assert.True(t, disabled)

	fx.monitor.Stop()
	fx.monitor.waitSettled()
}

func TestManualSaveWithoutLink(t *testing.T) {
	fx := newFixture(t, idlePage, nil)
	ctx := context.Background()
	require.NoError(t, fx.monitor.Start(ctx, "task-1", "pub-1"))

	eventually(t, func() bool {
		_, err := fx.page.Query(ctx, "#pagepilot-save")
		return err == nil
	}, "save button injected")

	btn, err := fx.page.Query(ctx, "#pagepilot-save")
	require.NoError(t, err)
	require.NoError(t, btn.Click(ctx))

	assert.Empty(t, fx.sink.all(), "no link means nothing to report")
	texts := fx.notifier.all()
	require.NotEmpty(t, texts)
	assert.Contains(t, texts[len(texts)-1], "No share link")

	fx.monitor.Stop()
	fx.monitor.waitSettled()
}

func TestSaveButtonGivesUpWithoutContainer(t *testing.T) {
	catalog := selectors.NewCatalog(map[string][]string{
		string(selectors.RoleSaveContainer): {"div.never-mounts"},
	})
	fx := newFixture(t, `<html><body><p>bare</p></body></html>`, catalog)
	ctx := context.Background()
	require.NoError(t, fx.monitor.Start(ctx, "task-1", "pub-1"))

	fx.monitor.Stop()
	fx.monitor.waitSettled()
	_, err := fx.page.Query(ctx, "#pagepilot-save")
	assert.Error(t, err, "no container, no button")
}

// deadlinePage mirrors the protocol-backed page: every operation fails once
// the context it was given is done. The plain in-memory page ignores its
// context, which hides lifetime bugs.
type deadlinePage struct {
	*memdom.Page
}

func (p deadlinePage) Query(ctx context.Context, selector string) (dom.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Page.Query(ctx, selector)
}

func (p deadlinePage) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Page.QueryAll(ctx, selector)
}

func (p deadlinePage) InsertHTML(ctx context.Context, containerSelector, fragment string) (dom.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Page.InsertHTML(ctx, containerSelector, fragment)
}

func TestMonitoringOutlivesStartContext(t *testing.T) {
	page := memdom.MustNew(idlePage)
	wrapped := deadlinePage{page}
	clock := memdom.NewClock()
	resolver := selectors.New(wrapped, selectors.DefaultCatalog(), clock, 0, zap.NewNop())
	sink := &mockSink{}
	m := New(wrapped, resolver, &mockNotifier{}, sink, clock, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx, "task-1", "pub-1"))
	// The run pipeline finishes (and its context dies) long before the
	// studio publishes anything.
	cancel()

	_, err := page.InsertHTML(context.Background(), "main",
		`<a href="https://studio.test/share/late">Share</a>`)
	require.NoError(t, err)

	eventually(t, func() bool { return sink.count() == 1 },
		"detection must survive the context Start was called with")
	assert.Equal(t, "https://studio.test/share/late", sink.all()[0].ResultURL)

	m.Stop()
	m.waitSettled()
}

func TestMonitorLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newFixture(t, idlePage, nil)
	ctx := context.Background()
	require.NoError(t, fx.monitor.Start(ctx, "task-1", "pub-1"))

	_, err := fx.page.InsertHTML(ctx, "main", `<a href="https://studio.test/share/gl">Share</a>`)
	require.NoError(t, err)
	eventually(t, func() bool { return fx.sink.count() == 1 }, "report lands")

	fx.monitor.Stop()
	fx.monitor.waitSettled()
}
