// Package notify owns the single transient on-page status message. The
// toast element is a shared resource with replace semantics: the previous
// instance is hidden before a new one is shown, so at most one is ever
// visible.
package notify

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/internal/dom"
)

// Kind selects the toast's visual treatment.
type Kind string

const (
	Progress Kind = "progress"
	Success  Kind = "success"
	Error    Kind = "error"
	Info     Kind = "info"
)

// DefaultAutoHide is how long a transient toast stays up.
const DefaultAutoHide = 4 * time.Second

// Notifier is what the upper layers depend on. Failures to display are
// reported but never block automation.
type Notifier interface {
	// Show displays a transient message, replacing any current one.
	Show(ctx context.Context, kind Kind, text string) error
	// ShowSticky displays a message that stays until replaced or hidden
	// (instructional fallbacks the operator must read).
	ShowSticky(ctx context.Context, kind Kind, text string) error
	// Hide removes the current message, if any.
	Hide(ctx context.Context) error
}

// Page is the slice of dom.Page the agent needs.
type Page interface {
	dom.Querier
	dom.Injector
}

// Agent implements Notifier against a live page.
type Agent struct {
	page     Page
	clock    dom.Clock
	logger   *zap.Logger
	autoHide time.Duration

	mu      sync.Mutex
	current dom.Element
	gen     int // invalidates stale auto-hide timers
}

var _ Notifier = (*Agent)(nil)

// NewAgent creates the notification agent. autoHide <= 0 selects the default.
func NewAgent(page Page, clock dom.Clock, autoHide time.Duration, logger *zap.Logger) *Agent {
	if autoHide <= 0 {
		autoHide = DefaultAutoHide
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		page:     page,
		clock:    clock,
		logger:   logger.Named("notify"),
		autoHide: autoHide,
	}
}

func (a *Agent) Show(ctx context.Context, kind Kind, text string) error {
	gen, err := a.show(ctx, kind, text)
	if err != nil {
		return err
	}
	go a.hideLater(gen)
	return nil
}

func (a *Agent) ShowSticky(ctx context.Context, kind Kind, text string) error {
	_, err := a.show(ctx, kind, text)
	return err
}

func (a *Agent) show(ctx context.Context, kind Kind, text string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Replace semantics: the previous instance goes away first.
	if a.current != nil {
		if err := a.current.Remove(ctx); err != nil {
			a.logger.Debug("Could not remove previous toast", zap.Error(err))
		}
		a.current = nil
	}

	markup := fmt.Sprintf(
		`<div id="pagepilot-toast" class="pagepilot-toast pagepilot-toast--%s" role="status">%s</div>`,
		kind, html.EscapeString(text))
	el, err := a.page.InsertHTML(ctx, "body", markup)
	if err != nil {
		return 0, fmt.Errorf("notify: show %s toast: %w", kind, err)
	}
	a.current = el
	a.gen++
	return a.gen, nil
}

func (a *Agent) hideLater(gen int) {
	// The fixed delay is a UX heuristic, not a correctness guarantee.
	if err := a.clock.Sleep(context.Background(), a.autoHide); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen || a.current == nil {
		return // already replaced; the newer toast owns the element now
	}
	if err := a.current.Remove(context.Background()); err != nil {
		a.logger.Debug("Could not auto-hide toast", zap.Error(err))
	}
	a.current = nil
}

func (a *Agent) Hide(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	err := a.current.Remove(ctx)
	a.current = nil
	if err != nil {
		return fmt.Errorf("notify: hide toast: %w", err)
	}
	return nil
}
