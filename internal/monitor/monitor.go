// Package monitor watches the target page for the moment the studio
// publishes a result. Detection rides on DOM mutation batches; reporting is
// idempotent per distinct link snapshot, so a noisy page cannot double-report.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
	"github.com/pagepilot/pagepilot/internal/dom"
	"github.com/pagepilot/pagepilot/internal/notify"
	"github.com/pagepilot/pagepilot/internal/selectors"
)

const (
	// DefaultSaveRetryDelay paces re-attempts to place the manual save
	// affordance while its container has not mounted yet.
	DefaultSaveRetryDelay = time.Second
	// saveInjectMaxAttempts bounds the affordance retry loop. The original
	// behavior retries forever; a cap keeps a dead page from pinning a
	// goroutine, and the automatic path does not depend on the button.
	saveInjectMaxAttempts = 60
	// submitTimeout bounds one result submission. Stop cannot cancel an
	// already-dispatched submission, but nothing should hang forever.
	submitTimeout = 15 * time.Second
)

// ResultSink delivers an AutomationResult across contexts. Failures are the
// sink's to report; the monitor only logs them.
type ResultSink interface {
	SubmitResult(ctx context.Context, res schemas.AutomationResult) error
}

// Resolver is the synchronous slice of the selector resolver the monitor
// uses; monitoring never waits for elements, it reacts to mutations.
type Resolver interface {
	Resolve(ctx context.Context, role selectors.Role) (dom.Element, error)
}

// Page is the slice of page capabilities the monitor needs.
type Page interface {
	dom.Querier
	dom.Injector
	dom.Observer
	OnCall(name string, fn func(payload string)) error
}

// Monitor owns the single mutation subscription. Idle → Monitoring → Idle;
// Start while Monitoring tears the previous subscription down first.
type Monitor struct {
	page     Page
	resolver Resolver
	notifier notify.Notifier
	sink     ResultSink
	clock    dom.Clock
	logger   *zap.Logger

	saveRetryDelay time.Duration

	mu         sync.Mutex
	monitoring bool
	taskID     string
	pubID      string
	last       schemas.LinkSnapshot
	stopObs    func()
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Monitor. A zero saveRetryDelay selects the default.
func New(page Page, resolver Resolver, notifier notify.Notifier, sink ResultSink, clock dom.Clock, saveRetryDelay time.Duration, logger *zap.Logger) *Monitor {
	if saveRetryDelay <= 0 {
		saveRetryDelay = DefaultSaveRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		page:           page,
		resolver:       resolver,
		notifier:       notifier,
		sink:           sink,
		clock:          clock,
		logger:         logger.Named("monitor"),
		saveRetryDelay: saveRetryDelay,
	}
}

// Start transitions to Monitoring for the given task. Re-entrant: a prior
// subscription is stopped first, so at most one is ever live. Monitoring
// outlives the caller's ctx, which only scopes the subscription setup: the
// run pipeline finishes long before the studio publishes, and a dead run
// context must not kill detection. Stop owns the teardown.
func (m *Monitor) Start(ctx context.Context, taskID, publicationID string) error {
	m.mu.Lock()
	if m.monitoring {
		m.stopLocked()
	}

	ticks, stop, err := m.page.Observe(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.monitoring = true
	m.taskID = taskID
	m.pubID = publicationID
	m.last = schemas.LinkSnapshot{}
	m.stopObs = stop
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.page.OnCall(saveBindingName, m.onManualSave); err != nil {
		m.logger.Warn("Could not bind manual save handler", zap.Error(err))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for range ticks {
			m.check(runCtx)
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.injectSaveButton(runCtx)
	}()

	m.check(runCtx)
	m.logger.Info("Result monitoring started",
		zap.String("task_id", taskID), zap.String("publication_id", publicationID))
	return nil
}

// Stop disconnects the subscription and clears the task identifiers.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if !m.monitoring {
		return
	}
	m.monitoring = false
	if m.stopObs != nil {
		m.stopObs()
		m.stopObs = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.taskID = ""
	m.pubID = ""
}

// Monitoring reports whether a subscription is live.
func (m *Monitor) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

// check runs one snapshot comparison. Equal snapshots carry no information;
// a changed snapshot with a share link is reported exactly once.
func (m *Monitor) check(ctx context.Context) {
	snap := m.Extract(ctx)

	m.mu.Lock()
	if !m.monitoring {
		m.mu.Unlock()
		return
	}
	if snap.Equal(m.last) {
		m.mu.Unlock()
		return
	}
	m.last = snap
	taskID, pubID := m.taskID, m.pubID
	m.mu.Unlock()

	if snap.ShareLink == "" {
		return
	}
	m.submit(schemas.AutomationResult{
		TaskID:        taskID,
		PublicationID: pubID,
		ResultURL:     snap.ShareLink,
		DownloadURL:   snap.DownloadLink,
		Status:        schemas.ResultSuccess,
	})
}

// submit is fire-and-forget: the observer callback must never block on the
// messaging channel, and a failed submission must not stall monitoring.
func (m *Monitor) submit(res schemas.AutomationResult) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		if err := m.sink.SubmitResult(ctx, res); err != nil {
			m.logger.Error("Result submission failed",
				zap.String("task_id", res.TaskID), zap.String("result_url", res.ResultURL), zap.Error(err))
			return
		}
		m.logger.Info("Result submitted",
			zap.String("task_id", res.TaskID), zap.String("result_url", res.ResultURL))
	}()
}

// waitSettled blocks until spawned goroutines finish; tests only.
func (m *Monitor) waitSettled() { m.wg.Wait() }
