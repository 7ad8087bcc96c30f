// Package orchestrator sequences one automation run against an attached
// page: find the pending task, fetch its prompt data, arm the result
// monitor, fill the prompt, load assets, report, clean up. A state machine
// guards against re-entrant runs; a navigation watcher re-arms it when the
// studio swaps documents without a reload.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
	"github.com/pagepilot/pagepilot/internal/dom"
	"github.com/pagepilot/pagepilot/internal/notify"
)

// State is the initialization phase of the page agent.
type State string

const (
	StateNotInitialized State = "not_initialized"
	StateInitializing   State = "initializing"
	StateInitialized    State = "initialized"
)

// validEdges is the whole state machine; every change goes through
// transition, so an illegal move cannot happen quietly.
var validEdges = map[State][]State{
	StateNotInitialized: {StateInitializing},
	StateInitializing:   {StateInitialized, StateNotInitialized},
	StateInitialized:    {StateNotInitialized},
}

var (
	// ErrNotEligible means the page's host is not in the configured target
	// list; the agent must not touch it.
	ErrNotEligible = errors.New("orchestrator: page host not in target list")
	// ErrAlreadyInitialized means a run is in progress or has completed for
	// the current document.
	ErrAlreadyInitialized = errors.New("orchestrator: already initialized")
)

// prepareRunTimeout bounds a run triggered by a PREPARE message.
const prepareRunTimeout = 5 * time.Minute

// TaskStore is the handoff surface the orchestrator consumes.
type TaskStore interface {
	Put(ctx context.Context, task schemas.AutomationTask) error
	FindPending(ctx context.Context) (*schemas.AutomationTask, error)
	Consume(ctx context.Context, task schemas.AutomationTask) error
	BaseURL(ctx context.Context) (string, bool, error)
}

// Backend fetches prompt payloads.
type Backend interface {
	GeneratePrompt(ctx context.Context, task schemas.AutomationTask) (*schemas.PromptPayload, error)
}

// BackendFactory builds a Backend for a base URL; an empty base selects the
// configured default.
type BackendFactory func(baseURL string) Backend

// Filler types the prompt in; the bool reports the direct path (true) vs
// the clipboard fallback.
type Filler interface {
	Fill(ctx context.Context, text string) (bool, error)
}

// Loader injects assets and reports how many landed.
type Loader interface {
	Load(ctx context.Context, assets []schemas.AssetDescriptor) (int, error)
}

// Monitor watches for the published result.
type Monitor interface {
	Start(ctx context.Context, taskID, publicationID string) error
	Stop()
}

// Page is the slice of page capabilities the orchestrator needs.
type Page interface {
	Location(ctx context.Context) (string, error)
	Observe(ctx context.Context) (<-chan struct{}, func(), error)
}

// Orchestrator drives one attached page.
type Orchestrator struct {
	page       Page
	tasks      TaskStore
	newBackend BackendFactory
	filler     Filler
	loader     Loader
	monitor    Monitor
	notifier   notify.Notifier
	clock      dom.Clock
	logger     *zap.Logger

	hostnames   []string
	settleDelay time.Duration

	mu           sync.Mutex
	state        State
	lastLocation string
}

// New builds an Orchestrator in StateNotInitialized.
func New(page Page, tasks TaskStore, newBackend BackendFactory, filler Filler, loader Loader, monitor Monitor, notifier notify.Notifier, clock dom.Clock, hostnames []string, settleDelay time.Duration, logger *zap.Logger) *Orchestrator {
	if settleDelay <= 0 {
		settleDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		page:        page,
		tasks:       tasks,
		newBackend:  newBackend,
		filler:      filler,
		loader:      loader,
		monitor:     monitor,
		notifier:    notifier,
		clock:       clock,
		logger:      logger.Named("orchestrator"),
		hostnames:   hostnames,
		settleDelay: settleDelay,
		state:       StateNotInitialized,
	}
}

// State reports the current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// transition is the single place state changes. It refuses moves the
// machine does not define.
func (o *Orchestrator) transition(to State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range validEdges[o.state] {
		if t == to {
			o.logger.Debug("State transition",
				zap.String("from", string(o.state)), zap.String("to", string(to)))
			o.state = to
			return true
		}
	}
	return false
}

// Eligible reports whether the page's origin host is one of the configured
// targets (exact match or subdomain).
func (o *Orchestrator) Eligible(ctx context.Context) (bool, error) {
	loc, err := o.page.Location(ctx)
	if err != nil {
		return false, fmt.Errorf("orchestrator: read location: %w", err)
	}
	u, err := url.Parse(loc)
	if err != nil {
		return false, fmt.Errorf("orchestrator: parse location %q: %w", loc, err)
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range o.hostnames {
		h = strings.ToLower(h)
		if host == h || strings.HasSuffix(host, "."+h) {
			return true, nil
		}
	}
	return false, nil
}

// Run executes one automation attempt. It refuses ineligible pages and
// re-entrant calls; a failed run returns the machine to NotInitialized so a
// later trigger can retry.
func (o *Orchestrator) Run(ctx context.Context) error {
	ok, err := o.Eligible(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEligible
	}
	if !o.transition(StateInitializing) {
		return ErrAlreadyInitialized
	}

	processed, err := o.runOnce(ctx)
	if err != nil {
		o.transition(StateNotInitialized)
		return err
	}
	if !processed {
		// Nothing was pending; stay un-initialized so the next PREPARE can
		// trigger a run without waiting for a navigation reset.
		o.transition(StateNotInitialized)
		return nil
	}
	o.transition(StateInitialized)
	return nil
}

// runOnce reports whether a pending task was actually processed.
func (o *Orchestrator) runOnce(ctx context.Context) (bool, error) {
	task, err := o.tasks.FindPending(ctx)
	if err != nil {
		return false, fmt.Errorf("orchestrator: find pending task: %w", err)
	}
	if task == nil {
		o.logger.Info("No pending task for this page")
		return false, nil
	}

	runID := uuid.NewString()
	log := o.logger.With(zap.String("run_id", runID), zap.String("task_id", task.TaskID))
	log.Info("Run starting", zap.String("publication_id", task.PublicationID))

	base := ""
	if override, ok, err := o.tasks.BaseURL(ctx); err == nil && ok {
		base = override
	}
	payload, err := o.newBackend(base).GeneratePrompt(ctx, *task)
	if err != nil {
		// No partial fill on a failed fetch; the run aborts whole.
		o.showNotice(ctx, notify.Error, "Could not fetch the prompt for this task.")
		return false, fmt.Errorf("orchestrator: fetch prompt data: %w", err)
	}

	if err := o.monitor.Start(ctx, task.TaskID, task.PublicationID); err != nil {
		return false, fmt.Errorf("orchestrator: start result monitor: %w", err)
	}

	direct, err := o.filler.Fill(ctx, payload.Prompt)
	if err != nil {
		return false, fmt.Errorf("orchestrator: fill prompt: %w", err)
	}

	if len(payload.Assets) > 0 {
		if _, err := o.loader.Load(ctx, payload.Assets); err != nil {
			return false, fmt.Errorf("orchestrator: load assets: %w", err)
		}
	}

	if direct {
		o.showNotice(ctx, notify.Success, "Task prepared. Review and generate when ready.")
	} else {
		o.showNotice(ctx, notify.Info, "Task prepared. Paste the prompt from your clipboard to continue.")
	}

	if err := o.tasks.Consume(ctx, *task); err != nil {
		log.Warn("Could not clean up task entries; redelivery possible", zap.Error(err))
	}
	log.Info("Run finished", zap.Bool("direct_fill", direct))
	return true, nil
}

// HandlePrepare registers a task and triggers an immediate attempt. It is
// the PREPARE message handler; redelivery just overwrites the same entry.
func (o *Orchestrator) HandlePrepare(ctx context.Context, req schemas.PrepareRequest) error {
	if req.TaskID == "" {
		return errors.New("orchestrator: prepare without task id")
	}
	if err := o.tasks.Put(ctx, req.Task()); err != nil {
		return fmt.Errorf("orchestrator: register task: %w", err)
	}
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), prepareRunTimeout)
		defer cancel()
		if err := o.Run(runCtx); err != nil &&
			!errors.Is(err, ErrNotEligible) && !errors.Is(err, ErrAlreadyInitialized) {
			o.logger.Error("Prepared run failed", zap.String("task_id", req.TaskID), zap.Error(err))
		}
	}()
	return nil
}

// WatchNavigation blocks on mutation ticks and re-arms the machine when the
// location changes without a reload. The settle delay gives the studio's
// re-render time to finish before the next attempt.
func (o *Orchestrator) WatchNavigation(ctx context.Context) error {
	ticks, stop, err := o.page.Observe(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: observe page: %w", err)
	}
	defer stop()

	if loc, err := o.page.Location(ctx); err == nil {
		o.setLastLocation(loc)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-ticks:
			if !open {
				return nil
			}
			loc, err := o.page.Location(ctx)
			if err != nil {
				o.logger.Debug("Could not read location on mutation", zap.Error(err))
				continue
			}
			if loc == o.getLastLocation() {
				continue
			}
			o.setLastLocation(loc)
			o.logger.Info("Same-document navigation detected", zap.String("location", loc))
			o.monitor.Stop()
			o.transition(StateNotInitialized)

			if err := o.clock.Sleep(ctx, o.settleDelay); err != nil {
				return err
			}
			if err := o.Run(ctx); err != nil &&
				!errors.Is(err, ErrNotEligible) && !errors.Is(err, ErrAlreadyInitialized) {
				o.logger.Error("Run after navigation failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) setLastLocation(loc string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastLocation = loc
}

func (o *Orchestrator) getLastLocation() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastLocation
}

func (o *Orchestrator) showNotice(ctx context.Context, kind notify.Kind, text string) {
	if err := o.notifier.Show(ctx, kind, text); err != nil {
		o.logger.Debug("Could not show run notice", zap.Error(err))
	}
}
