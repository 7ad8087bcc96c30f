// Package handoff moves a pending AutomationTask from the initiator context
// to the page-resident agent. The primary store is a Postgres key-value
// table shared across processes; the page session store is the fallback so a
// task survives a reload even when the database is unreachable. Delivery is
// at-least-once: entries are deleted only after a successful run.
package handoff

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
)

const (
	taskKeyPrefix = "task:"
	baseURLKey    = "config:api_base_url"
)

// taskKey is the canonical entry key for one task.
func taskKey(t schemas.AutomationTask) string {
	return taskKeyPrefix + t.TaskID + ":" + t.PublicationID
}

// Store is one persistence backend for task handoff.
type Store interface {
	Put(ctx context.Context, task schemas.AutomationTask) error
	// FindPending returns the oldest stored task with a non-empty task ID, or
	// nil when nothing is pending.
	FindPending(ctx context.Context) (*schemas.AutomationTask, error)
	Delete(ctx context.Context, task schemas.AutomationTask) error
	SetBaseURL(ctx context.Context, url string) error
	BaseURL(ctx context.Context) (string, bool, error)
}

// Handoff layers the stores: writes go everywhere, reads take the first hit.
type Handoff struct {
	stores []Store
	logger *zap.Logger
}

// New builds a Handoff over the given stores in priority order; nil entries
// are skipped (the agent can run without a database).
func New(logger *zap.Logger, stores ...Store) *Handoff {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handoff{logger: logger.Named("handoff")}
	for _, s := range stores {
		if s != nil {
			h.stores = append(h.stores, s)
		}
	}
	return h
}

// Put records the task in every store; it fails only when all of them do.
func (h *Handoff) Put(ctx context.Context, task schemas.AutomationTask) error {
	if len(h.stores) == 0 {
		return errors.New("handoff: no stores configured")
	}
	var errs []error
	for _, s := range h.stores {
		if err := s.Put(ctx, task); err != nil {
			h.logger.Warn("Handoff store rejected task",
				zap.String("task_id", task.TaskID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(h.stores) {
		return errors.Join(errs...)
	}
	return nil
}

// FindPending checks the stores in priority order. When the winning entry
// carries a base URL override it is persisted before the task is returned,
// so later backend calls survive even if the entry itself is consumed.
func (h *Handoff) FindPending(ctx context.Context) (*schemas.AutomationTask, error) {
	for _, s := range h.stores {
		task, err := s.FindPending(ctx)
		if err != nil {
			h.logger.Warn("Handoff store lookup failed", zap.Error(err))
			continue
		}
		if task == nil {
			continue
		}
		if task.APIBaseURL != "" {
			if err := s.SetBaseURL(ctx, task.APIBaseURL); err != nil {
				h.logger.Warn("Could not persist base URL override",
					zap.String("task_id", task.TaskID), zap.Error(err))
			}
		}
		return task, nil
	}
	return nil, nil
}

// Consume deletes the task's entries from every store. Callers treat the
// error as diagnostic; a failed delete means redelivery, not data loss.
func (h *Handoff) Consume(ctx context.Context, task schemas.AutomationTask) error {
	var errs []error
	for _, s := range h.stores {
		if err := s.Delete(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BaseURL returns the first persisted base URL override, if any.
func (h *Handoff) BaseURL(ctx context.Context) (string, bool, error) {
	for _, s := range h.stores {
		url, ok, err := s.BaseURL(ctx)
		if err != nil {
			h.logger.Warn("Handoff base URL lookup failed", zap.Error(err))
			continue
		}
		if ok {
			return url, true, nil
		}
	}
	return "", false, nil
}
