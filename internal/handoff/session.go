package handoff

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
	"github.com/pagepilot/pagepilot/internal/dom"
)

// SessionStore keeps handoff entries in the page's session storage. It
// survives a same-tab reload, which is exactly the window where a pending
// task would otherwise be lost.
type SessionStore struct {
	storage dom.SessionStorage
	log     *zap.Logger
}

var _ Store = (*SessionStore)(nil)

// NewSessionStore wraps the page's session storage capability.
func NewSessionStore(storage dom.SessionStorage, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{storage: storage, log: logger.Named("sessionstore")}
}

func (s *SessionStore) Put(ctx context.Context, task schemas.AutomationTask) error {
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.TaskID, err)
	}
	return s.storage.SessionSet(ctx, taskKey(task), string(value))
}

func (s *SessionStore) FindPending(ctx context.Context) (*schemas.AutomationTask, error) {
	keys, err := s.storage.SessionKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list session keys: %w", err)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, taskKeyPrefix) {
			continue
		}
		value, ok, err := s.storage.SessionGet(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read session entry %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var task schemas.AutomationTask
		if err := json.Unmarshal([]byte(value), &task); err != nil {
			s.log.Warn("Skipping undecodable session entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if task.TaskID == "" {
			continue
		}
		return &task, nil
	}
	return nil, nil
}

func (s *SessionStore) Delete(ctx context.Context, task schemas.AutomationTask) error {
	return s.storage.SessionRemove(ctx, taskKey(task))
}

func (s *SessionStore) SetBaseURL(ctx context.Context, url string) error {
	return s.storage.SessionSet(ctx, baseURLKey, url)
}

func (s *SessionStore) BaseURL(ctx context.Context) (string, bool, error) {
	url, ok, err := s.storage.SessionGet(ctx, baseURLKey)
	if err != nil {
		return "", false, err
	}
	return url, ok && url != "", nil
}
