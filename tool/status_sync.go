package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/toolconn/connection"
)

// StatusSyncConfig configures a StatusSync.
type StatusSyncConfig struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
}

// StatusSync is a connection.Notifier that mirrors settled connection
// outcomes onto stored tool records. Transient statuses are ignored.
type StatusSync struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewStatusSync creates a status sync notifier.
func NewStatusSync(cfg StatusSyncConfig) *StatusSync {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &StatusSync{
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// Notify implements connection.Notifier.
func (s *StatusSync) Notify(ctx context.Context, change connection.StatusChange) {
	var status Status
	switch change.Status {
	case connection.StatusConnected:
		status = StatusConnected
	case connection.StatusError:
		status = StatusError
	case connection.StatusDisconnected:
		status = StatusDisconnected
	default:
		return
	}

	_, err := s.update(ctx, change.ToolID, func(t *Tool) {
		t.Status = status
		if status == StatusConnected {
			at := change.At
			if at.IsZero() {
				at = s.now()
			}
			t.LastActive = &at
		}
		t.UpdatedAt = s.now()
	})
	switch {
	case errors.Is(err, ErrToolNotFound):
		// Tests of unsaved descriptors have no record to update.
	case err != nil:
		s.logger.Warn("tool status sync failed",
			"tool_id", change.ToolID,
			"status", change.Status,
			"error", err,
		)
	}
}

// update runs a serialized read-modify-write of one record.
func (s *StatusSync) update(ctx context.Context, id string, fn func(*Tool)) (Tool, error) {
	if s == nil || s.store == nil {
		return Tool{}, ErrNilServiceStore
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, found, err := s.store.Get(ctx, id)
	if err != nil {
		return Tool{}, err
	}
	if !found {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	fn(&t)
	if err := s.store.Upsert(ctx, t); err != nil {
		return Tool{}, err
	}
	return cloneTool(t), nil
}

var _ connection.Notifier = (*StatusSync)(nil)
