package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/toolconn/connection"
)

var (
	// ErrNilServiceStore indicates service creation without a backing store.
	ErrNilServiceStore = errors.New("tool: service store is nil")
	// ErrNilController indicates service creation without a connection controller.
	ErrNilController = errors.New("tool: service controller is nil")
	// ErrToolNotFound indicates the requested tool does not exist.
	ErrToolNotFound = errors.New("tool: tool not found")
)

const defaultTestConcurrency = 4

// ServiceConfig configures service dependencies.
type ServiceConfig struct {
	Store      Store
	Controller *connection.Controller
	// StatusSync, when set, is the notifier attached to Controller. Sharing
	// it serializes record updates from the service and from status changes.
	StatusSync *StatusSync
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
	// TestConcurrency bounds TestAll fan-out (default: 4).
	TestConcurrency int
}

// Service provides tool CRUD and connection operations.
type Service struct {
	store       Store
	controller  *connection.Controller
	records     *StatusSync
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	concurrency int
}

// TestAllResult summarizes a TestAll sweep.
type TestAllResult struct {
	Results map[string]connection.TestResult `json:"results"`
	// Skipped lists tools with a test in flight or a retry pending.
	Skipped []string `json:"skipped,omitempty"`
}

// NewService creates a tool service with defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, ErrNilServiceStore
	}
	if cfg.Controller == nil {
		return nil, ErrNilController
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.TestConcurrency <= 0 {
		cfg.TestConcurrency = defaultTestConcurrency
	}
	records := cfg.StatusSync
	if records == nil {
		records = NewStatusSync(StatusSyncConfig{Store: cfg.Store, Logger: cfg.Logger, Now: cfg.Now})
	}

	return &Service{
		store:       cfg.Store,
		controller:  cfg.Controller,
		records:     records,
		logger:      cfg.Logger,
		now:         cfg.Now,
		newID:       cfg.NewID,
		concurrency: cfg.TestConcurrency,
	}, nil
}

// Controller returns the connection controller the service drives.
func (s *Service) Controller() *connection.Controller {
	return s.controller
}

// List returns all stored tools.
func (s *Service) List(ctx context.Context) ([]Tool, error) {
	return s.store.List(ctx)
}

// Get returns one tool by id.
func (s *Service) Get(ctx context.Context, id string) (Tool, error) {
	clean := strings.TrimSpace(id)
	if clean == "" {
		return Tool{}, fmt.Errorf("%w: %q", ErrToolNotFound, id)
	}
	t, found, err := s.store.Get(ctx, clean)
	if err != nil {
		return Tool{}, err
	}
	if !found {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, clean)
	}
	return t, nil
}

// Create validates and stores a new tool with status disconnected.
func (s *Service) Create(ctx context.Context, input ToolInput) (Tool, error) {
	var t Tool
	input.apply(&t)
	t.Name = strings.TrimSpace(t.Name)
	t.Endpoint = strings.TrimSpace(t.Endpoint)
	if err := Validate(t); err != nil {
		return Tool{}, err
	}

	now := s.now()
	t.ID = s.newID()
	t.Status = StatusDisconnected
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := s.store.Upsert(ctx, t); err != nil {
		return Tool{}, err
	}
	s.logger.Info("tool created", "tool_id", t.ID, "name", t.Name, "connection_type", t.ConnectionType)
	return cloneTool(t), nil
}

// Update applies field changes to a tool. Changing how the tool is reached
// drops its connection state and any pending retry.
func (s *Service) Update(ctx context.Context, id string, input UpdateToolInput) (Tool, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Tool{}, err
	}

	next := cloneTool(current)
	input.apply(&next)
	next.Name = strings.TrimSpace(next.Name)
	next.Endpoint = strings.TrimSpace(next.Endpoint)
	if err := Validate(next); err != nil {
		return Tool{}, err
	}

	descriptorChanged := reachChanged(current, next)
	updated, err := s.records.update(ctx, current.ID, func(t *Tool) {
		status, lastActive := t.Status, t.LastActive
		*t = next
		t.Status, t.LastActive = status, lastActive
		if descriptorChanged {
			t.Status = StatusDisconnected
		}
		t.UpdatedAt = s.now()
	})
	if err != nil {
		return Tool{}, err
	}
	if descriptorChanged {
		s.controller.Forget(current.ID)
	}
	return updated, nil
}

// Delete removes a tool and forgets its connection state. A probe still in
// flight for the tool settles without recording state or scheduling a retry.
func (s *Service) Delete(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.controller.Forget(t.ID)
	if err := s.store.Delete(ctx, t.ID); err != nil {
		return err
	}
	s.logger.Info("tool deleted", "tool_id", t.ID, "name", t.Name)
	return nil
}

// Test starts a connection test chain for a stored tool and returns the
// outcome of its first attempt. Retries continue in the background.
func (s *Service) Test(ctx context.Context, id string) (connection.TestResult, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return connection.TestResult{}, err
	}
	return s.controller.TestConnection(ctx, t.ID, t.Descriptor()), nil
}

// Connect is Test under the name the tools UI uses.
func (s *Service) Connect(ctx context.Context, id string) (connection.TestResult, error) {
	return s.Test(ctx, id)
}

// Disconnect cancels any pending retry, forgets connection state and marks
// the record disconnected. A probe still in flight is discarded when it settles.
func (s *Service) Disconnect(ctx context.Context, id string) (Tool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return Tool{}, err
	}
	s.controller.Forget(t.ID)
	return s.records.update(ctx, t.ID, func(rec *Tool) {
		rec.Status = StatusDisconnected
		rec.UpdatedAt = s.now()
	})
}

// Status returns the live connection state of a stored tool.
func (s *Service) Status(ctx context.Context, id string) (connection.ToolConnection, bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return connection.ToolConnection{}, false, err
	}
	return s.controller.ConnectionStatus(t.ID), s.controller.IsConnectionLoading(t.ID), nil
}

// TestAll tests every stored tool that has no test in flight and no retry
// pending, at most TestConcurrency at a time.
func (s *Service) TestAll(ctx context.Context) (TestAllResult, error) {
	tools, err := s.store.List(ctx)
	if err != nil {
		return TestAllResult{}, err
	}

	result := TestAllResult{Results: make(map[string]connection.TestResult, len(tools))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, t := range tools {
		if s.busy(t.ID) {
			result.Skipped = append(result.Skipped, t.ID)
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := s.controller.TestConnection(gctx, t.ID, t.Descriptor())
			mu.Lock()
			result.Results[t.ID] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("tool: test all: %w", err)
	}
	return result, nil
}

// reachChanged reports whether anything used to reach the tool changed.
func reachChanged(a, b Tool) bool {
	da, db := a.Descriptor(), b.Descriptor()
	da.Name, db.Name = "", ""
	return da != db
}

func (s *Service) busy(id string) bool {
	if s.controller.Busy(id) {
		return true
	}
	switch s.controller.ConnectionStatus(id).Status {
	case connection.StatusConnecting, connection.StatusRetrying:
		return true
	}
	return false
}
