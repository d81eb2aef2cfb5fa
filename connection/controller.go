package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts bounds the attempts of one retry chain.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the backoff unit; retry n waits DefaultRetryDelay*n.
	DefaultRetryDelay = 2 * time.Second
)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Prober   Prober
	Notifier Notifier
	Observer Observer
	Clock    Clock
	Logger   *slog.Logger
	Registry *Registry

	// MaxAttempts bounds total attempts per chain (default: 3).
	MaxAttempts int
	// RetryDelay is the linear backoff unit (default: 2s).
	RetryDelay time.Duration
	// AttemptTimeout bounds each probe call when positive.
	AttemptTimeout time.Duration
}

// Controller drives connection tests for many tools and owns their state.
type Controller struct {
	prober         Prober
	notifier       Notifier
	observer       Observer
	clock          Clock
	logger         *slog.Logger
	registry       *Registry
	maxAttempts    int
	retryDelay     time.Duration
	attemptTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	outbox  *outbox

	mu      sync.Mutex
	pending map[string]*pendingRetry
	closed  bool
}

// pendingRetry is compared by identity so a superseded timer that already
// fired cannot run its retry.
type pendingRetry struct {
	timer   Timer
	attempt int
}

// NewController creates a controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Prober == nil {
		return nil, errors.New("connection: prober is nil")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		return nil, errors.New("connection: retry delay must not be negative")
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		prober:         cfg.Prober,
		notifier:       cfg.Notifier,
		observer:       cfg.Observer,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		registry:       cfg.Registry,
		maxAttempts:    cfg.MaxAttempts,
		retryDelay:     cfg.RetryDelay,
		attemptTimeout: cfg.AttemptTimeout,
		baseCtx:        baseCtx,
		cancel:         cancel,
		outbox:         newOutbox(),
		pending:        make(map[string]*pendingRetry),
	}, nil
}

// Registry returns the registry holding this controller's state.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// MaxAttempts returns the configured attempt ceiling.
func (c *Controller) MaxAttempts() int {
	return c.maxAttempts
}

// RetryDelay returns the configured backoff unit.
func (c *Controller) RetryDelay() time.Duration {
	return c.retryDelay
}

// TestConnection starts a fresh retry chain for toolID.
func (c *Controller) TestConnection(ctx context.Context, toolID string, descriptor Descriptor) TestResult {
	return c.TestConnectionAttempt(ctx, toolID, descriptor, 1)
}

// TestConnectionAttempt runs attempt number attempt of a chain for toolID.
// Any pending retry for toolID is cancelled first. A probe already in flight
// for toolID is not aborted; whichever attempt settles last wins. Notifiers
// see every tool's changes in the order the registry recorded them.
func (c *Controller) TestConnectionAttempt(ctx context.Context, toolID string, descriptor Descriptor, attempt int) TestResult {
	if attempt < 1 {
		attempt = 1
	}
	opened, token, ok := c.begin(toolID, attempt, nil)
	if !ok {
		return TestResult{
			Success: false,
			Error:   "connection controller is closed",
			Code:    CodeControllerClosed,
		}
	}
	return c.run(ctx, toolID, descriptor, attempt, opened, token)
}

// begin opens an attempt. When retry is set the attempt only starts if that
// retry is still the pending one for toolID. Pending retries and the loading
// flag change under the same lock, so a live chain always shows one of them.
func (c *Controller) begin(toolID string, attempt int, retry *pendingRetry) (transition, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transition{}, 0, false
	}
	if retry != nil {
		if c.pending[toolID] != retry {
			return transition{}, 0, false
		}
		delete(c.pending, toolID)
	} else {
		c.cancelPendingLocked(toolID)
	}

	status := StatusConnecting
	if attempt > 1 {
		status = StatusRetrying
	}
	opened, token := c.registry.begin(toolID, func(conn *ToolConnection) {
		conn.Status = status
		conn.RetryCount = attempt - 1
	})
	return opened, token, true
}

func (c *Controller) run(ctx context.Context, toolID string, descriptor Descriptor, attempt int, opened transition, token uint64) TestResult {
	c.publish(ctx, opened, attempt)

	probeCtx := ctx
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	started := c.clock.Now()
	result, err := c.prober.Probe(probeCtx, descriptor)
	now := c.clock.Now()
	duration := now.Sub(started)

	if err == nil && result.OK {
		settled, ok := c.registry.settle(toolID, token, func(conn *ToolConnection) {
			conn.Status = StatusConnected
			lastActive := now
			conn.LastActive = &lastActive
			conn.RetryCount = 0
			conn.Error = nil
		})
		c.observer.ObserveAttempt(AttemptObservation{
			ToolID:         toolID,
			ConnectionType: descriptor.ConnectionType,
			Attempt:        attempt,
			Duration:       duration,
			Success:        true,
		})
		if !ok {
			c.logger.Debug("connection test settled after tool was forgotten", "tool_id", toolID, "attempt", attempt)
			return TestResult{Success: true}
		}
		c.publish(ctx, settled, attempt)
		c.logger.Debug("connection test succeeded", "tool_id", toolID, "attempt", attempt)
		return TestResult{Success: true}
	}

	code, message := FailureDetails(result, err)
	shouldRetry := attempt < c.maxAttempts && IsRetryableCode(code)
	delay := c.retryDelay * time.Duration(attempt)

	// The error write and the retry it schedules are one step for Busy.
	c.mu.Lock()
	settled, ok := c.registry.settle(toolID, token, func(conn *ToolConnection) {
		conn.Status = StatusError
		conn.RetryCount = attempt
		conn.Error = &ConnectionError{
			Code:       code,
			Message:    message,
			Timestamp:  now,
			RetryCount: attempt - 1,
		}
	})
	if !ok || !shouldRetry || !c.scheduleRetryLocked(toolID, descriptor, attempt+1, delay) {
		shouldRetry = false
	}
	c.mu.Unlock()

	c.observer.ObserveAttempt(AttemptObservation{
		ToolID:         toolID,
		ConnectionType: descriptor.ConnectionType,
		Attempt:        attempt,
		Duration:       duration,
		Success:        false,
		ErrorCode:      code,
		ShouldRetry:    shouldRetry,
	})
	if !ok {
		c.logger.Debug("connection test settled after tool was forgotten", "tool_id", toolID, "attempt", attempt, "code", code)
		return TestResult{Success: false, Error: message, Code: code}
	}
	c.publish(ctx, settled, attempt)

	if shouldRetry {
		c.observer.ObserveRetry(RetryObservation{
			ToolID:         toolID,
			ConnectionType: descriptor.ConnectionType,
			Attempt:        attempt + 1,
			Delay:          delay,
			ErrorCode:      code,
		})
		c.logger.Info("connection test failed, retry scheduled",
			"tool_id", toolID,
			"attempt", attempt,
			"code", code,
			"delay", delay,
		)
	} else {
		c.logger.Warn("connection test failed",
			"tool_id", toolID,
			"attempt", attempt,
			"code", code,
			"error", message,
		)
	}

	return TestResult{
		Success:     false,
		Error:       message,
		Code:        code,
		ShouldRetry: shouldRetry,
	}
}

// ConnectionStatus returns the current state of toolID.
func (c *Controller) ConnectionStatus(toolID string) ToolConnection {
	return c.registry.Get(toolID)
}

// IsConnectionLoading reports whether a probe for toolID is in flight.
func (c *Controller) IsConnectionLoading(toolID string) bool {
	return c.registry.IsLoading(toolID)
}

// Connections returns the state of every tool tested so far.
func (c *Controller) Connections() []ToolConnection {
	return c.registry.All()
}

// HasPendingRetry reports whether a retry is scheduled for toolID.
func (c *Controller) HasPendingRetry(toolID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[toolID]
	return ok
}

// Busy reports whether toolID has a probe in flight or a retry scheduled.
func (c *Controller) Busy(toolID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[toolID]; ok {
		return true
	}
	return c.registry.IsLoading(toolID)
}

// PendingRetries returns the number of scheduled retries.
func (c *Controller) PendingRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Cancel stops the pending retry for toolID, if any. Recorded state is kept.
func (c *Controller) Cancel(toolID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelPendingLocked(toolID)
}

// Forget cancels the pending retry for toolID and drops its recorded state.
// A probe still in flight settles without writing state or scheduling a retry.
func (c *Controller) Forget(toolID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPendingLocked(toolID)
	c.registry.Delete(toolID)
}

// Close cancels every pending retry without running it. Tests issued after
// Close return CodeControllerClosed and leave state untouched.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for toolID := range c.pending {
		c.cancelPendingLocked(toolID)
	}
	c.cancel()
	return nil
}

func (c *Controller) cancelPendingLocked(toolID string) bool {
	entry, ok := c.pending[toolID]
	if !ok {
		return false
	}
	delete(c.pending, toolID)
	entry.timer.Stop()
	return true
}

func (c *Controller) scheduleRetryLocked(toolID string, descriptor Descriptor, attempt int, delay time.Duration) bool {
	if c.closed {
		return false
	}
	c.cancelPendingLocked(toolID)

	entry := &pendingRetry{attempt: attempt}
	entry.timer = c.clock.AfterFunc(delay, func() {
		c.fireRetry(toolID, descriptor, entry)
	})
	c.pending[toolID] = entry
	return true
}

func (c *Controller) fireRetry(toolID string, descriptor Descriptor, entry *pendingRetry) {
	opened, token, ok := c.begin(toolID, entry.attempt, entry)
	if !ok {
		return
	}
	c.run(c.baseCtx, toolID, descriptor, entry.attempt, opened, token)
}

// publish queues the change a transition made, if any, for ordered delivery.
func (c *Controller) publish(ctx context.Context, tr transition, attempt int) {
	var change *StatusChange
	if tr.conn.Status != tr.previous {
		change = &StatusChange{
			ToolID:         tr.conn.ID,
			Status:         tr.conn.Status,
			PreviousStatus: tr.previous,
			Error:          tr.conn.Error,
			Attempt:        attempt,
			At:             c.clock.Now(),
		}
	}
	c.outbox.push(tr.conn.ID, tr.version, change, func(change StatusChange) {
		c.deliver(ctx, change)
	})
}

func (c *Controller) deliver(ctx context.Context, change StatusChange) {
	c.observer.ObserveTransition(TransitionObservation{
		ToolID:         change.ToolID,
		Status:         change.Status,
		PreviousStatus: change.PreviousStatus,
	})
	c.logger.Debug("connection status changed",
		"tool_id", change.ToolID,
		"status", change.Status,
		"previous_status", change.PreviousStatus,
	)
	c.notifier.Notify(context.WithoutCancel(ctx), change)
}
