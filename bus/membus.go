package bus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/toolconn/connection"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus implementation.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // toolID -> subscribers
	globalSubs []*memSub
	bufSize    int
	closed     bool
	dropped    atomic.Int64
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends a change to the tool's subscribers and to global subscribers.
// Changes published after Close are dropped.
func (b *MemBus) Publish(change connection.StatusChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[change.ToolID] {
		if !sub.send(change) {
			b.dropped.Add(1)
		}
	}
	for _, sub := range b.globalSubs {
		if !sub.send(change) {
			b.dropped.Add(1)
		}
	}
}

// Notify implements connection.Notifier.
func (b *MemBus) Notify(_ context.Context, change connection.StatusChange) {
	b.Publish(change)
}

// Subscribe registers a subscriber for a specific tool.
func (b *MemBus) Subscribe(toolID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.remove(toolID, sub) }
	b.subs[toolID] = append(b.subs[toolID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives changes for all tools.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.removeGlobal(sub) }
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.globalSubs)
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *MemBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

func (b *MemBus) remove(toolID string, target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := slices.DeleteFunc(b.subs[toolID], func(sub *memSub) bool { return sub == target })
	if len(subs) == 0 {
		delete(b.subs, toolID)
		return
	}
	b.subs[toolID] = subs
}

func (b *MemBus) removeGlobal(target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalSubs = slices.DeleteFunc(b.globalSubs, func(sub *memSub) bool { return sub == target })
}

// memSub is an in-memory subscription.
type memSub struct {
	ch     chan connection.StatusChange
	detach func()

	mu     sync.Mutex
	closed bool
}

func newMemSub(bufSize int) *memSub {
	return &memSub{
		ch: make(chan connection.StatusChange, bufSize),
	}
}

// Events returns a channel of changes for this subscription.
func (s *memSub) Events() <-chan connection.StatusChange {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	if s.close() && s.detach != nil {
		s.detach()
	}
	return nil
}

// close closes the channel once and reports whether this call closed it.
func (s *memSub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// send delivers a change without blocking. It reports false when the change
// was dropped because the buffer was full.
func (s *memSub) send(change connection.StatusChange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- change:
		return true
	default:
		return false
	}
}

var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
var _ connection.Notifier = (*MemBus)(nil)
