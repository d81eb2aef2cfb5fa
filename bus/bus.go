// Package bus distributes connection status changes to live subscribers such
// as SSE streams. A bus is a connection.Notifier, so it can be attached to a
// controller next to the event log.
package bus

import "github.com/petal-labs/toolconn/connection"

// EventBus distributes status changes to subscribers.
type EventBus interface {
	// Publish sends a change to all matching subscribers.
	Publish(change connection.StatusChange)

	// Subscribe registers a subscriber for a specific tool.
	// Returns a Subscription that must be closed when done.
	Subscribe(toolID string) Subscription

	// SubscribeAll registers a subscriber that receives changes for all tools.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives status changes.
type Subscription interface {
	// Events returns a channel of changes for this subscription.
	Events() <-chan connection.StatusChange

	// Close unsubscribes and releases resources.
	Close() error
}
