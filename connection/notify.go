package connection

import (
	"context"
	"time"
)

// StatusChange is emitted once for every transition that changes a tool's status.
type StatusChange struct {
	ToolID         string           `json:"toolId"`
	Status         Status           `json:"status"`
	PreviousStatus Status           `json:"previousStatus"`
	Error          *ConnectionError `json:"error,omitempty"`
	Attempt        int              `json:"attempt"`
	At             time.Time        `json:"at"`
}

// Notifier receives status changes.
type Notifier interface {
	Notify(ctx context.Context, change StatusChange)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, change StatusChange)

// Notify calls f(ctx, change).
func (f NotifierFunc) Notify(ctx context.Context, change StatusChange) {
	f(ctx, change)
}

// Notifiers fans a change out to each notifier in order. Nil entries are skipped.
type Notifiers []Notifier

// Notify implements Notifier.
func (n Notifiers) Notify(ctx context.Context, change StatusChange) {
	for _, notifier := range n {
		if notifier == nil {
			continue
		}
		notifier.Notify(ctx, change)
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, StatusChange) {}
