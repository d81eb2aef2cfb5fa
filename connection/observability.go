package connection

import "time"

// AttemptObservation captures one settled probe attempt.
type AttemptObservation struct {
	ToolID         string
	ConnectionType ConnectionType
	Attempt        int
	Duration       time.Duration
	Success        bool
	ErrorCode      string
	ShouldRetry    bool
}

// RetryObservation captures one scheduled retry.
type RetryObservation struct {
	ToolID         string
	ConnectionType ConnectionType
	Attempt        int
	Delay          time.Duration
	ErrorCode      string
}

// TransitionObservation captures one status change.
type TransitionObservation struct {
	ToolID         string
	Status         Status
	PreviousStatus Status
}

// Observer receives controller-level observability events.
type Observer interface {
	ObserveAttempt(observation AttemptObservation)
	ObserveRetry(observation RetryObservation)
	ObserveTransition(observation TransitionObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveAttempt(AttemptObservation)       {}
func (noopObserver) ObserveRetry(RetryObservation)           {}
func (noopObserver) ObserveTransition(TransitionObservation) {}
