package domain

import "fmt"

// Event is something that happened to a job.
type Event string

const (
	// EventClaimed fires when a worker wins the conditional claim on a job.
	EventClaimed Event = "claimed"
	// EventSucceeded fires after the derived blob has been written.
	EventSucceeded Event = "succeeded"
	// EventFailedTransient fires on a retryable failure with attempts remaining.
	EventFailedTransient Event = "failed_transient"
	// EventFailedPermanent fires on a data error or when the attempt budget is spent.
	EventFailedPermanent Event = "failed_permanent"
	// EventRequeued fires when the reconciler re-drives a stalled job.
	EventRequeued Event = "requeued"
)

// ErrInvalidTransition is returned by Next for state/event pairs outside the
// transition table.
type ErrInvalidTransition struct {
	State string
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: event %q in state %q", e.Event, e.State)
}

var transitions = map[string]map[Event]string{
	JobStatePending: {
		EventClaimed: JobStateProcessing,
	},
	JobStateProcessing: {
		// A second claim is legal: it means a prior attempt crashed before
		// acknowledging and the queue redelivered the message.
		EventClaimed:         JobStateProcessing,
		EventSucceeded:       JobStateDone,
		EventFailedTransient: JobStatePending,
		EventFailedPermanent: JobStateFailed,
		EventRequeued:        JobStatePending,
	},
}

// Next computes the state that follows event in state. It is pure: callers
// apply the result through the conditional-update protocol in storage.
func Next(state string, event Event) (string, error) {
	if next, ok := transitions[state][event]; ok {
		return next, nil
	}
	return "", &ErrInvalidTransition{State: state, Event: event}
}
