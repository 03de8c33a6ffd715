package types

import "time"

// RunEventType defines the type of event emitted during an automation run.
type RunEventType string

const (
	EventTypeProgress           RunEventType = "progress"            // EventTypeProgress indicates the completed-action counter advanced.
	EventTypeLog                RunEventType = "log"                 // EventTypeLog carries a human-readable status line.
	EventTypeParticipantOutcome RunEventType = "participant_outcome" // EventTypeParticipantOutcome reports the terminal result for one participant's unit of work.
	EventTypeRunCompleted       RunEventType = "run_completed"       // EventTypeRunCompleted indicates the run reached a terminal state and all work drained.
)

// RunEvent is a single observer notification from the scheduler.
// Events for the same run are delivered in the order the corresponding
// state transitions occurred.
type RunEvent struct {
	// Type identifies the kind of event.
	Type RunEventType

	// Timestamp is when the event was emitted.
	Timestamp time.Time

	// Completed and Quota are populated for progress and run_completed events.
	Completed int
	Quota     int

	// Participant, Success and Detail are populated for participant_outcome events.
	Participant string
	Success     bool
	Detail      string

	// Message is populated for log events.
	Message string
}

// Observer consumes run events. Implementations must not block; the
// scheduler may emit while holding its bookkeeping lock.
type Observer interface {
	Notify(event RunEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event RunEvent)

// Notify calls f(event).
func (f ObserverFunc) Notify(event RunEvent) {
	f(event)
}

// MultiObserver fans a single event stream out to multiple observers
// in registration order.
type MultiObserver []Observer

// Notify delivers the event to every registered observer.
func (m MultiObserver) Notify(event RunEvent) {
	for _, o := range m {
		o.Notify(event)
	}
}

// NopObserver discards all events.
type NopObserver struct{}

// Notify discards the event.
func (NopObserver) Notify(RunEvent) {}

// NewProgressEvent creates a progress event.
func NewProgressEvent(completed, quota int) RunEvent {
	return RunEvent{
		Type:      EventTypeProgress,
		Timestamp: time.Now(),
		Completed: completed,
		Quota:     quota,
	}
}

// NewLogEvent creates a log event.
func NewLogEvent(message string) RunEvent {
	return RunEvent{
		Type:      EventTypeLog,
		Timestamp: time.Now(),
		Message:   message,
	}
}

// NewParticipantOutcomeEvent creates a participant outcome event.
func NewParticipantOutcomeEvent(participant string, success bool, detail string) RunEvent {
	return RunEvent{
		Type:        EventTypeParticipantOutcome,
		Timestamp:   time.Now(),
		Participant: participant,
		Success:     success,
		Detail:      detail,
	}
}

// NewRunCompletedEvent creates a run completed event with the final counters.
func NewRunCompletedEvent(completed, quota int) RunEvent {
	return RunEvent{
		Type:      EventTypeRunCompleted,
		Timestamp: time.Now(),
		Completed: completed,
		Quota:     quota,
	}
}
