package scheduler

// ParticipantState is the lifecycle state of one participant.
type ParticipantState string

const (
	StateIdle         ParticipantState = "idle"
	StateAdmitted     ParticipantState = "admitted"
	StateSessionReady ParticipantState = "session_ready"
	StateActing       ParticipantState = "acting"
	StateCompleted    ParticipantState = "completed"
	StateFailed       ParticipantState = "failed"
	StateClosed       ParticipantState = "closed"
)

// Participant is one identity capable of performing the target action.
// It is mutated only under the scheduler's lock.
type Participant struct {
	ID           string
	State        ParticipantState
	AttemptsUsed int
}
