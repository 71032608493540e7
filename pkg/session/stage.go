// Package session drives a single transfer through its stage machine:
// initializing, serializing, queuing, transferring, dequeuing,
// deserializing, cleanup. A Controller walks a SessionContext forward one
// stage at a time by invoking whichever middleware is registered for that
// stage, stopping the moment a stage reports anything short of completion.
package session

// Stage is one step of a transfer, ordered by precedence: a later stage's
// value is always numerically greater, so Stage comparisons (<, >) answer
// "has this transfer already passed that point" without a lookup table.
type Stage int

const (
	StageInitializing  Stage = 10
	StageSerializing   Stage = 20
	StageQueuing       Stage = 30
	StageTransferring  Stage = 40
	StageDequeuing     Stage = 50
	StageDeserializing Stage = 60
	StageCleanup       Stage = 70
)

func (s Stage) String() string {
	switch s {
	case StageInitializing:
		return "initializing"
	case StageSerializing:
		return "serializing"
	case StageQueuing:
		return "queuing"
	case StageTransferring:
		return "transferring"
	case StageDequeuing:
		return "dequeuing"
	case StageDeserializing:
		return "deserializing"
	case StageCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Stages lists every stage in precedence order.
var Stages = []Stage{
	StageInitializing, StageSerializing, StageQueuing, StageTransferring,
	StageDequeuing, StageDeserializing, StageCleanup,
}

// Status is the outcome of invoking a stage's middleware.
type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusCompleted
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStarted:
		return "started"
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Finished reports whether this status represents a terminal outcome for a
// stage - proceed_to_and_wait_for stops polling once it sees one of these.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusErrored
}

// InProgress reports whether the controller should keep re-invoking this
// stage's middleware (pending) or hold off until something external
// changes the status (started).
func (s Status) InProgress() bool {
	return s == StatusPending || s == StatusStarted
}
