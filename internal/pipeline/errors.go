package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRun is returned when no run exists for an id.
	ErrUnknownRun = errors.New("unknown run")
	// ErrUnknownGate is returned when no gate exists for an id.
	ErrUnknownGate = errors.New("unknown gate")
	// ErrAlreadyResolved is returned for any action on a resolved gate.
	ErrAlreadyResolved = errors.New("gate already resolved")
	// ErrDuplicateVote is returned when an approver votes twice.
	ErrDuplicateVote = errors.New("approver already voted")
	// ErrGatePending is returned when arming a gate while another is pending.
	ErrGatePending = errors.New("run already has a pending gate")
	// ErrNotExpired is returned when firing a timeout before the deadline.
	ErrNotExpired = errors.New("gate deadline has not passed")
	// ErrRunTerminal is returned when acting on a finished run.
	ErrRunTerminal = errors.New("run is terminal")
	// ErrNotTimedOut is returned when resuming a run that is not timed out.
	ErrNotTimedOut = errors.New("run is not timed out")
	// ErrInvalidFlow is returned for malformed flows.
	ErrInvalidFlow = errors.New("invalid flow")
	// ErrConflict is returned when a commit lost an optimistic version race.
	ErrConflict = errors.New("concurrent modification")
	// ErrSequence is returned when an entry does not follow the run's last seq.
	ErrSequence = errors.New("audit sequence violation")
)

// StageError wraps a failure of the Stage interface.
type StageError struct {
	Stage   string
	Attempt int
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s attempt %d: %v", e.Stage, e.Attempt, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure. The step that produced it wrote
// nothing and can be retried from the last commit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsGateConflict reports whether err is a rejected gate action.
func IsGateConflict(err error) bool {
	return errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrDuplicateVote) ||
		errors.Is(err, ErrUnknownGate) ||
		errors.Is(err, ErrGatePending)
}
