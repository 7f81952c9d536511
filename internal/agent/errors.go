package agent

import "errors"

var (
	// ErrRunInFlight is returned when a thread already has a run executing.
	ErrRunInFlight = errors.New("a run is already in flight for this thread")

	// ErrNoConvergence is returned when a worker keeps requesting tools past
	// the iteration budget instead of producing a final answer.
	ErrNoConvergence = errors.New("worker did not converge within the tool-call budget")

	// ErrPlannerMalformed is returned after the planner fails to produce a
	// parseable plan too many times in a row.
	ErrPlannerMalformed = errors.New("planner exceeded the parse retry budget")

	// ErrNotSuspended is returned when a resume value arrives for a machine
	// that is not waiting at its suspend point.
	ErrNotSuspended = errors.New("formalization is not suspended awaiting feedback")

	// ErrNoCheckpoint is returned by checkpoint stores when a thread has no
	// persisted state.
	ErrNoCheckpoint = errors.New("no checkpoint for thread")
)
