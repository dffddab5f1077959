package supervisor

import (
	"errors"
	"fmt"
	"time"

	"engined/internal/ipc"
)

// SpawnError reports an OS-level launch refusal or an exit before ready.
type SpawnError struct {
	Command string
	Err     error
	// StderrTail holds the last stderr output when the process exited
	// before becoming ready.
	StderrTail string
}

func (e *SpawnError) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("spawn %s: %v; stderr tail: %s", e.Command, e.Err, e.StderrTail)
	}
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}
func (e *SpawnError) Unwrap() error { return e.Err }

// HealthTimeoutError means the server never reached Alive within the wait
// window. Last carries the final observed state for diagnosis.
type HealthTimeoutError struct {
	After time.Duration
	Last  ipc.HealthState
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("server not ready after %s, last state %s", e.After, e.Last)
}

// TerminationTimeoutError means one or more processes survived the full kill
// ladder. This is always surfaced: a leaked process holds device memory and
// corrupts every later placement decision.
type TerminationTimeoutError struct {
	PIDs []int
}

func (e *TerminationTimeoutError) Error() string {
	return fmt.Sprintf("processes still alive after forced kill: %v", e.PIDs)
}

// IsSpawn reports whether err is a spawn failure.
func IsSpawn(err error) bool {
	var e *SpawnError
	return errors.As(err, &e)
}

// IsHealthTimeout reports whether err is a readiness timeout, returning it.
func IsHealthTimeout(err error) (*HealthTimeoutError, bool) {
	var e *HealthTimeoutError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsTerminationTimeout reports whether err is a survived-kill error.
func IsTerminationTimeout(err error) bool {
	var e *TerminationTimeoutError
	return errors.As(err, &e)
}
