package pipeline

import "fmt"

// AdapterFailure reports a capability call that failed mid-turn. It is
// contained: the affected turn is cancelled and the session continues.
type AdapterFailure struct {
	Stage string
	Err   error
}

func (e *AdapterFailure) Error() string {
	return fmt.Sprintf("adapter failure in %s: %v", e.Stage, e.Err)
}

func (e *AdapterFailure) Unwrap() error { return e.Err }

// FatalWorkerError terminates the session: repeated adapter failures, a lost
// transport connection, or an unhandled internal fault.
type FatalWorkerError struct {
	Reason string
	Err    error
}

func (e *FatalWorkerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fatal worker error: %s", e.Reason)
	}
	return fmt.Sprintf("fatal worker error: %s: %v", e.Reason, e.Err)
}

func (e *FatalWorkerError) Unwrap() error { return e.Err }
