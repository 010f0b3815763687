package threadengine

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrEngineClosed is returned by Submit after Shutdown has been called,
	// and by any subsequent call to Shutdown.
	ErrEngineClosed = errors.New("threadengine: engine closed")

	// ErrNilJob is returned when a nil job is submitted.
	ErrNilJob = errors.New("threadengine: nil job")

	// ErrNilReactor is returned by New if no reactor is provided.
	ErrNilReactor = errors.New("threadengine: nil reactor")

	// ErrBackendUnsupported indicates the requested notifier backend is not
	// available on this platform.
	ErrBackendUnsupported = errors.New("threadengine: notifier backend unsupported")

	// ErrNotifierClosed is returned by Notifier methods after Close.
	ErrNotifierClosed = errors.New("threadengine: notifier closed")
)

// FatalError reports a failure to construct the resources an engine needs,
// either the notifier (Op "notifier") or a runner (Op "runner"). The engine
// cannot run jobs without them, so the caller should either abort, or disable
// whatever needed background execution.
type FatalError struct {
	Err error
	Op  string
}

// Error implements the error interface, including the underlying OS error
// text.
func (e *FatalError) Error() string {
	if e.Err == nil {
		return "threadengine: fatal: " + e.Op
	}
	return "threadengine: fatal: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Phase identifies which half of a [Job] was executing.
type Phase int

const (
	// PhaseRun is Job.Run, on a runner goroutine.
	PhaseRun Phase = iota
	// PhaseFinish is Job.Finish, on the reactor goroutine.
	PhaseFinish
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseRun:
		return "run"
	case PhaseFinish:
		return "finish"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Value any
	Phase Phase
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("threadengine: job panicked in %s: %v", e.Phase, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
