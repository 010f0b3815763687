package threadengine

import (
	"fmt"
	"sync/atomic"
)

// RunnerState is the lifecycle state of a runner goroutine.
type RunnerState int32

const (
	// RunnerIdle indicates the runner is waiting for a job.
	RunnerIdle RunnerState = iota
	// RunnerClaimed indicates the runner has popped a job, but not yet
	// started running it.
	RunnerClaimed
	// RunnerExecuting indicates Job.Run is in progress.
	RunnerExecuting
	// RunnerStopped is terminal.
	RunnerStopped
)

// String returns the string representation of the state.
func (s RunnerState) String() string {
	switch s {
	case RunnerIdle:
		return "idle"
	case RunnerClaimed:
		return "claimed"
	case RunnerExecuting:
		return "executing"
	case RunnerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("RunnerState(%d)", int32(s))
	}
}

// runner is one background goroutine bound to an engine. The runner refers
// to the engine, never the reverse, other than the engine's bookkeeping.
type runner struct {
	engine *Engine
	state  atomic.Int32
	id     int
}

func (r *runner) State() RunnerState {
	return RunnerState(r.state.Load())
}

func (r *runner) setState(s RunnerState) {
	r.state.Store(int32(s))
}

// loop is the runner goroutine.
func (r *runner) loop() {
	e := r.engine
	defer e.wg.Done()
	defer r.setState(RunnerStopped)

	e.logger.Debug().Int("runner", r.id).Log("threadengine: runner started")
	defer e.logger.Debug().Int("runner", r.id).Log("threadengine: runner stopped")

	for {
		job, ok := e.claim(r)
		if !ok {
			return
		}
		r.setState(RunnerExecuting)
		e.runJob(job)
		e.complete(job)
	}
}
