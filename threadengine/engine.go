package threadengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-ircd/reactor"
	"github.com/joeycumines/logiface"
)

// Reactor is the subset of [reactor.Loop] the engine depends on.
type Reactor interface {
	RegisterFD(fd int, events reactor.IOEvents, cb reactor.IOCallback) error
	UnregisterFD(fd int) error
	// Defer runs fn on the reactor goroutine once the current I/O dispatch
	// has completed.
	Defer(fn func())
}

var _ Reactor = (*reactor.Loop)(nil)

// Stats is a point-in-time snapshot of an engine.
type Stats struct {
	// Submitted is the number of jobs accepted by Submit.
	Submitted uint64
	// Completed is the number of jobs whose Run has returned.
	Completed uint64
	// Finished is the number of jobs whose Finish has returned.
	Finished uint64
	// Discarded is the number of jobs dropped by Shutdown.
	Discarded uint64
	// Pending is the length of the submit queue.
	Pending int
	// Executing is the number of jobs claimed by runners.
	Executing int
	// Ready is the length of the result queue.
	Ready int
	// Runners is the number of runners started.
	Runners int
}

// Engine is an asynchronous job engine, see the package documentation.
type Engine struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	reactor     Reactor
	logger      *logiface.Logger[logiface.Event]
	metrics     Metrics
	newNotifier NotifierFactory
	// spawn starts fn on a new goroutine
	spawn func(fn func()) error

	// guards everything below, up to the counters
	mu         sync.Mutex
	cond       *sync.Cond
	submitQ    jobQueue
	resultQ    jobQueue
	notifier   Notifier
	runners    []*runner
	maxRunners int
	idle       int
	executing  int
	closed     bool
	discard    bool

	wg sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	finished  atomic.Uint64
	discarded atomic.Uint64
}

// New creates an engine bound to r. No goroutines or descriptors are
// allocated until the first Submit.
func New(r Reactor, opts ...Option) (*Engine, error) {
	if r == nil {
		return nil, ErrNilReactor
	}

	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		reactor:     r,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		newNotifier: cfg.notifierFactory,
		spawn: func(fn func()) error {
			go fn()
			return nil
		},
		maxRunners: cfg.runners,
		discard:    cfg.discardOnShutdown,
	}
	e.cond = sync.NewCond(&e.mu)

	return e, nil
}

// Submit queues job for execution. It never blocks, beyond the brief hold
// of the engine lock, and may be called from any goroutine, including from
// within Finish.
//
// The first call creates the notifier and registers it with the reactor,
// and starts the first runner. If either fails, a [*FatalError] is returned,
// and the job is not queued.
func (e *Engine) Submit(job Job) error {
	if job == nil {
		e.metrics.RecordJobRejected(RejectNilJob)
		return ErrNilJob
	}

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		e.metrics.RecordJobRejected(RejectClosed)
		return ErrEngineClosed
	}

	if e.notifier == nil {
		if err := e.openNotifierLocked(); err != nil {
			e.mu.Unlock()
			e.metrics.RecordJobRejected(RejectNotifier)
			e.logger.Err().Err(err).Log("threadengine: failed to create notifier")
			return err
		}
	}

	// grow the pool while every runner is busy
	if len(e.runners) < e.maxRunners && e.idle <= e.submitQ.len() {
		if err := e.startRunnerLocked(); err != nil {
			if len(e.runners) == 0 {
				e.mu.Unlock()
				e.metrics.RecordJobRejected(RejectRunner)
				e.logger.Err().Err(err).Log("threadengine: failed to start runner")
				return err
			}
			// the existing runners will get to it
			e.logger.Warning().Err(err).Int("runners", len(e.runners)).Log("threadengine: failed to grow runner pool")
		}
	}

	e.submitQ.push(job)
	depth := e.submitQ.len()
	e.cond.Signal()

	e.mu.Unlock()

	e.submitted.Add(1)
	e.metrics.RecordJobSubmitted()
	e.metrics.RecordQueueDepth(QueueSubmit, depth)

	return nil
}

// ResultLoop drains the notifier, then calls Finish for every completed job,
// in completion order, until the result queue is observed empty. It returns
// the number of jobs finished, which may be zero.
//
// ResultLoop must only be called from the reactor goroutine. It is called
// automatically when the notifier becomes readable. The engine lock is held
// only to pop each job, never while calling Finish.
func (e *Engine) ResultLoop() int {
	e.mu.Lock()
	n := e.notifier
	e.mu.Unlock()

	if n != nil {
		count, err := n.Drain()
		if err != nil && !errors.Is(err, ErrNotifierClosed) {
			e.logger.Warning().Err(err).Log("threadengine: notifier drain failed")
		}
		if count != 0 {
			e.metrics.RecordWakeup(count)
		}
	}

	var finished int
	for {
		e.mu.Lock()
		job, ok := e.resultQ.pop()
		depth := e.resultQ.len()
		e.mu.Unlock()

		if !ok {
			return finished
		}

		e.metrics.RecordQueueDepth(QueueResult, depth)
		e.finishJob(job)
		finished++
	}
}

// Shutdown stops the engine accepting jobs, then waits for every runner to
// exit, and finally releases the notifier.
//
// Runners always complete the job they are running. Jobs still queued are
// run too, unless [WithDiscardOnShutdown] was used. Completed jobs remain in
// the result queue, for a final ResultLoop call by the reactor goroutine.
//
// If ctx is done before the runners have exited, the notifier is still
// released, the runners are left to exit on their own, and ctx.Err() is
// returned. Any call after the first returns [ErrEngineClosed].
//
// Shutdown should be called on the reactor goroutine, or after the reactor
// has stopped.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.closed = true
	var discarded int
	if e.discard {
		discarded = e.submitQ.clear()
	}
	runners := len(e.runners)
	e.cond.Broadcast()
	e.mu.Unlock()

	if discarded != 0 {
		e.discarded.Add(uint64(discarded))
		e.metrics.RecordQueueDepth(QueueSubmit, 0)
	}

	e.logger.Debug().
		Int("runners", runners).
		Int("discarded", discarded).
		Log("threadengine: shutting down")

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		e.logger.Warning().Err(err).Log("threadengine: timed out waiting for runners")
	}

	if closeErr := e.releaseNotifier(); err == nil {
		err = closeErr
	}

	return err
}

// Stats returns a snapshot of the engine's counters and queue lengths.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		Pending:   e.submitQ.len(),
		Executing: e.executing,
		Ready:     e.resultQ.len(),
		Runners:   len(e.runners),
	}
	e.mu.Unlock()
	s.Submitted = e.submitted.Load()
	s.Completed = e.completed.Load()
	s.Finished = e.finished.Load()
	s.Discarded = e.discarded.Load()
	return s
}

// RunnerStates returns the state of each runner, in start order.
func (e *Engine) RunnerStates() []RunnerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	states := make([]RunnerState, len(e.runners))
	for i, r := range e.runners {
		states[i] = r.State()
	}
	return states
}

func (e *Engine) openNotifierLocked() error {
	n, err := e.newNotifier()
	if err != nil {
		return &FatalError{Op: "notifier", Err: err}
	}

	if err := e.reactor.RegisterFD(n.FD(), reactor.EventRead, e.notifierCallback(n)); err != nil {
		_ = n.Close()
		return &FatalError{Op: "notifier", Err: fmt.Errorf("register: %w", err)}
	}

	e.notifier = n

	// results may have completed while there was no notifier
	if e.resultQ.len() != 0 {
		if err := n.Notify(); err != nil {
			e.logger.Warning().Err(err).Log("threadengine: notify failed")
		}
	}

	e.logger.Debug().
		Int("fd", n.FD()).
		Stringer("backend", BackendOf(n)).
		Log("threadengine: notifier created")

	return nil
}

func (e *Engine) notifierCallback(n Notifier) reactor.IOCallback {
	return func(events reactor.IOEvents) {
		if events&reactor.EventRead != 0 {
			e.ResultLoop()
		}
		if events&(reactor.EventError|reactor.EventHangup) != 0 {
			e.invalidateNotifier(n)
		}
	}
}

// invalidateNotifier handles an error or hangup on n, from within its own
// callback. The engine forgets n immediately, but n is only destroyed once
// the reactor has finished dispatching.
//
// If jobs are still queued, executing or awaiting Finish at that point, a
// replacement notifier is opened, so their completions are delivered
// without waiting for another Submit.
func (e *Engine) invalidateNotifier(n Notifier) {
	e.mu.Lock()
	if e.notifier != n {
		e.mu.Unlock()
		return
	}
	e.notifier = nil
	e.mu.Unlock()

	e.logger.Warning().Int("fd", n.FD()).Log("threadengine: notifier invalidated")

	e.reactor.Defer(func() {
		_ = e.reactor.UnregisterFD(n.FD())
		if err := n.Close(); err != nil {
			e.logger.Warning().Err(err).Log("threadengine: notifier close failed")
		}
		e.reopenNotifier()
	})
}

// reopenNotifier replaces an invalidated notifier while there is
// outstanding work. Called on the reactor goroutine.
func (e *Engine) reopenNotifier() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.notifier != nil {
		return
	}
	outstanding := e.submitQ.len() + e.executing + e.resultQ.len()
	if outstanding == 0 {
		return
	}

	if err := e.openNotifierLocked(); err != nil {
		// the next Submit retries
		e.logger.Err().Err(err).Int("outstanding", outstanding).Log("threadengine: failed to replace notifier")
	}
}

func (e *Engine) releaseNotifier() error {
	e.mu.Lock()
	n := e.notifier
	e.notifier = nil
	e.mu.Unlock()

	if n == nil {
		return nil
	}

	_ = e.reactor.UnregisterFD(n.FD())
	if err := n.Close(); err != nil {
		return fmt.Errorf("threadengine: close notifier: %w", err)
	}
	return nil
}

func (e *Engine) startRunnerLocked() error {
	r := &runner{engine: e, id: len(e.runners) + 1}
	e.wg.Add(1)
	if err := e.spawn(r.loop); err != nil {
		e.wg.Done()
		return &FatalError{Op: "runner", Err: err}
	}
	e.runners = append(e.runners, r)
	e.metrics.RecordRunners(len(e.runners))
	return nil
}

// claim blocks until a job is available, returning false if the runner
// should exit. The stop flag is only checked while idle.
func (e *Engine) claim(r *runner) (Job, bool) {
	e.mu.Lock()
	for {
		if job, ok := e.submitQ.pop(); ok {
			e.executing++
			depth := e.submitQ.len()
			r.setState(RunnerClaimed)
			e.mu.Unlock()
			e.metrics.RecordQueueDepth(QueueSubmit, depth)
			return job, true
		}
		if e.closed {
			e.mu.Unlock()
			return nil, false
		}
		r.setState(RunnerIdle)
		e.idle++
		e.cond.Wait()
		e.idle--
	}
}

// complete moves a job to the result queue, signalling the notifier if the
// queue was empty. A non-empty queue already has a wakeup outstanding, and
// ResultLoop does not stop until it is empty.
func (e *Engine) complete(job Job) {
	e.mu.Lock()
	e.executing--
	wasEmpty := e.resultQ.len() == 0
	e.resultQ.push(job)
	depth := e.resultQ.len()
	n := e.notifier
	e.mu.Unlock()

	e.completed.Add(1)
	e.metrics.RecordQueueDepth(QueueResult, depth)

	if wasEmpty && n != nil {
		if err := n.Notify(); err != nil && !errors.Is(err, ErrNotifierClosed) {
			e.logger.Warning().Err(err).Log("threadengine: notify failed")
		}
	}
}

func (e *Engine) runJob(job Job) {
	start := time.Now()
	perr := e.invoke(PhaseRun, job.Run)
	e.metrics.RecordJobDuration(PhaseRun, time.Since(start))

	if perr != nil {
		if h, ok := job.(PanicHandler); ok {
			e.invoke(PhaseRun, func() { h.RunPanicked(perr) })
		}
	}
}

func (e *Engine) finishJob(job Job) {
	start := time.Now()
	e.invoke(PhaseFinish, job.Finish)
	e.metrics.RecordJobDuration(PhaseFinish, time.Since(start))
	e.finished.Add(1)
}

// invoke calls fn, recovering any panic.
func (e *Engine) invoke(phase Phase, fn func()) (perr *PanicError) {
	defer func() {
		if r := recover(); r != nil {
			perr = &PanicError{Phase: phase, Value: r}
			e.logger.Err().
				Stringer("phase", phase).
				Any("panic", r).
				Log("threadengine: job panicked")
			e.metrics.RecordJobPanic(phase)
		}
	}()
	fn()
	return nil
}
