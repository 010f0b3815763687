package threadengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-ircd/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// traceJob records both of its phases.
type traceJob struct {
	trace   *trace
	loop    *reactor.Loop
	done    chan struct{}
	name    string
	ran     atomic.Bool
	onLoop  bool
	ranLast bool
}

func (x *traceJob) Run() {
	x.trace.add("run:" + x.name)
	x.ran.Store(true)
}

func (x *traceJob) Finish() {
	x.ranLast = x.ran.Load()
	if x.loop != nil {
		x.onLoop = x.loop.IsLoopGoroutine()
	}
	x.trace.add("finish:" + x.name)
	if x.done != nil {
		close(x.done)
	}
}

type trace struct {
	events []string
	mu     sync.Mutex
}

func (x *trace) add(event string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.events = append(x.events, event)
}

func (x *trace) filter(prefix string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []string
	for _, v := range x.events {
		if len(v) > len(prefix) && v[:len(prefix)] == prefix {
			out = append(out, v[len(prefix):])
		}
	}
	return out
}

func TestNew_NilReactor(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNilReactor)
}

func TestNew_InvalidOptions(t *testing.T) {
	r := newFakeReactor()
	for _, opt := range []Option{
		WithRunners(0),
		WithBackend(Backend(99)),
		WithMetrics(nil),
	} {
		_, err := New(r, opt)
		assert.Error(t, err)
	}
	_, err := New(r, nil)
	assert.NoError(t, err)
}

func TestNew_IsLazy(t *testing.T) {
	r := newFakeReactor()
	e, err := New(r)
	require.NoError(t, err)
	require.Equal(t, 0, r.registered())
	require.Equal(t, Stats{}, e.Stats())
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngine_EveryJobFinishedOnceAfterRun(t *testing.T) {
	for _, n := range []int{0, 1, 7, 250} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			loop := startLoop(t)
			e, err := New(loop)
			require.NoError(t, err)
			shutdownOnLoop(t, loop, e)

			jobs := make([]*traceJob, n)
			var tr trace
			var remaining atomic.Int32
			remaining.Store(int32(n))
			allDone := make(chan struct{})
			if n == 0 {
				close(allDone)
			}

			// submitted from the loop so that none can be finished before all are queued
			onLoop(t, loop, func() {
				for i := range jobs {
					jobs[i] = &traceJob{trace: &tr, loop: loop, name: fmt.Sprint(i)}
					assert.NoError(t, e.Submit(&funcJob{
						run: jobs[i].Run,
						finish: func(job *traceJob) func() {
							return func() {
								job.Finish()
								if remaining.Add(-1) == 0 {
									close(allDone)
								}
							}
						}(jobs[i]),
					}))
				}
			})

			waitChan(t, allDone)
			waitFor(t, func() bool { return e.Stats().Finished == uint64(n) })

			for _, job := range jobs {
				assert.True(t, job.ranLast, "Finish called before Run returned")
				assert.True(t, job.onLoop, "Finish not called on the reactor goroutine")
			}
			assert.Len(t, tr.filter("finish:"), n)
			assert.Len(t, tr.filter("run:"), n)

			stats := e.Stats()
			assert.EqualValues(t, n, stats.Submitted)
			assert.EqualValues(t, n, stats.Completed)
			assert.EqualValues(t, n, stats.Finished)
			assert.Zero(t, stats.Pending)
			assert.Zero(t, stats.Ready)
			assert.Zero(t, stats.Executing)
		})
	}
}

func TestEngine_SingleRunnerPreservesOrder(t *testing.T) {
	loop := startLoop(t)
	e, err := New(loop)
	require.NoError(t, err)
	shutdownOnLoop(t, loop, e)

	var tr trace
	last := make(chan struct{})
	names := []string{"A", "B", "C"}
	for i, name := range names {
		job := &traceJob{trace: &tr, loop: loop, name: name}
		if i == len(names)-1 {
			job.done = last
		}
		require.NoError(t, e.Submit(job))
	}

	waitChan(t, last)

	assert.Equal(t, names, tr.filter("run:"))
	assert.Equal(t, names, tr.filter("finish:"))

	// each Finish happens after its own Run
	tr.mu.Lock()
	events := append([]string(nil), tr.events...)
	tr.mu.Unlock()
	index := make(map[string]int, len(events))
	for i, v := range events {
		index[v] = i
	}
	for _, name := range names {
		assert.Less(t, index["run:"+name], index["finish:"+name])
	}

	assert.Equal(t, 1, e.Stats().Runners)
}

func TestEngine_FinishNotInterleavedWithReactorWork(t *testing.T) {
	loop := startLoop(t)
	e, err := New(loop)
	require.NoError(t, err)
	shutdownOnLoop(t, loop, e)

	var (
		inFinish    bool
		overlapped  bool
		finished    atomic.Int32
		done        = make(chan struct{})
		stopTicking atomic.Bool
	)

	// reactor work competing with the Finish calls
	var tick func()
	tick = func() {
		if inFinish {
			overlapped = true
		}
		if !stopTicking.Load() {
			_ = loop.Submit(tick)
		}
	}
	require.NoError(t, loop.Submit(tick))

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, e.Submit(NewJob(
			func() { time.Sleep(100 * time.Microsecond) },
			func() {
				inFinish = true
				// reactor work cannot run in here
				time.Sleep(100 * time.Microsecond)
				inFinish = false
				if finished.Add(1) == n {
					close(done)
				}
			},
		)))
	}

	waitChan(t, done)
	stopTicking.Store(true)

	onLoop(t, loop, func() {
		assert.False(t, overlapped)
	})
}

func TestEngine_FinishMaySubmit(t *testing.T) {
	loop := startLoop(t)
	e, err := New(loop)
	require.NoError(t, err)
	shutdownOnLoop(t, loop, e)

	const depth = 20
	done := make(chan struct{})
	var submit func(i int)
	submit = func(i int) {
		assert.NoError(t, e.Submit(NewJob(nil, func() {
			if i == depth {
				close(done)
				return
			}
			submit(i + 1)
		})))
	}
	submit(1)

	waitChan(t, done)
	waitFor(t, func() bool { return e.Stats().Finished == depth })
}

func TestEngine_ResultLoopEmptyIsNoop(t *testing.T) {
	r := newFakeReactor()
	e, err := New(r, WithNotifierFactory((&countingFactory{}).open))
	require.NoError(t, err)
	shutdownEngine(t, e)

	// no notifier yet
	assert.Zero(t, e.ResultLoop())

	done := make(chan struct{})
	require.NoError(t, e.Submit(NewJob(func() { close(done) }, nil)))
	waitChan(t, done)
	waitFor(t, func() bool { return e.Stats().Ready == 1 })

	assert.Equal(t, 1, e.ResultLoop())

	// spurious
	start := time.Now()
	assert.Zero(t, e.ResultLoop())
	assert.Zero(t, e.ResultLoop())
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngine_CoalescedWakeupDeliversAll(t *testing.T) {
	r := newFakeReactor()
	factory := &countingFactory{}
	metrics := newRecordingMetrics()
	e, err := New(r, WithNotifierFactory(factory.open), WithMetrics(metrics))
	require.NoError(t, err)
	shutdownEngine(t, e)

	const k = 10
	for i := 0; i < k; i++ {
		require.NoError(t, e.Submit(NewJob(nil, nil)))
	}

	waitFor(t, func() bool { return e.Stats().Completed == k })

	n := factory.get(0)
	require.NotNil(t, n)
	// one wakeup stands for the whole batch
	assert.EqualValues(t, 1, n.notifies.Load())

	cb := r.callback(n.FD())
	require.NotNil(t, cb)
	cb(reactor.EventRead)

	stats := e.Stats()
	assert.EqualValues(t, k, stats.Finished)
	assert.Zero(t, stats.Ready)

	metrics.mu.Lock()
	assert.EqualValues(t, 1, metrics.wakeups)
	assert.Equal(t, k, metrics.submitted)
	assert.Equal(t, 1, metrics.runners)
	metrics.mu.Unlock()

	// the next completion signals again
	require.NoError(t, e.Submit(NewJob(nil, nil)))
	waitFor(t, func() bool { return e.Stats().Completed == k+1 })
	assert.EqualValues(t, 2, n.notifies.Load())
	assert.Equal(t, 1, e.ResultLoop())
}

func TestEngine_NotifierCreationFailure(t *testing.T) {
	r := newFakeReactor()
	factory := &countingFactory{err: unix.EMFILE}
	metrics := newRecordingMetrics()
	e, err := New(r, WithNotifierFactory(factory.open), WithMetrics(metrics))
	require.NoError(t, err)
	shutdownEngine(t, e)

	var ran atomic.Bool
	err = e.Submit(NewJob(func() { ran.Store(true) }, nil))

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "notifier", fatal.Op)
	assert.ErrorIs(t, err, unix.EMFILE)
	assert.Contains(t, err.Error(), unix.EMFILE.Error())

	assert.Equal(t, Stats{}, e.Stats())
	assert.Zero(t, r.registered())
	metrics.mu.Lock()
	assert.Equal(t, 1, metrics.rejected[RejectNotifier])
	metrics.mu.Unlock()

	// recovers once resources are available
	factory.setErr(nil)
	require.NoError(t, e.Submit(NewJob(func() { ran.Store(true) }, nil)))
	waitFor(t, func() bool { return e.Stats().Completed == 1 })
	assert.True(t, ran.Load())
	assert.Equal(t, 1, e.ResultLoop())
}

func TestEngine_NotifierRegisterFailure(t *testing.T) {
	r := newFakeReactor()
	r.registerErr = reactor.ErrFDOutOfRange
	factory := &countingFactory{}
	e, err := New(r, WithNotifierFactory(factory.open))
	require.NoError(t, err)
	shutdownEngine(t, e)

	err = e.Submit(NewJob(nil, nil))
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "notifier", fatal.Op)
	assert.ErrorIs(t, err, reactor.ErrFDOutOfRange)

	require.Equal(t, 1, factory.count())
	assert.True(t, factory.get(0).closed.Load())
	assert.Zero(t, e.Stats().Pending)
}

func TestEngine_RunnerStartFailure(t *testing.T) {
	r := newFakeReactor()
	e, err := New(r, WithNotifierFactory((&countingFactory{}).open))
	require.NoError(t, err)
	shutdownEngine(t, e)

	spawnErr := errors.New("thread limit reached")
	e.spawn = func(func()) error { return spawnErr }

	err = e.Submit(NewJob(nil, nil))
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "runner", fatal.Op)
	assert.ErrorIs(t, err, spawnErr)

	stats := e.Stats()
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Runners)
	assert.Zero(t, stats.Submitted)

	e.spawn = func(fn func()) error {
		go fn()
		return nil
	}
	require.NoError(t, e.Submit(NewJob(nil, nil)))
	waitFor(t, func() bool { return e.Stats().Completed == 1 })
}

func TestEngine_RunnerGrowthFailureIsNotFatal(t *testing.T) {
	r := newFakeReactor()
	e, err := New(r, WithRunners(4), WithNotifierFactory((&countingFactory{}).open))
	require.NoError(t, err)
	shutdownEngine(t, e)

	gate := make(chan struct{})
	require.NoError(t, e.Submit(NewJob(func() { <-gate }, nil)))
	waitFor(t, func() bool { return e.Stats().Executing == 1 })

	e.mu.Lock()
	e.spawn = func(func()) error { return errors.New("nope") }
	e.mu.Unlock()

	require.NoError(t, e.Submit(NewJob(nil, nil)))
	assert.Equal(t, 1, e.Stats().Runners)

	close(gate)
	waitFor(t, func() bool { return e.Stats().Completed == 2 })
}

func TestEngine_NotifierHangup(t *testing.T) {
	r := newFakeReactor()
	factory := &countingFactory{}
	e, err := New(r, WithNotifierFactory(factory.open))
	require.NoError(t, err)
	shutdownEngine(t, e)

	require.NoError(t, e.Submit(NewJob(nil, nil)))
	waitFor(t, func() bool { return e.Stats().Completed == 1 })

	first := factory.get(0)
	cb := r.callback(first.FD())
	require.NotNil(t, cb)

	cb(reactor.EventHangup)

	// not destroyed within its own callback
	assert.False(t, first.closed.Load())
	assert.Equal(t, 1, r.registered())

	require.Equal(t, 1, r.runDeferred())
	assert.True(t, first.closed.Load())

	// a duplicate event is ignored
	cb(reactor.EventError)
	assert.Zero(t, r.runDeferred())

	// the undelivered result gets a replacement notifier, already signalled
	require.Equal(t, 2, factory.count())
	second := factory.get(1)
	assert.Equal(t, 1, r.registered())
	assert.GreaterOrEqual(t, second.notifies.Load(), int32(1))

	r.callback(second.FD())(reactor.EventRead)
	assert.EqualValues(t, 1, e.Stats().Finished)
}

func TestEngine_NotifierHangupWhileRunning(t *testing.T) {
	r := newFakeReactor()
	factory := &countingFactory{}
	e, err := New(r, WithNotifierFactory(factory.open))
	require.NoError(t, err)
	shutdownEngine(t, e)

	gate := make(chan struct{})
	var finished atomic.Int32
	require.NoError(t, e.Submit(NewJob(func() { <-gate }, func() { finished.Add(1) })))
	waitFor(t, func() bool { return e.Stats().Executing == 1 })

	first := factory.get(0)
	r.callback(first.FD())(reactor.EventHangup)
	require.Equal(t, 1, r.runDeferred())
	assert.True(t, first.closed.Load())

	require.Equal(t, 2, factory.count())
	second := factory.get(1)
	require.NotNil(t, r.callback(second.FD()))

	// no further Submit: the completion must still be delivered
	close(gate)
	waitFor(t, func() bool { return second.notifies.Load() == 1 })
	assert.Equal(t, 1, e.Stats().Ready)

	r.callback(second.FD())(reactor.EventRead)
	assert.EqualValues(t, 1, finished.Load())
	assert.EqualValues(t, 1, e.Stats().Finished)
}

func TestEngine_NotifierHangupWhileIdle(t *testing.T) {
	r := newFakeReactor()
	factory := &countingFactory{}
	e, err := New(r, WithNotifierFactory(factory.open))
	require.NoError(t, err)
	shutdownEngine(t, e)

	require.NoError(t, e.Submit(NewJob(nil, nil)))
	waitFor(t, func() bool { return e.Stats().Completed == 1 })
	first := factory.get(0)
	r.callback(first.FD())(reactor.EventRead | reactor.EventHangup)
	require.EqualValues(t, 1, e.Stats().Finished)

	// nothing outstanding, so no replacement until the next Submit
	require.Equal(t, 1, r.runDeferred())
	assert.Zero(t, r.registered())
	assert.Equal(t, 1, factory.count())

	require.NoError(t, e.Submit(NewJob(nil, nil)))
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, 1, r.registered())
}

func TestEngine_NotifierReplacementFails(t *testing.T) {
	r := newFakeReactor()
	factory := &countingFactory{}
	e, err := New(r, WithNotifierFactory(factory.open))
	require.NoError(t, err)
	shutdownEngine(t, e)

	require.NoError(t, e.Submit(NewJob(nil, nil)))
	waitFor(t, func() bool { return e.Stats().Completed == 1 })

	r.callback(factory.get(0).FD())(reactor.EventHangup)
	factory.setErr(unix.EMFILE)
	require.Equal(t, 1, r.runDeferred())
	assert.Zero(t, r.registered())

	// the next Submit retries, picking up the pending result too
	factory.setErr(nil)
	require.NoError(t, e.Submit(NewJob(nil, nil)))
	require.Equal(t, 2, factory.count())
	second := factory.get(1)
	assert.GreaterOrEqual(t, second.notifies.Load(), int32(1))

	waitFor(t, func() bool { return e.Stats().Completed == 2 })
	r.callback(second.FD())(reactor.EventRead)
	assert.EqualValues(t, 2, e.Stats().Finished)
}

func TestEngine_ShutdownRunsQueuedJobs(t *testing.T) {
	r := newFakeReactor()
	factory := &countingFactory{}
	e, err := New(r, WithNotifierFactory(factory.open))
	require.NoError(t, err)

	gate := make(chan struct{})
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Submit(NewJob(func() {
			<-gate
			ran.Add(1)
		}, nil)))
	}

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- e.Shutdown(context.Background()) }()

	waitFor(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.closed
	})
	assert.ErrorIs(t, e.Submit(NewJob(nil, nil)), ErrEngineClosed)

	close(gate)
	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	assert.EqualValues(t, 5, ran.Load())
	assert.Equal(t, []RunnerState{RunnerStopped}, e.RunnerStates())
	assert.True(t, factory.get(0).closed.Load())
	assert.Zero(t, r.registered())

	// results remain for a final drain
	assert.Equal(t, 5, e.ResultLoop())

	assert.ErrorIs(t, e.Shutdown(context.Background()), ErrEngineClosed)
}

func TestEngine_ShutdownDiscard(t *testing.T) {
	r := newFakeReactor()
	e, err := New(r,
		WithNotifierFactory((&countingFactory{}).open),
		WithDiscardOnShutdown(true),
	)
	require.NoError(t, err)

	gate := make(chan struct{})
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Submit(NewJob(func() {
			<-gate
			ran.Add(1)
		}, nil)))
	}
	waitFor(t, func() bool { return e.Stats().Executing == 1 })

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- e.Shutdown(context.Background()) }()

	waitFor(t, func() bool { return e.Stats().Discarded == 4 })
	close(gate)

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	assert.EqualValues(t, 1, ran.Load())
	stats := e.Stats()
	assert.EqualValues(t, 1, stats.Completed)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, 1, e.ResultLoop())
}

func TestEngine_ShutdownContextExpires(t *testing.T) {
	r := newFakeReactor()
	factory := &countingFactory{}
	e, err := New(r, WithNotifierFactory(factory.open))
	require.NoError(t, err)

	gate := make(chan struct{})
	defer close(gate)
	require.NoError(t, e.Submit(NewJob(func() { <-gate }, nil)))
	waitFor(t, func() bool {
		states := e.RunnerStates()
		return len(states) == 1 && states[0] == RunnerExecuting
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)

	// notifier released regardless, the runner notifies into the void
	assert.True(t, factory.get(0).closed.Load())
	assert.Equal(t, []RunnerState{RunnerExecuting}, e.RunnerStates())
}

func TestEngine_IdleRunnersStop(t *testing.T) {
	r := newFakeReactor()
	e, err := New(r, WithRunners(3), WithNotifierFactory((&countingFactory{}).open))
	require.NoError(t, err)

	require.NoError(t, e.Submit(NewJob(nil, nil)))
	waitFor(t, func() bool {
		states := e.RunnerStates()
		return len(states) == 1 && states[0] == RunnerIdle
	})

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, []RunnerState{RunnerStopped}, e.RunnerStates())
}

func TestEngine_MultipleRunners(t *testing.T) {
	loop := startLoop(t)
	const n = 4
	e, err := New(loop, WithRunners(n))
	require.NoError(t, err)
	shutdownOnLoop(t, loop, e)

	// every job blocks until all n are running concurrently
	var (
		started  atomic.Int32
		barrier  = make(chan struct{})
		finished atomic.Int32
		done     = make(chan struct{})
		onReact  atomic.Int32
	)
	for i := 0; i < n; i++ {
		require.NoError(t, e.Submit(NewJob(
			func() {
				if started.Add(1) == n {
					close(barrier)
				}
				<-barrier
			},
			func() {
				if loop.IsLoopGoroutine() {
					onReact.Add(1)
				}
				if finished.Add(1) == n {
					close(done)
				}
			},
		)))
	}

	waitChan(t, done)
	assert.Equal(t, n, e.Stats().Runners)
	assert.EqualValues(t, n, onReact.Load())

	// never grows past the limit
	const more = 50
	var moreDone atomic.Int32
	allMore := make(chan struct{})
	for i := 0; i < more; i++ {
		require.NoError(t, e.Submit(NewJob(nil, func() {
			if moreDone.Add(1) == more {
				close(allMore)
			}
		})))
	}
	waitChan(t, allMore)
	assert.Equal(t, n, e.Stats().Runners)
}

type panicJob struct {
	recovered *PanicError
	finished  bool
}

func (x *panicJob) Run()                        { panic("run failed") }
func (x *panicJob) RunPanicked(err *PanicError) { x.recovered = err }
func (x *panicJob) Finish()                     { x.finished = true }

func TestEngine_Panics(t *testing.T) {
	loop := startLoop(t)
	metrics := newRecordingMetrics()
	e, err := New(loop, WithMetrics(metrics))
	require.NoError(t, err)
	shutdownOnLoop(t, loop, e)

	pj := &panicJob{}
	require.NoError(t, e.Submit(pj))
	require.NoError(t, e.Submit(NewJob(nil, func() { panic(errors.New("finish failed")) })))
	done := make(chan struct{})
	require.NoError(t, e.Submit(NewJob(nil, func() { close(done) })))

	waitChan(t, done)

	onLoop(t, loop, func() {
		assert.True(t, pj.finished)
		require.NotNil(t, pj.recovered)
		assert.Equal(t, PhaseRun, pj.recovered.Phase)
		assert.Equal(t, "run failed", pj.recovered.Value)
	})

	waitFor(t, func() bool { return e.Stats().Finished == 3 })
	metrics.mu.Lock()
	assert.Equal(t, 1, metrics.panics[PhaseRun])
	assert.Equal(t, 1, metrics.panics[PhaseFinish])
	metrics.mu.Unlock()
}

func TestEngine_SubmitRejections(t *testing.T) {
	r := newFakeReactor()
	metrics := newRecordingMetrics()
	e, err := New(r, WithMetrics(metrics))
	require.NoError(t, err)

	assert.ErrorIs(t, e.Submit(nil), ErrNilJob)
	require.NoError(t, e.Shutdown(context.Background()))
	assert.ErrorIs(t, e.Submit(NewJob(nil, nil)), ErrEngineClosed)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.rejected[RejectNilJob])
	assert.Equal(t, 1, metrics.rejected[RejectClosed])
}

func TestEngine_BothBackendsEndToEnd(t *testing.T) {
	for _, backend := range []Backend{BackendEventFD, BackendPipe} {
		t.Run(backend.String(), func(t *testing.T) {
			n, err := OpenNotifier(backend)
			if errors.Is(err, ErrBackendUnsupported) {
				t.Skip(err)
			}
			require.NoError(t, err)
			require.NoError(t, n.Close())

			loop := startLoop(t)
			e, err := New(loop, WithBackend(backend))
			require.NoError(t, err)
			shutdownOnLoop(t, loop, e)

			const jobs = 100
			var finished atomic.Int32
			done := make(chan struct{})
			for i := 0; i < jobs; i++ {
				require.NoError(t, e.Submit(NewJob(nil, func() {
					if finished.Add(1) == jobs {
						close(done)
					}
				})))
			}
			waitChan(t, done)
		})
	}
}

func TestFatalError(t *testing.T) {
	err := &FatalError{Op: "notifier", Err: unix.ENFILE}
	assert.Equal(t, "threadengine: fatal: notifier: "+unix.ENFILE.Error(), err.Error())
	assert.ErrorIs(t, err, unix.ENFILE)
	assert.Equal(t, "threadengine: fatal: runner", (&FatalError{Op: "runner"}).Error())
}

func TestPanicError(t *testing.T) {
	inner := errors.New("inner")
	err := &PanicError{Phase: PhaseFinish, Value: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "finish")
	assert.Nil(t, (&PanicError{Value: "x"}).Unwrap())
}
