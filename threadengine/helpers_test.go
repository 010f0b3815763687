package threadengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-ircd/reactor"
)

// fakeReactor lets the test goroutine act as the reactor.
type fakeReactor struct {
	registerErr  error
	callbacks    map[int]reactor.IOCallback
	deferred     []func()
	unregistered []int
	mu           sync.Mutex
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{callbacks: make(map[int]reactor.IOCallback)}
}

func (r *fakeReactor) RegisterFD(fd int, _ reactor.IOEvents, cb reactor.IOCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registerErr != nil {
		return r.registerErr
	}
	if _, ok := r.callbacks[fd]; ok {
		return reactor.ErrFDAlreadyRegistered
	}
	r.callbacks[fd] = cb
	return nil
}

func (r *fakeReactor) UnregisterFD(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.callbacks[fd]; !ok {
		return reactor.ErrFDNotRegistered
	}
	delete(r.callbacks, fd)
	r.unregistered = append(r.unregistered, fd)
	return nil
}

func (r *fakeReactor) Defer(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred = append(r.deferred, fn)
}

func (r *fakeReactor) callback(fd int) reactor.IOCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callbacks[fd]
}

func (r *fakeReactor) registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

func (r *fakeReactor) runDeferred() int {
	r.mu.Lock()
	deferred := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	for _, fn := range deferred {
		fn()
	}
	return len(deferred)
}

// countingNotifier wraps a real notifier, counting calls.
type countingNotifier struct {
	Notifier
	notifies atomic.Int32
	closed   atomic.Bool
}

func (x *countingNotifier) Notify() error {
	x.notifies.Add(1)
	return x.Notifier.Notify()
}

func (x *countingNotifier) Close() error {
	x.closed.Store(true)
	return x.Notifier.Close()
}

// countingFactory creates pipe-backed countingNotifier instances, and may be
// made to fail.
type countingFactory struct {
	err       error
	notifiers []*countingNotifier
	mu        sync.Mutex
}

func (f *countingFactory) open() (Notifier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n, err := OpenNotifier(BackendPipe)
	if err != nil {
		return nil, err
	}
	c := &countingNotifier{Notifier: n}
	f.notifiers = append(f.notifiers, c)
	return c, nil
}

func (f *countingFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *countingFactory) get(i int) *countingNotifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.notifiers) {
		return nil
	}
	return f.notifiers[i]
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifiers)
}

// startLoop runs a real reactor in the background, for the duration of the
// test.
func startLoop(t *testing.T) *reactor.Loop {
	t.Helper()

	loop, err := reactor.New(reactor.WithPollTimeout(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("timed out waiting for Run to return")
		}
		_ = loop.Close()
	})

	waitFor(t, func() bool { return loop.State() == reactor.StateRunning })

	return loop
}

// onLoop runs fn on the loop goroutine, waiting for it to return.
func onLoop(t *testing.T, loop *reactor.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if err := loop.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitChan(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel")
	}
}

// shutdownOnLoop is a cleanup helper for engines driven by a real loop. It
// shuts down on the loop goroutine, then finishes any undelivered results,
// as the reactor's owner would. Must be called after startLoop, so that it
// runs before the loop is stopped.
func shutdownOnLoop(t *testing.T, loop *reactor.Loop, e *Engine) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		onLoop(t, loop, func() {
			err = e.Shutdown(ctx)
			e.ResultLoop()
		})
		if err != nil && !errors.Is(err, ErrEngineClosed) {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
}

// shutdownEngine is a cleanup helper for engines driven by a fakeReactor,
// where the test goroutine plays the reactor.
func shutdownEngine(t *testing.T, e *Engine) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(ctx); err != nil && !errors.Is(err, ErrEngineClosed) {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
}

// recordingMetrics counts metrics calls.
type recordingMetrics struct {
	rejected  map[string]int
	panics    map[Phase]int
	submitted int
	runners   int
	wakeups   uint64
	durations int
	mu        sync.Mutex
}

var _ Metrics = (*recordingMetrics)(nil)

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		rejected: make(map[string]int),
		panics:   make(map[Phase]int),
	}
}

func (m *recordingMetrics) RecordJobSubmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted++
}

func (m *recordingMetrics) RecordJobRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}

func (m *recordingMetrics) RecordJobDuration(Phase, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *recordingMetrics) RecordJobPanic(phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics[phase]++
}

func (m *recordingMetrics) RecordQueueDepth(Queue, int) {}

func (m *recordingMetrics) RecordRunners(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners = n
}

func (m *recordingMetrics) RecordWakeup(count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakeups += count
}
