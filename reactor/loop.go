package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("reactor: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("reactor: loop has been terminated")

	// ErrLoopRunning is returned by Close while Run has not returned.
	ErrLoopRunning = errors.New("reactor: loop is running")

	// ErrReentrantRun is returned when Run is called from within the loop itself.
	ErrReentrantRun = errors.New("reactor: cannot call Run from within the loop")
)

// LoopState models the lifecycle of a Loop.
type LoopState int32

const (
	// StateAwake is the initial state, prior to Run.
	StateAwake LoopState = iota
	// StateRunning indicates Run is in progress.
	StateRunning
	// StateTerminated indicates Run has returned, and the loop may not be reused.
	StateTerminated
)

// String returns the string representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("LoopState(%d)", int32(s))
	}
}

// Loop is a single-goroutine reactor. See the package documentation.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	logger *logiface.Logger[logiface.Event]

	poller poller

	// wake-up mechanism, an eventfd on Linux (wakeFd == wakeWriteFd)
	wakeFd      int
	wakeWriteFd int
	wakeBuf     [64]byte
	wakePending atomic.Bool

	// guards tasks and deferred
	mu       sync.Mutex
	tasks    []func()
	deferred []func()

	state           atomic.Int32
	stopRequested   atomic.Bool
	loopGoroutineID atomic.Uint64

	pollTimeout time.Duration
	tickCount   uint64

	closeOnce sync.Once
	closeErr  error
}

// New creates a new loop, allocating its poller and wake-up descriptors.
// [Loop.Close] must be called to release them.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, fmt.Errorf("reactor: create wake fd: %w", err)
	}

	l := &Loop{
		logger:      cfg.logger,
		pollTimeout: cfg.pollTimeout,
		wakeFd:      wakeFd,
		wakeWriteFd: wakeWriteFd,
	}

	if err := l.poller.Init(); err != nil {
		l.closeWakeFds()
		return nil, fmt.Errorf("reactor: init poller: %w", err)
	}

	if err := l.poller.RegisterFD(wakeFd, EventRead, func(IOEvents) {
		l.drainWakeUp()
	}); err != nil {
		_ = l.poller.Close()
		l.closeWakeFds()
		return nil, fmt.Errorf("reactor: register wake fd: %w", err)
	}

	return l, nil
}

// Run runs the loop on the calling goroutine, blocking until ctx is done,
// Stop is called, or polling fails. It returns ctx.Err() if ctx ended the
// loop, nil after Stop, or the poll error.
//
// Pending tasks and deferred functions are run before Run returns. A loop
// may only be run once.
func (l *Loop) Run(ctx context.Context) error {
	if l.IsLoopGoroutine() {
		return ErrReentrantRun
	}

	if !l.state.CompareAndSwap(int32(StateAwake), int32(StateRunning)) {
		if l.State() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Debug().Log("reactor started")

	var err error
	for {
		if err = ctx.Err(); err != nil {
			break
		}
		if l.stopRequested.Load() {
			break
		}
		if err = l.tick(); err != nil {
			l.logger.Crit().Err(err).Log("reactor poll failed, terminating loop")
			break
		}
	}

	// drain anything queued prior to termination, which may itself queue
	// more, marking the loop terminated only once the queues are observed
	// empty under the lock
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 && len(l.deferred) == 0 {
			l.state.Store(int32(StateTerminated))
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()
		l.runTasks()
		l.runDeferred()
	}

	l.logger.Debug().Uint64("ticks", l.tickCount).Log("reactor stopped")

	return err
}

// tick is a single iteration of the loop.
func (l *Loop) tick() error {
	l.tickCount++

	l.runTasks()

	timeout := int(l.pollTimeout.Milliseconds())
	if l.hasPending() {
		timeout = 0
	}

	if _, err := l.poller.PollIO(timeout); err != nil {
		return err
	}

	l.runDeferred()

	return nil
}

// Stop requests that Run return, after the current tick. Safe to call from
// any goroutine, including the loop's.
func (l *Loop) Stop() {
	l.stopRequested.Store(true)
	l.wake()
}

// Submit queues fn to run on the loop goroutine, at the start of the next
// tick. Safe to call from any goroutine.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.State() == StateTerminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	if !l.IsLoopGoroutine() {
		l.wake()
	}

	return nil
}

// Defer queues fn to run on the loop goroutine, after the I/O dispatch of
// the current (or next) tick completes. It is intended for releasing
// objects from within their own callbacks.
//
// If the loop has already terminated, fn is called immediately, by the
// caller, as there is no longer any concurrent dispatch to protect.
func (l *Loop) Defer(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.State() == StateTerminated {
		l.mu.Unlock()
		fn()
		return
	}
	l.deferred = append(l.deferred, fn)
	l.mu.Unlock()

	if !l.IsLoopGoroutine() {
		l.wake()
	}
}

// RegisterFD registers a file descriptor for I/O monitoring.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	return l.poller.RegisterFD(fd, events, cb)
}

// UnregisterFD removes a file descriptor from monitoring.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.UnregisterFD(fd)
}

// ModifyFD updates the events being monitored for a file descriptor.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.ModifyFD(fd, events)
}

// Registered returns the number of registered descriptors, excluding the
// loop's own wake-up descriptor.
func (l *Loop) Registered() int {
	return l.poller.table.len() - 1
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return LoopState(l.state.Load())
}

// IsLoopGoroutine reports whether the caller is running on the loop
// goroutine, i.e. within Run.
func (l *Loop) IsLoopGoroutine() bool {
	id := l.loopGoroutineID.Load()
	if id == 0 {
		return false
	}
	return getGoroutineID() == id
}

// Close releases the poller and wake-up descriptors. It must not be called
// while Run is in progress. Idempotent.
func (l *Loop) Close() error {
	if l.State() == StateRunning {
		return ErrLoopRunning
	}
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state.Store(int32(StateTerminated))
		l.mu.Unlock()
		l.closeErr = l.poller.Close()
		l.closeWakeFds()
	})
	return l.closeErr
}

func (l *Loop) hasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) != 0 || len(l.deferred) != 0
}

// runTasks runs the currently queued tasks, returning how many ran.
func (l *Loop) runTasks() int {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		l.safeExecute(fn)
	}
	return len(tasks)
}

// runDeferred runs the currently deferred functions, returning how many ran.
func (l *Loop) runDeferred() int {
	l.mu.Lock()
	deferred := l.deferred
	l.deferred = nil
	l.mu.Unlock()

	for _, fn := range deferred {
		l.safeExecute(fn)
	}
	return len(deferred)
}

// safeExecute executes fn with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().Any("panic", r).Log("reactor: task panicked")
		}
	}()
	fn()
}

// wake writes to the wake-up descriptor, unless a wake-up is already pending.
func (l *Loop) wake() {
	if !l.wakePending.CompareAndSwap(false, true) {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeWriteFd, buf[:]); err != nil && err != unix.EAGAIN {
		// EBADF etc. are expected once closed
		l.wakePending.Store(false)
	}
}

// drainWakeUp drains the wake-up descriptor.
func (l *Loop) drainWakeUp() {
	l.wakePending.Store(false)
	for {
		if _, err := unix.Read(l.wakeFd, l.wakeBuf[:]); err != nil {
			break
		}
	}
}

func (l *Loop) closeWakeFds() {
	_ = unix.Close(l.wakeFd)
	if l.wakeWriteFd != l.wakeFd {
		_ = unix.Close(l.wakeWriteFd)
	}
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
