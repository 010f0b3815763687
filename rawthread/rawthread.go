// Package rawthread starts fire-and-forget background goroutines that never
// report back through a job queue. It is independent of package
// threadengine, and shares no locks or state with it.
//
// A [Thread] carries an [ext.Store]. [Engine.Create] attaches a [*Handle] to
// it under [HandleKey], which [Engine.FreeThread] later removes.
package rawthread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-ircd/rawthread/ext"
	"github.com/joeycumines/logiface"
)

// HandleKey is the extension key a thread's *Handle is stored under.
const HandleKey = "goroutine"

var (
	// ErrClosed is returned by Create after Close.
	ErrClosed = errors.New("rawthread: engine closed")

	// ErrAlreadyStarted is returned by Create if the thread already has a
	// handle attached.
	ErrAlreadyStarted = errors.New("rawthread: thread already started")

	// ErrNotStarted is returned by Join for a thread with no handle.
	ErrNotStarted = errors.New("rawthread: thread not started")

	// ErrNilThread is returned by Create for a nil thread, or one without an
	// extension store.
	ErrNilThread = errors.New("rawthread: nil thread")
)

// Thread is a unit of background work with an attached extension store.
type Thread interface {
	Run()
	Extensions() *ext.Store
}

// Base implements the Extensions half of Thread, for embedding.
type Base struct {
	ext ext.Store
}

// Extensions returns the thread's store.
func (b *Base) Extensions() *ext.Store { return &b.ext }

// Handle tracks a running thread.
type Handle struct {
	started  time.Time
	panicVal any
	done     chan struct{}
	id       uint64
}

// ID is unique within the Engine that created the thread.
func (h *Handle) ID() uint64 { return h.id }

// Started is when Create was called.
func (h *Handle) Started() time.Time { return h.started }

// Done is closed once Run returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Panic returns the value Run panicked with, if any. Only valid after Done.
func (h *Handle) Panic() any {
	select {
	case <-h.done:
		return h.panicVal
	default:
		return nil
	}
}

// Engine creates threads.
type Engine struct {
	logger *logiface.Logger[logiface.Event]
	live   map[uint64]*Handle
	mu     sync.Mutex
	nextID uint64
	closed bool
}

// New creates an engine. The logger may be nil.
func New(logger *logiface.Logger[logiface.Event]) *Engine {
	return &Engine{
		logger: logger,
		live:   make(map[uint64]*Handle),
	}
}

// Create runs t.Run on a new goroutine. Panics are recovered and logged.
func (e *Engine) Create(t Thread) error {
	if t == nil || t.Extensions() == nil {
		return ErrNilThread
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	e.nextID++
	h := &Handle{
		id:      e.nextID,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	if !t.Extensions().Extend(HandleKey, h) {
		return ErrAlreadyStarted
	}
	e.live[h.id] = h

	go e.run(t, h)

	e.logger.Debug().
		Uint64("thread", h.id).
		Str("type", fmt.Sprintf("%T", t)).
		Log("rawthread: created")

	return nil
}

func (e *Engine) run(t Thread, h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			h.panicVal = r
			e.logger.Err().
				Uint64("thread", h.id).
				Any("panic", r).
				Log("rawthread: thread panicked")
		}
		e.mu.Lock()
		delete(e.live, h.id)
		e.mu.Unlock()
		close(h.done)
	}()
	t.Run()
}

// HandleOf returns the handle attached to t by Create.
func HandleOf(t Thread) (*Handle, bool) {
	return ext.GetAs[*Handle](t.Extensions(), HandleKey)
}

// Join waits for t to return from Run, or for ctx to be done.
func (e *Engine) Join(ctx context.Context, t Thread) error {
	h, ok := HandleOf(t)
	if !ok {
		return ErrNotStarted
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FreeThread detaches the handle from t, returning false if there was none.
// It does not wait for the thread; a thread that has been freed may be
// created again once it has returned.
func (e *Engine) FreeThread(t Thread) bool {
	_, ok := t.Extensions().Shrink(HandleKey)
	return ok
}

// Running returns the number of threads that have not returned.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Close stops Create accepting threads, then waits for every running thread
// to return, or for ctx to be done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	handles := make([]*Handle, 0, len(e.live))
	for _, h := range e.live {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
