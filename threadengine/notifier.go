package threadengine

import (
	"errors"
	"fmt"
	"strings"
)

// Notifier is a cross-goroutine wakeup primitive, exposed to the reactor as
// a pollable file descriptor, which becomes readable after Notify.
type Notifier interface {
	// FD returns the descriptor to poll for readability.
	FD() int

	// Notify signals the descriptor. It is safe to call from any goroutine,
	// concurrently with itself, Drain, and Close, and never blocks.
	Notify() error

	// Drain consumes any pending signals without blocking, returning the
	// accumulated count. For the pipe backend this is a byte count, which may
	// not correspond to the number of Notify calls.
	Drain() (uint64, error)

	// Close releases the descriptor(s). Idempotent.
	Close() error
}

// NotifierFactory creates a Notifier. See [WithNotifierFactory].
type NotifierFactory func() (Notifier, error)

// Backend selects a Notifier implementation.
type Backend int

const (
	// BackendAuto uses BackendEventFD if available, else BackendPipe.
	BackendAuto Backend = iota
	// BackendEventFD is a Linux eventfd: a kernel counter, incremented by
	// Notify, read and reset by Drain.
	BackendEventFD
	// BackendPipe is a non-blocking self-pipe: Notify writes one byte, Drain
	// reads until empty.
	BackendPipe
)

// String returns the string representation of the backend.
func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendEventFD:
		return "eventfd"
	case BackendPipe:
		return "pipe"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend parses the String form of a Backend. The empty string is
// BackendAuto.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BackendAuto, nil
	case "eventfd":
		return BackendEventFD, nil
	case "pipe":
		return BackendPipe, nil
	default:
		return 0, fmt.Errorf("threadengine: unknown backend %q", s)
	}
}

// OpenNotifier creates a notifier using the given backend. BackendAuto
// tries eventfd at runtime, falling back to a pipe.
func OpenNotifier(b Backend) (Notifier, error) {
	switch b {
	case BackendEventFD:
		return newEventFDNotifier()
	case BackendPipe:
		return newPipeNotifier()
	case BackendAuto:
		n, err := newEventFDNotifier()
		if err == nil {
			return n, nil
		}
		n, pipeErr := newPipeNotifier()
		if pipeErr != nil {
			return nil, errors.Join(err, pipeErr)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrBackendUnsupported, b)
	}
}

// BackendOf reports the backend of a notifier created by [OpenNotifier], or
// BackendAuto if unknown.
func BackendOf(n Notifier) Backend {
	if v, ok := n.(interface{ Backend() Backend }); ok {
		return v.Backend()
	}
	return BackendAuto
}
