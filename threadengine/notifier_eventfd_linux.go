//go:build linux

package threadengine

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type eventFDNotifier struct {
	// held for read by Notify and Drain, for write by Close
	mu     sync.RWMutex
	fd     int
	closed bool
}

func newEventFDNotifier() (Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &eventFDNotifier{fd: fd}, nil
}

func (x *eventFDNotifier) Backend() Backend { return BackendEventFD }

func (x *eventFDNotifier) FD() int { return x.fd }

func (x *eventFDNotifier) Notify() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrNotifierClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(x.fd, buf[:]); err != nil {
		if err == unix.EAGAIN {
			// counter saturated, the reader has plenty to wake it
			return nil
		}
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (x *eventFDNotifier) Drain() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, ErrNotifierClosed
	}
	var buf [8]byte
	if _, err := unix.Read(x.fd, buf[:]); err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, fmt.Errorf("eventfd read: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (x *eventFDNotifier) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return unix.Close(x.fd)
}
