//go:build unix

package threadengine

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// pipeDrainSize is the chunk size Drain reads with.
const pipeDrainSize = 64

type pipeNotifier struct {
	// held for read by Notify and Drain, for write by Close
	mu      sync.RWMutex
	readFd  int
	writeFd int
	closed  bool
}

func newPipeNotifier() (Notifier, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, fmt.Errorf("pipe: set nonblock: %w", err)
		}
	}
	return &pipeNotifier{readFd: fds[0], writeFd: fds[1]}, nil
}

func (x *pipeNotifier) Backend() Backend { return BackendPipe }

func (x *pipeNotifier) FD() int { return x.readFd }

func (x *pipeNotifier) Notify() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrNotifierClosed
	}
	if _, err := unix.Write(x.writeFd, []byte{1}); err != nil {
		if err == unix.EAGAIN {
			// pipe full, a wakeup is already pending
			return nil
		}
		return fmt.Errorf("pipe write: %w", err)
	}
	return nil
}

func (x *pipeNotifier) Drain() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, ErrNotifierClosed
	}
	var (
		buf   [pipeDrainSize]byte
		total uint64
	)
	for {
		n, err := unix.Read(x.readFd, buf[:])
		if n > 0 {
			total += uint64(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return total, nil
			}
			return total, fmt.Errorf("pipe read: %w", err)
		}
		if n < len(buf) {
			return total, nil
		}
	}
}

func (x *pipeNotifier) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	err := unix.Close(x.readFd)
	if err2 := unix.Close(x.writeFd); err == nil {
		err = err2
	}
	return err
}
