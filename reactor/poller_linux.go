//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller is the epoll backend. Level triggered, so a callback that does not
// consume all input is called again on the next tick.
type poller struct {
	table  fdTable
	ready  [128]unix.EpollEvent
	epfd   int
	closed atomic.Bool
}

func (p *poller) Init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	p.epfd = epfd
	return nil
}

func (p *poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func (p *poller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := p.table.add(fd, events, cb); err != nil {
		return err
	}
	if err := p.control(unix.EPOLL_CTL_ADD, fd, events); err != nil {
		_, _ = p.table.remove(fd)
		return err
	}
	return nil
}

// UnregisterFD stops monitoring fd. When called off the loop goroutine, a
// dispatch already in progress may still call the callback once, so closing
// fd should be left to [Loop.Defer].
func (p *poller) UnregisterFD(fd int) error {
	if _, err := p.table.remove(fd); err != nil {
		return err
	}
	if p.closed.Load() {
		return nil
	}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		// already closed, which removes it from the epoll set
		return nil
	}
	return err
}

func (p *poller) ModifyFD(fd int, events IOEvents) error {
	if _, err := p.table.setEvents(fd, events); err != nil {
		return err
	}
	return p.control(unix.EPOLL_CTL_MOD, fd, events)
}

func (p *poller) control(op int, fd int, events IOEvents) error {
	var mask uint32
	if events&EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

// PollIO waits up to timeoutMs for readiness, negative meaning no limit,
// then calls the callback of each ready descriptor. It returns the number of
// ready descriptors.
func (p *poller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.ready[:], timeoutMs)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	for i := range n {
		ev := p.ready[i]
		// looked up per event, as an earlier callback may have unregistered it
		if cb := p.table.lookup(int(ev.Fd)); cb != nil {
			cb(fromEpoll(ev.Events))
		}
	}

	return n, nil
}

func fromEpoll(mask uint32) (events IOEvents) {
	if mask&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if mask&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if mask&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}
