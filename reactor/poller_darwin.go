//go:build darwin

package reactor

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller is the kqueue backend. Read and write readiness are separate
// filters, so one descriptor may be reported twice by a single poll.
type poller struct {
	table  fdTable
	ready  [128]unix.Kevent_t
	kq     int
	closed atomic.Bool
}

func (p *poller) Init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.kq)
}

func (p *poller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := p.table.add(fd, events, cb); err != nil {
		return err
	}
	if err := p.change(fd, events, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		_, _ = p.table.remove(fd)
		return err
	}
	return nil
}

// UnregisterFD stops monitoring fd. See the epoll backend regarding closing
// the descriptor.
func (p *poller) UnregisterFD(fd int) error {
	events, err := p.table.remove(fd)
	if err != nil {
		return err
	}
	if !p.closed.Load() {
		// fails harmlessly if fd was already closed
		_ = p.change(fd, events, unix.EV_DELETE)
	}
	return nil
}

func (p *poller) ModifyFD(fd int, events IOEvents) error {
	old, err := p.table.setEvents(fd, events)
	if err != nil {
		return err
	}
	_ = p.change(fd, old&^events, unix.EV_DELETE)
	return p.change(fd, events&^old, unix.EV_ADD|unix.EV_ENABLE)
}

// change applies flags to the filter of each of events.
func (p *poller) change(fd int, events IOEvents, flags uint16) error {
	changes := make([]unix.Kevent_t, 0, 2)
	for _, filter := range [...]struct {
		event  IOEvents
		filter int16
	}{
		{EventRead, unix.EVFILT_READ},
		{EventWrite, unix.EVFILT_WRITE},
	} {
		if events&filter.event != 0 {
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: filter.filter, Flags: flags})
		}
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return fmt.Errorf("reactor: kevent fd %d: %w", fd, err)
	}
	return nil
}

// PollIO waits up to timeoutMs for readiness, negative meaning no limit,
// then calls the callback of each ready descriptor. It returns the number of
// events.
func (p *poller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	var timeout *unix.Timespec
	if timeoutMs >= 0 {
		ts := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		timeout = &ts
	}

	n, err := unix.Kevent(p.kq, nil, p.ready[:], timeout)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reactor: kevent: %w", err)
	}

	for i := range n {
		ev := &p.ready[i]
		if cb := p.table.lookup(int(ev.Ident)); cb != nil {
			cb(fromKevent(ev))
		}
	}

	return n, nil
}

func fromKevent(ev *unix.Kevent_t) (events IOEvents) {
	switch ev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if ev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if ev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
