package reactor

import (
	"sync"
)

const (
	// initialSlots covers the descriptors of a typical process without
	// growing.
	initialSlots = 1024
	// maxFD bounds the table, and so the memory a stray descriptor number
	// can cost.
	maxFD = 1 << 20
)

type fdSlot struct {
	callback IOCallback
	events   IOEvents
	inUse    bool
}

// fdTable maps descriptors to callbacks, indexed directly by fd.
//
// Mutations may come from any goroutine. Dispatch takes the read lock per
// event, and calls the callback after releasing it, so a callback may
// mutate the table, including removing itself.
type fdTable struct {
	slots []fdSlot
	mu    sync.RWMutex
	count int
}

func (t *fdTable) add(fd int, events IOEvents, cb IOCallback) error {
	if fd < 0 || fd >= maxFD {
		return ErrFDOutOfRange
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd >= len(t.slots) {
		size := max(initialSlots, len(t.slots))
		for size <= fd {
			size *= 2
		}
		slots := make([]fdSlot, min(size, maxFD))
		copy(slots, t.slots)
		t.slots = slots
	}

	if t.slots[fd].inUse {
		return ErrFDAlreadyRegistered
	}
	t.slots[fd] = fdSlot{callback: cb, events: events, inUse: true}
	t.count++

	return nil
}

// remove clears the slot, returning the events it was registered for.
func (t *fdTable) remove(fd int) (IOEvents, error) {
	if fd < 0 {
		return 0, ErrFDOutOfRange
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd >= len(t.slots) || !t.slots[fd].inUse {
		return 0, ErrFDNotRegistered
	}
	events := t.slots[fd].events
	t.slots[fd] = fdSlot{}
	t.count--

	return events, nil
}

// setEvents replaces the events of a slot, returning the previous events.
func (t *fdTable) setEvents(fd int, events IOEvents) (IOEvents, error) {
	if fd < 0 {
		return 0, ErrFDOutOfRange
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd >= len(t.slots) || !t.slots[fd].inUse {
		return 0, ErrFDNotRegistered
	}
	old := t.slots[fd].events
	t.slots[fd].events = events

	return old, nil
}

// lookup returns the callback for fd, or nil if it is not registered.
func (t *fdTable) lookup(fd int) IOCallback {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fd < 0 || fd >= len(t.slots) || !t.slots[fd].inUse {
		return nil
	}
	return t.slots[fd].callback
}

func (t *fdTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}
