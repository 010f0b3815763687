package reactor

import (
	"errors"
)

// IOEvents is a set of readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

var (
	ErrFDOutOfRange        = errors.New("reactor: fd out of range")
	ErrFDAlreadyRegistered = errors.New("reactor: fd already registered")
	ErrFDNotRegistered     = errors.New("reactor: fd not registered")
	ErrPollerClosed        = errors.New("reactor: poller closed")
)

// IOCallback receives the readiness conditions reported for a descriptor.
// It is always called on the loop goroutine.
type IOCallback func(IOEvents)
