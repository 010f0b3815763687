//go:build darwin

package reactor

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates a non-blocking, close-on-exec self-pipe for wake-up
// notifications. Returns the read end and the write end of the pipe.
func createWakeFd() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}

	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return 0, 0, err
		}
	}

	return fds[0], fds[1], nil
}
