package server

import (
	"errors"
	"fmt"
	"net"

	"github.com/joeycumines/go-ircd/reactor"
	"golang.org/x/sys/unix"
)

// listenBacklog is the accept queue length requested from the kernel.
const listenBacklog = 128

// listen binds a non-blocking TCP socket, and registers it with the reactor.
func (s *Server) listen(address string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", address, err)
	}

	domain, sa := sockaddrOf(tcpAddr)

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("server: listen %s: socket: %w", address, err)
	}

	if err := setupListener(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("server: listen %s: %w", address, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("server: listen %s: getsockname: %w", address, err)
	}
	s.addr = tcpAddrOf(bound)

	if err := s.loop.RegisterFD(fd, reactor.EventRead, s.onAccept); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("server: listen %s: %w", address, err)
	}

	s.listenFd = fd

	return nil
}

func setupListener(fd int, sa unix.Sockaddr) error {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set nonblock: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set reuseaddr: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func sockaddrOf(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

func tcpAddrOf(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	default:
		return &net.TCPAddr{}
	}
}

// onAccept accepts every pending connection. Runs on the reactor.
func (s *Server) onAccept(events reactor.IOEvents) {
	if events&(reactor.EventError|reactor.EventHangup) != 0 {
		s.logger.Crit().Log("listening socket failed, stopping")
		s.loop.Stop()
		return
	}

	for {
		fd, sa, err := unix.Accept(s.listenFd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				// e.g. EMFILE, retried on the next readiness event
				s.logger.Warning().Err(err).Log("accept failed")
			}
			return
		}

		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			s.logger.Warning().Err(err).Log("accept: set nonblock failed")
			_ = unix.Close(fd)
			continue
		}

		s.addClient(fd, tcpAddrOf(sa))
	}
}
