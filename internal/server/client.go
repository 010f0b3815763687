package server

import (
	"bytes"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-ircd/reactor"
	"golang.org/x/sys/unix"
)

const (
	// maxLineLength is the longest line accepted, including the CRLF.
	maxLineLength = 512
	// maxSendQ bounds the pending output of a single client.
	maxSendQ = 1 << 20
	readChunk = 4096
)

// client is a connection. Owned by the reactor goroutine.
//
// The fd of a closed client may be reused by a later connection, so
// anything that outlives a callback identifies the client by id.
type client struct {
	connected time.Time
	addr      *net.TCPAddr
	ip        string
	host      string
	nick      string
	user      string
	realname  string
	in        []byte
	out       []byte
	fd        int
	id        uuid.UUID
	writing   bool
	lookup    bool
	welcomed  bool
	closing   bool
	closed    bool
}

func (c *client) prefix() string {
	return c.nick + "!" + c.user + "@" + c.host
}

// target is the name used in numeric replies.
func (c *client) target() string {
	if c.nick == "" {
		return "*"
	}
	return c.nick
}

// addClient takes ownership of an accepted connection.
func (s *Server) addClient(fd int, addr *net.TCPAddr) {
	c := &client{
		connected: time.Now(),
		addr:      addr,
		ip:        addr.IP.String(),
		fd:        fd,
		id:        uuid.New(),
	}
	c.host = c.ip

	if len(s.clients) >= s.cfg.Server.MaxClients {
		s.logger.Notice().
			Str("addr", addr.String()).
			Int("max_clients", s.cfg.Server.MaxClients).
			Log("rejecting connection, server full")
		_, _ = unix.Write(fd, []byte("ERROR :Closing link: ("+c.ip+") [Server full]\r\n"))
		_ = unix.Close(fd)
		return
	}

	if err := s.loop.RegisterFD(fd, reactor.EventRead, func(events reactor.IOEvents) {
		s.onClientEvents(c, events)
	}); err != nil {
		s.logger.Err().Err(err).Str("addr", addr.String()).Log("failed to register client")
		_ = unix.Close(fd)
		return
	}

	s.clients[fd] = c

	s.logger.Info().
		Stringer("client", c.id).
		Str("addr", addr.String()).
		Int("clients", len(s.clients)).
		Log("client connected")

	s.startLookup(c)
	s.flush(c)
}

// clientByID resolves a client which may have disconnected.
func (s *Server) clientByID(fd int, id uuid.UUID) *client {
	if c, ok := s.clients[fd]; ok && c.id == id && !c.closed {
		return c
	}
	return nil
}

func (s *Server) onClientEvents(c *client, events reactor.IOEvents) {
	if c.closed {
		return
	}
	if events&reactor.EventError != 0 {
		s.closeClient(c, "connection error")
		return
	}
	if events&reactor.EventWrite != 0 {
		s.flush(c)
		if c.closed {
			return
		}
	}
	if events&(reactor.EventRead|reactor.EventHangup) != 0 {
		s.read(c)
	}
}

// read consumes all available input, handling each complete line.
func (s *Server) read(c *client) {
	var buf [readChunk]byte
	for !c.closed && !c.closing {
		n, err := unix.Read(c.fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				break
			}
			s.closeClient(c, err.Error())
			return
		}
		if n == 0 {
			s.closeClient(c, "connection closed")
			return
		}
		c.in = append(c.in, buf[:n]...)
		s.handleInput(c)
		if n < len(buf) {
			break
		}
	}
	s.flush(c)
}

// handleInput dispatches each complete line in c.in.
func (s *Server) handleInput(c *client) {
	for !c.closed && !c.closing {
		i := bytes.IndexByte(c.in, '\n')
		if i < 0 {
			if len(c.in) > maxLineLength {
				s.sendError(c, "Line too long")
				s.quit(c, "line too long")
			}
			return
		}
		line := bytes.TrimRight(c.in[:i], "\r")
		if len(line) > maxLineLength-2 {
			line = line[:maxLineLength-2]
		}
		if len(line) != 0 {
			s.handleLine(c, string(line))
		}
		c.in = c.in[i+1:]
	}
}

// send queues a line for the client. Output is written by flush.
func (s *Server) send(c *client, line string) {
	if c.closed {
		return
	}
	if len(c.out)+len(line)+2 > maxSendQ {
		s.logger.Warning().Stringer("client", c.id).Log("send queue exceeded")
		s.closeClient(c, "send queue exceeded")
		return
	}
	c.out = append(c.out, line...)
	c.out = append(c.out, '\r', '\n')
}

func (s *Server) sendError(c *client, reason string) {
	s.send(c, "ERROR :Closing link: ("+c.user+"@"+c.host+") ["+reason+"]")
}

// flush writes as much pending output as the socket accepts, waiting for
// writability if any remains. A closing client is closed once drained.
func (s *Server) flush(c *client) {
	if c.closed {
		return
	}
	for len(c.out) != 0 {
		n, err := unix.Write(c.fd, c.out)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				break
			}
			s.closeClient(c, err.Error())
			return
		}
		c.out = c.out[n:]
	}

	if len(c.out) == 0 {
		c.out = nil
		if c.closing {
			s.closeClient(c, "")
			return
		}
	}

	if writing := len(c.out) != 0; writing != c.writing {
		events := reactor.EventRead
		if writing {
			events |= reactor.EventWrite
		}
		if err := s.loop.ModifyFD(c.fd, events); err != nil {
			s.closeClient(c, err.Error())
			return
		}
		c.writing = writing
	}
}

// quit closes the client once its output has been written.
func (s *Server) quit(c *client, reason string) {
	if c.closing || c.closed {
		return
	}
	c.closing = true
	s.logger.Debug().Stringer("client", c.id).Str("reason", reason).Log("client quitting")
}

// closeClient releases the client immediately. The descriptor itself is
// closed after the current dispatch.
func (s *Server) closeClient(c *client, reason string) {
	if c.closed {
		return
	}
	c.closed = true

	delete(s.clients, c.fd)
	if c.nick != "" && s.nicks[foldNick(c.nick)] == c {
		delete(s.nicks, foldNick(c.nick))
	}

	if err := s.loop.UnregisterFD(c.fd); err != nil && !errors.Is(err, reactor.ErrFDNotRegistered) {
		s.logger.Warning().Err(err).Stringer("client", c.id).Log("failed to unregister client")
	}
	fd := c.fd
	s.loop.Defer(func() { _ = unix.Close(fd) })

	s.logger.Info().
		Stringer("client", c.id).
		Str("nick", c.nick).
		Str("reason", reason).
		Dur("connected", time.Since(c.connected)).
		Int("clients", len(s.clients)).
		Log("client disconnected")
}
