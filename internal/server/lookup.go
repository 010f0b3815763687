package server

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-ircd/internal/resolver"
	"github.com/joeycumines/go-ircd/threadengine"
)

// startLookup begins the hostname lookup for a new client, unless lookups
// are disabled or rate limited. Registration waits for it to complete.
func (s *Server) startLookup(c *client) {
	if !s.lookups || s.resolver == nil {
		return
	}

	if next, ok := s.resolver.Allow(c.ip); !ok {
		s.logger.Debug().
			Stringer("client", c.id).
			Str("addr", c.ip).
			Dur("retry_in", time.Until(next)).
			Log("hostname lookup rate limited")
		s.notice(c, "Hostname lookup rate limited, using your IP address instead")
		return
	}

	fd, id := c.fd, c.id
	job := s.resolver.NewJob(c.ip, func(result resolver.Result) {
		s.lookupDone(fd, id, result)
	})

	if err := s.engine.Submit(job); err != nil {
		var fatal *threadengine.FatalError
		if errors.As(err, &fatal) {
			s.logger.Warning().Err(err).Log("job engine unavailable, disabling hostname lookups")
			s.lookups = false
		} else {
			s.logger.Warning().Err(err).Log("hostname lookup not started")
		}
		s.notice(c, "Couldn't look up your hostname")
		return
	}

	c.lookup = true
	s.notice(c, "Looking up your hostname...")
}

// lookupDone is called on the reactor goroutine when a lookup completes.
func (s *Server) lookupDone(fd int, id uuid.UUID, result resolver.Result) {
	c := s.clientByID(fd, id)
	if c == nil {
		// disconnected while the lookup was in flight
		return
	}

	c.lookup = false

	if result.Err != nil {
		s.notice(c, "Couldn't look up your hostname")
	} else {
		c.host = result.Hostname
		s.notice(c, "Found your hostname")
	}

	s.register(c)
	s.flush(c)
}
