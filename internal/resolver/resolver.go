// Package resolver performs forward-confirmed reverse DNS lookups of client
// addresses, as threadengine jobs, so that the blocking lookups never run
// on the reactor.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

var (
	// ErrNotConfirmed indicates none of the names an address resolved to
	// resolve back to it.
	ErrNotConfirmed = errors.New("resolver: hostname does not resolve back to address")

	// ErrNoNames indicates the address has no PTR records.
	ErrNoNames = errors.New("resolver: no names for address")
)

// Lookuper is the subset of *net.Resolver used.
type Lookuper interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var _ Lookuper = (*net.Resolver)(nil)

// Resolver creates lookup jobs. It is not safe for concurrent use, and is
// intended to be owned by the reactor goroutine. The jobs it creates capture
// everything they need at creation.
type Resolver struct {
	lookuper Lookuper
	limiter  *catrate.Limiter
	logger   *logiface.Logger[logiface.Event]
	timeout  time.Duration
}

// New creates a resolver. A nil lookuper uses net.DefaultResolver. An empty
// rates map disables rate limiting.
func New(lookuper Lookuper, timeout time.Duration, rates map[time.Duration]int, logger *logiface.Logger[logiface.Event]) (*Resolver, error) {
	if lookuper == nil {
		lookuper = net.DefaultResolver
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("resolver: timeout must be positive")
	}
	limiter, err := NewLimiter(rates)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		lookuper: lookuper,
		limiter:  limiter,
		logger:   logger,
		timeout:  timeout,
	}, nil
}

// NewLimiter builds a per-address limiter, returning nil (no limit) for an
// empty rates map, or an error if the rates are not usable.
func NewLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter = nil
			err = fmt.Errorf("resolver: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// Configure applies a new timeout and rates. On error the resolver is
// unchanged. Rate limit history is reset.
func (r *Resolver) Configure(timeout time.Duration, rates map[time.Duration]int) error {
	if timeout <= 0 {
		return fmt.Errorf("resolver: timeout must be positive")
	}
	limiter, err := NewLimiter(rates)
	if err != nil {
		return err
	}
	r.timeout = timeout
	r.limiter = limiter
	return nil
}

// Timeout returns the per-job lookup timeout.
func (r *Resolver) Timeout() time.Duration { return r.timeout }

// Allow registers a lookup for the address, reporting false if it is rate
// limited, in which case the time is when the next lookup will be allowed.
func (r *Resolver) Allow(addr string) (time.Time, bool) {
	return r.limiter.Allow(addr)
}

// Result is the outcome of a Job.
type Result struct {
	Err      error
	Addr     string
	Hostname string
	Duration time.Duration
}

// NewJob creates a job looking up addr, which calls done with the result,
// on the reactor goroutine.
func (r *Resolver) NewJob(addr string, done func(Result)) *Job {
	return &Job{
		lookuper: r.lookuper,
		logger:   r.logger,
		timeout:  r.timeout,
		done:     done,
		result:   Result{Addr: addr},
	}
}

// Job is a threadengine.Job. The exported fields of its Result are only
// valid within done.
type Job struct {
	lookuper Lookuper
	logger   *logiface.Logger[logiface.Event]
	done     func(Result)
	result   Result
	timeout  time.Duration
}

// Run performs the lookup. Called on a runner goroutine.
func (x *Job) Run() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
	defer cancel()
	x.result.Hostname, x.result.Err = lookup(ctx, x.lookuper, x.result.Addr)
	x.result.Duration = time.Since(start)
}

// Finish delivers the result. Called on the reactor goroutine.
func (x *Job) Finish() {
	x.logger.Debug().
		Str("addr", x.result.Addr).
		Str("hostname", x.result.Hostname).
		Err(x.result.Err).
		Dur("took", x.result.Duration).
		Log("lookup finished")
	if x.done != nil {
		x.done(x.result)
	}
}

// lookup resolves addr to the first name which resolves back to it.
func lookup(ctx context.Context, lookuper Lookuper, addr string) (string, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", fmt.Errorf("resolver: invalid address %q", addr)
	}

	names, err := lookuper.LookupAddr(ctx, addr)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoNames
	}

	var lastErr error
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		if name == "" {
			continue
		}
		addrs, err := lookuper.LookupHost(ctx, name)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, a := range addrs {
			if other := net.ParseIP(a); other != nil && other.Equal(ip) {
				return name, nil
			}
		}
	}

	if lastErr != nil {
		return "", errors.Join(ErrNotConfirmed, lastErr)
	}
	return "", ErrNotConfirmed
}
