package reactor

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultPollTimeout is the longest an idle loop blocks in a single poll.
const DefaultPollTimeout = 10 * time.Second

type loopOptions struct {
	logger      *logiface.Logger[logiface.Event]
	pollTimeout time.Duration
}

// LoopOption configures [New].
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionFunc func(*loopOptions) error

func (f loopOptionFunc) applyLoop(opts *loopOptions) error { return f(opts) }

// WithLogger sets the logger, which defaults to nil (disabled).
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	})
}

// WithPollTimeout overrides [DefaultPollTimeout]. Submit, Defer, Stop and
// context cancellation all wake the loop regardless.
func WithPollTimeout(d time.Duration) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		if d <= 0 {
			return errors.New("reactor: poll timeout must be positive")
		}
		opts.pollTimeout = d
		return nil
	})
}

func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{pollTimeout: DefaultPollTimeout}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
