package threadengine

import (
	"errors"
	"fmt"

	"github.com/joeycumines/logiface"
)

// engineOptions holds configuration options for Engine creation.
type engineOptions struct {
	logger            *logiface.Logger[logiface.Event]
	metrics           Metrics
	notifierFactory   NotifierFactory
	backend           Backend
	runners           int
	discardOnShutdown bool
}

// Option configures an Engine instance.
type Option interface {
	applyEngine(*engineOptions) error
}

// engineOptionImpl implements Option.
type engineOptionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (x *engineOptionImpl) applyEngine(opts *engineOptions) error {
	return x.applyEngineFunc(opts)
}

// WithRunners sets the maximum number of runner goroutines. Runners are
// started lazily, one at first Submit, then another each time a job is
// submitted while every existing runner is busy, up to n. Defaults to 1,
// which guarantees Finish is called in submission order.
func WithRunners(n int) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if n < 1 {
			return fmt.Errorf("threadengine: runners must be at least 1, got %d", n)
		}
		opts.runners = n
		return nil
	}}
}

// WithBackend selects the notifier backend. Defaults to [BackendAuto].
// Ignored if [WithNotifierFactory] is also used.
func WithBackend(b Backend) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		switch b {
		case BackendAuto, BackendEventFD, BackendPipe:
		default:
			return fmt.Errorf("threadengine: invalid backend: %s", b)
		}
		opts.backend = b
		return nil
	}}
}

// WithNotifierFactory overrides how notifiers are created. Primarily useful
// for tests, and for wrapping the standard backends.
func WithNotifierFactory(f NotifierFactory) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.notifierFactory = f
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger disables logging,
// which is also the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics attaches an instrumentation sink.
func WithMetrics(m Metrics) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if m == nil {
			return errors.New("threadengine: nil metrics")
		}
		opts.metrics = m
		return nil
	}}
}

// WithDiscardOnShutdown configures Shutdown to drop jobs that have not yet
// been claimed by a runner, instead of running them. Dropped jobs never have
// either phase called.
func WithDiscardOnShutdown(discard bool) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.discardOnShutdown = discard
		return nil
	}}
}

// resolveOptions applies Option instances to engineOptions.
func resolveOptions(opts []Option) (*engineOptions, error) {
	cfg := &engineOptions{
		metrics: NilMetrics{},
		backend: BackendAuto,
		runners: 1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.notifierFactory == nil {
		backend := cfg.backend
		cfg.notifierFactory = func() (Notifier, error) {
			return OpenNotifier(backend)
		}
	}
	return cfg, nil
}
