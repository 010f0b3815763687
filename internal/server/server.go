// Package server implements the daemon: a listening socket and client
// connections multiplexed on a single reactor, with hostname lookups and
// configuration reloads offloaded to a threadengine.
//
// All mutable server state (the client registry, the current configuration,
// the resolver) is owned by the reactor goroutine. Background work only ever
// reaches it through Job.Finish.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/joeycumines/go-ircd/internal/config"
	"github.com/joeycumines/go-ircd/internal/logging"
	"github.com/joeycumines/go-ircd/internal/resolver"
	"github.com/joeycumines/go-ircd/rawthread"
	"github.com/joeycumines/go-ircd/reactor"
	"github.com/joeycumines/go-ircd/threadengine"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Options are the collaborators of a Server. All are optional.
type Options struct {
	Logger *logiface.Logger[logiface.Event]
	// LogLevel is adjusted on config reload.
	LogLevel *logging.Level
	Metrics  threadengine.Metrics
	// Lookuper defaults to net.DefaultResolver.
	Lookuper resolver.Lookuper
	// OnReload is called on the reactor goroutine after each reload attempt.
	OnReload func(cfg *config.Config, err error)
	// ConfigPath enables reload on change, if set.
	ConfigPath string
	// EngineOptions are appended to those derived from the configuration.
	EngineOptions []threadengine.Option
}

// Server is the daemon.
type Server struct {
	logger   *logiface.Logger[logiface.Event]
	logLevel *logging.Level
	loop     *reactor.Loop
	engine   *threadengine.Engine
	threads  *rawthread.Engine
	onReload func(cfg *config.Config, err error)
	watcher  *config.Watcher

	// owned by the reactor goroutine
	cfg      *config.Config
	resolver *resolver.Resolver
	lookups  bool
	clients  map[int]*client
	nicks    map[string]*client
	started  time.Time

	lookuper   resolver.Lookuper
	configPath string
	addr       net.Addr
	listenFd   int
}

// New creates the server, binding its listening socket. Run must be called
// to serve, and releases every resource on return.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logLevel := opts.LogLevel
	if logLevel == nil {
		level, _ := logging.ParseLevel(cfg.Log.Level)
		logLevel = logging.NewLevel(level)
	}

	s := &Server{
		logger:     logging.Component(opts.Logger, "server"),
		logLevel:   logLevel,
		onReload:   opts.OnReload,
		cfg:        cfg,
		clients:    make(map[int]*client),
		nicks:      make(map[string]*client),
		lookuper:   opts.Lookuper,
		configPath: opts.ConfigPath,
		listenFd:   -1,
	}

	var err error
	s.loop, err = reactor.New(reactor.WithLogger(logging.Component(opts.Logger, "reactor")))
	if err != nil {
		return nil, err
	}

	backend, _ := threadengine.ParseBackend(cfg.Engine.Backend)
	engineOpts := []threadengine.Option{
		threadengine.WithRunners(cfg.Engine.Runners),
		threadengine.WithBackend(backend),
		threadengine.WithDiscardOnShutdown(cfg.Engine.DiscardOnShutdown),
		threadengine.WithLogger(logging.Component(opts.Logger, "threadengine")),
	}
	if opts.Metrics != nil {
		engineOpts = append(engineOpts, threadengine.WithMetrics(opts.Metrics))
	}
	engineOpts = append(engineOpts, opts.EngineOptions...)
	s.engine, err = threadengine.New(s.loop, engineOpts...)
	if err != nil {
		_ = s.loop.Close()
		return nil, err
	}

	s.threads = rawthread.New(logging.Component(opts.Logger, "rawthread"))

	if err := s.configureResolver(cfg); err != nil {
		_ = s.loop.Close()
		return nil, err
	}

	if err := s.listen(cfg.Server.Listen); err != nil {
		_ = s.loop.Close()
		return nil, err
	}

	return s, nil
}

// Addr is the bound listening address.
func (s *Server) Addr() net.Addr { return s.addr }

// Engine exposes the job engine, e.g. for stats.
func (s *Server) Engine() *threadengine.Engine { return s.engine }

// Run serves until ctx is done or Stop is called, then shuts down. A nil
// error is returned for a clean shutdown, including via ctx.
func (s *Server) Run(ctx context.Context) error {
	s.started = time.Now()

	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, s.Reload, logging.Component(s.logger, "watcher"))
		if err != nil {
			s.logger.Warning().Err(err).Log("config reload on change disabled")
		} else if err := s.threads.Create(w); err != nil {
			_ = w.Close()
			s.logger.Warning().Err(err).Log("config reload on change disabled")
		} else {
			s.watcher = w
		}
	}

	s.logger.Info().
		Str("name", s.cfg.Server.Name).
		Stringer("addr", s.addr).
		Int("runners", s.cfg.Engine.Runners).
		Log("server started")

	err := s.loop.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	s.shutdown()

	return err
}

// Stop requests that Run return. Safe to call from any goroutine.
func (s *Server) Stop() {
	s.loop.Stop()
}

// Reload re-reads the configuration file on a runner and applies it on the
// reactor. Safe to call from any goroutine.
func (s *Server) Reload() {
	if s.configPath == "" {
		return
	}
	if err := s.engine.Submit(&config.ReloadJob{Path: s.configPath, Apply: s.applyConfig}); err != nil {
		s.logger.Warning().Err(err).Log("config reload failed to start")
	}
}

// shutdown runs after the reactor has stopped, on what was the reactor
// goroutine, so it may still touch reactor-owned state.
func (s *Server) shutdown() {
	timeout := s.cfg.Engine.ShutdownTimeout

	if s.watcher != nil {
		_ = s.watcher.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.engine.Shutdown(ctx); err != nil && !errors.Is(err, threadengine.ErrEngineClosed) {
		s.logger.Warning().Err(err).Log("engine shutdown incomplete")
	}
	// jobs completed since the last wakeup
	s.engine.ResultLoop()

	for _, c := range s.clients {
		s.sendError(c, "Server shutting down")
		s.flush(c)
		s.closeClient(c, "server shutting down")
	}

	if s.listenFd >= 0 {
		_ = s.loop.UnregisterFD(s.listenFd)
		_ = unix.Close(s.listenFd)
		s.listenFd = -1
	}

	if err := s.threads.Close(ctx); err != nil {
		s.logger.Warning().Err(err).Log("background threads still running")
	}

	if err := s.loop.Close(); err != nil {
		s.logger.Warning().Err(err).Log("reactor close failed")
	}

	stats := s.engine.Stats()
	s.logger.Info().
		Uint64("jobs_finished", stats.Finished).
		Uint64("jobs_discarded", stats.Discarded).
		Dur("uptime", time.Since(s.started)).
		Log("server stopped")
}

// configureResolver (re)builds lookup state from cfg.
func (s *Server) configureResolver(cfg *config.Config) error {
	if !cfg.Resolver.Enabled {
		s.lookups = false
		return nil
	}
	rates, err := cfg.Resolver.Rates()
	if err != nil {
		return err
	}
	if s.resolver == nil {
		r, err := resolver.New(s.lookuper, cfg.Resolver.Timeout, rates, logging.Component(s.logger, "resolver"))
		if err != nil {
			return err
		}
		s.resolver = r
	} else if err := s.resolver.Configure(cfg.Resolver.Timeout, rates); err != nil {
		return err
	}
	s.lookups = true
	return nil
}

// applyConfig is the reload job's completion, on the reactor goroutine.
// Only the log level and resolver settings take effect without a restart.
func (s *Server) applyConfig(cfg *config.Config, err error) {
	defer func() {
		if s.onReload != nil {
			s.onReload(cfg, err)
		}
	}()

	if err != nil {
		s.logger.Err().Err(err).Log("config reload failed, keeping current configuration")
		return
	}

	if level, parseErr := logging.ParseLevel(cfg.Log.Level); parseErr == nil {
		s.logLevel.Set(level)
	}

	if err = s.configureResolver(cfg); err != nil {
		s.logger.Err().Err(err).Log("config reload: resolver settings rejected")
		return
	}

	if cfg.Server.Listen != s.cfg.Server.Listen ||
		cfg.Engine.Runners != s.cfg.Engine.Runners ||
		cfg.Engine.Backend != s.cfg.Engine.Backend {
		s.logger.Notice().Log("config reload: listen and engine settings require a restart")
	}

	// not reloadable, see above
	cfg.Server.Listen = s.cfg.Server.Listen
	cfg.Engine = s.cfg.Engine
	s.cfg = cfg

	s.logger.Info().
		Str("log_level", cfg.Log.Level).
		Bool("lookups", s.lookups).
		Log("config reloaded")
}

func (s *Server) String() string {
	return fmt.Sprintf("server(%s)", s.cfg.Server.Name)
}
