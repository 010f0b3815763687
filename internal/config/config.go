// Package config loads and validates the daemon configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"time"

	"github.com/joeycumines/go-ircd/internal/logging"
	"github.com/joeycumines/go-ircd/internal/resolver"
	"github.com/joeycumines/go-ircd/threadengine"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Resolver ResolverConfig `yaml:"resolver"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Name       string `yaml:"name"`
	Listen     string `yaml:"listen"`
	MaxClients int    `yaml:"max_clients"`
}

type EngineConfig struct {
	Backend           string        `yaml:"backend"`
	Runners           int           `yaml:"runners"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	DiscardOnShutdown bool          `yaml:"discard_on_shutdown"`
}

type ResolverConfig struct {
	// RateLimits maps a window (e.g. "1m") to the maximum lookups per client
	// address within it.
	RateLimits map[string]int `yaml:"rate_limits"`
	Timeout    time.Duration  `yaml:"timeout"`
	Enabled    bool           `yaml:"enabled"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used for any unset field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:       "irc.localhost",
			Listen:     "127.0.0.1:6667",
			MaxClients: 1024,
		},
		Engine: EngineConfig{
			Runners:         1,
			Backend:         threadengine.BackendAuto.String(),
			ShutdownTimeout: 5 * time.Second,
		},
		Resolver: ResolverConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Namespace: "ircd",
		},
	}
}

// DefaultRateLimits applies when resolver.rate_limits is unset.
func DefaultRateLimits() map[string]int {
	return map[string]int{"1m": 30}
}

// Load reads and parses the file at path. See Parse.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, rejecting unknown fields, then
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if cfg.Resolver.RateLimits == nil {
		cfg.Resolver.RateLimits = DefaultRateLimits()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Name == "" {
		add("server.name must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		add("server.listen: %w", err)
	}
	if c.Server.MaxClients < 1 {
		add("server.max_clients must be positive, got %d", c.Server.MaxClients)
	}

	if c.Engine.Runners < 1 || c.Engine.Runners > 1024 {
		add("engine.runners must be between 1 and 1024, got %d", c.Engine.Runners)
	}
	if _, err := threadengine.ParseBackend(c.Engine.Backend); err != nil {
		add("engine.backend: %w", err)
	}
	if c.Engine.ShutdownTimeout <= 0 {
		add("engine.shutdown_timeout must be positive")
	}

	if c.Resolver.Timeout <= 0 {
		add("resolver.timeout must be positive")
	}
	if rates, err := c.Resolver.Rates(); err != nil {
		add("resolver.rate_limits: %w", err)
	} else if _, err := resolver.NewLimiter(rates); err != nil {
		add("resolver.rate_limits: %w", err)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			add("metrics.listen: %w", err)
		}
	}

	return errors.Join(errs...)
}

// Rates parses RateLimits into the form used by the rate limiter.
func (c *ResolverConfig) Rates() (map[time.Duration]int, error) {
	rates := make(map[time.Duration]int, len(c.RateLimits))
	keys := make([]string, 0, len(c.RateLimits))
	for k := range c.RateLimits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d, err := time.ParseDuration(k)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("window %q must be positive", k)
		}
		n := c.RateLimits[k]
		if n <= 0 {
			return nil, fmt.Errorf("limit for %q must be positive, got %d", k, n)
		}
		if _, ok := rates[d]; ok {
			return nil, fmt.Errorf("duplicate window %q", k)
		}
		rates[d] = n
	}
	return rates, nil
}
