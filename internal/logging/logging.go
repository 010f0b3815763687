// Package logging builds the daemon's structured logger.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Level is a log level that may be changed while the logger is in use.
type Level struct {
	v atomic.Int32
}

// NewLevel returns a Level initialised to l.
func NewLevel(l logiface.Level) *Level {
	x := new(Level)
	x.Set(l)
	return x
}

// Get returns the current level.
func (x *Level) Get() logiface.Level { return logiface.Level(x.v.Load()) }

// Set changes the level, taking effect for subsequent log events.
func (x *Level) Set(l logiface.Level) { x.v.Store(int32(l)) }

// New builds a JSON lines logger writing to w, filtered by level.
//
// The logger itself is built at trace level, with level filtering applied
// per event, so that it follows changes to level.
func New(w io.Writer, level *Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField("time")),
		stumpy.L.WithLevel(logiface.LevelTrace),
		stumpy.L.WithModifier(logiface.ModifierFunc[*stumpy.Event](func(event *stumpy.Event) error {
			if filtered(event.Level(), level.Get()) {
				return logiface.ErrDisabled
			}
			return nil
		})),
	).Logger()
}

func filtered(event, threshold logiface.Level) bool {
	// custom levels are always logged
	if event > logiface.LevelTrace {
		return false
	}
	return !threshold.Enabled() || event > threshold
}

// Component returns a child logger tagged with the component name.
func Component(logger *logiface.Logger[logiface.Event], name string) *logiface.Logger[logiface.Event] {
	if logger == nil {
		return nil
	}
	return logger.Clone().Str("component", name).Logger()
}

// ParseLevel parses a syslog style level keyword, also accepting a few
// common aliases.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency", "panic":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical", "fatal":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "", "info", "informational":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}
