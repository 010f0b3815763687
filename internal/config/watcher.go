package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeycumines/go-ircd/rawthread"
	"github.com/joeycumines/logiface"
)

// DefaultDebounce is how long Watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Watcher watches a configuration file, calling OnChange after it is
// written, created or renamed into place. It is a rawthread.Thread, and is
// intended to be started with rawthread.Engine.Create.
//
// The containing directory is watched, rather than the file, so that editors
// and config management tools which replace the file are handled.
type Watcher struct {
	rawthread.Base

	watcher  *fsnotify.Watcher
	logger   *logiface.Logger[logiface.Event]
	onChange func()
	stop     chan struct{}
	path     string
	debounce time.Duration
	stopOnce sync.Once
}

// NewWatcher starts watching the directory containing path. Changes are
// reported to onChange, from the goroutine running Run.
func NewWatcher(path string, onChange func(), logger *logiface.Logger[logiface.Event]) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	return &Watcher{
		watcher:  fw,
		logger:   logger,
		onChange: onChange,
		stop:     make(chan struct{}),
		path:     abs,
		debounce: DefaultDebounce,
	}, nil
}

// SetDebounce overrides DefaultDebounce. Must be called before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run processes events until Close is called.
func (w *Watcher) Run() {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Log("config file changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warning().Err(err).Log("config watcher error")

		case <-timerC:
			timerC = nil
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

// Close stops Run and releases the underlying watcher. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	return err
}
