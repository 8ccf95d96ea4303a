package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"fanchat/internal/logging"
)

// Watcher reloads one config file when it is written. The parent directory
// is watched so editors that save by rename are seen too.
type Watcher struct {
	path     string
	load     func() (*Config, error)
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *logging.Logger
}

// NewWatcher watches path. load re-reads the configuration (including any
// command-line overrides); onChange receives each successfully loaded result.
func NewWatcher(path string, load func() (*Config, error), onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		load:     load,
		onChange: onChange,
		watcher:  fw,
		debounce: 300 * time.Millisecond,
		log:      logging.Get(logging.CategoryBoot),
	}, nil
}

// Run delivers reloads until ctx is cancelled, then closes the watcher.
// A file that fails to load is logged and the previous settings stay.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	settle := time.NewTimer(w.debounce)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()

	w.log.Info("watching %s", w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Saves often arrive as several events; reload once they settle.
			settle.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher: %v", err)

		case <-settle.C:
			cfg, err := w.load()
			if err != nil {
				w.log.Warn("config reload failed, keeping previous settings: %v", err)
				continue
			}
			w.log.Info("config reloaded from %s", w.path)
			w.onChange(cfg)
		}
	}
}
