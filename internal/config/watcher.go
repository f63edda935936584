package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk and hands the new
// config to a callback. A config that fails to load or validate is dropped
// with a log line; the previous config stays in effect.
type Watcher struct {
	loader   *Loader
	logger   zerolog.Logger
	onChange func(*Config)
}

// NewWatcher creates a watcher over the loader's config path.
func NewWatcher(loader *Loader, logger zerolog.Logger, onChange func(*Config)) *Watcher {
	return &Watcher{
		loader:   loader,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		onChange: onChange,
	}
}

// Run watches until the context is canceled. Editors replace files rather
// than writing in place, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	path := w.loader.Path()
	if err := fw.Add(filepath.Dir(path)); err != nil {
		return err
	}

	// Debounce: a single save often fires several events.
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Config watch error")
		case <-reload:
			cfg, err := w.loader.Load()
			if err != nil {
				w.logger.Error().Err(err).Msg("Config reload failed, keeping previous")
				continue
			}
			if err := Validate(cfg); err != nil {
				w.logger.Error().Err(err).Msg("Config reload invalid, keeping previous")
				continue
			}
			w.logger.Info().Msg("Config reloaded")
			w.onChange(cfg)
		}
	}
}
