package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/evergreen-ai/evergreen/internal/logging"
)

// debounce coalesces editor write bursts into one reload.
const debounce = 200 * time.Millisecond

// Watch reloads configuration when a config file in the global or project
// location changes and applies the log level immediately. onReload, if
// non-nil, receives every freshly loaded config. Watch blocks until ctx is
// cancelled.
func Watch(ctx context.Context, directory string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	log := logging.Component("config")

	dirs := map[string]bool{GetPaths().Config: true}
	if directory != "" {
		dirs[directory] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("config dir not watchable")
		}
	}

	watched := make(map[string]bool)
	for dir := range dirs {
		for _, name := range candidateNames() {
			watched[filepath.Join(dir, name)] = true
		}
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[ev.Name] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watch error")
		case <-reload:
			cfg, err := Load(directory)
			if err != nil {
				log.Warn().Err(err).Msg("config reload failed")
				continue
			}
			logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
			log.Info().Str("logLevel", cfg.LogLevel).Msg("configuration reloaded")
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}
