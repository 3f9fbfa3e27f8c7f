package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const configReloadDelay = 250 * time.Millisecond

// WatchConfig re-reads the config file whenever it changes on disk and hands
// the parsed result to onChange. Only settings that can change at runtime
// should be taken from it; the rest apply on restart. The directory is
// watched rather than the file so editors that replace the file are seen.
func WatchConfig(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	log = log.With().Str("component", "config_watch").Str("path", path).Logger()
	go func() {
		defer watcher.Close()
		var reload <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != path || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				reload = time.After(configReloadDelay)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			case <-reload:
				reload = nil
				data, err := os.ReadFile(path)
				if err != nil {
					log.Warn().Err(err).Msg("Failed to read changed config")
					continue
				}
				cfg, err := ParseConfig(data)
				if err != nil {
					log.Warn().Err(err).Msg("Ignoring invalid config change")
					continue
				}
				log.Info().Msg("Config file changed")
				onChange(cfg)
			}
		}
	}()
	return nil
}
