package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// configWatcher calls onChange with the reloaded config whenever the
// config file is written. Editors replace files instead of writing them,
// so the directory is watched rather than the file.
type configWatcher struct {
	filename string
	debounce time.Duration
	onChange func(Config)
	log      zerolog.Logger
}

func (cw *configWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(cw.filename)); err != nil {
		return err
	}
	cw.log.Debug().Str("file", cw.filename).Msg("Watching config")

	target := filepath.Clean(cw.filename)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				// rapid saves produce several events
				pending = time.After(cw.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cw.log.Error().Err(err).Msg("Config watcher error")
		case <-pending:
			pending = nil
			config, err := getConfig(cw.filename)
			if err != nil {
				cw.log.Error().Err(err).Msg("Could not reload config")
				continue
			}
			cw.onChange(config)
		}
	}
}
