package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "pulsecron/pkg/logx"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Watch reloads the config whenever its file changes until ctx is canceled.
//
// The parent directory is watched so editors that replace the file (write to a
// temp file, then rename) are seen. Events are debounced to skip partial writes.
// When fsnotify breaks, the watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.logger().With(logx.String("dir", dir), logx.String("file", file))

	backoff := watchBackoffMin
	for {
		err := m.watchOnce(ctx, dir, file, log, func() { backoff = watchBackoffMin })
		if ctx.Err() != nil {
			return nil
		}
		wait := backoff + rand.N(backoff/2+1)
		log.Warn("config watcher stopped; restarting", logx.Duration("backoff", wait), logx.Err(err))
		backoff = min(backoff*2, watchBackoffMax)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher until it breaks. healthy is called once
// the watch is registered.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, log logx.Logger, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()
	log.Debug("config watcher started")

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return fsnotify.ErrClosed
			}
			// Compare by basename; absolute and relative paths differ across backends.
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				debounce.Reset(watchDebounce)
			}

		case err, ok := <-w.Errors:
			switch {
			case !ok, errors.Is(err, fsnotify.ErrClosed):
				return fsnotify.ErrClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events may have been missed; reload once and keep going.
				log.Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce.Reset(watchDebounce)
			case err != nil:
				log.Warn("config watch error", logx.Err(err))
			}

		case <-debounce.C:
			m.reloadFromWatch(ctx, log)
		}
	}
}

func (m *ConfigManager) reloadFromWatch(ctx context.Context, log logx.Logger) {
	_, err := m.Reload(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnchanged):
		log.Debug("config unchanged; skipping publish")
	default:
		log.Warn("config reload failed; keeping previous", logx.Err(err))
	}
}
