package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "chatbridge/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

// Watch reloads the file after it changes until ctx is done. Editors write
// files in bursts, so reloads are debounced. The parent directory is watched
// so atomic rename-over saves are seen too. A broken watcher is rebuilt with
// a growing delay.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	delay := rewatchMin
	for {
		w, err := openWatcher(dir)
		if err == nil {
			delay = rewatchMin
			m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", file))
			err = m.watch(ctx, w, file)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := delay + rand.N(delay/2+1)
		delay = min(delay*2, rewatchMax)
		m.log.Warn("config watcher lost, retrying", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

var errWatcherClosed = errors.New("watcher closed")

// watch runs one watcher until ctx is done or the watcher fails.
func (m *Manager) watch(ctx context.Context, w *fsnotify.Watcher, file string) error {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-debounce.C:
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflowed, reloading", logx.Err(err))
				debounce.Reset(reloadDebounce)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
