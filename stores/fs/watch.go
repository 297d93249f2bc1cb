package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long Watch waits for writes to settle before reloading.
var WatchDebounce = 100 * time.Millisecond

// Watch reloads the store whenever the file changes on disk, typically
// because another process logged in or out, and calls fn when the value under
// key differs from the last one seen. Writes made through this Store are
// reported too. ok is false when the key is gone.
//
// Watch returns once the watcher is running; it stops when ctx is done.
func (s *Store) Watch(ctx context.Context, key string, fn func(value []byte, ok bool)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// The file is replaced by rename on every save, so watch its directory.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	last, lastOK, _ := s.Get(ctx, key)
	reload := make(chan struct{}, 1)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
					select {
					case reload <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("store watcher error", "path", s.path, "err", err)
			}
		}
	}()

	go func() {
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case <-reload:
				if timer != nil {
					timer.Reset(WatchDebounce)
				} else {
					timer = time.NewTimer(WatchDebounce)
					fire = timer.C
				}
			case <-fire:
				timer, fire = nil, nil
				if err := s.Reload(); err != nil {
					if !os.IsNotExist(err) {
						slog.Warn("failed to reload store", "path", s.path, "err", err)
						continue
					}
					s.reset()
				}
				value, ok, _ := s.Get(ctx, key)
				if ok == lastOK && bytes.Equal(value, last) {
					continue
				}
				last, lastOK = value, ok
				fn(value, ok)
			}
		}
	}()

	return nil
}

// reset empties the in-memory entries after the file was removed.
func (s *Store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]json.RawMessage)
}
