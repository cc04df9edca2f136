package jsonfile

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval coalesces bursts of filesystem events (editors and
// the temp-file rename both produce several) into one notification.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watch calls onChange whenever the document is modified by someone other
// than this Store. The parent directory is watched because saves replace the
// file by rename. Watch returns once the watcher is running; it stops when
// ctx is cancelled.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("create document directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Capture channels before the goroutine starts
	eventsCh := watcher.Events
	errorsCh := watcher.Errors

	go s.processEvents(ctx, watcher, eventsCh, errorsCh, onChange)

	s.logger.Info("Watching document for external changes", "dir", dir)
	return nil
}

func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher, eventsCh <-chan fsnotify.Event, errorsCh <-chan error, onChange func()) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(DefaultDebounceInterval, func() {
				if ctx.Err() != nil || s.isOwnWrite() {
					return
				}
				s.logger.Debug("Document changed on disk")
				onChange()
			})
			mu.Unlock()

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			s.logger.Warn("Document watcher error", "error", err)
		}
	}
}

// isOwnWrite reports whether the file on disk is exactly what this Store
// last wrote.
func (s *Store) isOwnWrite() bool {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(b)

	s.digestMu.Lock()
	defer s.digestMu.Unlock()
	return sum == s.lastWrite
}
