package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the credential file for external edits and triggers a
// callback after a quiet period. It watches the parent directory rather
// than the file itself, so atomic rename-replace writes are seen.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	path     string
	debounce time.Duration

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for the given credential file path.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher:  fsw,
		logger:   logger,
		path:     filepath.Clean(path),
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch blocks processing events until the context is cancelled or Stop
// is called. onChange runs after each debounced batch of edits.
func (w *Watcher) Watch(ctx context.Context, onChange func()) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
		close(w.doneCh)
	}()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch credential directory: %w", err)
	}

	w.logger.Info("Credential watcher started",
		"path", w.path,
		"debounce_ms", w.debounce.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Credential watcher stopped (context cancelled)")
			return nil

		case <-w.stopCh:
			w.logger.Info("Credential watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !w.shouldProcess(event) {
				continue
			}

			w.logger.Debug("Credential file event",
				"path", event.Name,
				"op", event.Op.String(),
			)
			w.trigger(onChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Credential watcher error", "error", err)
			// Keep watching despite errors.
		}
	}
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// shouldProcess keeps only non-chmod events on the watched file. Temp
// files used for atomic writes are filtered out; the rename onto the
// final path is the event that matters.
func (w *Watcher) shouldProcess(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".credentials-") {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}

func (w *Watcher) trigger(onChange func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
			onChange()
		}
	})
}
