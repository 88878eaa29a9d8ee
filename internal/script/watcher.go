package script

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nfrund/scriptstate/internal/pubsub"
)

// ReloadRequest is published when script files change on disk.
type ReloadRequest struct {
	Paths       []string  `json:"paths"`
	RequestedAt time.Time `json:"requested_at"`
}

// ReloadEvent is the topic reload requests are published on.
var ReloadEvent = pubsub.NewEvent[ReloadRequest]("scripts.reload")

const watcherSource = "script_watcher"

// Watcher monitors the script root and publishes debounced reload requests.
type Watcher struct {
	publisher pubsub.Publisher
	interval  time.Duration

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	active    bool
	done      chan struct{}
}

// NewWatcher creates a watcher that coalesces changes within interval.
func NewWatcher(publisher pubsub.Publisher, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		publisher: publisher,
		interval:  interval,
	}
}

// Start begins watching root and every non-hidden subdirectory. A missing
// root is not an error.
func (w *Watcher) Start(ctx context.Context, root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active {
		slog.Debug("Script watcher already active")
		return nil
	}

	if _, err := os.Stat(root); os.IsNotExist(err) {
		slog.Debug("Script directory does not exist, skipping watcher setup", "path", root)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file system watcher: %w", err)
	}

	if err := addWatchDirs(watcher, root); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to add directories to watcher: %w", err)
	}

	w.watcher = watcher
	w.debouncer = NewDebouncer(w.interval, func(paths []string) {
		w.publish(ctx, paths)
	})
	w.active = true
	w.done = make(chan struct{})

	go w.watchFiles(ctx, watcher, w.debouncer, w.done)

	slog.Debug("Started file system watcher for script hot-reloading", "directory", root)
	return nil
}

func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && IsHidden(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return err
		}
		slog.Debug("Added directory to watcher", "path", path)
		return nil
	})
}

func (w *Watcher) watchFiles(ctx context.Context, watcher *fsnotify.Watcher, debouncer *Debouncer, done chan struct{}) {
	defer func() {
		debouncer.Stop()
		watcher.Close()

		w.mu.Lock()
		if w.done == done {
			w.watcher = nil
			w.active = false
		}
		w.mu.Unlock()

		close(done)
		slog.Info("File system watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleFileEvent(watcher, debouncer, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File system watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleFileEvent(watcher *fsnotify.Watcher, debouncer *Debouncer, event fsnotify.Event) {
	if IsHidden(event.Name) {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addWatchDirs(watcher, event.Name); err != nil {
				slog.Error("Failed to watch new directory", "path", event.Name, "error", err)
			}
			debouncer.Add(event.Name)
			return
		}
	}

	if !IsValidScriptExtension(filepath.Ext(event.Name)) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	slog.Debug("File system event", "event", event.Op.String(), "path", event.Name)
	debouncer.Add(event.Name)
}

func (w *Watcher) publish(ctx context.Context, paths []string) {
	req := ReloadRequest{Paths: paths, RequestedAt: time.Now()}
	if err := pubsub.Publish(ctx, w.publisher, ReloadEvent, watcherSource, req); err != nil {
		for _, path := range paths {
			LogHotReloadEvent("request", path, false, err)
		}
		return
	}
	for _, path := range paths {
		LogHotReloadEvent("request", path, true, nil)
	}
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	watcher, done := w.watcher, w.done
	w.watcher = nil
	w.active = false
	w.mu.Unlock()

	watcher.Close()
	<-done
}

// IsActive reports whether the watcher is running.
func (w *Watcher) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}
