package routing

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"flowgate-hq/flowgate/pkg/telemetry/logging"
)

// Watcher notifies a callback when the routing store file changes on
// disk. It watches the containing directory rather than the file itself
// because atomic saves replace the file via rename, which would
// invalidate a direct watch.
//
// Events are debounced: editors and atomic writes produce bursts of
// create/write/rename events for a single logical change.
type Watcher struct {
	path     string
	onChange func()
	logger   *logging.Logger

	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	closed  bool
}

// NewWatcher creates a watcher for the given store file. onChange is
// invoked from the watcher goroutine after each debounced burst of
// changes.
func NewWatcher(path string, onChange func(), logger *logging.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}
}

// Start begins watching. It returns once the underlying watch is
// established; events are delivered until ctx is canceled or Close is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.run(ctx, fw)
	w.logger.Debug("watching routing store", "path", w.path)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleNotify()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("routing store watcher error", "error", err)
		}
	}
}

// scheduleNotify resets the debounce timer; the callback fires once the
// event burst settles.
func (w *Watcher) scheduleNotify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// Close stops watching and cancels any pending notification.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
