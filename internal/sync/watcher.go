package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	watchEventBuffer = 64

	// On Linux a single file write arrives as a burst of inotify events
	// until the writer closes the file. Per-path debouncing collapses the
	// burst into one event at the cost of this delay.
	defaultDebounceTimeout = 50 * time.Millisecond
)

// FilterFunc reports whether a raw watch event should be dropped before
// debouncing. Paths are absolute.
type FilterFunc func(path string) bool

type pendingChange struct {
	event notify.EventInfo
	timer *time.Timer
}

// FileWatcher emits debounced write/create/rename events for a source tree.
// The watch only works on an OS-backed filesystem.
type FileWatcher struct {
	watchDir string

	raw    chan notify.EventInfo
	events chan notify.EventInfo

	filter   FilterFunc
	filterMu sync.RWMutex

	debounce time.Duration
	mu       sync.Mutex
	pending  map[string]*pendingChange
	closing  bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewFileWatcher(watchDir string) *FileWatcher {
	return &FileWatcher{
		watchDir: watchDir,
		debounce: defaultDebounceTimeout,
		pending:  make(map[string]*pendingChange),
		done:     make(chan struct{}),
	}
}

// SetDebounceTimeout overrides the per-path debounce delay.
func (fw *FileWatcher) SetDebounceTimeout(d time.Duration) {
	fw.debounce = d
}

// FilterPaths installs a callback that drops raw events before debouncing.
func (fw *FileWatcher) FilterPaths(fn FilterFunc) {
	fw.filterMu.Lock()
	defer fw.filterMu.Unlock()
	fw.filter = fn
}

// Start begins watching the tree recursively. Stop releases the watch.
func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir)

	fw.raw = make(chan notify.EventInfo, watchEventBuffer)
	fw.events = make(chan notify.EventInfo, watchEventBuffer)

	recursivePath := fw.watchDir + "/..."
	if err := notify.Watch(recursivePath, fw.raw, notify.Write|notify.Create|notify.Rename); err != nil {
		return err
	}

	fw.wg.Add(1)
	go fw.forward(ctx)

	return nil
}

// Stop ends the watch, flushes pending events and closes the events channel.
func (fw *FileWatcher) Stop() {
	slog.Info("file watcher stopping")
	close(fw.done)
	if fw.raw != nil {
		notify.Stop(fw.raw)
	}
	fw.wg.Wait()
	slog.Info("file watcher stopped")
}

// Events returns the debounced event stream. It is closed by Stop.
func (fw *FileWatcher) Events() <-chan notify.EventInfo {
	return fw.events
}

func (fw *FileWatcher) shouldDrop(path string) bool {
	fw.filterMu.RLock()
	defer fw.filterMu.RUnlock()
	return fw.filter != nil && fw.filter(path)
}

// forward drains raw events, filters and debounces them.
func (fw *FileWatcher) forward(ctx context.Context) {
	defer func() {
		fw.drainPending()
		fw.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.raw:
			if !ok {
				return
			}
			if fw.shouldDrop(event.Path()) {
				continue
			}
			fw.schedule(event)
		}
	}
}

// schedule (re)arms the debounce timer for one path, keeping the latest
// event seen for it.
func (fw *FileWatcher) schedule(event notify.EventInfo) {
	path := event.Path()

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if pc, exists := fw.pending[path]; exists {
		pc.timer.Stop()
	}
	fw.pending[path] = &pendingChange{
		event: event,
		timer: time.AfterFunc(fw.debounce, func() { fw.flush(path) }),
	}
}

// flush emits the pending event for one path when its debounce timer fires.
func (fw *FileWatcher) flush(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.closing {
		return
	}
	pc, exists := fw.pending[path]
	if !exists {
		return
	}
	delete(fw.pending, path)

	select {
	case fw.events <- pc.event:
		slog.Debug("file watcher", "event", pc.event.Event(), "path", path)
	default:
		slog.Warn("file watcher dropped event", "reason", "channel full", "path", path)
	}
}

// drainPending stops outstanding timers, emits whatever was still pending
// and closes the events channel. Holding the lock while closing guarantees
// no timer callback can send afterwards.
func (fw *FileWatcher) drainPending() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.closing = true
	for path, pc := range fw.pending {
		pc.timer.Stop()
		select {
		case fw.events <- pc.event:
		default:
			slog.Warn("file watcher dropped event on exit", "path", path)
		}
	}
	fw.pending = make(map[string]*pendingChange)
	close(fw.events)
}
