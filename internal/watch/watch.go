// Package watch notices writes to local replica files so sessions can push
// them without waiting for the next poll.
package watch

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes to one replica.
const DefaultDebounce = 100 * time.Millisecond

// Change reports that a replica was written.
type Change struct {
	// DBID is the replica's database id (file name without extension).
	DBID string
	// Path is the file that triggered the change.
	Path string
}

// Watcher watches replica directories for writes.
// It uses fsnotify for cross-platform file system event monitoring.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	changes  chan Change
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a Watcher. It must be started with Start before it emits
// changes.
func New(debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher:  w,
		debounce: debounce,
		changes:  make(chan Change, 64),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching dirs.
func (w *Watcher) Start(dirs ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	for i, dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			for _, added := range dirs[:i] {
				_ = w.watcher.Remove(added)
			}
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and closes the Changes and Errors channels.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.changes)
	close(w.errors)
	return nil
}

// Changes returns debounced replica changes.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Errors returns watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	// Writes are collected until the watched directories have been quiet
	// for the debounce period, then emitted once per replica.
	pending := make(map[string]Change)
	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			id, ok := DBIDForPath(event.Name)
			if !ok || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			pending[id] = Change{DBID: id, Path: event.Name}
			quiet.Reset(w.debounce)

		case <-quiet.C:
			for id, c := range pending {
				select {
				case w.changes <- c:
				case <-w.done:
					return
				}
				delete(pending, id)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// DBIDForPath maps a replica file (the database or its WAL) to its id.
func DBIDForPath(path string) (string, bool) {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, ".db-wal"):
		base = strings.TrimSuffix(base, ".db-wal")
	case strings.HasSuffix(base, ".db"):
		base = strings.TrimSuffix(base, ".db")
	default:
		return "", false
	}
	if base == "" {
		return "", false
	}
	return base, true
}
