package ingest

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpWrite indicates a file was created or modified.
	OpWrite EventOp = iota
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to an object file.
type FileEvent struct {
	Path  string
	Class string
	ID    string
	Op    EventOp
}

// FileWatcher watches a directory for object file changes.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewFileWatcher creates a watcher. It emits nothing until Start.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (fw *FileWatcher) Start(dir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if err := fw.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	fw.dir = abs

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and waits for the event loop to exit. The event and
// error channels are closed afterwards.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel of object file events.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel of watcher errors.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event on an object file to a FileEvent.
// Other files and chmod events are ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return FileEvent{}, false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(abs) != fw.dir {
		return FileEvent{}, false
	}
	class, id, err := ParseFileName(filepath.Base(abs))
	if err != nil {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name, if any, arrives as a create.
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: abs, Class: class, ID: id, Op: op}, true
}
