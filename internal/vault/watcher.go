package vault

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of filesystem change observed on a document.
type Op int

const (
	// OpCreate indicates a new document appeared.
	OpCreate Op = iota
	// OpModify indicates an existing document changed.
	OpModify
	// OpDelete indicates a document was removed.
	OpDelete
	// OpRename indicates a document left its old path. The new path, if
	// still inside the vault, arrives as a separate OpCreate.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// Event is a filesystem change on an indexable document.
type Event struct {
	// Path is vault-relative, slash-separated.
	Path string

	// Op is the change kind.
	Op Op

	// Timestamp is when the event was observed.
	Timestamp time.Time
}

// Watcher observes a vault for document changes via fsnotify. Directories
// are watched recursively; newly created directories are added on the fly.
// Events are raw and uncoalesced; debouncing is the consumer's job.
type Watcher struct {
	vault   *LocalVault
	fsw     *fsnotify.Watcher
	events  chan Event
	errs    chan error
	stopCh  chan struct{}
	mu      sync.Mutex
	stopped bool
	dropped atomic.Uint64
}

// DefaultEventBufferSize bounds the pending event channel.
const DefaultEventBufferSize = 1024

// NewWatcher creates a watcher over the vault. Call Start to begin.
func NewWatcher(v *LocalVault) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}
	return &Watcher{
		vault:  v,
		fsw:    fsw,
		events: make(chan Event, DefaultEventBufferSize),
		errs:   make(chan error, 10),
		stopCh: make(chan struct{}),
	}, nil
}

// Start watches the vault until the context is cancelled or Stop is called.
// It blocks; run it in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.vault.Root()); err != nil {
		return fmt.Errorf("watch vault directories: %w", err)
	}

	slog.Info("vault_watch_started", slog.String("root", w.vault.Root()))

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

// handle converts one fsnotify event into a vault event.
func (w *Watcher) handle(ev fsnotify.Event) {
	relPath, err := filepath.Rel(w.vault.Root(), ev.Name)
	if err != nil {
		return
	}
	relPath = filepath.ToSlash(relPath)
	if relPath == "." || w.vault.Excluded(relPath) {
		return
	}

	// Stat only works for paths that still exist (create/modify).
	isDir := false
	if info, statErr := os.Stat(ev.Name); statErr == nil {
		isDir = info.IsDir()
	}

	var op Op
	switch {
	case ev.Op&fsnotify.Create != 0:
		op = OpCreate
		if isDir {
			// New directories need their own watch; documents inside
			// arrive as further create events.
			_ = w.fsw.Add(ev.Name)
			return
		}
	case ev.Op&fsnotify.Write != 0:
		op = OpModify
	case ev.Op&fsnotify.Remove != 0:
		op = OpDelete
	case ev.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		// Chmod and friends carry no content change.
		return
	}

	if isDir {
		return
	}
	// For delete and rename the file is gone; judge by path alone.
	if !w.vault.Accepts(relPath) {
		return
	}

	w.emit(Event{Path: relPath, Op: op, Timestamp: time.Now()})
}

// addRecursive adds the root and every non-excluded subdirectory.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(root, p)
		relPath = filepath.ToSlash(relPath)
		if relPath == "." {
			return w.fsw.Add(p)
		}
		if w.vault.Excluded(relPath) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

// emit sends while holding w.mu so Stop cannot close the channel between
// the stopped check and the send. The send never blocks, so holding the
// mutex across it is safe.
func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	select {
	case w.events <- ev:
	default:
		count := w.dropped.Add(1)
		slog.Warn("vault_watch_event_dropped",
			slog.String("path", ev.Path),
			slog.Uint64("total_dropped", count),
		)
	}
}

func (w *Watcher) emitError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	select {
	case w.errs <- err:
	default:
	}
}

// Events returns the stream of document changes.
// The channel is closed when the watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns non-fatal watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Dropped returns how many events were discarded because the buffer was full.
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Stop stops the watcher and releases resources. Safe to call twice.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	err := w.fsw.Close()
	close(w.events)
	close(w.errs)
	return err
}
