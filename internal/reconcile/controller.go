// Package reconcile keeps the index consistent with a live vault. Watcher
// events are debounced per path so editor save bursts collapse into one
// reindex, while deletions take effect immediately.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/pipeline"
	"github.com/notedex/notedex/internal/vault"
)

// DefaultDebounceWindow is how long a path must stay quiet after a create
// or modify event before it is reindexed.
const DefaultDebounceWindow = 3 * time.Second

// Controller applies vault changes to the index through the pipeline.
type Controller struct {
	pipeline *pipeline.Pipeline
	watcher  *vault.Watcher
	window   time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// New creates a controller. The watcher is owned by the caller; the
// controller only consumes its event stream.
func New(p *pipeline.Pipeline, w *vault.Watcher, window time.Duration) *Controller {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Controller{
		pipeline: p,
		watcher:  w,
		window:   window,
		timers:   make(map[string]*time.Timer),
	}
}

// Run consumes watcher events until the context is cancelled or the
// watcher stops. It blocks; run it in a goroutine.
func (c *Controller) Run(ctx context.Context) error {
	defer c.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.watcher.Events():
			if !ok {
				return nil
			}
			c.Handle(ctx, ev)
		case err, ok := <-c.watcher.Errors():
			if !ok {
				return nil
			}
			slog.Warn("vault_watch_error", slog.String("error", err.Error()))
		}
	}
}

// Handle applies one vault event. Creates and modifies are debounced;
// deletes and renames remove the old path immediately (a renamed file's
// new path arrives as a separate create event).
func (c *Controller) Handle(ctx context.Context, ev vault.Event) {
	switch ev.Op {
	case vault.OpCreate, vault.OpModify:
		c.schedule(ctx, ev.Path)
	case vault.OpDelete, vault.OpRename:
		c.cancelTimer(ev.Path)
		c.remove(ctx, ev.Path)
	}
}

// schedule (re)arms the debounce timer for a path. A burst of events
// keeps pushing the deadline; the reindex fires once the path has been
// quiet for the full window.
func (c *Controller) schedule(ctx context.Context, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if t, ok := c.timers[path]; ok {
		t.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(c.window, func() {
		c.mu.Lock()
		// A newer event may have rearmed the path after this fire was
		// already scheduled; only the current timer proceeds.
		current := c.timers[path] == timer && !c.stopped
		if current {
			delete(c.timers, path)
			c.wg.Add(1)
		}
		c.mu.Unlock()
		if !current {
			return
		}
		defer c.wg.Done()
		c.reindex(ctx, path)
	})
	c.timers[path] = timer
}

func (c *Controller) cancelTimer(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[path]; ok {
		t.Stop()
		delete(c.timers, path)
	}
}

func (c *Controller) reindex(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}

	err := c.pipeline.IndexFile(ctx, path)
	switch {
	case err == nil:
		slog.Debug("reconcile_reindexed", slog.String("path", path))
	case errors.GetCode(err) == errors.ErrCodeDocumentRead:
		// The file vanished between the event and the timer firing.
		c.remove(ctx, path)
	default:
		slog.Warn("reconcile_reindex_failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) remove(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if err := c.pipeline.RemoveFile(ctx, path); err != nil {
		slog.Warn("reconcile_remove_failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Debug("reconcile_removed", slog.String("path", path))
}

// Pending returns how many paths are waiting on their debounce window.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Stop cancels all pending timers and waits for in-flight reindexes.
// Safe to call twice.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for path, t := range c.timers {
		t.Stop()
		delete(c.timers, path)
	}
	c.mu.Unlock()

	c.wg.Wait()
}
