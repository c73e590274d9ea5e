package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// worker is the isolated execution context for one backend session.
//
// The backend lives inside a single goroutine reachable only by message
// passing with request-id correlation. A readiness gate blocks callers until
// backend initialization finishes. Teardown destroys the backend; requests
// pending at teardown are rejected (callers then follow the provider's
// retry policy).
type worker struct {
	reqCh  chan workerRequest
	ready  chan struct{} // closed once init completes (success or failure)
	done   chan struct{} // closed after teardown
	stopCh chan struct{}

	backend Embedder // set before ready closes, read-only afterwards
	initErr error    // set before ready closes

	nextID atomic.Uint64
}

type workerRequest struct {
	id     uint64
	texts  []string
	respCh chan workerResponse
}

type workerResponse struct {
	id      uint64
	vectors [][]float32
	err     error
}

// errWorkerStopped is returned for requests rejected by teardown.
var errWorkerStopped = fmt.Errorf("embedding worker stopped")

// newWorker starts a worker session. Backend initialization happens inside
// the worker goroutine; use awaitReady to observe the result.
func newWorker(ctx context.Context, factory func(ctx context.Context) (Embedder, error)) *worker {
	w := &worker{
		reqCh:  make(chan workerRequest),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		stopCh: make(chan struct{}),
	}
	go w.run(ctx, factory)
	return w
}

// run initializes the backend and serves requests until stopped.
func (w *worker) run(ctx context.Context, factory func(ctx context.Context) (Embedder, error)) {
	defer close(w.done)

	w.backend, w.initErr = factory(ctx)
	close(w.ready)

	if w.initErr != nil {
		// Drain until stop so senders never block on a dead session.
		for {
			select {
			case req := <-w.reqCh:
				req.respCh <- workerResponse{id: req.id, err: w.initErr}
			case <-w.stopCh:
				return
			}
		}
	}

	defer func() {
		if err := w.backend.Close(); err != nil {
			slog.Warn("embed_backend_close_failed", slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case req := <-w.reqCh:
			vectors, err := w.backend.EmbedBatch(ctx, req.texts)
			// respCh is buffered: the caller may have timed out and
			// discarded this request; the result is dropped, never blocks.
			req.respCh <- workerResponse{id: req.id, vectors: vectors, err: err}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// awaitReady blocks until backend initialization finished and returns the
// initialization error, if any.
func (w *worker) awaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return w.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// embed sends one request through the session and waits for its correlated
// response, bounded by timeout.
func (w *worker) embed(ctx context.Context, texts []string, timeout time.Duration) ([][]float32, error) {
	if err := w.awaitReady(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := workerRequest{
		id:     w.nextID.Add(1),
		texts:  texts,
		respCh: make(chan workerResponse, 1),
	}

	select {
	case w.reqCh <- req:
	case <-w.stopCh:
		return nil, errWorkerStopped
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}

	select {
	case resp := <-req.respCh:
		if resp.id != req.id {
			return nil, fmt.Errorf("response correlation mismatch: want %d, got %d", req.id, resp.id)
		}
		return resp.vectors, resp.err
	case <-w.stopCh:
		return nil, errWorkerStopped
	case <-callCtx.Done():
		// The in-flight backend call completes inside the worker and its
		// result is discarded; aborting it could corrupt backend state.
		return nil, callCtx.Err()
	}
}

// stop tears the session down and waits for the backend to be destroyed.
// Safe to call more than once.
func (w *worker) stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.done
}
