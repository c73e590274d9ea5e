package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nerrors "github.com/notedex/notedex/internal/errors"
)

// Backend describes one ranked provider variant. The accelerated variant
// ranks first; the universal fallback ranks last and must always initialize.
type Backend struct {
	// Name identifies the backend in logs and errors.
	Name string

	// Accelerated marks the preferred backend whose consecutive failures
	// are counted toward a permanent session downgrade.
	Accelerated bool

	// New constructs the backend inside the worker session.
	New func(ctx context.Context) (Embedder, error)

	// Probe is a side-effect-free capability check that must not create
	// the worker session.
	Probe func(ctx context.Context) bool
}

// ProviderConfig configures the Provider.
type ProviderConfig struct {
	Timeout          time.Duration
	Throttle         bool
	ThrottleInterval time.Duration
}

// Provider is the embedding provider: a ranked list of backends behind one
// Embedder interface with an explicit failure-counter/reinitialize state
// machine.
//
// Policy:
//   - two consecutive call failures trigger one backend teardown-and-
//     reinitialize followed by exactly one retry of the failed call; a
//     further failure after that retry is a hard error for that call.
//   - after DowngradeAfterFailures consecutive failures on the accelerated
//     backend, the provider permanently downgrades to the next backend for
//     the remainder of the session, resetting counters and forcing a full
//     reinitialization.
//   - returned vectors are validated against the backend dimensionality;
//     a length mismatch is a failure, never truncated or padded.
type Provider struct {
	cfg      ProviderConfig
	backends []Backend

	mu                  sync.Mutex
	active              int
	worker              *worker
	consecutiveFailures int
	acceleratedFailures int
	downgraded          bool
	lastCall            time.Time
	closed              bool
}

var _ Embedder = (*Provider)(nil)

// NewProvider creates a provider over the given ranked backends.
func NewProvider(backends []Backend, cfg ProviderConfig) (*Provider, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = DefaultThrottleInterval
	}
	return &Provider{cfg: cfg, backends: backends}, nil
}

// NewDefaultProvider builds the standard ranked list for the given settings:
// Ollama (accelerated) → static hash embeddings (universal fallback). With
// provider "static" only the fallback is used.
func NewDefaultProvider(provider string, ollamaCfg OllamaConfig, cfg ProviderConfig) (*Provider, error) {
	static := Backend{
		Name:  "static",
		New:   func(ctx context.Context) (Embedder, error) { return NewStaticEmbedder(), nil },
		Probe: func(ctx context.Context) bool { return true },
	}

	if provider == "static" {
		return NewProvider([]Backend{static}, cfg)
	}

	ollama := Backend{
		Name:        "ollama",
		Accelerated: true,
		New: func(ctx context.Context) (Embedder, error) {
			return NewOllamaEmbedder(ctx, ollamaCfg)
		},
		Probe: func(ctx context.Context) bool {
			probe, err := NewOllamaEmbedder(ctx, OllamaConfig{
				Host:            ollamaCfg.Host,
				Model:           ollamaCfg.Model,
				SkipHealthCheck: true,
			})
			if err != nil {
				return false
			}
			defer func() { _ = probe.Close() }()
			return probe.Available(ctx)
		},
	}
	return NewProvider([]Backend{ollama, static}, cfg)
}

// ensureWorker lazily creates the session worker for the active backend.
// Created once per session; torn down only on reinit, downgrade, or Close.
func (p *Provider) ensureWorker() *worker {
	if p.worker == nil {
		b := p.backends[p.active]
		slog.Debug("embed_worker_starting", slog.String("backend", b.Name))
		p.worker = newWorker(context.Background(), b.New)
	}
	return p.worker
}

// throttleWait enforces the minimum delay between consecutive embed calls.
func (p *Provider) throttleWait() {
	if !p.cfg.Throttle {
		return
	}
	if wait := p.cfg.ThrottleInterval - time.Since(p.lastCall); wait > 0 {
		time.Sleep(wait)
	}
}

// attempt runs one embedding call through the active worker session and
// validates the result dimensionality.
func (p *Provider) attempt(ctx context.Context, texts []string) ([][]float32, error) {
	w := p.ensureWorker()
	vectors, err := w.embed(ctx, texts, p.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("backend returned %d vectors for %d texts", len(vectors), len(texts))
	}

	dims := w.backend.Dimensions()
	for i, v := range vectors {
		if len(v) != dims {
			return nil, nerrors.New(nerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector %d has %d dimensions, want %d", i, len(v), dims), nil)
		}
	}
	return vectors, nil
}

// reinit tears the active worker down and recreates it.
func (p *Provider) reinit() {
	if p.worker != nil {
		p.worker.stop()
		p.worker = nil
	}
	slog.Info("embed_backend_reinitialized", slog.String("backend", p.backends[p.active].Name))
	p.ensureWorker()
}

// downgrade permanently switches to the next ranked backend for the rest of
// the session. A systemically-failing accelerated backend is never silently
// retried later.
func (p *Provider) downgrade() {
	from := p.backends[p.active].Name
	if p.worker != nil {
		p.worker.stop()
		p.worker = nil
	}
	if p.active < len(p.backends)-1 {
		p.active++
	}
	p.downgraded = true
	p.consecutiveFailures = 0
	p.acceleratedFailures = 0
	slog.Warn("embed_backend_downgraded",
		slog.String("from", from),
		slog.String("to", p.backends[p.active].Name))
	p.ensureWorker()
}

// EmbedBatch generates embeddings for multiple texts, applying the failure
// policy. Calls are serialized; throttling bounds their rate.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("provider is closed")
	}

	p.throttleWait()
	defer func() { p.lastCall = time.Now() }()

	vectors, err := p.attempt(ctx, texts)
	if err == nil {
		p.consecutiveFailures = 0
		p.acceleratedFailures = 0
		return vectors, nil
	}
	if ctx.Err() != nil {
		// Caller cancellation is not a backend fault.
		return nil, err
	}

	p.consecutiveFailures++
	if p.backends[p.active].Accelerated {
		p.acceleratedFailures++
	}
	slog.Warn("embed_call_failed",
		slog.String("backend", p.backends[p.active].Name),
		slog.Int("consecutive", p.consecutiveFailures),
		slog.String("error", err.Error()))

	if p.backends[p.active].Accelerated && p.acceleratedFailures >= DowngradeAfterFailures {
		p.downgrade()
		return p.retryOnce(ctx, texts)
	}

	if p.consecutiveFailures >= ReinitAfterFailures {
		p.reinit()
		return p.retryOnce(ctx, texts)
	}

	return nil, nerrors.TransientProviderError("embedding call failed", err)
}

// retryOnce performs the single post-reinitialize retry. A failure here is
// a hard error for the call; there is no unbounded retry loop.
func (p *Provider) retryOnce(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := p.attempt(ctx, texts)
	if err == nil {
		p.consecutiveFailures = 0
		p.acceleratedFailures = 0
		return vectors, nil
	}

	if p.backends[p.active].Accelerated {
		p.acceleratedFailures++
	}
	p.consecutiveFailures = 0
	return nil, nerrors.New(nerrors.ErrCodeProviderHard,
		"embedding failed after reinitialize and retry", err)
}

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimensions returns the active backend's dimensionality. Returns 0 if the
// session has not been created yet and the backend does not know its
// dimensionality statically.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.worker != nil {
		select {
		case <-p.worker.ready:
			if p.worker.initErr == nil {
				return p.worker.backend.Dimensions()
			}
		default:
		}
	}
	if p.backends[p.active].Name == "static" {
		return StaticDimensions
	}
	return 0
}

// ModelName returns the active backend's model identifier.
func (p *Provider) ModelName() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.worker != nil {
		select {
		case <-p.worker.ready:
			if p.worker.initErr == nil {
				return p.worker.backend.ModelName()
			}
		default:
		}
	}
	return p.backends[p.active].Name
}

// ModelInfo initializes the session if needed and returns the active model
// identity. The index uses this to stamp snapshots.
func (p *Provider) ModelInfo(ctx context.Context) (ModelInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.ensureWorker()
	if err := w.awaitReady(ctx); err != nil {
		return ModelInfo{}, nerrors.Wrap(nerrors.ErrCodeProviderUnavailable, err)
	}
	return ModelInfo{Name: w.backend.ModelName(), Dimensions: w.backend.Dimensions()}, nil
}

// Available is a side-effect-free capability probe of the active backend.
// It never creates the worker session.
func (p *Provider) Available(ctx context.Context) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	probe := p.backends[p.active].Probe
	p.mu.Unlock()

	if probe == nil {
		return true
	}
	return probe(ctx)
}

// ActiveBackend returns the name of the currently-active backend.
func (p *Provider) ActiveBackend() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backends[p.active].Name
}

// Downgraded reports whether the session has permanently fallen back.
func (p *Provider) Downgraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downgraded
}

// Close tears down the worker session.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.worker != nil {
		p.worker.stop()
		p.worker = nil
	}
	return nil
}
