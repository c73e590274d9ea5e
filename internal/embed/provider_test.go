package embed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/notedex/notedex/internal/errors"
)

// fakeScript controls a scripted backend across reinitializations. The
// provider constructs fresh backend instances on reinit, so the script lives
// outside the backend.
type fakeScript struct {
	mu       sync.Mutex
	failNext int // upcoming calls that fail
	badDims  bool
	failInit bool

	calls  int
	inits  int
	closes int
	dims   int
}

func (s *fakeScript) backend(name string, accelerated bool) Backend {
	return Backend{
		Name:        name,
		Accelerated: accelerated,
		New: func(ctx context.Context) (Embedder, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.inits++
			if s.failInit {
				return nil, fmt.Errorf("init refused")
			}
			return &fakeBackend{script: s, name: name}, nil
		},
		Probe: func(ctx context.Context) bool { return true },
	}
}

type fakeBackend struct {
	script *fakeScript
	name   string
}

func (f *fakeBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *fakeBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s := f.script
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return nil, fmt.Errorf("scripted failure")
	}

	dims := s.dims
	if s.badDims {
		dims = s.dims + 1
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, dims)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeBackend) Dimensions() int                      { return f.script.dims }
func (f *fakeBackend) ModelName() string                    { return f.name }
func (f *fakeBackend) Available(ctx context.Context) bool   { return true }
func (f *fakeBackend) Close() error                         { f.script.mu.Lock(); f.script.closes++; f.script.mu.Unlock(); return nil }

func newTestProvider(t *testing.T, backends ...Backend) *Provider {
	t.Helper()
	p, err := NewProvider(backends, ProviderConfig{Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProvider_FirstFailureIsTransient(t *testing.T) {
	// Given: a backend that fails exactly once
	script := &fakeScript{dims: 4, failNext: 1}
	p := newTestProvider(t, script.backend("fake", false))

	// When: the first call fails
	_, err := p.EmbedBatch(context.Background(), []string{"hello"})

	// Then: the error is transient and no reinitialize happened
	require.Error(t, err)
	assert.Equal(t, nerrors.ErrCodeProviderTransient, nerrors.GetCode(err))
	assert.Equal(t, 1, script.inits)

	// And: the next call succeeds and resets the counter
	vectors, err := p.EmbedBatch(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
}

func TestProvider_TwoFailuresTriggerOneReinitAndRetry(t *testing.T) {
	// Given: a backend that fails its next two calls
	script := &fakeScript{dims: 4, failNext: 2}
	p := newTestProvider(t, script.backend("fake", false))

	// When: first call fails (transient)
	_, err := p.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)

	// And: second call fails too
	vectors, err := p.EmbedBatch(context.Background(), []string{"a"})

	// Then: the provider reinitialized once and the retry succeeded
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 2, script.inits, "exactly one teardown-and-reinitialize")
	assert.Equal(t, 1, script.closes, "old backend torn down")
	assert.Equal(t, 3, script.calls, "fail, fail, retry")
}

func TestProvider_FailureAfterRetryIsHardError(t *testing.T) {
	// Given: a backend that fails its next three calls
	script := &fakeScript{dims: 4, failNext: 3}
	p := newTestProvider(t, script.backend("fake", false))

	_, err := p.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)

	// When: the second call fails, triggering reinit + retry, and the
	// retry fails as well
	_, err = p.EmbedBatch(context.Background(), []string{"a"})

	// Then: it is a hard error, with no further retries
	require.Error(t, err)
	assert.Equal(t, nerrors.ErrCodeProviderHard, nerrors.GetCode(err))
	assert.Equal(t, 2, script.inits, "no unbounded reinit loop")
	assert.Equal(t, 3, script.calls)
}

func TestProvider_PermanentDowngradeAfterAcceleratedFailures(t *testing.T) {
	// Given: an accelerated backend that always fails and a healthy fallback
	accel := &fakeScript{dims: 4, failNext: 1 << 20}
	fallback := &fakeScript{dims: 4}
	p := newTestProvider(t,
		accel.backend("accel", true),
		fallback.backend("fallback", false),
	)

	// When: calls fail until five consecutive accelerated failures accumulate
	var vectors [][]float32
	var err error
	for i := 0; i < 4; i++ {
		vectors, err = p.EmbedBatch(context.Background(), []string{"a"})
		if err == nil {
			break
		}
	}

	// Then: the provider permanently downgraded and served the call from
	// the fallback
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.True(t, p.Downgraded())
	assert.Equal(t, "fallback", p.ActiveBackend())

	// And: subsequent calls stay on the fallback; the accelerated backend
	// is never retried
	accelCallsBefore := accel.calls
	_, err = p.EmbedBatch(context.Background(), []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, accelCallsBefore, accel.calls)
}

func TestProvider_DimensionMismatchIsFailure(t *testing.T) {
	// Given: a backend returning vectors of the wrong length
	script := &fakeScript{dims: 4, badDims: true}
	p := newTestProvider(t, script.backend("fake", false))

	// When: embedding
	_, err := p.EmbedBatch(context.Background(), []string{"a"})

	// Then: the mismatched vector is a failure, never truncated or padded
	require.Error(t, err)
	assert.Equal(t, nerrors.ErrCodeProviderTransient, nerrors.GetCode(err))
}

func TestProvider_InitFailureFollowsRetryPolicy(t *testing.T) {
	// Given: a backend whose initialization fails
	script := &fakeScript{dims: 4, failInit: true}
	p := newTestProvider(t, script.backend("fake", false))

	// When: two calls fail because the session cannot initialize
	_, err := p.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	_, err = p.EmbedBatch(context.Background(), []string{"a"})

	// Then: the second failure triggered a reinit attempt and then a hard error
	require.Error(t, err)
	assert.Equal(t, nerrors.ErrCodeProviderHard, nerrors.GetCode(err))
	assert.Equal(t, 2, script.inits, "lazy init plus one reinit")
}

func TestProvider_ThrottleEnforcesMinimumDelay(t *testing.T) {
	script := &fakeScript{dims: 4}
	p, err := NewProvider([]Backend{script.backend("fake", false)}, ProviderConfig{
		Timeout:          5 * time.Second,
		Throttle:         true,
		ThrottleInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	start := time.Now()
	_, err = p.EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	_, err = p.EmbedBatch(context.Background(), []string{"b"})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestProvider_ModelInfo(t *testing.T) {
	script := &fakeScript{dims: 4}
	p := newTestProvider(t, script.backend("fake", false))

	info, err := p.ModelInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", info.Name)
	assert.Equal(t, 4, info.Dimensions)
}

func TestProvider_AvailableNeverCreatesSession(t *testing.T) {
	script := &fakeScript{dims: 4}
	p := newTestProvider(t, script.backend("fake", false))

	assert.True(t, p.Available(context.Background()))
	assert.Equal(t, 0, script.inits, "probe must not create the worker session")
}

func TestProvider_EmptyBatch(t *testing.T) {
	script := &fakeScript{dims: 4}
	p := newTestProvider(t, script.backend("fake", false))

	vectors, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Equal(t, 0, script.calls)
}
