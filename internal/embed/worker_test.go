package embed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_EmbedRoundTrip(t *testing.T) {
	// Given: a worker over the static embedder
	w := newWorker(context.Background(), func(ctx context.Context) (Embedder, error) {
		return NewStaticEmbedder(), nil
	})
	defer w.stop()

	// When: embedding through the session
	vectors, err := w.embed(context.Background(), []string{"alpha", "beta"}, time.Second)

	// Then: correlated response with one vector per text
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], StaticDimensions)
}

func TestWorker_InitErrorSurfacesToCallers(t *testing.T) {
	initErr := fmt.Errorf("backend refused")
	w := newWorker(context.Background(), func(ctx context.Context) (Embedder, error) {
		return nil, initErr
	})
	defer w.stop()

	_, err := w.embed(context.Background(), []string{"a"}, time.Second)
	assert.ErrorIs(t, err, initErr)
}

func TestWorker_StopRejectsPendingRequests(t *testing.T) {
	// Given: a worker that was torn down
	w := newWorker(context.Background(), func(ctx context.Context) (Embedder, error) {
		return NewStaticEmbedder(), nil
	})
	require.NoError(t, w.awaitReady(context.Background()))
	w.stop()

	// When: a request arrives after teardown
	_, err := w.embed(context.Background(), []string{"a"}, time.Second)

	// Then: it is rejected, not hung
	assert.ErrorIs(t, err, errWorkerStopped)
}

func TestWorker_TimeoutDiscardsInFlightResult(t *testing.T) {
	// Given: a backend that blocks longer than the call timeout
	slow := &slowEmbedder{delay: 200 * time.Millisecond}
	w := newWorker(context.Background(), func(ctx context.Context) (Embedder, error) {
		return slow, nil
	})
	defer w.stop()

	// When: the caller's timeout is shorter than the call
	start := time.Now()
	_, err := w.embed(context.Background(), []string{"a"}, 20*time.Millisecond)

	// Then: the caller is released promptly; the in-flight call completes
	// inside the worker and its result is discarded
	require.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

// slowEmbedder simulates a backend with long round trips.
type slowEmbedder struct {
	delay time.Duration
}

func (s *slowEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	time.Sleep(s.delay)
	return make([]float32, 4), nil
}

func (s *slowEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	time.Sleep(s.delay)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, 4)
	}
	return out, nil
}

func (s *slowEmbedder) Dimensions() int                    { return 4 }
func (s *slowEmbedder) ModelName() string                  { return "slow" }
func (s *slowEmbedder) Available(ctx context.Context) bool { return true }
func (s *slowEmbedder) Close() error                       { return nil }
