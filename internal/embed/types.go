// Package embed generates vector embeddings for text.
//
// The Provider orchestrates a ranked list of backends (accelerated first,
// universal fallback last) behind one Embedder interface, with a bounded
// failure/reinitialize state machine, optional throttling, and an isolated
// worker session per backend.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants.
const (
	// DefaultBatchSize is the default batch size for embedding requests.
	DefaultBatchSize = 32

	// MaxBatchSize caps batch size to prevent memory exhaustion.
	MaxBatchSize = 256

	// DefaultTimeout bounds a single embedding round trip. Generous to
	// tolerate one-time backend/model initialization.
	DefaultTimeout = 120 * time.Second

	// DefaultThrottleInterval is the minimum delay between consecutive
	// embed calls when throttling is enabled.
	DefaultThrottleInterval = 100 * time.Millisecond

	// ReinitAfterFailures is the number of consecutive call failures that
	// trigger one backend teardown-and-reinitialize followed by exactly
	// one retry of the failed call.
	ReinitAfterFailures = 2

	// DowngradeAfterFailures is the number of consecutive failures on the
	// accelerated backend after which the provider permanently downgrades
	// to the fallback for the remainder of the session.
	DowngradeAfterFailures = 5
)

// StaticDimensions is the embedding dimension for the static fallback.
const StaticDimensions = 256

// ModelInfo identifies an embedding model.
type ModelInfo struct {
	Name       string
	Dimensions int
}

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one round trip.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready. It is a side-effect-free
	// capability probe: callers use it to degrade gracefully instead of
	// failing whole operations.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
