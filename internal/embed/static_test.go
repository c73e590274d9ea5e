package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	a, err := e.Embed(context.Background(), "carbon accounting")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "carbon accounting")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, StaticDimensions)
}

func TestStaticEmbedder_UnitLength(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	vec, err := e.Embed(context.Background(), "quantum computing uses qubits")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 0.001)
}

func TestStaticEmbedder_SimilarTextsCloserThanUnrelated(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	carbon1, _ := e.Embed(context.Background(), "carbon emissions from organizations")
	carbon2, _ := e.Embed(context.Background(), "measuring carbon emissions")
	quantum, _ := e.Embed(context.Background(), "quantum qubits parallel computation")

	assert.Greater(t, dot(carbon1, carbon2), dot(carbon1, quantum))
}

func TestStaticEmbedder_EmptyText(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, vec, StaticDimensions)
}

func TestStaticEmbedder_Batch(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	vectors, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	assert.Len(t, vectors, 3)
}

func TestStaticEmbedder_ClosedRejectsCalls(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "text")
	assert.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
