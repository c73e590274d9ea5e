package index

import (
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"

	"github.com/notedex/notedex/internal/errors"
)

// vectorResult is one nearest-neighbor hit.
type vectorResult struct {
	ID    string
	Score float64 // cosine similarity in [0,1] after normalization
}

// vectorIndex wraps a coder/hnsw graph with string IDs and cosine
// similarity. Deletions are lazy: the graph node is orphaned and skipped
// at search time, then dropped for real on the next snapshot rebuild.
type vectorIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[uint64]
	dimensions int

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

func newVectorIndex(dimensions int) *vectorIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 32
	graph.Ml = 0.25

	return &vectorIndex{
		graph:      graph,
		dimensions: dimensions,
		idMap:      make(map[string]uint64),
		keyMap:     make(map[uint64]string),
	}
}

// add inserts vectors keyed by chunk ID. Existing IDs are replaced.
func (v *vectorIndex) add(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, vec := range vectors {
		if len(vec) != v.dimensions {
			return errors.New(errors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector has %d dimensions, index expects %d", len(vec), v.dimensions), nil)
		}
	}

	for i, id := range ids {
		if oldKey, exists := v.idMap[id]; exists {
			// Lazy delete: orphan the old node rather than removing it
			// from the graph, which is unsafe for the last node.
			delete(v.keyMap, oldKey)
		}

		key := v.nextKey
		v.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		v.graph.Add(hnsw.MakeNode(key, vec))
		v.idMap[id] = key
		v.keyMap[key] = id
	}
	return nil
}

// remove lazily deletes vectors by chunk ID. Unknown IDs are ignored.
func (v *vectorIndex) remove(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, id := range ids {
		if key, exists := v.idMap[id]; exists {
			delete(v.keyMap, key)
			delete(v.idMap, id)
		}
	}
}

// search returns up to k nearest chunks by cosine similarity.
func (v *vectorIndex) search(query []float32, k int) ([]vectorResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(query) != v.dimensions {
		return nil, errors.New(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query vector has %d dimensions, index expects %d", len(query), v.dimensions), nil)
	}
	if v.graph.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	// Over-fetch to compensate for lazily deleted nodes.
	nodes := v.graph.Search(q, k+len(v.idMap)/4+1)

	out := make([]vectorResult, 0, k)
	for _, node := range nodes {
		id, live := v.keyMap[node.Key]
		if !live {
			continue
		}
		distance := v.graph.Distance(q, node.Value)
		// CosineDistance is 1 - similarity; clamp fp noise.
		score := 1.0 - float64(distance)
		if score < 0 {
			score = 0
		}
		out = append(out, vectorResult{ID: id, Score: score})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (v *vectorIndex) count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.idMap)
}

func normalizeInPlace(vec []float32) {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
