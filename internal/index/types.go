// Package index implements the hybrid search index: a BM25 lexical index
// and an HNSW vector index over the same chunk set, queried separately or
// fused by weighted linear combination.
package index

import (
	"time"

	"github.com/notedex/notedex/internal/chunk"
)

// SchemaVersion is the on-disk snapshot format version. Snapshots written
// with any other version require a full reindex.
const SchemaVersion = 3

// Chunk is an indexed retrieval unit with its metadata and vector.
type Chunk struct {
	// ID uniquely identifies the chunk: "<path>#<ordinal>".
	ID string `json:"id"`

	// Path is the vault-relative document path.
	Path string `json:"path"`

	// Title is the document title.
	Title string `json:"title"`

	// Heading is the section heading; empty for document-level chunks.
	Heading string `json:"heading,omitempty"`

	// Line is the 1-based line the chunk starts at.
	Line int `json:"line"`

	// Kind is document or section.
	Kind chunk.Kind `json:"kind"`

	// Text is the embeddable chunk content.
	Text string `json:"text"`

	// TokenEstimate approximates the chunk's token count.
	TokenEstimate int `json:"token_estimate"`

	// Vector is the chunk embedding. Nil when the provider was
	// unavailable at indexing time; such chunks are lexical-only.
	Vector []float32 `json:"vector,omitempty"`

	// Tags are the document's frontmatter tags.
	Tags []string `json:"tags,omitempty"`

	// Folder is the document's parent directory, "" at the vault root.
	Folder string `json:"folder,omitempty"`
}

// DocumentRecord tracks an indexed document for change detection.
type DocumentRecord struct {
	// ModTime is the document's filesystem modification time at indexing.
	ModTime time.Time `json:"mod_time"`

	// ContentHash is the hex SHA-256 of the document body at indexing.
	ContentHash string `json:"content_hash"`

	// ChunkIDs lists the chunks produced from this document.
	ChunkIDs []string `json:"chunk_ids"`
}

// Mode selects the search signal.
type Mode string

const (
	// ModeLexical uses BM25 keyword matching only.
	ModeLexical Mode = "lexical"
	// ModeSemantic uses vector similarity only.
	ModeSemantic Mode = "semantic"
	// ModeHybrid fuses both signals by weighted linear combination.
	ModeHybrid Mode = "hybrid"
)

// SearchOptions refines a query.
type SearchOptions struct {
	// Mode selects the signal; default hybrid.
	Mode Mode

	// Limit caps the result count; 0 means the engine default.
	Limit int

	// MinScore drops results scoring below the threshold.
	MinScore float64

	// Tags requires every listed tag to be present on the document.
	Tags []string

	// PathPrefix restricts results to documents under the prefix.
	PathPrefix string

	// ExcludePrefixes drops documents under any listed prefix.
	ExcludePrefixes []string
}

// Result is one search hit.
type Result struct {
	// Path is the vault-relative document path.
	Path string `json:"path"`

	// Title is the document title.
	Title string `json:"title"`

	// Heading is the matching section, empty for document-level hits.
	Heading string `json:"heading,omitempty"`

	// Line deep-links into the document.
	Line int `json:"line"`

	// Kind is document or section.
	Kind chunk.Kind `json:"kind"`

	// Score is the final (possibly fused) relevance score.
	Score float64 `json:"score"`

	// LexicalScore and SemanticScore are the per-signal components,
	// after normalization. Zero when the signal did not fire.
	LexicalScore  float64 `json:"lexical_score,omitempty"`
	SemanticScore float64 `json:"semantic_score,omitempty"`

	// Snippet is a short excerpt of the chunk text.
	Snippet string `json:"snippet"`

	// Tags are the document's tags.
	Tags []string `json:"tags,omitempty"`
}

// Response is a complete search answer.
type Response struct {
	// Results are ranked hits, best first.
	Results []Result `json:"results"`

	// Mode is the signal actually used.
	Mode Mode `json:"mode"`

	// Degraded is true when a hybrid or semantic query fell back to
	// lexical-only because the embedding provider was unavailable.
	Degraded bool `json:"degraded,omitempty"`

	// Took is the query latency.
	Took time.Duration `json:"took"`
}

// Stats summarizes index contents.
type Stats struct {
	// Documents is the number of indexed documents.
	Documents int `json:"documents"`

	// Chunks is the total chunk count.
	Chunks int `json:"chunks"`

	// VectorChunks is the number of chunks carrying an embedding.
	VectorChunks int `json:"vector_chunks"`

	// Model is the embedding model that produced the vectors.
	Model string `json:"model"`

	// Dimensions is the embedding dimensionality.
	Dimensions int `json:"dimensions"`

	// UpdatedAt is when the index last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Status reports index health.
type Status string

const (
	// StatusReady means both signals are available.
	StatusReady Status = "ready"
	// StatusDegraded means the embedding provider is unavailable and
	// queries run lexical-only.
	StatusDegraded Status = "degraded"
	// StatusEmpty means nothing has been indexed yet.
	StatusEmpty Status = "empty"
	// StatusRebuilding means a bulk indexing run is in flight.
	StatusRebuilding Status = "rebuilding"
)
