package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/notedex/notedex/internal/embed"
	"github.com/notedex/notedex/internal/errors"
)

// Config configures the engine.
type Config struct {
	// DataDir is where snapshots and the writer lock live. Empty means
	// fully in-memory (tests).
	DataDir string

	// Model and Dimensions identify the embedding space the index is
	// built in. A snapshot from a different space cannot be loaded.
	Model      string
	Dimensions int

	// LexicalWeight and SemanticWeight control hybrid fusion. They must
	// sum to 1; defaults 0.3 and 0.7.
	LexicalWeight  float64
	SemanticWeight float64

	// MaxResults is the default result cap (default 20).
	MaxResults int
}

// Engine is the hybrid index: BM25 and vector search over one chunk set,
// plus the document records needed for incremental reindexing.
type Engine struct {
	mu  sync.RWMutex
	cfg Config

	embedder embed.Embedder
	lexical  *lexicalIndex
	vector   *vectorIndex

	chunks map[string]*Chunk
	docs   map[string]*DocumentRecord

	updatedAt  time.Time
	lock       *flock.Flock
	rebuilding int
	closed     bool
}

// snippetLength bounds result excerpts.
const snippetLength = 200

// New creates an engine. When cfg.DataDir is set, the data directory is
// created and an exclusive writer lock taken; a second process gets
// ERR_203_DATA_DIR_LOCKED instead of corrupting the snapshot.
func New(cfg Config, embedder embed.Embedder) (*Engine, error) {
	if cfg.LexicalWeight == 0 && cfg.SemanticWeight == 0 {
		cfg.LexicalWeight = 0.3
		cfg.SemanticWeight = 0.7
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	if cfg.Dimensions <= 0 {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "index dimensions must be positive", nil)
	}

	var lk *flock.Flock
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, errors.New(errors.ErrCodeSnapshotIO,
				fmt.Sprintf("cannot create data directory %s", cfg.DataDir), err)
		}
		lk = flock.New(filepath.Join(cfg.DataDir, "writer.lock"))
		locked, err := lk.TryLock()
		if err != nil {
			return nil, errors.New(errors.ErrCodeSnapshotIO, "cannot acquire writer lock", err)
		}
		if !locked {
			return nil, errors.New(errors.ErrCodeDataDirLocked,
				fmt.Sprintf("data directory %s is locked by another process", cfg.DataDir), nil).
				WithSuggestion("stop the other notedex instance and retry")
		}
	}

	lex, err := newLexicalIndex()
	if err != nil {
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		embedder: embedder,
		lexical:  lex,
		vector:   newVectorIndex(cfg.Dimensions),
		chunks:   make(map[string]*Chunk),
		docs:     make(map[string]*DocumentRecord),
		lock:     lk,
	}, nil
}

// UpsertDocument replaces a document's chunks atomically: old chunks are
// removed and new ones inserted under one lock, so a concurrent search
// never sees a half-updated document.
func (e *Engine) UpsertDocument(ctx context.Context, path string, rec DocumentRecord, chunks []*Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New(errors.ErrCodeInternal, "index is closed", nil)
	}

	if old, exists := e.docs[path]; exists {
		e.removeChunksLocked(old.ChunkIDs)
	}

	ids := make([]string, 0, len(chunks))
	var vecIDs []string
	var vectors [][]float32
	for _, c := range chunks {
		ids = append(ids, c.ID)
		e.chunks[c.ID] = c
		if c.Vector != nil {
			vecIDs = append(vecIDs, c.ID)
			vectors = append(vectors, c.Vector)
		}
	}

	if err := e.lexical.add(chunks); err != nil {
		return err
	}
	if len(vecIDs) > 0 {
		if err := e.vector.add(vecIDs, vectors); err != nil {
			return err
		}
	}

	rec.ChunkIDs = ids
	e.docs[path] = &rec
	e.updatedAt = time.Now()
	return nil
}

// RemoveDocument drops a document and all its chunks. Removing an unknown
// path is a no-op.
func (e *Engine) RemoveDocument(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New(errors.ErrCodeInternal, "index is closed", nil)
	}

	rec, exists := e.docs[path]
	if !exists {
		return nil
	}
	e.removeChunksLocked(rec.ChunkIDs)
	delete(e.docs, path)
	e.updatedAt = time.Now()
	return nil
}

// removeChunksLocked drops chunks from every store. Caller holds e.mu.
func (e *Engine) removeChunksLocked(ids []string) {
	for _, id := range ids {
		delete(e.chunks, id)
	}
	if err := e.lexical.remove(ids); err != nil {
		slog.Warn("lexical_remove_failed", slog.String("error", err.Error()))
	}
	e.vector.remove(ids)
}

// Document returns the record for a path, if indexed.
func (e *Engine) Document(path string) (DocumentRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, ok := e.docs[path]
	if !ok {
		return DocumentRecord{}, false
	}
	return *rec, true
}

// UpdateRecord rewrites a document's record without touching its chunks,
// used when a document was touched on disk but its content is unchanged.
// Updating an unknown path is a no-op.
func (e *Engine) UpdateRecord(path string, rec DocumentRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.docs[path]; ok {
		rec.ChunkIDs = existing.ChunkIDs
		e.docs[path] = &rec
	}
}

// Paths returns every indexed document path.
func (e *Engine) Paths() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	paths := make([]string, 0, len(e.docs))
	for p := range e.docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Search runs a query in the requested mode. Hybrid and semantic queries
// degrade to lexical-only, flagged on the response, when the embedding
// provider cannot serve.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (*Response, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.ValidationError("query must not be empty")
	}
	if opts.Limit < 0 {
		return nil, errors.ValidationError("limit must not be negative")
	}
	if opts.MinScore < 0 {
		return nil, errors.ValidationError("min score must not be negative")
	}

	mode := opts.Mode
	switch mode {
	case "":
		mode = ModeHybrid
	case ModeLexical, ModeSemantic, ModeHybrid:
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown search mode %q", mode))
	}
	limit := opts.Limit
	if limit == 0 {
		limit = e.cfg.MaxResults
	}

	// Over-fetch so post-filters and fusion still fill the limit.
	candidates := limit * 4
	if candidates < 50 {
		candidates = 50
	}

	var (
		lexHits  []lexicalResult
		vecHits  []vectorResult
		degraded bool
	)

	if mode == ModeLexical || mode == ModeHybrid {
		var err error
		lexHits, err = e.lexical.search(ctx, query, candidates)
		if err != nil {
			return nil, err
		}
	}

	if mode == ModeSemantic || mode == ModeHybrid {
		queryVec, err := e.embedQuery(ctx, query)
		switch {
		case err == nil:
			vecHits, err = e.vector.search(queryVec, candidates)
			if err != nil {
				return nil, err
			}
		case errors.IsRetryable(err) || errors.GetCode(err) == errors.ErrCodeProviderHard:
			// Provider down: fall back to keywords rather than failing
			// the query outright.
			degraded = true
			slog.Warn("search_degraded_lexical_only", slog.String("error", err.Error()))
			if mode == ModeSemantic {
				lexHits, err = e.lexical.search(ctx, query, candidates)
				if err != nil {
					return nil, err
				}
			}
		default:
			return nil, err
		}
	}

	results := e.fuse(mode, degraded, lexHits, vecHits, opts, limit)

	return &Response{
		Results:  results,
		Mode:     mode,
		Degraded: degraded,
		Took:     time.Since(start),
	}, nil
}

// embedQuery produces the query vector.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.embedder == nil {
		return nil, errors.New(errors.ErrCodeProviderUnavailable, "no embedding provider configured", nil)
	}
	return e.embedder.Embed(ctx, query)
}

// fuse normalizes and combines the per-signal hit lists, applies filters,
// and collapses to the best chunk per document and kind.
func (e *Engine) fuse(mode Mode, degraded bool, lexHits []lexicalResult, vecHits []vectorResult, opts SearchOptions, limit int) []Result {
	lexScores := normalizeLexical(lexHits)

	type fused struct {
		lex, sem float64
	}
	scores := make(map[string]*fused, len(lexHits)+len(vecHits))
	for id, s := range lexScores {
		scores[id] = &fused{lex: s}
	}
	for _, hit := range vecHits {
		if f, ok := scores[hit.ID]; ok {
			f.sem = hit.Score
		} else {
			scores[hit.ID] = &fused{sem: hit.Score}
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	// Best chunk per (path, kind): a long document should not crowd the
	// result list with all of its sections.
	best := make(map[string]Result)
	for id, f := range scores {
		c, ok := e.chunks[id]
		if !ok {
			continue
		}
		if !matchesFilters(c, opts) {
			continue
		}

		var score float64
		switch {
		case mode == ModeLexical || degraded:
			score = f.lex
		case mode == ModeSemantic:
			score = f.sem
		default:
			score = e.cfg.LexicalWeight*f.lex + e.cfg.SemanticWeight*f.sem
		}
		if score < opts.MinScore || score == 0 {
			continue
		}

		key := c.Path + "\x00" + string(c.Kind)
		if prev, seen := best[key]; seen && prev.Score >= score {
			continue
		}
		best[key] = Result{
			Path:          c.Path,
			Title:         c.Title,
			Heading:       c.Heading,
			Line:          c.Line,
			Kind:          c.Kind,
			Score:         score,
			LexicalScore:  f.lex,
			SemanticScore: f.sem,
			Snippet:       makeSnippet(c.Text),
			Tags:          c.Tags,
		}
	}

	results := make([]Result, 0, len(best))
	for _, r := range best {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// normalizeLexical maps raw BM25 scores into [0,1]. Scores are divided by
// the top score only when it exceeds 1, so already-small scores keep their
// absolute meaning.
func normalizeLexical(hits []lexicalResult) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	top := hits[0].Score
	for _, h := range hits {
		if h.Score > top {
			top = h.Score
		}
	}
	divisor := 1.0
	if top > 1.0 {
		divisor = top
	}
	for _, h := range hits {
		out[h.ID] = h.Score / divisor
	}
	return out
}

func matchesFilters(c *Chunk, opts SearchOptions) bool {
	if opts.PathPrefix != "" && !underPrefix(c.Path, opts.PathPrefix) {
		return false
	}
	for _, prefix := range opts.ExcludePrefixes {
		if underPrefix(c.Path, prefix) {
			return false
		}
	}
	for _, want := range opts.Tags {
		if !hasTag(c.Tags, want) {
			return false
		}
	}
	return true
}

func underPrefix(path, prefix string) bool {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func makeSnippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= snippetLength {
		return text
	}
	cut := text[:snippetLength]
	if idx := strings.LastIndexByte(cut, ' '); idx > snippetLength/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

// Stats summarizes the index contents.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	vectorChunks := 0
	for _, c := range e.chunks {
		if c.Vector != nil {
			vectorChunks++
		}
	}
	return Stats{
		Documents:    len(e.docs),
		Chunks:       len(e.chunks),
		VectorChunks: vectorChunks,
		Model:        e.cfg.Model,
		Dimensions:   e.cfg.Dimensions,
		UpdatedAt:    e.updatedAt,
	}
}

// BeginRebuild marks a bulk indexing run as active; Status reports
// rebuilding until the matching EndRebuild.
func (e *Engine) BeginRebuild() {
	e.mu.Lock()
	e.rebuilding++
	e.mu.Unlock()
}

// EndRebuild clears the mark set by BeginRebuild.
func (e *Engine) EndRebuild() {
	e.mu.Lock()
	if e.rebuilding > 0 {
		e.rebuilding--
	}
	e.mu.Unlock()
}

// Status reports index health for the stats surface.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.RLock()
	empty := len(e.docs) == 0
	rebuilding := e.rebuilding > 0
	e.mu.RUnlock()

	if rebuilding {
		return StatusRebuilding
	}
	if empty {
		return StatusEmpty
	}
	if e.embedder == nil || !e.embedder.Available(ctx) {
		return StatusDegraded
	}
	return StatusReady
}

// Close releases the writer lock and the lexical index. Safe to call twice.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	err := e.lexical.close()
	if e.lock != nil {
		if unlockErr := e.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}
