// Package pipeline turns vault documents into indexed chunks: read,
// chunk, embed, upsert. It provides both bulk indexing over the whole
// vault and single-document operations for live reconciliation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/notedex/notedex/internal/chunk"
	"github.com/notedex/notedex/internal/embed"
	"github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/index"
	"github.com/notedex/notedex/internal/vault"
)

// DefaultSaveEvery flushes the snapshot after this many indexed documents
// during a bulk run, bounding how much work a crash can lose.
const DefaultSaveEvery = 50

// Options configures the pipeline.
type Options struct {
	// SaveEvery is the bulk-run snapshot interval in documents.
	SaveEvery int
}

// Summary reports the outcome of a bulk indexing run.
type Summary struct {
	// Indexed counts documents (re)indexed.
	Indexed int `json:"indexed"`

	// Skipped counts documents left untouched because they were
	// already current.
	Skipped int `json:"skipped"`

	// Removed counts indexed documents that no longer exist in the
	// vault and were dropped.
	Removed int `json:"removed"`

	// Errors counts documents that failed; the run continues past them.
	Errors int `json:"errors"`

	// Took is the total run duration.
	Took time.Duration `json:"took"`
}

// Pipeline coordinates vault, chunker, embedding provider, and index.
type Pipeline struct {
	vault    vault.Vault
	chunker  *chunk.Chunker
	embedder embed.Embedder
	engine   *index.Engine
	locks    *PathLocks
	opts     Options

	mu       sync.Mutex
	running  bool
	progress *progress
}

// New creates a pipeline. The embedder may be nil, in which case chunks
// are indexed lexical-only.
func New(v vault.Vault, chunker *chunk.Chunker, embedder embed.Embedder, engine *index.Engine, opts Options) *Pipeline {
	if opts.SaveEvery <= 0 {
		opts.SaveEvery = DefaultSaveEvery
	}
	return &Pipeline{
		vault:    v,
		chunker:  chunker,
		embedder: embedder,
		engine:   engine,
		locks:    NewPathLocks(),
		opts:     opts,
	}
}

// Locks exposes the per-path lock table for sharing with the reconciler.
func (p *Pipeline) Locks() *PathLocks {
	return p.locks
}

// Progress returns the current bulk-run progress, or an idle snapshot.
func (p *Pipeline) Progress() Snapshot {
	p.mu.Lock()
	prog := p.progress
	p.mu.Unlock()

	if prog == nil {
		return Snapshot{Phase: PhaseIdle}
	}
	return prog.snapshot()
}

// Subscribe returns a channel of progress snapshots for the active run,
// or nil when no run is active.
func (p *Pipeline) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.progress == nil {
		return nil
	}
	return p.progress.subscribe()
}

// IndexAll walks the vault and brings the index up to date: changed and
// new documents are reindexed, vanished documents removed, unchanged ones
// skipped unless force is set. Only one run may be active at a time.
// Cancellation is honored between documents, never mid-document.
func (p *Pipeline) IndexAll(ctx context.Context, force bool) (*Summary, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil, errors.New(errors.ErrCodeIndexBusy, "an indexing run is already active", nil)
	}
	p.running = true
	prog := newProgress()
	p.progress = prog
	p.mu.Unlock()

	p.engine.BeginRebuild()
	defer func() {
		p.engine.EndRebuild()
		prog.closeSubscribers()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	start := time.Now()
	summary := &Summary{}

	prog.setPhase(PhaseScanning, 0)
	files, err := p.vault.List(ctx)
	if err != nil {
		return nil, err
	}

	// Drop indexed documents that no longer exist in the vault.
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Path] = true
	}
	for _, indexed := range p.engine.Paths() {
		if !present[indexed] {
			if err := p.RemoveFile(ctx, indexed); err != nil {
				slog.Warn("index_remove_failed", slog.String("path", indexed), slog.String("error", err.Error()))
				summary.Errors++
				continue
			}
			summary.Removed++
		}
	}

	prog.setPhase(PhaseIndexing, len(files))
	slog.Info("index_run_started",
		slog.Int("files", len(files)),
		slog.Bool("force", force),
	)

	sinceSave := 0
	for _, f := range files {
		select {
		case <-ctx.Done():
			_ = p.engine.Save()
			return summary, ctx.Err()
		default:
		}

		indexed, err := p.indexIfNeeded(ctx, f, force)
		switch {
		case err != nil:
			// One broken document must not sink the run.
			slog.Warn("index_file_failed",
				slog.String("path", f.Path),
				slog.String("error", err.Error()),
			)
			summary.Errors++
		case indexed:
			summary.Indexed++
			sinceSave++
		default:
			summary.Skipped++
		}
		prog.advance(f.Path, err != nil)

		if sinceSave >= p.opts.SaveEvery {
			if err := p.engine.Save(); err != nil {
				slog.Warn("snapshot_save_failed", slog.String("error", err.Error()))
			}
			sinceSave = 0
		}
	}

	if err := p.engine.Save(); err != nil {
		return summary, err
	}

	prog.complete()
	summary.Took = time.Since(start)
	slog.Info("index_run_complete",
		slog.Int("indexed", summary.Indexed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("removed", summary.Removed),
		slog.Int("errors", summary.Errors),
		slog.Duration("took", summary.Took),
	)
	return summary, nil
}

// indexIfNeeded reindexes one document unless it is already current.
// Returns whether the document was (re)indexed.
func (p *Pipeline) indexIfNeeded(ctx context.Context, f vault.FileInfo, force bool) (bool, error) {
	if !force {
		if rec, ok := p.engine.Document(f.Path); ok && !f.ModTime.After(rec.ModTime) {
			return false, nil
		}
	}

	p.locks.Lock(f.Path)
	defer p.locks.Unlock(f.Path)

	data, info, err := p.vault.Read(ctx, f.Path)
	if err != nil {
		return false, err
	}

	// Touched but unchanged: refresh the record, skip the heavy work.
	hash := vault.ContentHash(data)
	if !force {
		if rec, ok := p.engine.Document(f.Path); ok && rec.ContentHash == hash {
			rec.ModTime = info.ModTime
			p.engine.UpdateRecord(f.Path, rec)
			return false, nil
		}
	}

	return true, p.indexDocument(ctx, info, data, hash)
}

// IndexFile reindexes a single document unconditionally. It is the entry
// point for live reconciliation.
func (p *Pipeline) IndexFile(ctx context.Context, relPath string) error {
	p.locks.Lock(relPath)
	defer p.locks.Unlock(relPath)

	data, info, err := p.vault.Read(ctx, relPath)
	if err != nil {
		return err
	}
	return p.indexDocument(ctx, info, data, vault.ContentHash(data))
}

// RemoveFile drops a document from the index.
func (p *Pipeline) RemoveFile(ctx context.Context, relPath string) error {
	p.locks.Lock(relPath)
	defer p.locks.Unlock(relPath)

	return p.engine.RemoveDocument(ctx, relPath)
}

// indexDocument runs chunk → embed → upsert for one document. When the
// provider is down the document degrades to lexical-only; a hard per-call
// embedding failure fails the document instead, leaving its previously
// indexed chunks in place so the next run retries it.
func (p *Pipeline) indexDocument(ctx context.Context, info vault.FileInfo, data []byte, hash string) error {
	drafts, meta := p.chunker.Chunk(info.Path, string(data))

	folder := path.Dir(info.Path)
	if folder == "." {
		folder = ""
	}

	chunks := make([]*index.Chunk, 0, len(drafts))
	texts := make([]string, 0, len(drafts))
	for i, d := range drafts {
		chunks = append(chunks, &index.Chunk{
			ID:            fmt.Sprintf("%s#%d", info.Path, i),
			Path:          info.Path,
			Title:         meta.Title,
			Heading:       d.Heading,
			Line:          d.Line,
			Kind:          d.Kind,
			Text:          d.Content,
			TokenEstimate: chunk.EstimateTokens(d.Content),
			Tags:          meta.Tags,
			Folder:        folder,
		})
		texts = append(texts, d.Content)
	}

	if p.embedder != nil && len(texts) > 0 {
		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.IsRetryable(err) && p.embedder.Available(ctx) {
				return err
			}
			slog.Warn("index_file_lexical_only",
				slog.String("path", info.Path),
				slog.String("error", err.Error()),
			)
		} else {
			for i := range chunks {
				chunks[i].Vector = vectors[i]
			}
		}
	}

	return p.engine.UpsertDocument(ctx, info.Path, index.DocumentRecord{
		ModTime:     info.ModTime,
		ContentHash: hash,
	}, chunks)
}
