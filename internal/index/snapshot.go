package index

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/notedex/notedex/internal/errors"
)

// snapshotFileName is the snapshot file inside the data directory.
const snapshotFileName = "index.json"

// legacySchemaVersion is assumed when a snapshot predates the version
// field entirely.
const legacySchemaVersion = 1

// snapshotEnvelope is the on-disk snapshot format. The envelope carries
// enough identity (schema version, model, dimensions) to refuse loading
// into an incompatible engine instead of producing silent garbage.
type snapshotEnvelope struct {
	SchemaVersion int                        `json:"schema_version"`
	Model         string                     `json:"model"`
	Dimensions    int                        `json:"dimensions"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
	Documents     map[string]*DocumentRecord `json:"documents"`
	Chunks        []*Chunk                   `json:"chunks"`
}

// SnapshotPath returns where the engine persists its snapshot, or "" for
// an in-memory engine.
func (e *Engine) SnapshotPath() string {
	if e.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(e.cfg.DataDir, snapshotFileName)
}

// Save writes the snapshot atomically: the new file is written to a
// temporary name and renamed over the old one, so a crash mid-write never
// leaves a truncated snapshot.
func (e *Engine) Save() error {
	path := e.SnapshotPath()
	if path == "" {
		return nil
	}

	e.mu.RLock()
	env := snapshotEnvelope{
		SchemaVersion: SchemaVersion,
		Model:         e.cfg.Model,
		Dimensions:    e.cfg.Dimensions,
		CreatedAt:     time.Now(),
		UpdatedAt:     e.updatedAt,
		Documents:     e.docs,
		Chunks:        make([]*Chunk, 0, len(e.chunks)),
	}
	for _, c := range e.chunks {
		env.Chunks = append(env.Chunks, c)
	}
	data, err := json.Marshal(env)
	e.mu.RUnlock()
	if err != nil {
		return errors.New(errors.ErrCodeSnapshotIO, "cannot serialize snapshot", err)
	}

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return errors.New(errors.ErrCodeSnapshotIO,
			fmt.Sprintf("cannot write snapshot %s", path), err)
	}

	slog.Debug("snapshot_saved",
		slog.String("path", path),
		slog.Int("documents", len(env.Documents)),
		slog.Int("chunks", len(env.Chunks)),
	)
	return nil
}

// Load restores the snapshot from the data directory, rebuilding the
// lexical and vector indexes from the stored chunks. A missing snapshot
// leaves the engine empty. A snapshot from another schema version or
// embedding model is refused with a "reindex required" error.
func (e *Engine) Load() error {
	path := e.SnapshotPath()
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(errors.ErrCodeSnapshotIO,
			fmt.Sprintf("cannot read snapshot %s", path), err)
	}

	// Snapshots older than the version field report as the legacy
	// version, which then fails the check below.
	var probe struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.New(errors.ErrCodeSnapshotIO,
			fmt.Sprintf("snapshot %s is corrupt", path), err).
			WithSuggestion("reindex required: run 'notedex index --force'")
	}
	got := legacySchemaVersion
	if probe.SchemaVersion != nil {
		got = *probe.SchemaVersion
	}
	if got != SchemaVersion {
		return errors.SchemaVersionError(got, SchemaVersion)
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errors.New(errors.ErrCodeSnapshotIO,
			fmt.Sprintf("snapshot %s is corrupt", path), err).
			WithSuggestion("reindex required: run 'notedex index --force'")
	}

	if env.Model != e.cfg.Model || env.Dimensions != e.cfg.Dimensions {
		return errors.ModelMismatchError(env.Model, env.Dimensions, e.cfg.Model, e.cfg.Dimensions)
	}

	lex, err := newLexicalIndex()
	if err != nil {
		return err
	}
	vec := newVectorIndex(e.cfg.Dimensions)

	chunks := make(map[string]*Chunk, len(env.Chunks))
	var vecIDs []string
	var vectors [][]float32
	for _, c := range env.Chunks {
		chunks[c.ID] = c
		if c.Vector != nil {
			vecIDs = append(vecIDs, c.ID)
			vectors = append(vectors, c.Vector)
		}
	}
	if err := lex.add(env.Chunks); err != nil {
		return err
	}
	if len(vecIDs) > 0 {
		if err := vec.add(vecIDs, vectors); err != nil {
			return err
		}
	}

	docs := env.Documents
	if docs == nil {
		docs = make(map[string]*DocumentRecord)
	}

	e.mu.Lock()
	old := e.lexical
	e.lexical = lex
	e.vector = vec
	e.chunks = chunks
	e.docs = docs
	e.updatedAt = env.UpdatedAt
	e.mu.Unlock()

	_ = old.close()

	slog.Info("snapshot_loaded",
		slog.String("path", path),
		slog.Int("documents", len(docs)),
		slog.Int("chunks", len(chunks)),
		slog.String("model", env.Model),
	)
	return nil
}
