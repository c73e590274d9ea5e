package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notedex/notedex/internal/chunk"
	"github.com/notedex/notedex/internal/embed"
	"github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/index"
	"github.com/notedex/notedex/internal/vault"
)

func testVault(t *testing.T, root string) *vault.LocalVault {
	t.Helper()
	v, err := vault.Open(root, vault.Options{
		Extensions: []string{".md"},
		Exclude:    []string{".notedex/"},
	})
	require.NoError(t, err)
	return v
}

func writeNote(t *testing.T, root, relPath, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func newTestPipeline(t *testing.T, v vault.Vault, embedder embed.Embedder) (*Pipeline, *index.Engine) {
	t.Helper()
	model, dims := "static-256", embed.StaticDimensions
	if embedder != nil {
		model, dims = embedder.ModelName(), embedder.Dimensions()
	}
	engine, err := index.New(index.Config{Model: model, Dimensions: dims}, embedder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return New(v, chunk.New(), embedder, engine, Options{}), engine
}

func TestIndexAll_IndexesEveryDocument(t *testing.T) {
	// Given: a vault with a few notes
	root := t.TempDir()
	writeNote(t, root, "carbon.md", "---\ntitle: Carbon Accounting\ntags: [climate]\n---\nCarbon emissions are grouped into scopes.\n\n## Reporting\nOrganizations disclose annually.\n")
	writeNote(t, root, "quantum.md", "# Quantum Computing\nQubits exploit superposition.\n")

	emb := embed.NewStaticEmbedder()
	p, engine := newTestPipeline(t, testVault(t, root), emb)

	// When: running a bulk index
	summary, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	// Then: every document is indexed and searchable
	assert.Equal(t, 2, summary.Indexed)
	assert.Zero(t, summary.Errors)

	resp, err := engine.Search(context.Background(), "carbon emissions scopes", index.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "carbon.md", resp.Results[0].Path)
	assert.Equal(t, "Carbon Accounting", resp.Results[0].Title)
}

func TestIndexAll_SecondRunSkipsUnchanged(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\nalpha\n")
	writeNote(t, root, "b.md", "# B\nbeta\n")

	p, _ := newTestPipeline(t, testVault(t, root), embed.NewStaticEmbedder())

	_, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	second, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	assert.Zero(t, second.Indexed)
	assert.Equal(t, 2, second.Skipped)
}

func TestIndexAll_ReindexesModifiedDocument(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\noriginal content\n")

	p, engine := newTestPipeline(t, testVault(t, root), embed.NewStaticEmbedder())
	_, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	// Modify with a future mtime so the change is unambiguous.
	writeNote(t, root, "a.md", "# A\nreplacement wording entirely\n")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.md"), future, future))

	summary, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Indexed)

	resp, err := engine.Search(context.Background(), "replacement wording", index.SearchOptions{Mode: index.ModeLexical})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	stale, err := engine.Search(context.Background(), "original", index.SearchOptions{Mode: index.ModeLexical})
	require.NoError(t, err)
	assert.Empty(t, stale.Results)
}

func TestIndexAll_TouchedButUnchangedDocumentSkipped(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\nstable content\n")

	p, _ := newTestPipeline(t, testVault(t, root), embed.NewStaticEmbedder())
	_, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	// Touch without changing content.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.md"), future, future))

	summary, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, summary.Indexed)
	assert.Equal(t, 1, summary.Skipped)

	// A third run must not re-read: mtime matches now.
	third, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Skipped)
}

func TestIndexAll_RemovesVanishedDocuments(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "keep.md", "# Keep\nstays\n")
	writeNote(t, root, "gone.md", "# Gone\nvanishes\n")

	p, engine := newTestPipeline(t, testVault(t, root), embed.NewStaticEmbedder())
	_, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "gone.md")))

	summary, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Removed)
	assert.Equal(t, []string{"keep.md"}, engine.Paths())
}

func TestIndexAll_ForceReindexesEverything(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\nalpha\n")

	p, _ := newTestPipeline(t, testVault(t, root), embed.NewStaticEmbedder())
	_, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	summary, err := p.IndexAll(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Indexed)
	assert.Zero(t, summary.Skipped)
}

func TestIndexAll_SecondConcurrentRunRejected(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\nalpha\n")

	v := &hookedVault{Vault: testVault(t, root)}
	p, _ := newTestPipeline(t, v, embed.NewStaticEmbedder())

	started := make(chan struct{})
	release := make(chan struct{})
	v.onRead = func(string) error {
		close(started)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.IndexAll(context.Background(), false)
		done <- err
	}()

	<-started
	_, err := p.IndexAll(context.Background(), false)
	assert.Equal(t, errors.ErrCodeIndexBusy, errors.GetCode(err))

	close(release)
	require.NoError(t, <-done)
}

func TestIndexAll_IsolatesPerDocumentErrors(t *testing.T) {
	// Given: one document that fails to read
	root := t.TempDir()
	writeNote(t, root, "good.md", "# Good\nfine\n")
	writeNote(t, root, "bad.md", "# Bad\nbroken\n")

	v := &hookedVault{Vault: testVault(t, root)}
	v.onRead = func(relPath string) error {
		if relPath == "bad.md" {
			return errors.DocumentReadError(relPath, fmt.Errorf("simulated failure"))
		}
		return nil
	}
	p, engine := newTestPipeline(t, v, embed.NewStaticEmbedder())

	// When: running a bulk index
	summary, err := p.IndexAll(context.Background(), false)

	// Then: the run completes, counting the failure
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Indexed)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, []string{"good.md"}, engine.Paths())
}

func TestIndexAll_CancellationStopsBetweenDocuments(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writeNote(t, root, fmt.Sprintf("n%d.md", i), "# N\ncontent\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &hookedVault{Vault: testVault(t, root)}
	reads := 0
	v.onRead = func(string) error {
		reads++
		if reads == 2 {
			cancel()
		}
		return nil
	}
	p, _ := newTestPipeline(t, v, embed.NewStaticEmbedder())

	summary, err := p.IndexAll(ctx, false)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, summary.Indexed, 5)
}

func TestIndexAll_EmbeddingFailureDegradesToLexical(t *testing.T) {
	// Given: a provider that always fails
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\nsearchable keyword content\n")

	p, engine := newTestPipeline(t, testVault(t, root), &failingEmbedder{})

	// When: indexing
	summary, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	// Then: the document is indexed lexical-only, not failed
	assert.Equal(t, 1, summary.Indexed)
	assert.Zero(t, summary.Errors)

	stats := engine.Stats()
	assert.Zero(t, stats.VectorChunks)
	assert.Positive(t, stats.Chunks)

	resp, err := engine.Search(context.Background(), "searchable keyword", index.SearchOptions{Mode: index.ModeLexical})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestIndexAll_HardEmbedFailurePreservesExistingChunks(t *testing.T) {
	// Given: an indexed document with vectors
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\ndurable keyword content\n")

	emb := &hardFailEmbedder{Embedder: embed.NewStaticEmbedder()}
	p, engine := newTestPipeline(t, testVault(t, root), emb)

	_, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)
	require.Positive(t, engine.Stats().VectorChunks)
	before, ok := engine.Document("a.md")
	require.True(t, ok)

	// When: the file changes but embedding hard-fails mid-run
	emb.fail = true
	writeNote(t, root, "a.md", "# A\nrewritten keyword content\n")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.md"), future, future))

	summary, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	// Then: the document counts as failed and its indexed state survives
	assert.Equal(t, 1, summary.Errors)
	assert.Zero(t, summary.Indexed)
	assert.Positive(t, engine.Stats().VectorChunks)
	after, ok := engine.Document("a.md")
	require.True(t, ok)
	assert.Equal(t, before.ContentHash, after.ContentHash)

	// And: the next healthy run picks the document back up
	emb.fail = false
	recovered, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered.Indexed)

	resp, err := engine.Search(context.Background(), "rewritten keyword", index.SearchOptions{Mode: index.ModeLexical})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	assert.Positive(t, engine.Stats().VectorChunks)
}

func TestIndexAll_ReportsRebuildingStatus(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\nalpha\n")

	v := &hookedVault{Vault: testVault(t, root)}
	p, engine := newTestPipeline(t, v, embed.NewStaticEmbedder())

	var during index.Status
	v.onRead = func(string) error {
		during = engine.Status(context.Background())
		return nil
	}

	_, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, index.StatusRebuilding, during)
	assert.Equal(t, index.StatusReady, engine.Status(context.Background()))
}

func TestIndexFile_AndRemoveFile(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "solo.md", "# Solo\nsingle document flow\n")

	p, engine := newTestPipeline(t, testVault(t, root), embed.NewStaticEmbedder())

	require.NoError(t, p.IndexFile(context.Background(), "solo.md"))
	assert.Equal(t, []string{"solo.md"}, engine.Paths())

	require.NoError(t, p.RemoveFile(context.Background(), "solo.md"))
	assert.Empty(t, engine.Paths())
}

func TestProgress_ReportsPhasesAndCompletion(t *testing.T) {
	root := t.TempDir()
	writeNote(t, root, "a.md", "# A\nalpha\n")
	writeNote(t, root, "b.md", "# B\nbeta\n")

	p, _ := newTestPipeline(t, testVault(t, root), embed.NewStaticEmbedder())
	assert.Equal(t, PhaseIdle, p.Progress().Phase)

	_, err := p.IndexAll(context.Background(), false)
	require.NoError(t, err)

	snap := p.Progress()
	assert.Equal(t, PhaseComplete, snap.Phase)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 2, snap.Done)
}

// hookedVault wraps a vault and lets tests intercept reads.
type hookedVault struct {
	vault.Vault
	onRead func(relPath string) error
}

func (h *hookedVault) Read(ctx context.Context, relPath string) ([]byte, vault.FileInfo, error) {
	if h.onRead != nil {
		if err := h.onRead(relPath); err != nil {
			return nil, vault.FileInfo{}, err
		}
	}
	return h.Vault.Read(ctx, relPath)
}

// failingEmbedder simulates a permanently broken provider.
type failingEmbedder struct{}

func (f *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.TransientProviderError("provider offline", nil)
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.TransientProviderError("provider offline", nil)
}

func (f *failingEmbedder) Dimensions() int                    { return embed.StaticDimensions }
func (f *failingEmbedder) ModelName() string                  { return "static-256" }
func (f *failingEmbedder) Available(ctx context.Context) bool { return false }
func (f *failingEmbedder) Close() error                       { return nil }

// hardFailEmbedder wraps a working embedder but can be flipped into a
// hard-failure state while the backend still reports as reachable.
type hardFailEmbedder struct {
	embed.Embedder
	fail bool
}

func (h *hardFailEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if h.fail {
		return nil, errors.New(errors.ErrCodeProviderHard, "embed call failed after retry", nil)
	}
	return h.Embedder.EmbedBatch(ctx, texts)
}
