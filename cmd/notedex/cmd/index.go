package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/notedex/notedex/internal/output"
	"github.com/notedex/notedex/internal/pipeline"
)

func newIndexCmd() *cobra.Command {
	var (
		force bool
		plain bool
	)

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build or update the search index for a vault",
		Long: `Scan the vault, chunk every note, generate embeddings, and build
the hybrid search index.

Incremental by default: notes whose content is unchanged since the
last run are skipped. Use --force to rebuild everything.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(ctx, cmd, path, force, plain)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reindex every note, even unchanged ones")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable styled output")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, force, plain bool) error {
	s, err := openSession(ctx, path)
	if err != nil {
		return err
	}
	defer s.Close()

	w := output.New(cmd.OutOrStdout())
	if plain {
		w = output.NewPlain(cmd.OutOrStdout())
	}

	w.Heading("Indexing %s", s.root)
	w.Dim("model: %s (%s)", s.provider.ModelName(), s.provider.ActiveBackend())

	done := make(chan struct{})
	go renderProgress(w, s.pipeline, done)

	summary, err := s.pipeline.IndexAll(ctx, force)
	close(done)
	if err != nil {
		return err
	}

	w.Newline()
	w.Success("indexed %d, skipped %d, removed %d in %s",
		summary.Indexed, summary.Skipped, summary.Removed,
		summary.Took.Round(time.Millisecond))
	if summary.Errors > 0 {
		w.Warning("%d notes failed; see the log for details", summary.Errors)
	}

	stats := s.engine.Stats()
	w.Dim("%d documents, %d chunks (%d with vectors)",
		stats.Documents, stats.Chunks, stats.VectorChunks)

	slog.Info("index_command_complete",
		slog.Int("indexed", summary.Indexed),
		slog.Int("errors", summary.Errors),
	)
	return nil
}

// renderProgress drains pipeline progress snapshots into the progress bar
// until the run finishes.
func renderProgress(w *output.Writer, p *pipeline.Pipeline, done <-chan struct{}) {
	// The subscription only exists while a run is active; poll briefly
	// until IndexAll has started.
	var updates <-chan pipeline.Snapshot
	for updates == nil {
		select {
		case <-done:
			return
		case <-time.After(10 * time.Millisecond):
			updates = p.Subscribe()
		}
	}

	for {
		select {
		case <-done:
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Phase == pipeline.PhaseIndexing && snap.Total > 0 {
				w.Progress(snap.Done, snap.Total, fmt.Sprintf("%-40.40s", snap.CurrentPath))
			}
		}
	}
}
