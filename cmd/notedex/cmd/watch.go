package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/notedex/notedex/internal/output"
	"github.com/notedex/notedex/internal/reconcile"
	"github.com/notedex/notedex/internal/vault"
)

func newWatchCmd() *cobra.Command {
	var skipInitial bool

	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Keep the index in sync with a live vault",
		Long: `Run an initial indexing pass, then watch the vault for changes and
reindex edited notes after they go quiet. Deletes and renames are
applied immediately. Runs until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runWatch(ctx, cmd, path, skipInitial)
		},
	}

	cmd.Flags().BoolVar(&skipInitial, "skip-initial", false, "Skip the initial indexing pass")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, path string, skipInitial bool) error {
	s, err := openSession(ctx, path)
	if err != nil {
		return err
	}
	defer s.Close()

	w := output.New(cmd.OutOrStdout())

	if !skipInitial {
		summary, err := s.pipeline.IndexAll(ctx, false)
		if err != nil {
			return err
		}
		w.Success("initial pass: indexed %d, skipped %d, removed %d",
			summary.Indexed, summary.Skipped, summary.Removed)
	}

	watcher, err := vault.NewWatcher(s.vault)
	if err != nil {
		return err
	}

	controller := reconcile.New(s.pipeline, watcher, s.cfg.Reconcile.DebounceWindow.Std())

	w.Heading("Watching %s", s.root)
	w.Dim("debounce window %s; press Ctrl+C to stop", s.cfg.Reconcile.DebounceWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Start(gctx) })
	g.Go(func() error { return controller.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return watcher.Stop()
	})

	result := g.Wait()
	controller.Stop()
	if errors.Is(result, context.Canceled) {
		result = nil
	}

	// Persist anything reindexed since the last snapshot.
	if err := s.engine.Save(); err != nil {
		slog.Warn("watch_final_save_failed", slog.String("error", err.Error()))
	}

	w.Newline()
	w.Success("stopped watching")
	return result
}
