package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/notedex/notedex/internal/index"
	"github.com/notedex/notedex/internal/output"
)

type searchOptions struct {
	vaultPath string
	limit     int
	mode      string
	format    string
	tags      []string
	prefix    string
	minScore  float64
}

func newSearchCmd() *cobra.Command {
	opts := &searchOptions{}

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the vault",
		Long: `Search indexed notes with hybrid keyword + semantic retrieval.

Modes:
  hybrid    (default) fuse keyword and semantic scores
  lexical   keyword matching only
  semantic  vector similarity only

When the embedding backend is unavailable, hybrid and semantic
queries degrade to keyword-only rather than failing.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVar(&opts.vaultPath, "vault", ".", "Vault directory")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum results (0 = config default)")
	cmd.Flags().StringVar(&opts.mode, "mode", "hybrid", "Search mode: hybrid, lexical, or semantic")
	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format: text or json")
	cmd.Flags().StringSliceVar(&opts.tags, "tag", nil, "Require a tag (repeatable)")
	cmd.Flags().StringVar(&opts.prefix, "path", "", "Restrict results to a vault subfolder")
	cmd.Flags().Float64Var(&opts.minScore, "min-score", 0, "Drop results scoring below this")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts *searchOptions) error {
	mode, err := parseMode(opts.mode)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, opts.vaultPath)
	if err != nil {
		return err
	}
	defer s.Close()

	slog.Info("search_started",
		slog.String("query", query),
		slog.String("mode", string(mode)),
	)

	resp, err := s.engine.Search(ctx, query, index.SearchOptions{
		Mode:       mode,
		Limit:      opts.limit,
		MinScore:   opts.minScore,
		Tags:       opts.tags,
		PathPrefix: opts.prefix,
	})
	if err != nil {
		return err
	}

	switch opts.format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "text":
		printResults(output.New(cmd.OutOrStdout()), query, resp)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text or json)", opts.format)
	}
}

func parseMode(s string) (index.Mode, error) {
	switch index.Mode(s) {
	case index.ModeHybrid, index.ModeLexical, index.ModeSemantic:
		return index.Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want hybrid, lexical, or semantic)", s)
	}
}

func printResults(w *output.Writer, query string, resp *index.Response) {
	if resp.Degraded {
		w.Warning("embedding backend unavailable; showing keyword-only results")
	}
	if len(resp.Results) == 0 {
		w.Dim("no results for %q", query)
		return
	}

	for i, r := range resp.Results {
		location := fmt.Sprintf("%s:%d", r.Path, r.Line)
		snippet := r.Snippet
		if r.Heading != "" {
			snippet = r.Heading + " · " + snippet
		}
		w.Result(i+1, location, r.Score, snippet)
	}
	w.Newline()
	w.Dim("%d results (%s, %s)", len(resp.Results), resp.Mode, resp.Took.Round(time.Millisecond))
}
