package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/notedex/notedex/internal/index"
	"github.com/notedex/notedex/internal/output"
)

func newStatsCmd() *cobra.Command {
	var (
		vaultPath  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Long:  `Display document and chunk counts, the embedding model, and index health.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), cmd, vaultPath, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&vaultPath, "vault", ".", "Vault directory")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// statsOutput is the JSON shape of the stats command.
type statsOutput struct {
	index.Stats
	Status index.Status `json:"status"`
}

func runStats(ctx context.Context, cmd *cobra.Command, vaultPath string, jsonOutput bool) error {
	s, err := openSession(ctx, vaultPath)
	if err != nil {
		return err
	}
	defer s.Close()

	out := statsOutput{
		Stats:  s.engine.Stats(),
		Status: s.engine.Status(ctx),
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := output.New(cmd.OutOrStdout())
	w.Heading("Index statistics")
	w.Line("Documents:     %d", out.Documents)
	w.Line("Chunks:        %d", out.Chunks)
	w.Line("With vectors:  %d", out.VectorChunks)
	w.Line("Model:         %s (%d dimensions)", out.Model, out.Dimensions)
	if !out.UpdatedAt.IsZero() {
		w.Line("Updated:       %s", out.UpdatedAt.Format(time.RFC3339))
	}

	switch out.Status {
	case index.StatusReady:
		w.Success("status: ready")
	case index.StatusDegraded:
		w.Warning("status: degraded (embedding backend unavailable)")
	case index.StatusEmpty:
		w.Dim("status: empty; run 'notedex index' to build the index")
	case index.StatusRebuilding:
		w.Dim("status: rebuilding (an indexing run is in progress)")
	}
	return nil
}
