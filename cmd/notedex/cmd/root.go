// Package cmd provides the CLI commands for Notedex.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/notedex/notedex/internal/chunk"
	"github.com/notedex/notedex/internal/config"
	"github.com/notedex/notedex/internal/embed"
	nerrors "github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/index"
	"github.com/notedex/notedex/internal/logging"
	"github.com/notedex/notedex/internal/pipeline"
	"github.com/notedex/notedex/internal/vault"
	"github.com/notedex/notedex/pkg/version"
)

// NewRootCmd creates the root command for the notedex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notedex",
		Short: "Hybrid semantic search for your notes",
		Long: `Notedex builds a hybrid (keyword + semantic) search index over a
directory of markdown notes.

Run 'notedex index' inside your vault to build the index, then
'notedex search <query>' to search it. 'notedex watch' keeps the
index live while you edit.`,
		Version:       version.Version,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("notedex version {{.Version}}\n")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command. Coded errors carrying a suggestion get it
// printed as a hint after the error itself.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		var nerr *nerrors.NotedexError
		if errors.As(err, &nerr) && nerr.Suggestion != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", nerr.Suggestion)
		}
	}
	return err
}

// session holds everything a command needs to operate on one vault.
type session struct {
	root     string
	cfg      *config.Config
	vault    *vault.LocalVault
	provider *embed.Provider
	engine   *index.Engine
	pipeline *pipeline.Pipeline

	logCleanup func()
}

// openSession wires config, logging, vault, embedding provider, index, and
// pipeline for the vault at vaultPath. Logging goes to a file inside the
// data directory so user-facing output stays clean.
func openSession(ctx context.Context, vaultPath string) (*session, error) {
	root, err := filepath.Abs(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("resolve vault path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("access vault path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault path is not a directory: %s", root)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig(config.DataDir(root))
	logCfg.Level = cfg.Logging.Level
	logCleanup := func() {}
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger)
		logCleanup = cleanup
	}
	// Logging setup failure is not fatal for the CLI.

	v, err := vault.Open(root, vault.Options{
		Extensions: cfg.Vault.Extensions,
		Exclude:    cfg.Vault.Exclude,
	})
	if err != nil {
		logCleanup()
		return nil, err
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		logCleanup()
		return nil, err
	}

	model, err := provider.ModelInfo(ctx)
	if err != nil {
		_ = provider.Close()
		logCleanup()
		return nil, err
	}

	// Repeated query embeddings skip the backend round trip.
	embedder := embed.NewCachedEmbedder(provider, 0)

	engine, err := index.New(index.Config{
		DataDir:        config.DataDir(root),
		Model:          model.Name,
		Dimensions:     model.Dimensions,
		LexicalWeight:  cfg.Search.LexicalWeight,
		SemanticWeight: cfg.Search.SemanticWeight,
		MaxResults:     cfg.Search.MaxResults,
	}, embedder)
	if err != nil {
		_ = provider.Close()
		logCleanup()
		return nil, err
	}

	if err := engine.Load(); err != nil {
		_ = engine.Close()
		_ = provider.Close()
		logCleanup()
		return nil, err
	}

	p := pipeline.New(v, chunk.New(), embedder, engine, pipeline.Options{
		SaveEvery: cfg.Snapshot.SaveEvery,
	})

	return &session{
		root:       root,
		cfg:        cfg,
		vault:      v,
		provider:   provider,
		engine:     engine,
		pipeline:   p,
		logCleanup: logCleanup,
	}, nil
}

// newProvider builds the ranked embedding backend list from config. When
// the preferred backend fails its startup probe, the session starts on the
// static fallback instead of failing.
func newProvider(ctx context.Context, cfg *config.Config) (*embed.Provider, error) {
	name := cfg.Embeddings.Provider
	providerCfg := embed.ProviderConfig{
		Timeout:          cfg.Embeddings.Timeout.Std(),
		Throttle:         cfg.Embeddings.Throttle,
		ThrottleInterval: cfg.Embeddings.ThrottleInterval.Std(),
	}
	ollamaCfg := embed.OllamaConfig{
		Host:      cfg.Embeddings.Host,
		Model:     cfg.Embeddings.Model,
		BatchSize: cfg.Embeddings.BatchSize,
		Timeout:   cfg.Embeddings.Timeout.Std(),
	}

	provider, err := embed.NewDefaultProvider(name, ollamaCfg, providerCfg)
	if err != nil {
		return nil, err
	}

	if name != "static" && !provider.Available(ctx) {
		slog.Warn("embed_backend_unavailable",
			slog.String("provider", name),
			slog.String("fallback", "static"),
		)
		_ = provider.Close()
		return embed.NewDefaultProvider("static", ollamaCfg, providerCfg)
	}
	return provider, nil
}

// Close releases the session's resources in reverse acquisition order.
func (s *session) Close() {
	_ = s.engine.Close()
	_ = s.provider.Close()
	s.logCleanup()
}
