package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/notedex/notedex/configs"
	"github.com/notedex/notedex/internal/config"
	"github.com/notedex/notedex/internal/output"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter .notedex.yaml into the vault",
		Long: `Create an annotated .notedex.yaml in the vault root. All settings
in the generated file are the defaults, so editing it is optional.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runInit(cmd, path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, path string, force bool) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve vault path: %w", err)
	}

	target := filepath.Join(root, config.ConfigFileName)
	w := output.New(cmd.OutOrStdout())

	if _, err := os.Stat(target); err == nil && !force {
		w.Warning("%s already exists; use --force to overwrite", config.ConfigFileName)
		return fmt.Errorf("config file already exists: %s", target)
	}

	if err := os.WriteFile(target, []byte(configs.VaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	w.Success("wrote %s", target)
	w.Dim("run 'notedex index' to build the search index")
	return nil
}
