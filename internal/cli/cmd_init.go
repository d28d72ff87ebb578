package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/pipeline"
	"github.com/swarmops/swarmops/internal/roles"
	"github.com/swarmops/swarmops/internal/store"
)

// newInitCmd creates the init command.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the swarmops data layout",
		Long: `Write a default config file, create the data directories, and seed
the built-in roles and pipelines.

Example:
  swarmops init
  swarmops init --data-dir /srv/swarmops/data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
				cfg.DataDir = v
			}
			if v, _ := cmd.Flags().GetString("projects-dir"); v != "" {
				cfg.ProjectsDir = v
			}
			if v := os.Getenv(config.EnvDataDir); v != "" && !cmd.Flags().Changed("data-dir") {
				cfg.DataDir = v
			}
			if v := os.Getenv(config.EnvProjectsDir); v != "" && !cmd.Flags().Changed("projects-dir") {
				cfg.ProjectsDir = v
			}

			for _, dir := range []string{cfg.DataDir, cfg.ProjectsDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			cfgPath := cfgFile
			if cfgPath == "" {
				cfgPath = filepath.Join(cfg.DataDir, config.ConfigFileName)
			}
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists: %s\n", cfgPath)
			} else {
				if err := cfg.Save(cfgPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote config: %s\n", cfgPath)
			}

			st := store.New(nil)
			paths := config.NewPaths(cfg)
			if err := roles.New(st, paths.RolesFile(), paths.PromptsDir()).Seed(); err != nil {
				return fmt.Errorf("seed roles: %w", err)
			}
			if err := pipeline.New(st, paths.PipelinesFile()).Seed(); err != nil {
				return fmt.Errorf("seed pipelines: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Data root: %s\nProjects:  %s\n", cfg.DataDir, cfg.ProjectsDir)
			fmt.Fprintln(cmd.OutOrStdout(), "\nNext: swarmops serve")
			return nil
		},
	}

	cmd.Flags().String("data-dir", "", "data root for orchestrator state")
	cmd.Flags().String("projects-dir", "", "base directory for project workspaces")

	return cmd
}
