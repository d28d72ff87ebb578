// Package cli implements the swarmops command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/swarmops/swarmops/internal/config"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "swarmops",
	Short: "Pipeline orchestrator for swarms of AI coding agents",
	Long: `swarmops turns a declarative task graph into a coordinated execution
of short-lived AI coding agents. Each agent works on its own git
worktree; results are merged phase-by-phase through an AI review chain.

Quick start:
  swarmops init                  Write a default config and data layout
  swarmops serve                 Run the orchestrator and webhook server
  swarmops start <project>       Start a project pipeline
  swarmops status                Show projects and active runs
  swarmops escalations           Show the human queue`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $SWARMOPS_DATA_DIR/swarmops.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newContinueCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newEscalationsCmd())
	rootCmd.AddCommand(newRolesCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig points viper at the config file and SWARMOPS_* env vars.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("$HOME/.swarmops")
		viper.SetConfigType("yaml")
		viper.SetConfigName("swarmops")
	}

	viper.SetEnvPrefix("SWARMOPS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig builds the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	return config.Load(path)
}

// setupLogging installs the process-wide slog handler. JSON when stderr
// is not a terminal, text otherwise.
func setupLogging() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
