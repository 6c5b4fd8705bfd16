// Package commands implements the dispatchd command line.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/setup"
)

// Version is overridden at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

// NewRootCommand returns the base command when called without any subcommands.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Task orchestration daemon",
		Long: `dispatchd drains a durable command queue and drives each task on its
execution target (local process, Docker, Hetzner Cloud or a remote
orchestrator) until the backend reports a final status.

Quick start:
  dispatchd init ./work             # Create the directory and config.yaml
  dispatchd --dir ./work daemon     # Run the intake and reconciliation loops
  dispatchd --dir ./work enqueue --task 1 --action SUBMIT --target local --action-info ./work/sandbox/1
  dispatchd --dir ./work status     # Queue counts and daemon liveness`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("dir", ".", "dispatchd base directory")
	cmd.PersistentFlags().String("config", "", "Config file (default <dir>/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Override logging.level (debug, info, warn, error)")

	cmd.AddCommand(NewInitCommand())
	cmd.AddCommand(NewDaemonCommand())
	cmd.AddCommand(NewEnqueueCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewPurgeCommand())
	cmd.AddCommand(NewCtlCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the base directory and configuration from the global
// flags. A missing config file yields the defaults.
func loadConfig(cmd *cobra.Command) (string, model.Config, error) {
	dir, _ := cmd.Flags().GetString("dir")
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = setup.ConfigPath(dir)
	}

	cfg, err := model.LoadConfig(path)
	if err != nil {
		return "", model.Config{}, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return dir, cfg, nil
}
