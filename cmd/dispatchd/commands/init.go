package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/setup"
)

// NewInitCommand returns the "init" command.
func NewInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a dispatchd directory",
		Long: "Create the directory layout (locks, logs, quarantine, sandbox) and a\n" +
			"config.yaml holding every default. Without an argument the --dir flag\n" +
			"is used.\n\n" +
			"Examples:\n" +
			"  dispatchd init ./work\n" +
			"  dispatchd init ./work --driver postgres --dsn postgres://localhost/dispatchd\n" +
			"  dispatchd init ./work --targets local,docker",
		Args: cobra.MaximumNArgs(1),
		RunE: runInit,
	}

	cmd.Flags().String("driver", "", "Queue store driver: sqlite, mysql, postgres or file (default sqlite)")
	cmd.Flags().String("dsn", "", "Data source name for the mysql and postgres drivers")
	cmd.Flags().StringSlice("targets", nil, "Enabled targets (default local)")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	if len(args) == 1 {
		dir = args[0]
	}
	driver, _ := cmd.Flags().GetString("driver")
	dsn, _ := cmd.Flags().GetString("dsn")
	targets, _ := cmd.Flags().GetStringSlice("targets")

	opts := setup.Options{
		Driver:  strings.ToLower(strings.TrimSpace(driver)),
		DSN:     dsn,
		Targets: targets,
	}
	if err := setup.Run(dir, opts); err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", setup.ConfigPath(dir))
	return nil
}
