package commands

import (
	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/daemon"
)

// NewDaemonCommand returns the "daemon" command.
func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the dispatch daemon in the foreground",
		Long: "Run the intake and reconciliation loops until SIGINT or SIGTERM, or\n" +
			"until \"dispatchd ctl shutdown\" is received. A second signal forces exit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			d, err := daemon.New(dir, cfg)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}
}
