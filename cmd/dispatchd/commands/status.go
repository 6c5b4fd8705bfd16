package commands

import (
	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/status"
)

// NewStatusCommand returns the "status" command.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon liveness and queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return status.Run(cmd.Context(), dir, cfg, cmd.OutOrStdout(), jsonOutput)
		},
	}

	cmd.Flags().Bool("json", false, "Print the report as JSON")

	return cmd
}
