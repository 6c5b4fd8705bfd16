package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/daemon"
	"github.com/msageha/dispatchd/internal/uds"
)

// NewCtlCommand returns the "ctl" parent command.
func NewCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Talk to a running daemon over its control socket",
	}

	cmd.PersistentFlags().Duration("timeout", 5*time.Second, "Control socket timeout")

	cmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp daemon.PingResponse
			if err := ctlCall(cmd, uds.CommandPing, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pid=%d instance=%s\n", resp.Status, resp.PID, resp.InstanceID)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "wake",
		Short: "Run both loops immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctlCall(cmd, uds.CommandWake, nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print pool occupancy and queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp daemon.StatsResponse
			if err := ctlCall(cmd, uds.CommandStats, &resp); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "shutdown",
		Short: "Drain the worker pool and stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctlCall(cmd, uds.CommandShutdown, nil)
		},
	})

	return cmd
}

func ctlCall(cmd *cobra.Command, command string, out any) error {
	dir, _ := cmd.Flags().GetString("dir")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(timeout)
	if err := client.Call(cmd.Context(), command, out); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
