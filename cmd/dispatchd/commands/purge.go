package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/queue"
)

// NewPurgeCommand returns the "purge" command.
func NewPurgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove every queue record of a task",
		Long: "Delete the commands and auxiliary records of a task and mark the task\n" +
			"row PURGED. The sandbox is left alone; queue a CLEAN command to remove\n" +
			"backend resources as well.",
		Args: cobra.NoArgs,
		RunE: runPurge,
	}

	cmd.Flags().Int("task", 0, "Task identifier")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

func runPurge(cmd *cobra.Command, _ []string) error {
	dir, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	taskID, _ := cmd.Flags().GetInt("task")

	store, err := queue.Open(cmd.Context(), cfg.Store, dir, queue.Options{InstanceID: "cli"})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := store.PurgeTask(cmd.Context(), taskID); err != nil {
		return fmt.Errorf("purge task %d: %w", taskID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged task %d\n", taskID)
	return nil
}
