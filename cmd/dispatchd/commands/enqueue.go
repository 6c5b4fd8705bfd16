package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	"github.com/msageha/dispatchd/internal/uds"
)

// NewEnqueueCommand returns the "enqueue" command.
func NewEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a command for a task",
		Long: "Insert a QUEUED command into the store and nudge a running daemon.\n\n" +
			"Actions: SUBMIT, CANCEL, STATUSCH, GETSTATUS, GETOUTPUT, CLEAN, DELETE.\n" +
			"For SUBMIT the action info is the task sandbox directory holding\n" +
			"<task>.json.\n\n" +
			"Examples:\n" +
			"  dispatchd enqueue --task 12 --action SUBMIT --target local --action-info ./sandbox/12\n" +
			"  dispatchd enqueue --task 12 --action STATUSCH --target docker --target-status CANCELLED",
		Args: cobra.NoArgs,
		RunE: runEnqueue,
	}

	cmd.Flags().Int("task", 0, "Task identifier")
	cmd.Flags().String("action", "", "Command action")
	cmd.Flags().String("target", "", "Execution target name")
	cmd.Flags().String("action-info", "", "Action payload (sandbox directory for SUBMIT)")
	cmd.Flags().String("target-status", "", "Requested target status (STATUSCH)")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	dir, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	taskID, _ := cmd.Flags().GetInt("task")
	actionFlag, _ := cmd.Flags().GetString("action")
	targetName, _ := cmd.Flags().GetString("target")
	actionInfo, _ := cmd.Flags().GetString("action-info")
	targetStatus, _ := cmd.Flags().GetString("target-status")

	if taskID <= 0 {
		return fmt.Errorf("--task must be positive, got %d", taskID)
	}
	action, err := model.ParseAction(actionFlag)
	if err != nil {
		return err
	}
	if action == model.ActionSubmit && actionInfo != "" {
		if actionInfo, err = filepath.Abs(actionInfo); err != nil {
			return fmt.Errorf("resolve action info: %w", err)
		}
	}

	store, err := queue.Open(cmd.Context(), cfg.Store, dir, queue.Options{InstanceID: "cli"})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rec := model.CommandRecord{
		TaskID:       taskID,
		Action:       action,
		Target:       targetName,
		ActionInfo:   actionInfo,
		TargetStatus: targetStatus,
	}
	if err := store.Enqueue(cmd.Context(), rec); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for task %d on %s\n", action, taskID, targetName)

	// Best effort: a stopped daemon picks the command up on start.
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(time.Second)
	_ = client.Call(cmd.Context(), uds.CommandWake, nil)
	return nil
}
