package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/target"
)

// SubmittedStatus is the target status recorded once a backend accepted a
// SUBMIT.
const SubmittedStatus = "SUBMITTED"

// Execution task outcomes, used as metric labels.
const (
	outcomeOK            = "ok"
	outcomeBackendError  = "backend_error"
	outcomeStoreError    = "store_error"
	outcomeUnknownTarget = "unknown_target"
	outcomeUnsupported   = "unsupported"
	outcomeIgnored       = "ignored"
	outcomePurged        = "purged"
)

// execute performs the command's action against its target and persists the
// result once. Backend failures leave the command PROCESSING so the
// consistency check retries it later.
func (e *Engine) execute(ctx context.Context, cmd *model.Command) {
	log := e.execLog
	outcome := e.perform(ctx, cmd)

	if err := e.store.Persist(ctx, cmd); err != nil {
		log.Errorf("persist_failed %s error=%v", cmd, err)
		outcome = outcomeStoreError
	}
	log.Debugf("executed %s outcome=%s", cmd, outcome)
	e.metrics.taskDone(kindExecute, outcome)
}

func (e *Engine) perform(ctx context.Context, cmd *model.Command) string {
	log := e.execLog
	exec, err := e.targets.Get(cmd.Target())
	if err != nil {
		var unknown *target.UnknownTargetError
		if errors.As(err, &unknown) {
			log.Warnf("unknown_target %s name=%q", cmd, unknown.Name)
			return outcomeUnknownTarget
		}
		log.Errorf("target_lookup_failed %s error=%v", cmd, err)
		return outcomeBackendError
	}

	switch cmd.Action() {
	case model.ActionSubmit:
		id, err := exec.Submit(ctx, cmd)
		if err != nil {
			log.Warnf("submit_failed %s error=%v", cmd, err)
			return outcomeBackendError
		}
		cmd.SetTargetID(id)
		cmd.SetTargetStatus(SubmittedStatus)
		cmd.SetStatus(model.StatusProcessed)
		log.Infof("submitted %s target_id=%d", cmd, id)

	case model.ActionCancel:
		if err := exec.Cancel(ctx, cmd); err != nil {
			log.Warnf("cancel_failed %s error=%v", cmd, err)
			return outcomeBackendError
		}
		cmd.SetStatus(model.StatusProcessed)
		log.Infof("cancel_requested %s", cmd)

	case model.ActionClean:
		return e.clean(ctx, exec, cmd)

	case model.ActionDelete:
		log.Warnf("unsupported_action %s", cmd)
		return outcomeUnsupported

	case model.ActionStatusCh:
		if cmd.TargetStatus() != target.StatusCancelled {
			log.Infof("status_change_ignored %s target_status=%q", cmd, cmd.TargetStatus())
			return outcomeIgnored
		}
		deleter, ok := exec.(target.DeploymentDeleter)
		if !ok {
			log.Warnf("unsupported_action %s reason=no_deployment_deletion", cmd)
			return outcomeUnsupported
		}
		if err := deleter.DeleteDeployment(ctx, cmd); err != nil {
			log.Warnf("delete_deployment_failed %s error=%v", cmd, err)
			return outcomeBackendError
		}
		cmd.SetStatus(model.StatusProcessed)
		log.Infof("deployment_deleted %s", cmd)

	case model.ActionGetStatus:
		st, err := exec.Status(ctx, cmd)
		if err != nil {
			log.Warnf("status_failed %s error=%v", cmd, err)
			return outcomeBackendError
		}
		cmd.SetTargetStatus(st)
		cmd.SetStatus(model.StatusProcessed)

	case model.ActionGetOutput:
		dir, err := exec.PrepareOutput(ctx, cmd)
		if err != nil {
			log.Warnf("prepare_output_failed %s error=%v", cmd, err)
			return outcomeBackendError
		}
		if err := e.store.UpdateOutputPaths(ctx, cmd, dir); err != nil {
			log.Errorf("update_output_paths_failed %s error=%v", cmd, err)
			return outcomeStoreError
		}
		cmd.SetTargetStatus(target.StatusDone)
		cmd.SetStatus(model.StatusProcessed)

	default:
		log.Warnf("unknown_action %s", cmd)
		return outcomeUnsupported
	}
	return outcomeOK
}

// clean tears down backend resources, purges the task's records and empties
// its sandbox. Teardown and sandbox removal are best effort; only the purge
// decides the outcome. The command row is gone afterwards, so the caller's
// Persist is a no-op.
func (e *Engine) clean(ctx context.Context, exec target.Executor, cmd *model.Command) string {
	log := e.execLog
	if c, ok := exec.(target.Cleaner); ok {
		if err := c.Clean(ctx, cmd); err != nil {
			log.Warnf("teardown_failed %s error=%v", cmd, err)
		}
	}
	if err := e.store.PurgeTask(ctx, cmd.TaskID()); err != nil {
		log.Errorf("purge_failed %s error=%v", cmd, err)
		return outcomeStoreError
	}
	if err := clearSandbox(cmd.ActionInfo()); err != nil {
		log.Warnf("sandbox_cleanup_failed %s dir=%s error=%v", cmd, cmd.ActionInfo(), err)
	}
	log.Infof("task_purged %s", cmd)
	return outcomePurged
}

// clearSandbox removes everything inside dir. The directory itself belongs to
// the front end and stays.
func clearSandbox(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var errs []error
	for _, ent := range entries {
		if err := os.RemoveAll(filepath.Join(dir, ent.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
