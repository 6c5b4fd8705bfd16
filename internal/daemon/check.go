package daemon

import (
	"context"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/target"
)

// Check task outcomes, used as metric labels.
const (
	outcomeRetried   = "retried"
	outcomeTrashed   = "trashed"
	outcomeWaiting   = "waiting"
	outcomeSkipped   = "skipped"
	outcomeDone      = "done"
	outcomeRunning   = "running"
	outcomeCancelled = "cancelled"
	outcomeAbsent    = "absent"
	outcomeUnhandled = "unhandled"
)

// check reconciles one in-flight command with its backend. PROCESSING
// commands only go through the consistency check; PROCESSED ones are put on
// HOLD while the backend is queried, and always leave HOLD before the task
// ends. check_ts is bumped whatever happens.
func (e *Engine) check(ctx context.Context, cmd *model.Command) {
	log := e.checkLog
	var outcome string

	switch cmd.Status() {
	case model.StatusProcessing:
		outcome = e.consistencyCheck(ctx, cmd)
	case model.StatusProcessed, model.StatusHold:
		outcome = e.reconcileBackend(ctx, cmd)
	default:
		log.Debugf("check_skipped %s", cmd)
		outcome = outcomeSkipped
	}

	if err := e.store.Persist(ctx, cmd); err != nil {
		log.Errorf("persist_failed %s error=%v", cmd, err)
		outcome = outcomeStoreError
	}
	if err := e.store.TouchCheck(ctx, cmd); err != nil {
		log.Errorf("touch_check_failed %s error=%v", cmd, err)
	}
	log.Debugf("checked %s outcome=%s", cmd, outcome)
	e.metrics.taskDone(kindCheck, outcome)
}

// consistencyCheck retries or trashes a command that made no progress.
func (e *Engine) consistencyCheck(ctx context.Context, cmd *model.Command) string {
	log := e.checkLog
	switch d := e.policy.Decide(cmd, e.now()); d {
	case DecisionRetry:
		if err := e.store.Retry(ctx, cmd); err != nil {
			log.Errorf("retry_failed %s error=%v", cmd, err)
			return outcomeStoreError
		}
		e.metrics.Retries.Inc()
		log.Infof("retried %s", cmd)
		return outcomeRetried
	case DecisionTrash:
		if err := e.store.Trash(ctx, cmd); err != nil {
			log.Errorf("trash_failed %s error=%v", cmd, err)
			return outcomeStoreError
		}
		e.metrics.Trashed.Inc()
		log.Warnf("trashed %s max_retries=%d", cmd, e.policy.MaxRetries)
		return outcomeTrashed
	default:
		return outcomeWaiting
	}
}

func (e *Engine) reconcileBackend(ctx context.Context, cmd *model.Command) string {
	log := e.checkLog
	exec, err := e.targets.Get(cmd.Target())
	if err != nil {
		// The command was accepted by a target this daemon no longer runs.
		log.Warnf("unknown_target %s error=%v", cmd, err)
		return outcomeUnknownTarget
	}

	held, err := e.store.Hold(ctx, cmd)
	if err != nil {
		log.Errorf("hold_failed %s error=%v", cmd, err)
		return outcomeStoreError
	}
	if !held {
		log.Debugf("hold_lost %s", cmd)
		return outcomeSkipped
	}

	// GETSTATUS and GETOUTPUT were answered when executed.
	if cmd.Action() == model.ActionGetStatus || cmd.Action() == model.ActionGetOutput {
		cmd.SetStatus(model.StatusDone)
		return outcomeDone
	}

	status, err := exec.Status(ctx, cmd)
	if err != nil {
		// A backend that keeps failing must still age out.
		log.Warnf("status_failed %s error=%v", cmd, err)
		return e.noStatus(ctx, cmd, outcomeBackendError)
	}
	if status != target.StatusAbsent {
		cmd.SetTargetStatus(status)
	}

	switch status {
	case target.StatusDone:
		if cmd.Action() == model.ActionSubmit {
			dir, err := exec.PrepareOutput(ctx, cmd)
			if err != nil {
				log.Warnf("prepare_output_failed %s error=%v", cmd, err)
				cmd.SetStatus(model.StatusProcessed)
				return outcomeBackendError
			}
			if err := e.store.UpdateOutputPaths(ctx, cmd, dir); err != nil {
				log.Errorf("update_output_paths_failed %s error=%v", cmd, err)
				cmd.SetStatus(model.StatusProcessed)
				return outcomeStoreError
			}
		}
		cmd.SetStatus(model.StatusDone)
		log.Infof("done %s", cmd)
		return outcomeDone

	case target.StatusRunning:
		cmd.SetStatus(model.StatusProcessed)
		return outcomeRunning

	case target.StatusCancelled:
		cmd.SetStatus(model.StatusCancelled)
		log.Infof("cancelled %s", cmd)
		return outcomeCancelled

	case target.StatusAbsent:
		return e.noStatus(ctx, cmd, outcomeAbsent)

	default:
		log.Warnf("unhandled_status %s status=%q", cmd, status)
		cmd.SetStatus(model.StatusProcessed)
		return outcomeUnhandled
	}
}

// noStatus handles a held command whose backend status could not be read.
// Unless the consistency check retried or trashed it, the command goes back
// to PROCESSED and waiting is reported as the given outcome.
func (e *Engine) noStatus(ctx context.Context, cmd *model.Command, waiting string) string {
	outcome := e.consistencyCheck(ctx, cmd)
	switch outcome {
	case outcomeRetried, outcomeTrashed:
		return outcome
	case outcomeWaiting:
		outcome = waiting
	}
	cmd.SetStatus(model.StatusProcessed)
	return outcome
}
