// Package target provides the backends a command can be dispatched to and the
// registry that resolves a command's target name to one of them.
package target

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
)

// Backend statuses returned by Executor.Status. An empty string means the
// backend has no record of the work.
const (
	StatusDone      = "DONE"
	StatusRunning   = "RUNNING"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED"
	StatusAbsent    = ""
)

// OutputDir is the sandbox subdirectory that receives collected outputs.
const OutputDir = "jobOutput"

// ErrUnsupported is returned by executors for operations their backend has
// no equivalent of.
var ErrUnsupported = errors.New("target: operation not supported")

// UnknownTargetError reports a target name with no registered executor.
type UnknownTargetError struct {
	Name string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("target: unknown target %q", e.Name)
}

// Executor is the capability set every backend provides.
type Executor interface {
	Name() string
	// Submit starts the work described by the command's sandbox and returns
	// the backend-side identifier.
	Submit(ctx context.Context, cmd *model.Command) (int, error)
	// Status reports the backend state of the task's submitted work.
	Status(ctx context.Context, cmd *model.Command) (string, error)
	Cancel(ctx context.Context, cmd *model.Command) error
	// PrepareOutput collects outputs into the sandbox and returns the
	// directory name, relative to action_info.
	PrepareOutput(ctx context.Context, cmd *model.Command) (string, error)
}

// DeploymentDeleter is implemented by backends whose work outlives the job
// and must be torn down once cancelled.
type DeploymentDeleter interface {
	DeleteDeployment(ctx context.Context, cmd *model.Command) error
}

// Cleaner is implemented by backends that hold resources until CLEAN.
type Cleaner interface {
	Clean(ctx context.Context, cmd *model.Command) error
}

// Deps are the collaborators handed to executor factories.
type Deps struct {
	Runtime queue.RuntimeStore
	Logger  *zap.SugaredLogger
	Config  model.TargetsConfig
}

func (d Deps) logger(name string) *zap.SugaredLogger {
	if d.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return d.Logger.Named("target." + name)
}
