// Package queue implements the durable command queue shared by every daemon
// instance: atomic claims, conditional status writes and task cleanup.
package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/dispatchd/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("queue: not found")
	// ErrConflict is returned when a conditional write finds the row in a
	// different status than the command was loaded with.
	ErrConflict = errors.New("queue: row changed concurrently")
	// ErrDuplicate is returned when enqueueing a (task, action) pair twice.
	ErrDuplicate = errors.New("queue: command already queued")
	// ErrInvalidTransition wraps transition validation failures.
	ErrInvalidTransition = errors.New("queue: invalid transition")
)

// RuntimeStore holds per-task key/value records written by executors.
type RuntimeStore interface {
	SetRuntimeData(ctx context.Context, taskID int, d model.RuntimeData) error
	// RuntimeData returns the latest value recorded for key, or ErrNotFound.
	RuntimeData(ctx context.Context, taskID int, key string) (string, error)
}

// Store is the queue contract used by the intake and reconciliation loops.
type Store interface {
	RuntimeStore

	// CreateTask registers a task and its auxiliary records.
	CreateTask(ctx context.Context, task model.Task) error
	// Enqueue inserts a QUEUED command, creating a bare task row if needed.
	Enqueue(ctx context.Context, rec model.CommandRecord) error

	// ClaimQueued selects up to max QUEUED commands, oldest last_change
	// first, and flips them to PROCESSING in the same transaction.
	ClaimQueued(ctx context.Context, max int) ([]*model.Command, error)
	// ClaimForReconciliation reads up to max PROCESSING/PROCESSED commands
	// (and stale HOLDs), stalest check_ts first. It does not modify rows.
	ClaimForReconciliation(ctx context.Context, max int) ([]*model.Command, error)
	// Hold moves a PROCESSED (or stale HOLD) command to HOLD. It reports
	// false when another worker got there first or the row no longer has
	// the status cmd was loaded with.
	Hold(ctx context.Context, cmd *model.Command) (bool, error)

	// Persist writes dirty fields and last_change; no-op when clean.
	Persist(ctx context.Context, cmd *model.Command) error
	// TouchCheck updates check_ts only.
	TouchCheck(ctx context.Context, cmd *model.Command) error
	// Retry requeues the command and increments its retry counter.
	Retry(ctx context.Context, cmd *model.Command) error
	// Trash marks the command FAILED.
	Trash(ctx context.Context, cmd *model.Command) error

	// PurgeTask removes every record of the task except the task row,
	// which is marked PURGED.
	PurgeTask(ctx context.Context, taskID int) error
	// SubmitCommand returns the task's SUBMIT command.
	SubmitCommand(ctx context.Context, taskID int) (*model.Command, error)
	// UpdateOutputPaths points every output file of the task at
	// <action_info>/<outputDir>.
	UpdateOutputPaths(ctx context.Context, cmd *model.Command, outputDir string) error

	Task(ctx context.Context, taskID int) (model.Task, error)
	Commands(ctx context.Context, taskID int) ([]model.CommandRecord, error)
	Stats(ctx context.Context) (map[model.Status]int, error)
	Close() error
}

// Options carries settings shared by every store implementation.
type Options struct {
	InstanceID  string
	HoldTimeout time.Duration
	Now         func() time.Time
	Logger      *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.HoldTimeout <= 0 {
		o.HoldTimeout = 10 * time.Minute
	}
	return o
}

// Open builds the store selected by cfg. Relative paths resolve against
// baseDir.
func Open(ctx context.Context, cfg model.StoreConfig, baseDir string, opts Options) (Store, error) {
	switch cfg.Driver {
	case model.StoreDriverFile:
		dir := cfg.Path
		if dir == "" {
			dir = "queue"
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		return NewFileStore(dir, opts)
	case model.StoreDriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			path := cfg.Path
			if path == "" {
				path = "dispatchd.db"
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			dsn = SQLiteDSN(path)
		}
		return OpenSQL(ctx, model.StoreDriverSQLite, dsn, opts)
	case model.StoreDriverMySQL, model.StoreDriverPostgres:
		return OpenSQL(ctx, cfg.Driver, cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("queue: unknown store driver %q", cfg.Driver)
	}
}

// transition validates a status change against the command lifecycle.
func transition(from, to model.Status) error {
	if err := model.ValidateTransition(from, to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return nil
}

func taskStatusFor(cmd *model.Command) string {
	if cmd.TargetStatus() != "" {
		return cmd.TargetStatus()
	}
	return model.TaskStatusReady
}

func outputPath(cmd *model.Command, outputDir string) string {
	return filepath.Join(cmd.ActionInfo(), outputDir)
}
