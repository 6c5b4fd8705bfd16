package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	"github.com/msageha/dispatchd/internal/target"
)

const (
	loopIntake    = "intake"
	loopReconcile = "reconcile"

	kindExecute = "execute"
	kindCheck   = "check"
)

// EngineOptions are the collaborators of an Engine. Store and Targets are
// required.
type EngineOptions struct {
	Store   queue.Store
	Targets *target.Registry
	Metrics *Metrics
	Logger  *zap.SugaredLogger
	Now     func() time.Time
}

// Engine drives commands through their lifecycle: the intake loop claims
// QUEUED commands for execution, the reconciliation loop checks in-flight
// ones, and both feed one worker pool.
type Engine struct {
	cfg     model.Config
	store   queue.Store
	targets *target.Registry
	policy  RetryPolicy
	pool    *Pool
	metrics *Metrics
	now     func() time.Time

	log      *zap.SugaredLogger
	execLog  *zap.SugaredLogger
	checkLog *zap.SugaredLogger

	intake    *loop
	reconcile *loop

	// busy holds the commands with a check task in this process's pool, so a
	// slow check is not dispatched twice by consecutive reconciliation rounds.
	// Intake claims are exclusive in the store and need no such guard.
	busyMu sync.Mutex
	busy   map[commandKey]struct{}
}

type commandKey struct {
	taskID int
	action model.Action
}

func keyOf(cmd *model.Command) commandKey {
	return commandKey{taskID: cmd.TaskID(), action: cmd.Action()}
}

func NewEngine(cfg model.Config, opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Targets == nil {
		return nil, fmt.Errorf("engine: target registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		cfg:      cfg,
		store:    opts.Store,
		targets:  opts.Targets,
		policy:   NewRetryPolicy(cfg),
		pool:     NewPool(cfg.Pool.Size, opts.Logger, opts.Metrics),
		metrics:  opts.Metrics,
		now:      opts.Now,
		log:      opts.Logger,
		execLog:  opts.Logger.Named(kindExecute),
		checkLog: opts.Logger.Named(kindCheck),
		busy:     make(map[commandKey]struct{}),
	}
	e.intake = newLoop(loopIntake, cfg.IntakeDelay(), opts.Logger.Named(loopIntake), func(ctx context.Context) {
		_, _ = e.RunIntakeOnce(ctx)
	})
	e.reconcile = newLoop(loopReconcile, cfg.ReconcileDelay(), opts.Logger.Named(loopReconcile), func(ctx context.Context) {
		_, _ = e.RunReconcileOnce(ctx)
	})
	return e, nil
}

// Run runs both loops until ctx is cancelled. It does not wait for the pool;
// call Shutdown for that.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.intake.run(gctx) })
	g.Go(func() error { return e.reconcile.run(gctx) })
	return g.Wait()
}

// Shutdown stops accepting tasks and waits up to the configured grace for
// running ones.
func (e *Engine) Shutdown() bool {
	grace := e.cfg.ShutdownGrace()
	drained := e.pool.Shutdown(grace)
	if drained {
		e.log.Infof("pool_drained")
	}
	return drained
}

// Wake makes both loops iterate now.
func (e *Engine) Wake() {
	e.intake.Wake()
	e.reconcile.Wake()
}

// WakeIntake makes the intake loop iterate now.
func (e *Engine) WakeIntake() {
	e.intake.Wake()
}

// RunIntakeOnce claims QUEUED commands and hands each to an execution task.
// It returns the number of tasks started.
func (e *Engine) RunIntakeOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { e.metrics.LoopDuration.WithLabelValues(loopIntake).Observe(time.Since(start).Seconds()) }()

	cmds, err := e.store.ClaimQueued(ctx, e.cfg.Intake.MaxCommands)
	if err != nil {
		e.log.Errorf("claim_failed loop=%s error=%v", loopIntake, err)
		return 0, err
	}
	return e.dispatch(ctx, loopIntake, kindExecute, cmds, e.execute)
}

// RunReconcileOnce reads the stalest in-flight commands and hands each to a
// check task. It returns the number of tasks started.
func (e *Engine) RunReconcileOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { e.metrics.LoopDuration.WithLabelValues(loopReconcile).Observe(time.Since(start).Seconds()) }()

	cmds, err := e.store.ClaimForReconciliation(ctx, e.cfg.Reconcile.MaxCommands)
	if err != nil {
		e.log.Errorf("claim_failed loop=%s error=%v", loopReconcile, err)
		return 0, err
	}
	return e.dispatch(ctx, loopReconcile, kindCheck, cmds, e.check)
}

func (e *Engine) dispatch(ctx context.Context, loopName, kind string, cmds []*model.Command, run func(context.Context, *model.Command)) (int, error) {
	if len(cmds) == 0 {
		return 0, nil
	}
	e.metrics.Claimed.WithLabelValues(loopName).Add(float64(len(cmds)))
	e.log.Debugf("claim loop=%s count=%d", loopName, len(cmds))

	guard := kind == kindCheck
	started := 0
	for _, cmd := range cmds {
		cmd := cmd
		if guard && !e.markBusy(cmd) {
			e.log.Debugf("dispatch_skipped loop=%s %s reason=busy", loopName, cmd)
			continue
		}
		err := e.pool.Submit(ctx, kind+":"+cmd.String(), func(taskCtx context.Context) {
			if guard {
				defer e.clearBusy(cmd)
			}
			run(taskCtx, cmd)
		})
		if err != nil {
			// Left as claimed; the consistency check recovers them.
			if guard {
				e.clearBusy(cmd)
			}
			e.log.Warnf("dispatch_stopped loop=%s started=%d remaining=%d error=%v",
				loopName, started, len(cmds)-started, err)
			return started, err
		}
		started++
	}
	return started, nil
}

func (e *Engine) markBusy(cmd *model.Command) bool {
	e.busyMu.Lock()
	defer e.busyMu.Unlock()
	k := keyOf(cmd)
	if _, ok := e.busy[k]; ok {
		return false
	}
	e.busy[k] = struct{}{}
	return true
}

func (e *Engine) clearBusy(cmd *model.Command) {
	e.busyMu.Lock()
	delete(e.busy, keyOf(cmd))
	e.busyMu.Unlock()
}

// Stats is a point-in-time view of the engine for the control socket.
type Stats struct {
	PoolSize int            `json:"pool_size"`
	InFlight int            `json:"in_flight"`
	Queue    map[string]int `json:"queue"`
	Targets  []string       `json:"targets"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.store.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	q := make(map[string]int, len(counts))
	for s, n := range counts {
		q[string(s)] = n
	}
	return Stats{
		PoolSize: e.pool.Size(),
		InFlight: e.pool.InFlight(),
		Queue:    q,
		Targets:  e.targets.Names(),
	}, nil
}
