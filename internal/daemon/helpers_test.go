package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	"github.com/msageha/dispatchd/internal/target"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now advances a microsecond per call so every write gets a distinct time.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExecutor records calls and answers from configurable fields.
type fakeExecutor struct {
	mu sync.Mutex

	name      string
	submitID  int
	submitErr error
	cancelErr error
	status    string
	statusErr error
	outputErr error
	deleteErr error

	calls       map[string]int
	statusOrder []int
}

func newFakeExecutor(name string) *fakeExecutor {
	return &fakeExecutor{name: name, submitID: 7, status: target.StatusRunning, calls: map[string]int{}}
}

func (f *fakeExecutor) record(op string) {
	f.calls[op]++
}

func (f *fakeExecutor) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeExecutor) StatusOrder() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.statusOrder...)
}

func (f *fakeExecutor) SetStatus(status string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.statusErr = status, err
}

func (f *fakeExecutor) Name() string { return f.name }

func (f *fakeExecutor) Submit(_ context.Context, _ *model.Command) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("submit")
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeExecutor) Status(_ context.Context, cmd *model.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("status")
	f.statusOrder = append(f.statusOrder, cmd.TaskID())
	return f.status, f.statusErr
}

func (f *fakeExecutor) Cancel(_ context.Context, _ *model.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("cancel")
	return f.cancelErr
}

func (f *fakeExecutor) PrepareOutput(_ context.Context, _ *model.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("prepare_output")
	if f.outputErr != nil {
		return "", f.outputErr
	}
	return target.OutputDir, nil
}

func (f *fakeExecutor) DeleteDeployment(_ context.Context, _ *model.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete_deployment")
	return f.deleteErr
}

func (f *fakeExecutor) Clean(_ context.Context, _ *model.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("clean")
	return nil
}

// plainExecutor exposes only the mandatory capability set of a fake.
type plainExecutor struct {
	f *fakeExecutor
}

func (p plainExecutor) Name() string { return p.f.Name() }
func (p plainExecutor) Submit(ctx context.Context, cmd *model.Command) (int, error) {
	return p.f.Submit(ctx, cmd)
}
func (p plainExecutor) Status(ctx context.Context, cmd *model.Command) (string, error) {
	return p.f.Status(ctx, cmd)
}
func (p plainExecutor) Cancel(ctx context.Context, cmd *model.Command) error {
	return p.f.Cancel(ctx, cmd)
}
func (p plainExecutor) PrepareOutput(ctx context.Context, cmd *model.Command) (string, error) {
	return p.f.PrepareOutput(ctx, cmd)
}

type storeFactory func(t *testing.T, clock *testClock) queue.Store

var storeFactories = map[string]storeFactory{
	"file": func(t *testing.T, clock *testClock) queue.Store {
		s, err := queue.NewFileStore(filepath.Join(t.TempDir(), "queue"), storeOptions(clock))
		require.NoError(t, err)
		return s
	},
	"sqlite": func(t *testing.T, clock *testClock) queue.Store {
		dsn := queue.SQLiteDSN(filepath.Join(t.TempDir(), "dispatchd.db"))
		s, err := queue.OpenSQL(context.Background(), model.StoreDriverSQLite, dsn, storeOptions(clock))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

func storeOptions(clock *testClock) queue.Options {
	return queue.Options{InstanceID: "test-instance", HoldTimeout: time.Minute, Now: clock.Now}
}

// forEachStore runs fn against every store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, factory storeFactory)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) { fn(t, factory) })
	}
}

type harness struct {
	t      *testing.T
	clock  *testClock
	store  queue.Store
	engine *Engine
	exec   *fakeExecutor
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Retry.MaxRetries = 2
	cfg.Retry.MaxWaitMs = 60000
	cfg.Pool.Size = 4
	cfg.Pool.ShutdownGraceSec = 5
	return cfg
}

func newHarness(t *testing.T, factory storeFactory, cfg model.Config, executors ...target.Executor) *harness {
	t.Helper()
	clock := newTestClock()
	store := factory(t, clock)
	exec := newFakeExecutor("fake")

	reg := target.NewRegistry()
	if len(executors) == 0 {
		executors = []target.Executor{exec}
	}
	for _, e := range executors {
		reg.Register(e)
	}

	engine, err := NewEngine(cfg, EngineOptions{Store: store, Targets: reg, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Shutdown() })
	return &harness{t: t, clock: clock, store: store, engine: engine, exec: exec}
}

// enqueue creates a task with one output file and queues a command for it.
func (h *harness) enqueue(taskID int, action model.Action, targetName, targetStatus string) string {
	h.t.Helper()
	ctx := context.Background()
	sandbox := filepath.Join(h.t.TempDir(), "sandbox")
	if _, err := h.store.Task(ctx, taskID); err != nil {
		require.NoError(h.t, h.store.CreateTask(ctx, model.Task{
			ID:          taskID,
			OutputFiles: []model.File{{Name: "result.txt"}},
		}))
	}
	require.NoError(h.t, h.store.Enqueue(ctx, model.CommandRecord{
		TaskID:       taskID,
		Action:       action,
		Target:       targetName,
		TargetStatus: targetStatus,
		ActionInfo:   sandbox,
	}))
	return sandbox
}

func (h *harness) intake() int {
	h.t.Helper()
	n, err := h.engine.RunIntakeOnce(context.Background())
	require.NoError(h.t, err)
	h.engine.pool.wg.Wait()
	return n
}

func (h *harness) reconcile() int {
	h.t.Helper()
	n, err := h.engine.RunReconcileOnce(context.Background())
	require.NoError(h.t, err)
	h.engine.pool.wg.Wait()
	return n
}

func (h *harness) command(taskID int, action model.Action) model.CommandRecord {
	h.t.Helper()
	recs, err := h.store.Commands(context.Background(), taskID)
	require.NoError(h.t, err)
	for _, r := range recs {
		if r.Action == action {
			return r
		}
	}
	h.t.Fatalf("no %s command for task %d", action, taskID)
	return model.CommandRecord{}
}
