package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/dispatchd/internal/lock"
	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	"github.com/msageha/dispatchd/internal/uds"
)

// daemonDir returns a short directory so the socket path stays within the
// Unix socket length limit.
func daemonDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "dispatchd-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func daemonConfig(driver string) model.Config {
	cfg := model.DefaultConfig()
	cfg.Store.Driver = driver
	cfg.Intake.DelayMs = 20
	cfg.Reconcile.DelayMs = 20
	cfg.Pool.ShutdownGraceSec = 2
	cfg.Daemon.WakeDebounceSec = 0.01
	return cfg
}

func startDaemon(t *testing.T, dir string, cfg model.Config) (*Daemon, *uds.Client) {
	t.Helper()
	d, err := newDaemon(dir, cfg, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	return d, client
}

func TestNewDaemon(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Daemon.InstanceID = "node-a"

	d, err := newDaemon("/tmp/test-dispatchd", cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-dispatchd", d.dir)
	assert.Equal(t, "node-a", d.instanceID)
}

func TestNewDaemon_GeneratesInstanceID(t *testing.T) {
	a, err := newDaemon("/tmp/test-dispatchd", model.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	b, err := newDaemon("/tmp/test-dispatchd", model.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, a.instanceID, 36)
	assert.NotEqual(t, a.instanceID, b.instanceID)
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	d, err := newDaemon("/tmp/test-dispatchd-shutdown", model.DefaultConfig(), nil, nil)
	require.NoError(t, err)

	// Shutdown before Start must not touch the directory.
	d.Shutdown()
	d.Shutdown()
	select {
	case <-d.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
}

func TestDaemon_ControlSocket(t *testing.T) {
	dir := daemonDir(t)
	cfg := daemonConfig(model.StoreDriverSQLite)
	cfg.Daemon.InstanceID = "node-a"
	_, client := startDaemon(t, dir, cfg)

	var ping PingResponse
	require.NoError(t, client.Call(context.Background(), uds.CommandPing, &ping))
	assert.Equal(t, "ok", ping.Status)
	assert.Equal(t, os.Getpid(), ping.PID)
	assert.Equal(t, "node-a", ping.InstanceID)

	require.NoError(t, client.Call(context.Background(), uds.CommandWake, nil))

	var stats StatsResponse
	require.NoError(t, client.Call(context.Background(), uds.CommandStats, &stats))
	assert.Equal(t, "node-a", stats.InstanceID)
	assert.Equal(t, cfg.Pool.Size, stats.PoolSize)
	assert.Equal(t, []string{"local"}, stats.Targets)
	assert.False(t, stats.StartedAt.IsZero())
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	dir := daemonDir(t)
	startDaemon(t, dir, daemonConfig(model.StoreDriverSQLite))

	other, err := newDaemon(dir, daemonConfig(model.StoreDriverSQLite), nil, nil)
	require.NoError(t, err)
	err = other.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")

	// The running daemon keeps its socket.
	_, statErr := os.Stat(filepath.Join(dir, uds.DefaultSocketName))
	assert.NoError(t, statErr)
}

func TestDaemon_ShutdownViaControlSocket(t *testing.T) {
	dir := daemonDir(t)
	d, client := startDaemon(t, dir, daemonConfig(model.StoreDriverSQLite))

	require.NoError(t, client.Call(context.Background(), uds.CommandShutdown, nil))
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err := os.Stat(filepath.Join(dir, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err))

	// The lock is free again.
	fl := lock.NewPIDLock(filepath.Join(dir, "locks", "daemon.lock"))
	require.NoError(t, fl.TryLock())
	require.NoError(t, fl.Unlock())
}

func TestDaemon_RunsLocalJobToDone(t *testing.T) {
	dir := daemonDir(t)
	cfg := daemonConfig(model.StoreDriverFile)
	// Slow timers: progress must come from fsnotify and control wakes.
	cfg.Intake.DelayMs = 60000
	cfg.Reconcile.DelayMs = 60000
	d, client := startDaemon(t, dir, cfg)

	sandbox := filepath.Join(dir, "sandbox", "70")
	require.NoError(t, os.MkdirAll(sandbox, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sandbox, "70.json"),
		[]byte(`{"executable": "echo", "arguments": ["hello"]}`), 0644))

	ctx := context.Background()
	require.NoError(t, d.store.Enqueue(ctx, model.CommandRecord{
		TaskID:     70,
		Action:     model.ActionSubmit,
		Target:     "local",
		ActionInfo: sandbox,
	}))

	require.Eventually(t, func() bool {
		recs, err := d.store.Commands(ctx, 70)
		return err == nil && len(recs) == 1 && recs[0].Status != model.StatusQueued
	}, 5*time.Second, 10*time.Millisecond, "fsnotify should wake intake")

	require.Eventually(t, func() bool {
		_ = client.Call(context.Background(), uds.CommandWake, nil)
		recs, err := d.store.Commands(ctx, 70)
		return err == nil && len(recs) == 1 && recs[0].Status == model.StatusDone
	}, 10*time.Second, 50*time.Millisecond)

	out, err := os.ReadFile(filepath.Join(sandbox, "jobOutput", "stdout.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	_, ok := d.store.(*queue.FileStore)
	assert.True(t, ok)
}

func TestDaemon_ShutdownKeepsStoreForOverrunningTasks(t *testing.T) {
	dir := daemonDir(t)
	cfg := daemonConfig(model.StoreDriverSQLite)
	cfg.Pool.ShutdownGraceSec = 1
	d, _ := startDaemon(t, dir, cfg)

	release := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, d.engine.pool.Submit(context.Background(), "slow", func(context.Context) {
		defer close(finished)
		<-release
	}))

	d.Shutdown()
	<-d.Done()

	// The overrunning task can still reach the store.
	_, err := d.store.Stats(context.Background())
	require.NoError(t, err)

	close(release)
	<-finished
	require.NoError(t, d.store.Close())
}

func TestDaemon_ShutdownClosesStoreWhenDrained(t *testing.T) {
	dir := daemonDir(t)
	d, _ := startDaemon(t, dir, daemonConfig(model.StoreDriverSQLite))

	d.Shutdown()
	<-d.Done()

	_, err := d.store.Stats(context.Background())
	assert.Error(t, err)
}
