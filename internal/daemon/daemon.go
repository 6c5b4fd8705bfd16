// Package daemon runs the dispatchd process: the intake and reconciliation
// loops, the worker pool they feed, and the control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/msageha/dispatchd/internal/lock"
	"github.com/msageha/dispatchd/internal/logging"
	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	"github.com/msageha/dispatchd/internal/target"
	"github.com/msageha/dispatchd/internal/uds"
)

// Daemon is the main dispatchd daemon process.
type Daemon struct {
	dir        string
	config     model.Config
	instanceID string
	root       *zap.SugaredLogger
	log        *zap.SugaredLogger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	store    queue.Store
	engine   *Engine
	metrics  *Metrics

	started   bool
	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}

	forceExit atomic.Bool
}

// New creates a daemon for the directory dir. A relative log file in cfg is
// placed under dir.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logCfg := cfg.Logging
	if logCfg.File != "" && !filepath.IsAbs(logCfg.File) {
		logCfg.File = filepath.Join(dir, logCfg.File)
	}
	if logCfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(logCfg.File), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	logger, closer := logging.New(logCfg)
	return newDaemon(dir, cfg, logger, closer)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dir string, cfg model.Config, logger *zap.SugaredLogger, closer io.Closer) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	instanceID := cfg.Daemon.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		dir:        dir,
		config:     cfg,
		instanceID: instanceID,
		root:       logger,
		log:        logger.Named("daemon"),
		logFile:    closer,
		fileLock:   lock.NewPIDLock(filepath.Join(dir, "locks", "daemon.lock")),
		server:     uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), logger),
		metrics:    NewMetrics(),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	<-d.stopped
	return nil
}

// Start acquires the daemon lock, opens the store and starts the loops and
// the control socket. It does not block.
func (d *Daemon) Start() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Join(d.dir, "locks"), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now().UTC()
	d.log.Infof("daemon_starting pid=%d instance=%s", os.Getpid(), d.instanceID)

	// Step 2: Open the queue store and the targets
	store, err := queue.Open(d.ctx, d.config.Store, d.dir, queue.Options{
		InstanceID:  d.instanceID,
		HoldTimeout: d.config.HoldTimeout(),
		Logger:      d.root,
	})
	if err != nil {
		d.cleanup(true)
		return fmt.Errorf("open store: %w", err)
	}
	d.store = store

	registry, err := target.Build(target.Deps{
		Runtime: store,
		Logger:  d.root,
		Config:  d.config.Targets,
	}, d.config.Targets.Enabled)
	if err != nil {
		d.cleanup(true)
		return fmt.Errorf("build targets: %w", err)
	}
	d.log.Infof("targets_enabled names=%v", registry.Names())

	engine, err := NewEngine(d.config, EngineOptions{
		Store:   store,
		Targets: registry,
		Metrics: d.metrics,
		Logger:  d.root,
	})
	if err != nil {
		d.cleanup(true)
		return err
	}
	d.engine = engine

	// Step 3: Watch the file store so new commands are picked up early
	if fs, ok := store.(*queue.FileStore); ok {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.cleanup(true)
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		d.watcher = watcher
		if err := watcher.Add(fs.Dir()); err != nil {
			d.cleanup(true)
			return fmt.Errorf("watch %s: %w", fs.Dir(), err)
		}
		d.wg.Add(1)
		go d.fsnotifyLoop(fs.Path())
	}

	// Step 4: Start the control socket
	d.registerHandlers()
	d.started = true
	if err := d.server.Start(); err != nil {
		d.started = false
		d.cleanup(true)
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log.Infof("control_listening socket=%s", filepath.Join(d.dir, uds.DefaultSocketName))

	// Step 5: Start background loops
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.engine.Run(d.ctx); err != nil {
			d.log.Errorf("engine_stopped error=%v", err)
		}
	}()

	if addr := d.config.Metrics.Listen; addr != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metrics.Serve(d.ctx, addr, d.log); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Errorf("metrics_server_failed error=%v", err)
			}
		}()
	}

	d.log.Infof("daemon_ready")
	return nil
}

// fsnotifyLoop wakes the intake loop when the store document changes. Bursts
// of events within the debounce window produce a single wake.
func (d *Daemon) fsnotifyLoop(storePath string) {
	defer d.wg.Done()

	debounce := time.Duration(d.config.Daemon.WakeDebounceSec * float64(time.Second))
	var pending <-chan time.Time
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(storePath) {
				continue
			}
			if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && pending == nil {
				d.log.Debugf("store_changed op=%s file=%s", event.Op, event.Name)
				pending = time.After(debounce)
			}
		case <-pending:
			pending = nil
			d.engine.WakeIntake()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Errorf("watch_failed error=%v", err)
		}
	}
}

// waitSignals blocks until a shutdown signal is received or a shutdown was
// requested through the control socket.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Infof("signal_received signal=%s", sig)
	case <-d.ctx.Done():
		return
	}

	// Second signal → force exit
	go func() {
		select {
		case <-sigCh:
			d.log.Warnf("signal_received_again action=force_exit")
			d.forceExit.Store(true)
			os.Exit(1)
		case <-d.stopped:
		}
	}()

	d.Shutdown()
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} { return d.stopped }

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.stopped)
		// 1. Cancel context (loops stop claiming)
		d.cancel()
		if !d.started {
			return
		}
		d.log.Infof("shutdown_started")

		// 2. Stop producers
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.server != nil {
			_ = d.server.Stop()
		}
		d.wg.Wait()

		// 3. Drain in-flight tasks within the grace period
		drained := d.engine == nil || d.engine.Shutdown()
		if !drained {
			d.log.Warnf("shutdown_grace_elapsed grace=%s in_flight_left_for_reconciliation=true",
				d.config.ShutdownGrace())
		}

		// 4. Cleanup
		d.log.Infof("daemon_stopped")
		d.cleanup(drained)
	})
}

// cleanup releases resources. Tasks still running after the grace period
// keep the store and the log file; the process exit releases them.
func (d *Daemon) cleanup(drained bool) {
	if d.store != nil && drained {
		if err := d.store.Close(); err != nil {
			d.log.Warnf("store_close_failed error=%v", err)
		}
	}
	_ = os.Remove(filepath.Join(d.dir, uds.DefaultSocketName))
	_ = d.fileLock.Unlock()
	if d.logFile != nil && drained {
		_ = d.logFile.Close()
	}
}
