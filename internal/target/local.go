package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/msageha/dispatchd/internal/lock"
	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
)

const (
	exitCodeFile      = ".dispatchd-exit"
	runtimeKeyPID     = "pid"
	runtimeKeyCancel  = "cancelled"
	defaultStdoutName = "stdout.txt"
	defaultStderrName = "stderr.txt"
)

// Local runs jobs as shell processes inside the command's sandbox directory.
// The job records its own exit code, so status survives a daemon restart.
type Local struct {
	shell   string
	runtime queue.RuntimeStore
	log     *zap.SugaredLogger
	locks   *lock.MutexMap
}

func NewLocal(deps Deps) (*Local, error) {
	if deps.Runtime == nil {
		return nil, errors.New("local: runtime store is required")
	}
	shell := deps.Config.Local.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Local{
		shell:   shell,
		runtime: deps.Runtime,
		log:     deps.logger(NameLocal),
		locks:   lock.NewMutexMap(),
	}, nil
}

func (l *Local) Name() string { return NameLocal }

func taskKey(cmd *model.Command) string { return strconv.Itoa(cmd.TaskID()) }

// Submit starts the job and returns its process id.
func (l *Local) Submit(ctx context.Context, cmd *model.Command) (int, error) {
	l.locks.Lock(taskKey(cmd))
	defer l.locks.Unlock(taskKey(cmd))

	desc, err := LoadDescription(cmd)
	if err != nil {
		return 0, err
	}
	executable := desc.Executable
	if executable == "" {
		executable = desc.Param("executable", "")
	}
	if executable == "" {
		return 0, fmt.Errorf("local: task %d has no executable", cmd.TaskID())
	}

	sandbox := cmd.ActionInfo()
	_ = os.Remove(filepath.Join(sandbox, exitCodeFile))

	stdout, err := os.OpenFile(filepath.Join(sandbox, nameOr(desc.Output, defaultStdoutName)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("local: open stdout: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(filepath.Join(sandbox, nameOr(desc.Error, defaultStderrName)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("local: open stderr: %w", err)
	}
	defer stderr.Close()

	script := fmt.Sprintf("%s; echo $? > %s", shellLine(executable, desc.Arguments), exitCodeFile)
	proc := exec.Command(l.shell, "-c", script)
	proc.Dir = sandbox
	proc.Stdout = stdout
	proc.Stderr = stderr
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("local: start: %w", err)
	}
	pid := proc.Process.Pid
	go func() {
		// reap; the exit code is recorded by the job itself
		_ = proc.Wait()
	}()

	if err := l.runtime.SetRuntimeData(ctx, cmd.TaskID(), model.RuntimeData{
		Key:         runtimeKeyPID,
		Value:       strconv.Itoa(pid),
		Description: "local process id",
	}); err != nil {
		l.log.Warnf("runtime_data_failed task=%d error=%v", cmd.TaskID(), err)
	}
	l.log.Infof("job_started task=%d pid=%d", cmd.TaskID(), pid)
	return pid, nil
}

func (l *Local) Status(ctx context.Context, cmd *model.Command) (string, error) {
	l.locks.Lock(taskKey(cmd))
	defer l.locks.Unlock(taskKey(cmd))

	if _, err := l.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyCancel); err == nil {
		return StatusCancelled, nil
	} else if !errors.Is(err, queue.ErrNotFound) {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(cmd.ActionInfo(), exitCodeFile))
	if err == nil {
		if strings.TrimSpace(string(data)) == "0" {
			return StatusDone, nil
		}
		return StatusFailed, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("local: read exit code: %w", err)
	}

	pid, err := l.pid(ctx, cmd)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return StatusAbsent, nil
		}
		return "", err
	}
	if processAlive(pid) {
		return StatusRunning, nil
	}
	return StatusAbsent, nil
}

func (l *Local) Cancel(ctx context.Context, cmd *model.Command) error {
	l.locks.Lock(taskKey(cmd))
	defer l.locks.Unlock(taskKey(cmd))

	pid, err := l.pid(ctx, cmd)
	if err != nil {
		return fmt.Errorf("local: cancel task %d: %w", cmd.TaskID(), err)
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("local: signal %d: %w", pid, err)
	}
	l.log.Infof("job_cancelled task=%d pid=%d", cmd.TaskID(), pid)
	return l.runtime.SetRuntimeData(ctx, cmd.TaskID(), model.RuntimeData{
		Key:   runtimeKeyCancel,
		Value: "true",
	})
}

// PrepareOutput moves the job's stdout, stderr and declared output files into
// the output directory.
func (l *Local) PrepareOutput(_ context.Context, cmd *model.Command) (string, error) {
	dir, err := outputDir(cmd)
	if err != nil {
		return "", err
	}
	names := []string{defaultStdoutName, defaultStderrName}
	if desc, err := LoadDescription(cmd); err == nil {
		names = []string{nameOr(desc.Output, defaultStdoutName), nameOr(desc.Error, defaultStderrName)}
		for _, f := range desc.OutputFiles {
			names = append(names, f.Name)
		}
	}
	if err := collectFiles(cmd, dir, names); err != nil {
		return "", fmt.Errorf("local: %w", err)
	}
	return OutputDir, nil
}

// Clean terminates a job that is still running.
func (l *Local) Clean(ctx context.Context, cmd *model.Command) error {
	pid, err := l.pid(ctx, cmd)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil
		}
		return err
	}
	if processAlive(pid) {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	return nil
}

func (l *Local) pid(ctx context.Context, cmd *model.Command) (int, error) {
	v, err := l.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyPID)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(v)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("local: bad pid %q", v)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// shellLine quotes arguments for sh -c.
func shellLine(executable string, args []string) string {
	var b strings.Builder
	b.WriteString(executable)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString("'" + strings.ReplaceAll(a, "'", `'\''`) + "'")
	}
	return b.String()
}
