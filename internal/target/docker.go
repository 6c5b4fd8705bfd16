package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
)

const (
	runtimeKeyContainer = "container_id"
	sandboxMount        = "/sandbox"
	labelTask           = "dispatchd.task"
)

// containerState is the subset of an inspected container the executor reads.
type containerState struct {
	Status   string
	Running  bool
	ExitCode int
}

// containerAPI is the part of the Docker engine the executor uses.
type containerAPI interface {
	Pull(ctx context.Context, ref string) error
	Create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	Start(ctx context.Context, id string) error
	State(ctx context.Context, id string) (*containerState, error)
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

type dockerClient struct {
	cli *client.Client
}

func (c dockerClient) Pull(ctx context.Context, ref string) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (c dockerClient) Create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c dockerClient) Start(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c dockerClient) State(ctx context.Context, id string) (*containerState, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return nil, nil
	}
	return &containerState{
		Status:   info.State.Status,
		Running:  info.State.Running,
		ExitCode: info.State.ExitCode,
	}, nil
}

func (c dockerClient) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
}

func (c dockerClient) Stop(ctx context.Context, id string) error {
	return c.cli.ContainerStop(ctx, id, container.StopOptions{})
}

func (c dockerClient) Remove(ctx context.Context, id string) error {
	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// Docker runs each job in a container with the sandbox bind-mounted.
type Docker struct {
	api          containerAPI
	defaultImage string
	runtime      queue.RuntimeStore
	log          *zap.SugaredLogger
}

func NewDocker(deps Deps) (*Docker, error) {
	if deps.Runtime == nil {
		return nil, errors.New("docker: runtime store is required")
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host := deps.Config.Docker.Host; host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: connect: %w", err)
	}
	return newDocker(dockerClient{cli}, deps), nil
}

func newDocker(api containerAPI, deps Deps) *Docker {
	img := deps.Config.Docker.DefaultImage
	if img == "" {
		img = "alpine:3"
	}
	return &Docker{
		api:          api,
		defaultImage: img,
		runtime:      deps.Runtime,
		log:          deps.logger(NameDocker),
	}
}

func (d *Docker) Name() string { return NameDocker }

func containerName(taskID int) string {
	return "dispatchd-task-" + strconv.Itoa(taskID)
}

// Submit creates and starts the job container. The task id doubles as the
// backend identifier; the container id is kept as runtime data.
func (d *Docker) Submit(ctx context.Context, cmd *model.Command) (int, error) {
	desc, err := LoadDescription(cmd)
	if err != nil {
		return 0, err
	}
	executable := desc.Executable
	if executable == "" {
		executable = desc.Param("executable", "")
	}
	if executable == "" {
		return 0, fmt.Errorf("docker: task %d has no executable", cmd.TaskID())
	}
	img := desc.Param("image", d.defaultImage)

	sandbox, err := filepath.Abs(cmd.ActionInfo())
	if err != nil {
		return 0, fmt.Errorf("docker: sandbox path: %w", err)
	}

	if err := d.api.Pull(ctx, img); err != nil {
		// a locally available image is enough
		d.log.Warnf("image_pull_failed image=%s error=%v", img, err)
	}

	name := containerName(cmd.TaskID())
	_ = d.api.Remove(ctx, name)

	id, err := d.api.Create(ctx, name,
		&container.Config{
			Image:      img,
			Cmd:        []string{"sh", "-c", shellLine(executable, desc.Arguments)},
			WorkingDir: sandboxMount,
			Labels:     map[string]string{labelTask: strconv.Itoa(cmd.TaskID())},
		},
		&container.HostConfig{
			Binds:      []string{sandbox + ":" + sandboxMount},
			AutoRemove: false,
		},
	)
	if err != nil {
		return 0, fmt.Errorf("docker: create: %w", err)
	}
	if err := d.api.Start(ctx, id); err != nil {
		_ = d.api.Remove(ctx, id)
		return 0, fmt.Errorf("docker: start: %w", err)
	}
	if err := d.runtime.SetRuntimeData(ctx, cmd.TaskID(), model.RuntimeData{
		Key:         runtimeKeyContainer,
		Value:       id,
		Description: "docker container id",
	}); err != nil {
		d.log.Warnf("runtime_data_failed task=%d error=%v", cmd.TaskID(), err)
	}
	d.log.Infof("container_started task=%d container=%s image=%s", cmd.TaskID(), id, img)
	return cmd.TaskID(), nil
}

func (d *Docker) Status(ctx context.Context, cmd *model.Command) (string, error) {
	id, err := d.containerID(ctx, cmd)
	if errors.Is(err, queue.ErrNotFound) {
		return StatusAbsent, nil
	}
	if err != nil {
		return "", err
	}
	state, err := d.api.State(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			if d.cancelled(ctx, cmd) {
				return StatusCancelled, nil
			}
			return StatusAbsent, nil
		}
		return "", fmt.Errorf("docker: inspect: %w", err)
	}
	if state == nil {
		return StatusAbsent, nil
	}
	if !state.Running && d.cancelled(ctx, cmd) {
		return StatusCancelled, nil
	}
	return containerStatus(state.Status, state.ExitCode), nil
}

// containerStatus maps a Docker container state onto a backend status.
func containerStatus(state string, exitCode int) string {
	switch state {
	case "created", "running", "restarting", "paused":
		return StatusRunning
	case "exited":
		if exitCode == 0 {
			return StatusDone
		}
		return StatusFailed
	case "dead":
		return StatusFailed
	case "removing":
		return StatusCancelled
	default:
		return StatusAbsent
	}
}

func (d *Docker) Cancel(ctx context.Context, cmd *model.Command) error {
	id, err := d.containerID(ctx, cmd)
	if err != nil {
		return fmt.Errorf("docker: cancel task %d: %w", cmd.TaskID(), err)
	}
	if err := d.api.Stop(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("docker: stop: %w", err)
	}
	d.log.Infof("container_stopped task=%d container=%s", cmd.TaskID(), id)
	return d.runtime.SetRuntimeData(ctx, cmd.TaskID(), model.RuntimeData{Key: runtimeKeyCancel, Value: "true"})
}

// PrepareOutput writes the container logs and moves declared output files
// into the output directory.
func (d *Docker) PrepareOutput(ctx context.Context, cmd *model.Command) (string, error) {
	dir, err := outputDir(cmd)
	if err != nil {
		return "", err
	}
	desc, descErr := LoadDescription(cmd)

	id, err := d.containerID(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("docker: output task %d: %w", cmd.TaskID(), err)
	}
	rc, err := d.api.Logs(ctx, id)
	if err != nil {
		return "", fmt.Errorf("docker: logs: %w", err)
	}
	defer rc.Close()

	stdoutName, stderrName := defaultStdoutName, defaultStderrName
	if descErr == nil {
		stdoutName, stderrName = nameOr(desc.Output, stdoutName), nameOr(desc.Error, stderrName)
	}
	stdout, err := os.Create(filepath.Join(dir, filepath.Base(stdoutName)))
	if err != nil {
		return "", fmt.Errorf("docker: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(dir, filepath.Base(stderrName)))
	if err != nil {
		return "", fmt.Errorf("docker: %w", err)
	}
	defer stderr.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return "", fmt.Errorf("docker: demux logs: %w", err)
	}

	if descErr == nil {
		names := make([]string, 0, len(desc.OutputFiles))
		for _, f := range desc.OutputFiles {
			names = append(names, f.Name)
		}
		if err := collectFiles(cmd, dir, names); err != nil {
			return "", fmt.Errorf("docker: %w", err)
		}
	}
	return OutputDir, nil
}

// Clean removes the job container.
func (d *Docker) Clean(ctx context.Context, cmd *model.Command) error {
	id, err := d.containerID(ctx, cmd)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := d.api.Remove(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("docker: remove: %w", err)
	}
	return nil
}

func (d *Docker) containerID(ctx context.Context, cmd *model.Command) (string, error) {
	return d.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyContainer)
}

func (d *Docker) cancelled(ctx context.Context, cmd *model.Command) bool {
	_, err := d.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyCancel)
	return err == nil
}
