package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
)

const (
	keyringService   = "dispatchd"
	keyringUser      = "hcloud"
	runtimeKeyServer = "server_id"
	runtimeKeyIPv4   = "ipv4"
	serverFileName   = "server.json"
)

// ErrNoToken is returned when no Hetzner Cloud API token is configured.
var ErrNoToken = errors.New("hcloud: no API token configured")

// HCloud provisions one Hetzner Cloud server per job. The job is done once
// the server is running; cancelling deletes it.
type HCloud struct {
	client  *hcloud.Client
	cfg     model.HCloudConfig
	runtime queue.RuntimeStore
	log     *zap.SugaredLogger
}

func NewHCloud(deps Deps) (*HCloud, error) {
	if deps.Runtime == nil {
		return nil, errors.New("hcloud: runtime store is required")
	}
	token, err := hcloudToken(deps.Config.HCloud.Token)
	if err != nil {
		return nil, err
	}
	opts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("dispatchd", "1"),
	}
	if ep := deps.Config.HCloud.Endpoint; ep != "" {
		opts = append(opts, hcloud.WithEndpoint(ep))
	}
	return newHCloud(hcloud.NewClient(opts...), deps), nil
}

func newHCloud(client *hcloud.Client, deps Deps) *HCloud {
	return &HCloud{
		client:  client,
		cfg:     deps.Config.HCloud,
		runtime: deps.Runtime,
		log:     deps.logger(NameHCloud),
	}
}

// hcloudToken returns the configured token, falling back to the OS keyring.
func hcloudToken(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	token, err := keyring.Get(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("hcloud: read keyring: %w", err)
	}
	return token, nil
}

func (h *HCloud) Name() string { return NameHCloud }

// Submit creates the server and returns its id.
func (h *HCloud) Submit(ctx context.Context, cmd *model.Command) (int, error) {
	desc, err := LoadDescription(cmd)
	if err != nil {
		return 0, err
	}
	userData, err := h.userData(cmd, desc)
	if err != nil {
		return 0, err
	}
	opts := hcloud.ServerCreateOpts{
		Name:       fmt.Sprintf("dispatchd-task-%d", cmd.TaskID()),
		ServerType: &hcloud.ServerType{Name: desc.Param("server_type", h.cfg.DefaultType)},
		Image:      &hcloud.Image{Name: desc.Param("image", h.cfg.DefaultImage)},
		UserData:   userData,
		Labels:     map[string]string{labelTask: strconv.Itoa(cmd.TaskID())},
	}
	if loc := desc.Param("location", h.cfg.DefaultLocation); loc != "" {
		opts.Location = &hcloud.Location{Name: loc}
	}

	result, _, err := h.client.Server.Create(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("hcloud: create server: %w", err)
	}
	if result.Server == nil {
		return 0, errors.New("hcloud: create server: empty response")
	}
	id := result.Server.ID
	if err := h.runtime.SetRuntimeData(ctx, cmd.TaskID(), model.RuntimeData{
		Key:         runtimeKeyServer,
		Value:       strconv.FormatInt(id, 10),
		Description: "hetzner cloud server id",
	}); err != nil {
		h.log.Warnf("runtime_data_failed task=%d error=%v", cmd.TaskID(), err)
	}
	h.log.Infof("server_created task=%d server=%d status=%s", cmd.TaskID(), id, result.Server.Status)
	return int(id), nil
}

func (h *HCloud) userData(cmd *model.Command, desc *Description) (string, error) {
	name := desc.Param("user_data", "")
	if name == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(cmd.ActionInfo(), name))
	if err != nil {
		return "", fmt.Errorf("hcloud: read user data: %w", err)
	}
	return string(data), nil
}

func (h *HCloud) Status(ctx context.Context, cmd *model.Command) (string, error) {
	server, err := h.server(ctx, cmd)
	if errors.Is(err, queue.ErrNotFound) {
		return StatusAbsent, nil
	}
	if err != nil {
		return "", err
	}
	if server == nil {
		if h.cancelled(ctx, cmd) {
			return StatusCancelled, nil
		}
		return StatusAbsent, nil
	}
	if ip := server.PublicNet.IPv4.IP; ip != nil && !server.PublicNet.IPv4.IsUnspecified() {
		if _, err := h.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyIPv4); errors.Is(err, queue.ErrNotFound) {
			_ = h.runtime.SetRuntimeData(ctx, cmd.TaskID(), model.RuntimeData{
				Key:         runtimeKeyIPv4,
				Value:       ip.String(),
				Description: "server public address",
				Proto:       "ssh",
			})
		}
	}
	return serverStatus(server.Status), nil
}

// serverStatus maps a server state onto a backend status.
func serverStatus(s hcloud.ServerStatus) string {
	switch s {
	case hcloud.ServerStatusRunning:
		return StatusDone
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting,
		hcloud.ServerStatusRebuilding, hcloud.ServerStatusMigrating:
		return StatusRunning
	case hcloud.ServerStatusDeleting:
		return StatusCancelled
	case hcloud.ServerStatusOff, hcloud.ServerStatusStopping:
		return StatusFailed
	default:
		return string(s)
	}
}

func (h *HCloud) Cancel(ctx context.Context, cmd *model.Command) error {
	if err := h.DeleteDeployment(ctx, cmd); err != nil {
		return err
	}
	return h.runtime.SetRuntimeData(ctx, cmd.TaskID(), model.RuntimeData{Key: runtimeKeyCancel, Value: "true"})
}

// DeleteDeployment deletes the task's server. A server that no longer
// exists counts as deleted.
func (h *HCloud) DeleteDeployment(ctx context.Context, cmd *model.Command) error {
	id, err := h.serverID(ctx, cmd)
	if err != nil {
		return fmt.Errorf("hcloud: delete task %d: %w", cmd.TaskID(), err)
	}
	_, _, err = h.client.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	if err != nil && !hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
		return fmt.Errorf("hcloud: delete server %d: %w", id, err)
	}
	h.log.Infof("server_deleted task=%d server=%d", cmd.TaskID(), id)
	return nil
}

// Clean deletes a server left behind by the task.
func (h *HCloud) Clean(ctx context.Context, cmd *model.Command) error {
	if _, err := h.serverID(ctx, cmd); errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	return h.DeleteDeployment(ctx, cmd)
}

// PrepareOutput records the server's addresses in the output directory.
func (h *HCloud) PrepareOutput(ctx context.Context, cmd *model.Command) (string, error) {
	server, err := h.server(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("hcloud: outputs task %d: %w", cmd.TaskID(), err)
	}
	if server == nil {
		return "", fmt.Errorf("hcloud: outputs task %d: server gone", cmd.TaskID())
	}
	dir, err := outputDir(cmd)
	if err != nil {
		return "", err
	}
	out := map[string]string{
		"id":     strconv.FormatInt(server.ID, 10),
		"name":   server.Name,
		"status": string(server.Status),
	}
	if !server.PublicNet.IPv4.IsUnspecified() {
		out["ipv4"] = server.PublicNet.IPv4.IP.String()
	}
	if !server.PublicNet.IPv6.IsUnspecified() {
		out["ipv6"] = server.PublicNet.IPv6.IP.String()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, serverFileName), data, 0644); err != nil {
		return "", fmt.Errorf("hcloud: write outputs: %w", err)
	}
	return OutputDir, nil
}

func (h *HCloud) serverID(ctx context.Context, cmd *model.Command) (int64, error) {
	v, err := h.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyServer)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("hcloud: bad server id %q", v)
	}
	return id, nil
}

func (h *HCloud) server(ctx context.Context, cmd *model.Command) (*hcloud.Server, error) {
	id, err := h.serverID(ctx, cmd)
	if err != nil {
		return nil, err
	}
	server, _, err := h.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("hcloud: get server %d: %w", id, err)
	}
	return server, nil
}

func (h *HCloud) cancelled(ctx context.Context, cmd *model.Command) bool {
	_, err := h.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyCancel)
	return err == nil
}
