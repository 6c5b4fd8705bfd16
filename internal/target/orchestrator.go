package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
)

// Deployment states reported by the orchestrator.
const (
	DeploymentCreateInProgress = "CREATE_IN_PROGRESS"
	DeploymentCreateComplete   = "CREATE_COMPLETE"
	DeploymentCreateFailed     = "CREATE_FAILED"
	DeploymentDeleteInProgress = "DELETE_IN_PROGRESS"
	DeploymentDeleteComplete   = "DELETE_COMPLETE"
	DeploymentDeleteFailed     = "DELETE_FAILED"
)

const (
	runtimeKeyEndpoint = "endpoint"
	runtimeKeyUUID     = "uuid"
	runtimeKeySubject  = "subject"
	runtimeKeyOutputs  = "deployment_outputs"
	outputsFileName    = "deployment_outputs.json"
)

var errDeploymentNotFound = errors.New("deployment not found")

// TokenSource fetches short-lived access tokens for a subject from a token
// service. Concurrent requests for the same subject share one call.
type TokenSource struct {
	url   string
	http  *http.Client
	group singleflight.Group
}

func NewTokenSource(serviceURL string, client *http.Client) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{url: serviceURL, http: client}
}

func (ts *TokenSource) Token(ctx context.Context, subject string) (string, error) {
	v, err, _ := ts.group.Do(subject, func() (any, error) {
		u, err := url.Parse(ts.url)
		if err != nil {
			return "", fmt.Errorf("token service url: %w", err)
		}
		q := u.Query()
		q.Set("subject", subject)
		u.RawQuery = q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return "", err
		}
		resp, err := ts.http.Do(req)
		if err != nil {
			return "", fmt.Errorf("token service: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token service: unexpected status %d", resp.StatusCode)
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("token service: decode: %w", err)
		}
		if body.Token == "" {
			return "", errors.New("token service: empty token")
		}
		return body.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type deployment struct {
	UUID    string         `json:"uuid"`
	Status  string         `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

type deploymentRequest struct {
	Template   string            `json:"template"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Orchestrator submits jobs as deployments to a cloud orchestrator REST API.
type Orchestrator struct {
	endpoint string
	http     *http.Client
	tokens   *TokenSource
	runtime  queue.RuntimeStore
	log      *zap.SugaredLogger
}

func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Runtime == nil {
		return nil, errors.New("orchestrator: runtime store is required")
	}
	cfg := deps.Config.Orchestrator
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	o := &Orchestrator{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     client,
		runtime:  deps.Runtime,
		log:      deps.logger(NameOrchestrator),
	}
	if cfg.TokenServiceURL != "" {
		o.tokens = NewTokenSource(cfg.TokenServiceURL, client)
	}
	return o, nil
}

func (o *Orchestrator) Name() string { return NameOrchestrator }

// Submit creates the deployment described by the task's template.
func (o *Orchestrator) Submit(ctx context.Context, cmd *model.Command) (int, error) {
	desc, err := LoadDescription(cmd)
	if err != nil {
		return 0, err
	}
	endpoint := strings.TrimRight(desc.Param("endpoint", o.endpoint), "/")
	if endpoint == "" {
		return 0, fmt.Errorf("orchestrator: task %d has no endpoint", cmd.TaskID())
	}
	tmpl, err := o.template(cmd, desc)
	if err != nil {
		return 0, err
	}
	params := make(map[string]string)
	for _, p := range desc.Parameters {
		switch p.Name {
		case "endpoint", "tosca_template":
		default:
			params[p.Name] = p.Value
		}
	}

	var subject string
	if desc.Credentials != nil {
		subject = desc.Credentials.Subject
	}
	token, err := o.token(ctx, subject, desc)
	if err != nil {
		return 0, err
	}

	body, err := json.Marshal(deploymentRequest{Template: tmpl, Parameters: params})
	if err != nil {
		return 0, err
	}
	var dep deployment
	if err := o.do(ctx, http.MethodPost, endpoint+"/deployments", token, body, &dep); err != nil {
		return 0, fmt.Errorf("orchestrator: create deployment: %w", err)
	}
	if dep.UUID == "" {
		return 0, errors.New("orchestrator: create deployment: empty uuid")
	}

	for _, rd := range []model.RuntimeData{
		{Key: runtimeKeyEndpoint, Value: endpoint, Description: "orchestrator endpoint", Proto: "http"},
		{Key: runtimeKeyUUID, Value: dep.UUID, Description: "deployment uuid"},
		{Key: runtimeKeySubject, Value: subject, Description: "token subject"},
	} {
		if rd.Value == "" {
			continue
		}
		if err := o.runtime.SetRuntimeData(ctx, cmd.TaskID(), rd); err != nil {
			o.log.Warnf("runtime_data_failed task=%d key=%s error=%v", cmd.TaskID(), rd.Key, err)
		}
	}
	o.log.Infof("deployment_created task=%d uuid=%s status=%s", cmd.TaskID(), dep.UUID, dep.Status)
	return cmd.TaskID(), nil
}

// template returns the inline template or the contents of the named sandbox
// file.
func (o *Orchestrator) template(cmd *model.Command, desc *Description) (string, error) {
	tmpl := desc.Param("tosca_template", "")
	if tmpl == "" {
		return "", fmt.Errorf("orchestrator: task %d has no tosca_template", cmd.TaskID())
	}
	if strings.ContainsAny(tmpl, "\n:") {
		return tmpl, nil
	}
	data, err := os.ReadFile(filepath.Join(cmd.ActionInfo(), tmpl))
	if err != nil {
		return "", fmt.Errorf("orchestrator: read template: %w", err)
	}
	return string(data), nil
}

func (o *Orchestrator) Status(ctx context.Context, cmd *model.Command) (string, error) {
	dep, err := o.deployment(ctx, cmd)
	if errors.Is(err, queue.ErrNotFound) {
		return StatusAbsent, nil
	}
	if errors.Is(err, errDeploymentNotFound) {
		if o.cancelled(ctx, cmd) {
			return StatusCancelled, nil
		}
		return StatusAbsent, nil
	}
	if err != nil {
		return "", err
	}
	return deploymentStatus(dep.Status), nil
}

// deploymentStatus maps an orchestrator deployment state onto a backend
// status. Unrecognised states pass through unchanged.
func deploymentStatus(s string) string {
	switch s {
	case DeploymentCreateComplete:
		return StatusDone
	case DeploymentCreateInProgress, DeploymentDeleteInProgress:
		return StatusRunning
	case DeploymentDeleteComplete:
		return StatusCancelled
	case DeploymentCreateFailed, DeploymentDeleteFailed:
		return StatusFailed
	default:
		return s
	}
}

func (o *Orchestrator) Cancel(ctx context.Context, cmd *model.Command) error {
	if err := o.DeleteDeployment(ctx, cmd); err != nil {
		return err
	}
	return o.runtime.SetRuntimeData(ctx, cmd.TaskID(), model.RuntimeData{Key: runtimeKeyCancel, Value: "true"})
}

// DeleteDeployment removes the task's deployment. A deployment that is
// already gone counts as deleted.
func (o *Orchestrator) DeleteDeployment(ctx context.Context, cmd *model.Command) error {
	endpoint, uuid, token, err := o.handle(ctx, cmd)
	if err != nil {
		return fmt.Errorf("orchestrator: delete task %d: %w", cmd.TaskID(), err)
	}
	err = o.do(ctx, http.MethodDelete, endpoint+"/deployments/"+url.PathEscape(uuid), token, nil, nil)
	if err != nil && !errors.Is(err, errDeploymentNotFound) {
		return fmt.Errorf("orchestrator: delete deployment %s: %w", uuid, err)
	}
	o.log.Infof("deployment_deleted task=%d uuid=%s", cmd.TaskID(), uuid)
	return nil
}

// PrepareOutput writes the deployment outputs into the output directory and
// records them as runtime data.
func (o *Orchestrator) PrepareOutput(ctx context.Context, cmd *model.Command) (string, error) {
	dep, err := o.deployment(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("orchestrator: outputs task %d: %w", cmd.TaskID(), err)
	}
	dir, err := outputDir(cmd)
	if err != nil {
		return "", err
	}
	outputs := dep.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, outputsFileName), data, 0644); err != nil {
		return "", fmt.Errorf("orchestrator: write outputs: %w", err)
	}
	if err := o.runtime.SetRuntimeData(ctx, cmd.TaskID(), model.RuntimeData{
		Key:         runtimeKeyOutputs,
		Value:       string(data),
		Description: "deployment outputs",
		Type:        "json",
	}); err != nil {
		o.log.Warnf("runtime_data_failed task=%d key=%s error=%v", cmd.TaskID(), runtimeKeyOutputs, err)
	}
	return OutputDir, nil
}

func (o *Orchestrator) deployment(ctx context.Context, cmd *model.Command) (*deployment, error) {
	endpoint, uuid, token, err := o.handle(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var dep deployment
	if err := o.do(ctx, http.MethodGet, endpoint+"/deployments/"+url.PathEscape(uuid), token, nil, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

// handle resolves the endpoint, deployment uuid and a fresh token for the
// task from its runtime data.
func (o *Orchestrator) handle(ctx context.Context, cmd *model.Command) (endpoint, uuid, token string, err error) {
	uuid, err = o.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyUUID)
	if err != nil {
		return "", "", "", err
	}
	endpoint, err = o.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyEndpoint)
	if errors.Is(err, queue.ErrNotFound) {
		endpoint, err = o.endpoint, nil
	}
	if err != nil {
		return "", "", "", err
	}
	subject, err := o.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeySubject)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return "", "", "", err
	}
	desc, _ := LoadDescription(cmd)
	token, err = o.token(ctx, subject, desc)
	if err != nil {
		return "", "", "", err
	}
	return endpoint, uuid, token, nil
}

// token prefers a freshly vended token for the subject and falls back to
// the static token of the job description.
func (o *Orchestrator) token(ctx context.Context, subject string, desc *Description) (string, error) {
	if subject != "" && o.tokens != nil {
		tok, err := o.tokens.Token(ctx, subject)
		if err != nil {
			return "", fmt.Errorf("orchestrator: %w", err)
		}
		return tok, nil
	}
	if desc != nil && desc.Credentials != nil {
		return desc.Credentials.Token, nil
	}
	return "", nil
}

func (o *Orchestrator) cancelled(ctx context.Context, cmd *model.Command) bool {
	_, err := o.runtime.RuntimeData(ctx, cmd.TaskID(), runtimeKeyCancel)
	return err == nil
}

func (o *Orchestrator) do(ctx context.Context, method, u, token string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errDeploymentNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
