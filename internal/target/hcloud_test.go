package target

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/dispatchd/internal/model"
)

func testServerJSON(id int, status string) map[string]any {
	return map[string]any{
		"id":      id,
		"name":    "dispatchd-task-30",
		"status":  status,
		"created": "2024-06-15T12:00:00+00:00",
		"public_net": map[string]any{
			"ipv4":         map[string]any{"ip": "1.2.3.4", "blocked": false},
			"ipv6":         map[string]any{"ip": "2001:db8::/64", "blocked": false},
			"floating_ips": []any{},
			"firewalls":    []any{},
		},
		"private_net": []any{},
		"labels":      map[string]string{},
	}
}

func testActionJSON(id int) map[string]any {
	return map[string]any{
		"id":        id,
		"status":    "running",
		"command":   "create_server",
		"progress":  0,
		"started":   "2024-06-15T12:00:00+00:00",
		"finished":  nil,
		"resources": []any{map[string]any{"id": 42, "type": "server"}},
		"error":     map[string]any{"code": "", "message": ""},
	}
}

type fakeHetzner struct {
	mu      sync.Mutex
	status  string
	deleted bool
	body    string
}

func (f *fakeHetzner) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method + " " + r.URL.Path {
		case "POST /servers":
			b, _ := io.ReadAll(r.Body)
			f.body = string(b)
			f.status = "initializing"
			json.NewEncoder(w).Encode(map[string]any{
				"server":       testServerJSON(42, f.status),
				"action":       testActionJSON(1),
				"next_actions": []any{},
			})
		case "GET /servers/42":
			if f.deleted {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": "not_found", "message": "server not found"},
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"server": testServerJSON(42, f.status)})
		case "DELETE /servers/42":
			f.deleted = true
			json.NewEncoder(w).Encode(map[string]any{"action": testActionJSON(2)})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeHetzner) setStatus(s string) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func newTestHCloud(t *testing.T, endpoint string) (*HCloud, *memRuntime) {
	t.Helper()
	rt := newMemRuntime()
	client := hcloud.NewClient(hcloud.WithToken("test-token"), hcloud.WithEndpoint(endpoint))
	cfg := model.DefaultConfig().Targets
	return newHCloud(client, Deps{Runtime: rt, Config: cfg}), rt
}

func TestHCloud_Lifecycle(t *testing.T) {
	fake := &fakeHetzner{}
	srv := fake.server(t)
	h, rt := newTestHCloud(t, srv.URL)
	cmd := newSandbox(t, 30, Description{
		Parameters: []Parameter{
			{Name: "server_type", Value: "cpx11"},
			{Name: "location", Value: "fsn1"},
			{Name: "user_data", Value: "cloud-init.yaml"},
		},
	})
	require.NoError(t, os.WriteFile(filepath.Join(cmd.ActionInfo(), "cloud-init.yaml"), []byte("#cloud-config\n"), 0644))
	ctx := context.Background()

	id, err := h.Submit(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.True(t, strings.Contains(fake.body, `"server_type":"cpx11"`), fake.body)
	assert.True(t, strings.Contains(fake.body, `"image":"ubuntu-24.04"`), fake.body)
	assert.True(t, strings.Contains(fake.body, `"location":"fsn1"`), fake.body)
	assert.True(t, strings.Contains(fake.body, "cloud-config"), fake.body)

	st, err := h.Status(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	ip, err := rt.RuntimeData(ctx, 30, runtimeKeyIPv4)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ip)

	fake.setStatus("running")
	st, err = h.Status(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, st)

	dir, err := h.PrepareOutput(ctx, cmd)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(cmd.ActionInfo(), dir, serverFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ipv4": "1.2.3.4"`)

	require.NoError(t, h.Cancel(ctx, cmd))
	st, err = h.Status(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st)
}

func TestHCloud_StatusAbsentWithoutServer(t *testing.T) {
	h, _ := newTestHCloud(t, "http://127.0.0.1:1")
	cmd := newSandbox(t, 31, Description{})

	st, err := h.Status(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, st)
}

func TestHCloudToken_PrefersConfig(t *testing.T) {
	tok, err := hcloudToken("from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", tok)
}

func TestServerStatus(t *testing.T) {
	tests := []struct {
		in   hcloud.ServerStatus
		want string
	}{
		{hcloud.ServerStatusRunning, StatusDone},
		{hcloud.ServerStatusInitializing, StatusRunning},
		{hcloud.ServerStatusStarting, StatusRunning},
		{hcloud.ServerStatusDeleting, StatusCancelled},
		{hcloud.ServerStatusOff, StatusFailed},
		{hcloud.ServerStatus("unknown"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, serverStatus(tt.in), string(tt.in))
	}
}
