package target

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
)

// memRuntime is an in-memory queue.RuntimeStore.
type memRuntime struct {
	mu   sync.Mutex
	data map[int]map[string]string
}

func newMemRuntime() *memRuntime {
	return &memRuntime{data: make(map[int]map[string]string)}
}

func (m *memRuntime) SetRuntimeData(_ context.Context, taskID int, d model.RuntimeData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[taskID] == nil {
		m.data[taskID] = make(map[string]string)
	}
	m.data[taskID][d.Key] = d.Value
	return nil
}

func (m *memRuntime) RuntimeData(_ context.Context, taskID int, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[taskID][key]
	if !ok {
		return "", queue.ErrNotFound
	}
	return v, nil
}

// newSandbox writes a job description for taskID and returns a SUBMIT
// command pointing at the sandbox.
func newSandbox(t *testing.T, taskID int, desc Description) *model.Command {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(desc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, strconv.Itoa(taskID)+".json"), data, 0644))
	return model.NewCommand(model.CommandRecord{
		TaskID:     taskID,
		Action:     model.ActionSubmit,
		Status:     model.StatusProcessing,
		ActionInfo: dir,
	})
}
