package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/dispatchd/internal/model"
)

// Two stores on one directory behave like two daemon processes.
func TestFileStore_ClaimsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "queue")
	clock := newTestClock()

	a, err := NewFileStore(dir, Options{InstanceID: "a", Now: clock.Now})
	require.NoError(t, err)
	b, err := NewFileStore(dir, Options{InstanceID: "b", Now: clock.Now})
	require.NoError(t, err)

	const total = 30
	for i := 1; i <= total; i++ {
		require.NoError(t, a.Enqueue(ctx, submit(i, "local")))
	}

	var (
		mu    sync.Mutex
		owner = make(map[int]string)
		wg    sync.WaitGroup
	)
	for _, s := range []*FileStore{a, b, a, b} {
		wg.Add(1)
		go func(s *FileStore) {
			defer wg.Done()
			for {
				cmds, err := s.ClaimQueued(ctx, 2)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(cmds) == 0 {
					return
				}
				mu.Lock()
				for _, c := range cmds {
					if prev, dup := owner[c.TaskID()]; dup {
						t.Errorf("task %d claimed by %s and %s", c.TaskID(), prev, c.Record().ClaimedBy)
					}
					owner[c.TaskID()] = c.Record().ClaimedBy
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	assert.Len(t, owner, total)
}

func TestFileStore_RecoversCorruptFile(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	dir := filepath.Join(base, "queue")
	s, err := NewFileStore(dir, Options{})
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(ctx, submit(1, "local")))
	require.NoError(t, s.Enqueue(ctx, submit(2, "local")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileStoreName), []byte("commands: [\n"), 0644))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.StatusQueued], "state restored from the previous write's backup")

	entries, err := os.ReadDir(filepath.Join(base, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
