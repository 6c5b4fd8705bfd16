package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/dispatchd/internal/lock"
	"github.com/msageha/dispatchd/internal/model"
	dyaml "github.com/msageha/dispatchd/internal/yaml"
)

const (
	fileStoreName = "store.yaml"
	fileLockName  = "store.lock"
)

// FileStore keeps the whole queue in one YAML document. Every operation runs
// under an in-process mutex plus an flock on store.lock, so claims stay atomic
// across daemon processes sharing the directory.
type FileStore struct {
	dir  string
	path string
	mu   sync.Mutex
	flk  *lock.FileLock
	opts Options
	log  *zap.SugaredLogger
}

type fileState struct {
	dyaml.SchemaHeader `yaml:",inline"`
	Tasks              []fileTask            `yaml:"tasks"`
	Commands           []model.CommandRecord `yaml:"commands"`
	RuntimeData        []fileRuntimeData     `yaml:"runtime_data"`
}

type fileTask struct {
	model.Task `yaml:",inline"`
	LastChange time.Time `yaml:"last_change"`
}

type fileRuntimeData struct {
	TaskID            int `yaml:"task_id"`
	DataID            int `yaml:"data_id"`
	model.RuntimeData `yaml:",inline"`
	Creation          time.Time `yaml:"creation"`
}

func emptyFileState() *fileState {
	return &fileState{
		SchemaHeader: dyaml.NewHeader(dyaml.FileTypeQueueStore),
		Tasks:        []fileTask{},
		Commands:     []model.CommandRecord{},
		RuntimeData:  []fileRuntimeData{},
	}
}

func NewFileStore(dir string, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	opts = opts.withDefaults()
	return &FileStore{
		dir:  dir,
		path: filepath.Join(dir, fileStoreName),
		flk:  lock.NewFileLock(filepath.Join(dir, fileLockName)),
		opts: opts,
		log:  opts.Logger.Named("store"),
	}, nil
}

// Dir is the directory holding the store file; the daemon watches it.
func (s *FileStore) Dir() string { return s.dir }

// Path is the store document itself.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) now() time.Time { return s.opts.Now() }

func (s *FileStore) load() (*fileState, error) {
	st := emptyFileState()
	err := dyaml.ReadFile(s.path, st)
	if errors.Is(err, os.ErrNotExist) {
		return emptyFileState(), nil
	}
	if err == nil {
		err = dyaml.ValidateSchemaHeader(s.path, dyaml.FileTypeQueueStore)
	}
	if err != nil {
		r, rerr := dyaml.RecoverCorruptedFile(filepath.Dir(s.dir), s.path, emptyFileState())
		if rerr != nil {
			return nil, fmt.Errorf("recover %s: %w", s.path, rerr)
		}
		s.log.Warnf("store_recovered file=%s quarantined=%s from_backup=%t cause=%v",
			s.path, r.QuarantinedTo, r.FromBackup, err)
		st = emptyFileState()
		if err := dyaml.ReadFile(s.path, st); err != nil {
			return nil, fmt.Errorf("reload %s: %w", s.path, err)
		}
	}
	return st, nil
}

// update runs fn on the current state under both locks and writes the result
// back when fn reports a change.
func (s *FileStore) update(fn func(st *fileState) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flk.Lock(); err != nil {
		return err
	}
	defer s.flk.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(st)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return dyaml.AtomicWrite(s.path, st)
}

func (s *FileStore) view(fn func(st *fileState) error) error {
	return s.update(func(st *fileState) (bool, error) {
		return false, fn(st)
	})
}

func (st *fileState) command(taskID int, action model.Action) int {
	for i := range st.Commands {
		if st.Commands[i].TaskID == taskID && st.Commands[i].Action == action {
			return i
		}
	}
	return -1
}

func (st *fileState) task(taskID int) int {
	for i := range st.Tasks {
		if st.Tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

func (st *fileState) setTaskStatus(taskID int, status string, now time.Time) {
	if i := st.task(taskID); i >= 0 {
		st.Tasks[i].Status = status
		st.Tasks[i].LastChange = now
	}
}

func (s *FileStore) CreateTask(_ context.Context, task model.Task) error {
	return s.update(func(st *fileState) (bool, error) {
		if st.task(task.ID) >= 0 {
			return false, fmt.Errorf("task %d: %w", task.ID, ErrDuplicate)
		}
		if task.Status == "" {
			task.Status = model.TaskStatusWaiting
		}
		st.Tasks = append(st.Tasks, fileTask{Task: task, LastChange: s.now()})
		return true, nil
	})
}

func (s *FileStore) Enqueue(_ context.Context, rec model.CommandRecord) error {
	return s.update(func(st *fileState) (bool, error) {
		now := s.now()
		if st.task(rec.TaskID) < 0 {
			st.Tasks = append(st.Tasks, fileTask{
				Task:       model.Task{ID: rec.TaskID, Status: model.TaskStatusWaiting},
				LastChange: now,
			})
		}
		if st.command(rec.TaskID, rec.Action) >= 0 {
			return false, fmt.Errorf("task %d action %s: %w", rec.TaskID, rec.Action, ErrDuplicate)
		}
		rec.Status = model.StatusQueued
		rec.Retry = 0
		rec.Creation, rec.LastChange, rec.CheckTS = now, now, now
		rec.ClaimedBy = ""
		st.Commands = append(st.Commands, rec)
		return true, nil
	})
}

func (s *FileStore) ClaimQueued(_ context.Context, max int) ([]*model.Command, error) {
	if max <= 0 {
		return nil, nil
	}
	var claimed []*model.Command
	err := s.update(func(st *fileState) (bool, error) {
		var idx []int
		for i, c := range st.Commands {
			if c.Status == model.StatusQueued {
				idx = append(idx, i)
			}
		}
		sort.SliceStable(idx, func(a, b int) bool {
			ca, cb := st.Commands[idx[a]], st.Commands[idx[b]]
			if !ca.LastChange.Equal(cb.LastChange) {
				return ca.LastChange.Before(cb.LastChange)
			}
			return ca.TaskID < cb.TaskID
		})
		if len(idx) > max {
			idx = idx[:max]
		}
		now := s.now()
		for _, i := range idx {
			st.Commands[i].Status = model.StatusProcessing
			st.Commands[i].LastChange = now
			st.Commands[i].ClaimedBy = s.opts.InstanceID
			claimed = append(claimed, model.NewCommand(st.Commands[i]))
		}
		return len(idx) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *FileStore) ClaimForReconciliation(_ context.Context, max int) ([]*model.Command, error) {
	if max <= 0 {
		return nil, nil
	}
	var out []*model.Command
	err := s.view(func(st *fileState) error {
		staleBefore := s.now().Add(-s.opts.HoldTimeout)
		var recs []model.CommandRecord
		for _, c := range st.Commands {
			switch {
			case c.Status == model.StatusProcessing, c.Status == model.StatusProcessed:
				recs = append(recs, c)
			case c.Status == model.StatusHold && c.LastChange.Before(staleBefore):
				recs = append(recs, c)
			}
		}
		sort.SliceStable(recs, func(a, b int) bool {
			if !recs[a].CheckTS.Equal(recs[b].CheckTS) {
				return recs[a].CheckTS.Before(recs[b].CheckTS)
			}
			if recs[a].TaskID != recs[b].TaskID {
				return recs[a].TaskID < recs[b].TaskID
			}
			return recs[a].Action < recs[b].Action
		})
		if len(recs) > max {
			recs = recs[:max]
		}
		for _, rec := range recs {
			out = append(out, model.NewCommand(rec))
		}
		return nil
	})
	return out, err
}

func (s *FileStore) Hold(_ context.Context, cmd *model.Command) (bool, error) {
	if err := transition(cmd.PersistedStatus(), model.StatusHold); err != nil {
		return false, err
	}
	held := false
	now := s.now()
	err := s.update(func(st *fileState) (bool, error) {
		i := st.command(cmd.TaskID(), cmd.Action())
		if i < 0 {
			return false, nil
		}
		c := &st.Commands[i]
		if c.Status != cmd.PersistedStatus() {
			return false, nil
		}
		stale := c.Status == model.StatusHold && c.LastChange.Before(now.Add(-s.opts.HoldTimeout))
		if c.Status != model.StatusProcessed && !stale {
			return false, nil
		}
		c.Status = model.StatusHold
		c.LastChange = now
		held = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if held {
		cmd.Held(now)
	}
	return held, nil
}

// conditional applies fn to the command's row if the row still holds the
// status the command was loaded with.
func (s *FileStore) conditional(cmd *model.Command, op string, fn func(st *fileState, c *model.CommandRecord, now time.Time)) (time.Time, error) {
	now := s.now()
	err := s.update(func(st *fileState) (bool, error) {
		i := st.command(cmd.TaskID(), cmd.Action())
		if i < 0 {
			return false, fmt.Errorf("%s %s: %w", op, cmd, ErrNotFound)
		}
		if st.Commands[i].Status != cmd.PersistedStatus() {
			return false, fmt.Errorf("%s %s: %w", op, cmd, ErrConflict)
		}
		fn(st, &st.Commands[i], now)
		return true, nil
	})
	return now, err
}

func (s *FileStore) Persist(_ context.Context, cmd *model.Command) error {
	if !cmd.Dirty() {
		return nil
	}
	if err := transition(cmd.PersistedStatus(), cmd.Status()); err != nil {
		return err
	}
	now, err := s.conditional(cmd, "persist", func(st *fileState, c *model.CommandRecord, now time.Time) {
		c.TargetID = cmd.TargetID()
		c.Status = cmd.Status()
		c.TargetStatus = cmd.TargetStatus()
		c.LastChange = now
		st.setTaskStatus(cmd.TaskID(), taskStatusFor(cmd), now)
	})
	if err != nil {
		return err
	}
	cmd.Stored(now)
	return nil
}

func (s *FileStore) TouchCheck(_ context.Context, cmd *model.Command) error {
	now := s.now()
	err := s.update(func(st *fileState) (bool, error) {
		i := st.command(cmd.TaskID(), cmd.Action())
		if i < 0 {
			return false, nil
		}
		st.Commands[i].CheckTS = now
		return true, nil
	})
	if err != nil {
		return err
	}
	cmd.Checked(now)
	return nil
}

func (s *FileStore) Retry(_ context.Context, cmd *model.Command) error {
	if err := transition(cmd.PersistedStatus(), model.StatusQueued); err != nil {
		return err
	}
	now, err := s.conditional(cmd, "retry", func(_ *fileState, c *model.CommandRecord, now time.Time) {
		c.Status = model.StatusQueued
		c.Retry++
		c.Creation = now
		c.LastChange = now
		c.ClaimedBy = ""
	})
	if err != nil {
		return err
	}
	cmd.Retried(now)
	return nil
}

func (s *FileStore) Trash(_ context.Context, cmd *model.Command) error {
	if err := transition(cmd.PersistedStatus(), model.StatusFailed); err != nil {
		return err
	}
	now, err := s.conditional(cmd, "trash", func(st *fileState, c *model.CommandRecord, now time.Time) {
		c.Status = model.StatusFailed
		c.TargetStatus = string(model.StatusFailed)
		c.LastChange = now
		st.setTaskStatus(cmd.TaskID(), string(model.StatusFailed), now)
	})
	if err != nil {
		return err
	}
	cmd.Trashed(now)
	return nil
}

func (s *FileStore) PurgeTask(_ context.Context, taskID int) error {
	return s.update(func(st *fileState) (bool, error) {
		cmds := st.Commands[:0]
		for _, c := range st.Commands {
			if c.TaskID != taskID {
				cmds = append(cmds, c)
			}
		}
		st.Commands = cmds

		rd := st.RuntimeData[:0]
		for _, d := range st.RuntimeData {
			if d.TaskID != taskID {
				rd = append(rd, d)
			}
		}
		st.RuntimeData = rd

		if i := st.task(taskID); i >= 0 {
			t := &st.Tasks[i]
			t.Arguments, t.InputFiles, t.OutputFiles = nil, nil, nil
			t.Status = model.TaskStatusPurged
			t.LastChange = s.now()
		}
		s.log.Debugf("task_purged task=%d", taskID)
		return true, nil
	})
}

func (s *FileStore) SubmitCommand(_ context.Context, taskID int) (*model.Command, error) {
	var cmd *model.Command
	err := s.view(func(st *fileState) error {
		i := st.command(taskID, model.ActionSubmit)
		if i < 0 {
			return fmt.Errorf("submit command for task %d: %w", taskID, ErrNotFound)
		}
		cmd = model.NewCommand(st.Commands[i])
		return nil
	})
	return cmd, err
}

func (s *FileStore) UpdateOutputPaths(_ context.Context, cmd *model.Command, outputDir string) error {
	path := outputPath(cmd, outputDir)
	return s.update(func(st *fileState) (bool, error) {
		i := st.task(cmd.TaskID())
		if i < 0 || len(st.Tasks[i].OutputFiles) == 0 {
			return false, nil
		}
		for j := range st.Tasks[i].OutputFiles {
			st.Tasks[i].OutputFiles[j].Path = path
		}
		return true, nil
	})
}

func (s *FileStore) SetRuntimeData(_ context.Context, taskID int, d model.RuntimeData) error {
	return s.update(func(st *fileState) (bool, error) {
		last := 0
		for _, r := range st.RuntimeData {
			if r.TaskID == taskID && r.DataID > last {
				last = r.DataID
			}
		}
		st.RuntimeData = append(st.RuntimeData, fileRuntimeData{
			TaskID:      taskID,
			DataID:      last + 1,
			RuntimeData: d,
			Creation:    s.now(),
		})
		return true, nil
	})
}

func (s *FileStore) RuntimeData(_ context.Context, taskID int, key string) (string, error) {
	var (
		value string
		best  = -1
	)
	err := s.view(func(st *fileState) error {
		for _, r := range st.RuntimeData {
			if r.TaskID == taskID && r.Key == key && r.DataID > best {
				best = r.DataID
				value = r.Value
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best < 0 {
		return "", fmt.Errorf("runtime data %q for task %d: %w", key, taskID, ErrNotFound)
	}
	return value, nil
}

func (s *FileStore) Task(_ context.Context, taskID int) (model.Task, error) {
	var task model.Task
	err := s.view(func(st *fileState) error {
		i := st.task(taskID)
		if i < 0 {
			return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
		}
		task = st.Tasks[i].Task
		return nil
	})
	return task, err
}

func (s *FileStore) Commands(_ context.Context, taskID int) ([]model.CommandRecord, error) {
	var out []model.CommandRecord
	err := s.view(func(st *fileState) error {
		for _, c := range st.Commands {
			if c.TaskID == taskID {
				out = append(out, c)
			}
		}
		return nil
	})
	sort.Slice(out, func(a, b int) bool { return out[a].Action < out[b].Action })
	return out, err
}

func (s *FileStore) Stats(_ context.Context) (map[model.Status]int, error) {
	out := make(map[model.Status]int)
	err := s.view(func(st *fileState) error {
		for _, c := range st.Commands {
			out[c.Status]++
		}
		return nil
	})
	return out, err
}
