package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue/migrations"
)

const commandColumns = `task_id, action, target, target_id, status, target_status, retry, creation, last_change, check_ts, action_info, claimed_by`

// SQLStore is the relational queue store. Timestamps are stored as unix
// nanoseconds so that ordering is identical on every backend.
type SQLStore struct {
	db   *sql.DB
	d    dialect
	opts Options
	log  *zap.SugaredLogger
}

// OpenSQL opens a store on one of the sqlite, mysql or postgres dialects and
// applies pending migrations.
func OpenSQL(ctx context.Context, name, dsn string, opts Options) (*SQLStore, error) {
	d, err := lookupDialect(name)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", name, err)
	}

	opts = opts.withDefaults()
	s := &SQLStore{db: db, d: d, opts: opts, log: opts.Logger.Named("store")}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", name, err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string { return s.d.rebind(query) }

func (s *SQLStore) now() time.Time { return s.opts.Now() }

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(255) NOT NULL PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := s.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
		s.log.Infof("migration_applied dialect=%s version=%s", s.d.name, file)
	}
	return nil
}

func (s *SQLStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), version).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) applyMigration(ctx context.Context, file string) error {
	script, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(script)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), file, nanos(s.now())); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(sc scanner) (model.CommandRecord, error) {
	var (
		rec                         model.CommandRecord
		action, status              string
		creation, lastChange, check int64
	)
	if err := sc.Scan(&rec.TaskID, &action, &rec.Target, &rec.TargetID, &status, &rec.TargetStatus,
		&rec.Retry, &creation, &lastChange, &check, &rec.ActionInfo, &rec.ClaimedBy); err != nil {
		return rec, err
	}
	rec.Action = model.Action(action)
	rec.Status = model.Status(status)
	rec.Creation = fromNanos(creation)
	rec.LastChange = fromNanos(lastChange)
	rec.CheckTS = fromNanos(check)
	return rec, nil
}

func collectCommands(rows *sql.Rows) ([]model.CommandRecord, error) {
	defer rows.Close()
	var recs []model.CommandRecord
	for rows.Next() {
		rec, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLStore) CreateTask(ctx context.Context, task model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	exists, err := s.taskExists(ctx, tx, task.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("task %d: %w", task.ID, ErrDuplicate)
	}
	status := task.Status
	if status == "" {
		status = model.TaskStatusWaiting
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO tasks (id, status, last_change) VALUES (?, ?, ?)`),
		task.ID, status, nanos(s.now())); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	for i, arg := range task.Arguments {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO task_arguments (task_id, arg_id, arg) VALUES (?, ?, ?)`),
			task.ID, i+1, arg); err != nil {
			return fmt.Errorf("insert argument: %w", err)
		}
	}
	for i, f := range task.InputFiles {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO task_input_file (task_id, file_id, file, path) VALUES (?, ?, ?, ?)`),
			task.ID, i+1, f.Name, f.Path); err != nil {
			return fmt.Errorf("insert input file: %w", err)
		}
	}
	for i, f := range task.OutputFiles {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO task_output_file (task_id, file_id, file, path) VALUES (?, ?, ?, ?)`),
			task.ID, i+1, f.Name, f.Path); err != nil {
			return fmt.Errorf("insert output file: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) taskExists(ctx context.Context, tx *sql.Tx, taskID int) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM tasks WHERE id = ?`), taskID).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup task: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Enqueue(ctx context.Context, rec model.CommandRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := nanos(s.now())
	exists, err := s.taskExists(ctx, tx, rec.TaskID)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO tasks (id, status, last_change) VALUES (?, ?, ?)`),
			rec.TaskID, model.TaskStatusWaiting, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}

	var n int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM as_queue WHERE task_id = ? AND action = ?`),
		rec.TaskID, string(rec.Action)).Scan(&n); err != nil {
		return fmt.Errorf("lookup command: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("task %d action %s: %w", rec.TaskID, rec.Action, ErrDuplicate)
	}

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO as_queue (`+commandColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TaskID, string(rec.Action), rec.Target, rec.TargetID, string(model.StatusQueued), rec.TargetStatus,
		0, now, now, now, rec.ActionInfo, ""); err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ClaimQueued(ctx context.Context, max int) ([]*model.Command, error) {
	if max <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		s.q(`SELECT `+commandColumns+` FROM as_queue WHERE status = ? ORDER BY last_change ASC, task_id ASC LIMIT ?`+s.d.claimLock),
		string(model.StatusQueued), max)
	if err != nil {
		return nil, fmt.Errorf("select queued: %w", err)
	}
	recs, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}

	now := s.now()
	claimed := make([]*model.Command, 0, len(recs))
	for _, rec := range recs {
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE as_queue SET status = ?, last_change = ?, claimed_by = ? WHERE task_id = ? AND action = ? AND status = ?`),
			string(model.StatusProcessing), nanos(now), s.opts.InstanceID, rec.TaskID, string(rec.Action), string(model.StatusQueued))
		if err != nil {
			return nil, fmt.Errorf("mark processing: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		rec.Status = model.StatusProcessing
		rec.LastChange = now
		rec.ClaimedBy = s.opts.InstanceID
		claimed = append(claimed, model.NewCommand(rec))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

func (s *SQLStore) ClaimForReconciliation(ctx context.Context, max int) ([]*model.Command, error) {
	if max <= 0 {
		return nil, nil
	}
	staleBefore := s.now().Add(-s.opts.HoldTimeout)
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+commandColumns+` FROM as_queue
			WHERE status IN (?, ?) OR (status = ? AND last_change < ?)
			ORDER BY check_ts ASC, task_id ASC, action ASC LIMIT ?`),
		string(model.StatusProcessing), string(model.StatusProcessed), string(model.StatusHold), nanos(staleBefore), max)
	if err != nil {
		return nil, fmt.Errorf("select for reconciliation: %w", err)
	}
	recs, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}
	cmds := make([]*model.Command, len(recs))
	for i, rec := range recs {
		cmds[i] = model.NewCommand(rec)
	}
	return cmds, nil
}

func (s *SQLStore) Hold(ctx context.Context, cmd *model.Command) (bool, error) {
	if err := transition(cmd.PersistedStatus(), model.StatusHold); err != nil {
		return false, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE as_queue SET status = ?, last_change = ?
			WHERE task_id = ? AND action = ? AND status = ? AND (status = ? OR last_change < ?)`),
		string(model.StatusHold), nanos(now), cmd.TaskID(), string(cmd.Action()),
		string(cmd.PersistedStatus()), string(model.StatusProcessed), nanos(now.Add(-s.opts.HoldTimeout)))
	if err != nil {
		return false, fmt.Errorf("hold: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}
	cmd.Held(now)
	return true, nil
}

func (s *SQLStore) Persist(ctx context.Context, cmd *model.Command) error {
	if !cmd.Dirty() {
		return nil
	}
	if err := transition(cmd.PersistedStatus(), cmd.Status()); err != nil {
		return err
	}
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE as_queue SET target_id = ?, status = ?, target_status = ?, last_change = ?
			WHERE task_id = ? AND action = ? AND status = ?`),
		cmd.TargetID(), string(cmd.Status()), cmd.TargetStatus(), nanos(now),
		cmd.TaskID(), string(cmd.Action()), string(cmd.PersistedStatus()))
	if err != nil {
		return fmt.Errorf("persist command: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("persist %s: %w", cmd, ErrConflict)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE tasks SET status = ?, last_change = ? WHERE id = ?`),
		taskStatusFor(cmd), nanos(now), cmd.TaskID()); err != nil {
		return fmt.Errorf("persist task status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persist: %w", err)
	}
	cmd.Stored(now)
	return nil
}

func (s *SQLStore) TouchCheck(ctx context.Context, cmd *model.Command) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE as_queue SET check_ts = ? WHERE task_id = ? AND action = ?`),
		nanos(now), cmd.TaskID(), string(cmd.Action())); err != nil {
		return fmt.Errorf("touch check: %w", err)
	}
	cmd.Checked(now)
	return nil
}

func (s *SQLStore) Retry(ctx context.Context, cmd *model.Command) error {
	if err := transition(cmd.PersistedStatus(), model.StatusQueued); err != nil {
		return err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE as_queue SET status = ?, retry = retry + 1, creation = ?, last_change = ?, claimed_by = ''
			WHERE task_id = ? AND action = ? AND status = ?`),
		string(model.StatusQueued), nanos(now), nanos(now),
		cmd.TaskID(), string(cmd.Action()), string(cmd.PersistedStatus()))
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("retry %s: %w", cmd, ErrConflict)
	}
	cmd.Retried(now)
	return nil
}

func (s *SQLStore) Trash(ctx context.Context, cmd *model.Command) error {
	if err := transition(cmd.PersistedStatus(), model.StatusFailed); err != nil {
		return err
	}
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trash: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE as_queue SET status = ?, target_status = ?, last_change = ?
			WHERE task_id = ? AND action = ? AND status = ?`),
		string(model.StatusFailed), string(model.StatusFailed), nanos(now),
		cmd.TaskID(), string(cmd.Action()), string(cmd.PersistedStatus()))
	if err != nil {
		return fmt.Errorf("trash: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("trash %s: %w", cmd, ErrConflict)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE tasks SET status = ?, last_change = ? WHERE id = ?`),
		string(model.StatusFailed), nanos(now), cmd.TaskID()); err != nil {
		return fmt.Errorf("trash task status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trash: %w", err)
	}
	cmd.Trashed(now)
	return nil
}

func (s *SQLStore) PurgeTask(ctx context.Context, taskID int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"task_output_file", "task_input_file", "task_arguments", "runtime_data", "as_queue"} {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE task_id = ?`), taskID); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE tasks SET status = ?, last_change = ? WHERE id = ?`),
		model.TaskStatusPurged, nanos(s.now()), taskID); err != nil {
		return fmt.Errorf("mark task purged: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}
	s.log.Debugf("task_purged task=%d", taskID)
	return nil
}

func (s *SQLStore) SubmitCommand(ctx context.Context, taskID int) (*model.Command, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+commandColumns+` FROM as_queue WHERE task_id = ? AND action = ?`),
		taskID, string(model.ActionSubmit))
	rec, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submit command for task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("submit command: %w", err)
	}
	return model.NewCommand(rec), nil
}

func (s *SQLStore) UpdateOutputPaths(ctx context.Context, cmd *model.Command, outputDir string) error {
	path := outputPath(cmd, outputDir)
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE task_output_file SET path = ? WHERE task_id = ?`), path, cmd.TaskID()); err != nil {
		return fmt.Errorf("update output paths: %w", err)
	}
	return nil
}

func (s *SQLStore) SetRuntimeData(ctx context.Context, taskID int, d model.RuntimeData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var last int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(data_id), 0) FROM runtime_data WHERE task_id = ?`), taskID).Scan(&last); err != nil {
		return fmt.Errorf("next runtime data id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO runtime_data (task_id, data_id, data_name, data_value, data_desc, data_proto, data_type, creation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		taskID, last+1, d.Key, d.Value, d.Description, d.Proto, d.Type, nanos(s.now())); err != nil {
		return fmt.Errorf("insert runtime data: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) RuntimeData(ctx context.Context, taskID int, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT data_value FROM runtime_data WHERE task_id = ? AND data_name = ? ORDER BY data_id DESC LIMIT 1`),
		taskID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("runtime data %q for task %d: %w", key, taskID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("runtime data: %w", err)
	}
	return v, nil
}

func (s *SQLStore) Task(ctx context.Context, taskID int) (model.Task, error) {
	task := model.Task{ID: taskID}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT status FROM tasks WHERE id = ?`), taskID).Scan(&task.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return task, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return task, fmt.Errorf("task: %w", err)
	}

	if task.Arguments, err = s.arguments(ctx, taskID); err != nil {
		return task, err
	}
	if task.InputFiles, err = s.files(ctx, "task_input_file", taskID); err != nil {
		return task, err
	}
	if task.OutputFiles, err = s.files(ctx, "task_output_file", taskID); err != nil {
		return task, err
	}
	return task, nil
}

func (s *SQLStore) arguments(ctx context.Context, taskID int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT arg FROM task_arguments WHERE task_id = ? ORDER BY arg_id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("task arguments: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var arg string
		if err := rows.Scan(&arg); err != nil {
			return nil, err
		}
		out = append(out, arg)
	}
	return out, rows.Err()
}

func (s *SQLStore) files(ctx context.Context, table string, taskID int) ([]model.File, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT file, path FROM `+table+` WHERE task_id = ? ORDER BY file_id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", table, err)
	}
	defer rows.Close()
	var out []model.File
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.Name, &f.Path); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLStore) Commands(ctx context.Context, taskID int) ([]model.CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+commandColumns+` FROM as_queue WHERE task_id = ? ORDER BY action`), taskID)
	if err != nil {
		return nil, fmt.Errorf("commands: %w", err)
	}
	return collectCommands(rows)
}

func (s *SQLStore) Stats(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM as_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	out := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
