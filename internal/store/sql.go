package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/podushkina/hrchat/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	form_data  TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	user_name  TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS outputs (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	sort       INTEGER NOT NULL,
	status     TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	feedback   TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS outputs_task_id_idx ON outputs (task_id, sort);
`

var (
	taskColumns   = []string{"id", "type", "status", "form_data", "title", "user_name", "created_at", "updated_at"}
	outputColumns = []string{"id", "task_id", "sort", "status", "metadata", "content", "feedback", "created_at", "updated_at"}
)

// SQLStore implements Store on database/sql. It runs on SQLite
// (modernc.org/sqlite, driver "sqlite") and Postgres (pgx stdlib, driver "pgx").
type SQLStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// Open opens the database for driver and ensures the schema exists.
func Open(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	}
	s, err := New(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, sb: sq.StatementBuilder.PlaceholderFormat(placeholderFormat(driver))}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

func placeholderFormat(driver string) sq.PlaceholderFormat {
	if driver == "pgx" || driver == "postgres" {
		return sq.Dollar
	}
	return sq.Question
}

func (s *SQLStore) Close() error { return s.db.Close() }

func now() int64 { return time.Now().UTC().UnixMilli() }

func (s *SQLStore) CreateTask(ctx context.Context, t *task.Task, outputs []*task.Output) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = task.StatusWait
	}
	ts := now()
	t.CreatedAt = time.UnixMilli(ts).UTC()
	t.UpdatedAt = t.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.sb.Insert("tasks").Columns(taskColumns...).
		Values(t.ID, string(t.Type), string(t.Status), string(t.FormData), t.Title, t.UserName, ts, ts).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for i, o := range outputs {
		o.TaskID = t.ID
		if o.Sort == 0 {
			o.Sort = i
		}
		if err := s.insertOutput(ctx, tx, o, ts); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertOutput(ctx context.Context, db execer, o *task.Output, ts int64) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = task.OutputWait
	}
	o.CreatedAt = time.UnixMilli(ts).UTC()
	o.UpdatedAt = o.CreatedAt

	query, args, err := s.sb.Insert("outputs").Columns(outputColumns...).
		Values(o.ID, o.TaskID, o.Sort, string(o.Status), string(o.Metadata), o.Content, o.Feedback, ts, ts).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert output: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	query, args, err := s.sb.Select(taskColumns...).From("tasks").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus writes status unless the task is already CANCEL.
func (s *SQLStore) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	n, err := s.exec(ctx, s.sb.Update("tasks").
		Set("status", string(status)).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(task.StatusCancel)}))
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n == 0 {
		return s.missOrCancelled(ctx, "tasks", id)
	}
	return nil
}

// ReopenTask puts a task back in WAIT so a newly appended turn can be processed,
// including after an earlier cancellation.
func (s *SQLStore) ReopenTask(ctx context.Context, id string) error {
	n, err := s.exec(ctx, s.sb.Update("tasks").
		Set("status", string(task.StatusWait)).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("reopen task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CancelTask(ctx context.Context, id string) error {
	n, err := s.exec(ctx, s.sb.Update("tasks").
		Set("status", string(task.StatusCancel)).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) RenameTask(ctx context.Context, id, title string) error {
	n, err := s.exec(ctx, s.sb.Update("tasks").
		Set("title", title).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("rename task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.sb.Delete("outputs").Where(sq.Eq{"task_id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete outputs: %w", err)
	}

	query, args, err = s.sb.Delete("tasks").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// CountActiveTasks counts WAIT and IN_PROCESS tasks of a type. An empty
// userName counts across all users.
func (s *SQLStore) CountActiveTasks(ctx context.Context, taskType task.Type, userName string) (int, error) {
	b := s.sb.Select("COUNT(*)").From("tasks").Where(sq.Eq{
		"type":   string(taskType),
		"status": []string{string(task.StatusWait), string(task.StatusInProcess)},
	})
	if userName != "" {
		b = b.Where(sq.Eq{"user_name": userName})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

// AddOutput appends an output to an existing task. A negative Sort is
// replaced by the next free sort index.
func (s *SQLStore) AddOutput(ctx context.Context, o *task.Output) error {
	if _, err := s.GetTask(ctx, o.TaskID); err != nil {
		return err
	}
	if o.Sort < 0 {
		query, args, err := s.sb.Select("COALESCE(MAX(sort), -1) + 1").From("outputs").
			Where(sq.Eq{"task_id": o.TaskID}).ToSql()
		if err != nil {
			return err
		}
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&o.Sort); err != nil {
			return fmt.Errorf("next sort: %w", err)
		}
	}
	return s.insertOutput(ctx, s.db, o, now())
}

func (s *SQLStore) GetOutput(ctx context.Context, id string) (*task.Output, error) {
	query, args, err := s.sb.Select(outputColumns...).From("outputs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	o, err := scanOutput(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	return o, nil
}

func (s *SQLStore) GetOutputStatus(ctx context.Context, id string) (task.OutputStatus, error) {
	query, args, err := s.sb.Select("status").From("outputs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return "", err
	}
	var status string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get output status: %w", err)
	}
	return task.OutputStatus(status), nil
}

// ListOutputs returns a task's outputs in sort order, optionally filtered by status.
func (s *SQLStore) ListOutputs(ctx context.Context, taskID string, statuses ...task.OutputStatus) ([]*task.Output, error) {
	b := s.sb.Select(outputColumns...).From("outputs").Where(sq.Eq{"task_id": taskID}).OrderBy("sort ASC")
	if len(statuses) > 0 {
		in := make([]string, len(statuses))
		for i, st := range statuses {
			in[i] = string(st)
		}
		b = b.Where(sq.Eq{"status": in})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	outputs := make([]*task.Output, 0)
	for rows.Next() {
		o, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

func (s *SQLStore) UpdateOutputStatus(ctx context.Context, id string, status task.OutputStatus) error {
	n, err := s.exec(ctx, s.sb.Update("outputs").
		Set("status", string(status)).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(task.OutputCancel)}))
	if err != nil {
		return fmt.Errorf("update output status: %w", err)
	}
	if n == 0 {
		return s.missOrCancelled(ctx, "outputs", id)
	}
	return nil
}

// ClaimOutput moves a WAIT output to IN_PROCESS. It reports false when the
// output already left WAIT, so only one job ever generates a given turn.
func (s *SQLStore) ClaimOutput(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, s.sb.Update("outputs").
		Set("status", string(task.OutputInProcess)).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": string(task.OutputWait)}))
	if err != nil {
		return false, fmt.Errorf("claim output: %w", err)
	}
	if n == 0 {
		if err := s.missOrCancelled(ctx, "outputs", id); !errors.Is(err, ErrCancelled) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// AppendOutputContent appends a streamed fragment and marks the output PROCESSING.
func (s *SQLStore) AppendOutputContent(ctx context.Context, id, fragment string) error {
	n, err := s.exec(ctx, s.sb.Update("outputs").
		Set("content", sq.Expr("content || ?", fragment)).
		Set("status", string(task.OutputProcessing)).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(task.OutputCancel)}))
	if err != nil {
		return fmt.Errorf("append output content: %w", err)
	}
	if n == 0 {
		return s.missOrCancelled(ctx, "outputs", id)
	}
	return nil
}

// FinishOutput replaces the content and sets a final status unless the output
// was cancelled in the meantime.
func (s *SQLStore) FinishOutput(ctx context.Context, id string, status task.OutputStatus, content string) error {
	n, err := s.exec(ctx, s.sb.Update("outputs").
		Set("status", string(status)).
		Set("content", content).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(task.OutputCancel)}))
	if err != nil {
		return fmt.Errorf("finish output: %w", err)
	}
	if n == 0 {
		return s.missOrCancelled(ctx, "outputs", id)
	}
	return nil
}

// CancelOutputs flips matching non-terminal outputs to CANCEL and drops any
// partially streamed content.
func (s *SQLStore) CancelOutputs(ctx context.Context, f OutputFilter) (int64, error) {
	b := s.sb.Update("outputs").
		Set("status", string(task.OutputCancel)).
		Set("content", "").
		Set("updated_at", now()).
		Where(sq.Eq{"task_id": f.TaskID})
	if f.Sort != nil {
		b = b.Where(sq.Eq{"sort": *f.Sort})
	}
	if f.OnlyInProgress {
		b = b.Where(sq.Eq{"status": []string{string(task.OutputInProcess), string(task.OutputProcessing)}})
	} else {
		b = b.Where(sq.NotEq{"status": []string{
			string(task.OutputFinished), string(task.OutputFailed), string(task.OutputCancel),
		}})
	}
	n, err := s.exec(ctx, b)
	if err != nil {
		return 0, fmt.Errorf("cancel outputs: %w", err)
	}
	return n, nil
}

func (s *SQLStore) SetFeedback(ctx context.Context, id, feedback string) error {
	n, err := s.exec(ctx, s.sb.Update("outputs").
		Set("feedback", feedback).
		Set("updated_at", now()).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("set feedback: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, b sq.UpdateBuilder) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// missOrCancelled explains a conditional update that touched no rows.
func (s *SQLStore) missOrCancelled(ctx context.Context, table, id string) error {
	query, args, err := s.sb.Select("status").From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	var status string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrCancelled
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t                  task.Task
		typ, status, form  string
		createdAt, updated int64
	)
	if err := row.Scan(&t.ID, &typ, &status, &form, &t.Title, &t.UserName, &createdAt, &updated); err != nil {
		return nil, err
	}
	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	if form != "" {
		t.FormData = []byte(form)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

func scanOutput(row scanner) (*task.Output, error) {
	var (
		o                  task.Output
		status, metadata   string
		createdAt, updated int64
	)
	if err := row.Scan(&o.ID, &o.TaskID, &o.Sort, &status, &metadata, &o.Content, &o.Feedback, &createdAt, &updated); err != nil {
		return nil, err
	}
	o.Status = task.OutputStatus(status)
	if metadata != "" {
		o.Metadata = []byte(metadata)
	}
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	o.UpdatedAt = time.UnixMilli(updated).UTC()
	return &o, nil
}
