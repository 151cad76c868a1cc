// Package sqlitestore keeps run history in a local SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/run"
)

//go:embed schema.sql
var schemaFS embed.FS

// Config configures the SQLite run store
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// RunStore implements run.Store on SQLite
type RunStore struct {
	db  *sql.DB
	log logger.Logger
}

var _ run.Store = (*RunStore)(nil)

// Open opens (creating if needed) the database at cfg.Path and applies the schema
func Open(ctx context.Context, cfg Config) (*RunStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer and the pragmas are per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := New(db)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.log.Info("SQLite run store opened", "path", cfg.Path)
	return s, nil
}

// New wraps an already opened database. The schema must exist.
func New(db *sql.DB) *RunStore {
	return &RunStore{db: db, log: logger.For(logger.ComponentStore)}
}

func (s *RunStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database
func (s *RunStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const runColumns = `id, schedule_id, source_id, source_title, status, stage, progress,
	result_ref, error, error_stage, triggered_by, started_at, completed_at, duration_ms`

// Create inserts a new run
func (s *RunStore) Create(ctx context.Context, r *run.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs(`+runColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, nullPtr(r.ScheduleID), r.Source.ID, r.Source.Title, string(r.Status), nullPtr(r.Stage), r.Progress,
		nullPtr(r.ResultRef), nullPtr(r.Error), nullPtr(r.ErrorStage), string(r.TriggeredBy),
		r.StartedAt.UnixNano(), nullTime(r.CompletedAt), nullInt64(r.DurationMs),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Get returns a run with its logs, or run.ErrNotFound
func (s *RunStore) Get(ctx context.Context, id string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	logs, err := s.loadLogs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if l, ok := logs[id]; ok {
		r.Logs = l
	}
	return r, nil
}

// Save updates the scalar fields of an existing run
func (s *RunStore) Save(ctx context.Context, r *run.Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs
		 SET status = ?, stage = ?, progress = ?, result_ref = ?, error = ?, error_stage = ?,
		     completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		string(r.Status), nullPtr(r.Stage), r.Progress, nullPtr(r.ResultRef), nullPtr(r.Error),
		nullPtr(r.ErrorStage), nullTime(r.CompletedAt), nullInt64(r.DurationMs), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", run.ErrNotFound, r.ID)
	}
	return nil
}

// AppendLog inserts one log line for an existing run
func (s *RunStore) AppendLog(ctx context.Context, id string, entry run.LogEntry) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_run_logs(run_id, ts, step, total, message)
		 SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM pipeline_runs WHERE id = ?)`,
		id, entry.Timestamp.UnixNano(), nullIntPtr(entry.Step), nullIntPtr(entry.Total), entry.Message, id,
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	return nil
}

// ActiveForSchedule returns the schedule's newest RUNNING run, or nil
func (s *RunStore) ActiveForSchedule(ctx context.Context, scheduleID string) (*run.Run, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM pipeline_runs WHERE schedule_id = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		scheduleID, string(run.StatusRunning),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active run: %w", err)
	}

	r, err := s.Get(ctx, id)
	if errors.Is(err, run.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// List returns a page of runs newest first plus the total matching count.
// A negative offset is rejected with run.ErrInvalidFilter.
func (s *RunStore) List(ctx context.Context, filter run.Filter, offset, limit int) ([]*run.Run, int, error) {
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: offset %d", run.ErrInvalidFilter, offset)
	}
	where, args := filterClause(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}
	if total == 0 || offset >= total || limit <= 0 {
		return []*run.Run{}, total, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs`+where+`
		 ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*run.Run, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	rows.Close()

	logs, err := s.loadLogs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, r := range runs {
		if l, ok := logs[r.ID]; ok {
			r.Logs = l
		}
	}
	return runs, total, nil
}

// DeleteMany deletes runs and their logs in one transaction and returns how
// many existed
func (s *RunStore) DeleteMany(ctx context.Context, ids []string) (int, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	deleted := 0
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_run_logs WHERE run_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete logs of run %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("failed to delete run %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to delete run %s: %w", id, err)
		}
		deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return deleted, nil
}

func (s *RunStore) loadLogs(ctx context.Context, ids []string) (map[string][]run.LogEntry, error) {
	out := make(map[string][]run.LogEntry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, ts, step, total, message FROM pipeline_run_logs
		 WHERE run_id IN (`+placeholders+`) ORDER BY seq`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			runID       string
			ts          int64
			step, total sql.NullInt64
			message     string
		)
		if err := rows.Scan(&runID, &ts, &step, &total, &message); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		out[runID] = append(out[runID], run.LogEntry{
			Timestamp: time.Unix(0, ts).UTC(),
			Step:      intFromNull(step),
			Total:     intFromNull(total),
			Message:   message,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load logs: %w", err)
	}
	return out, nil
}

func filterClause(filter run.Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TriggeredBy != "" {
		conds = append(conds, "triggered_by = ?")
		args = append(args, string(filter.TriggeredBy))
	}
	if filter.ScheduleID != "" {
		conds = append(conds, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*run.Run, error) {
	var (
		r                                  run.Run
		scheduleID, stage, resultRef, errS sql.NullString
		errorStage                         sql.NullString
		status, trigger                    string
		startedAt                          int64
		completedAt, durationMs            sql.NullInt64
	)
	err := row.Scan(&r.ID, &scheduleID, &r.Source.ID, &r.Source.Title, &status, &stage, &r.Progress,
		&resultRef, &errS, &errorStage, &trigger, &startedAt, &completedAt, &durationMs)
	if err != nil {
		return nil, err
	}

	r.ScheduleID = strFromNull(scheduleID)
	r.Status = run.Status(status)
	r.Stage = strFromNull(stage)
	r.ResultRef = strFromNull(resultRef)
	r.Error = strFromNull(errS)
	r.ErrorStage = strFromNull(errorStage)
	r.TriggeredBy = run.Trigger(trigger)
	r.StartedAt = time.Unix(0, startedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		r.CompletedAt = &t
	}
	if durationMs.Valid {
		d := durationMs.Int64
		r.DurationMs = &d
	}
	r.Logs = []run.LogEntry{}
	return &r, nil
}

func nullPtr(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullIntPtr(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func strFromNull(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
