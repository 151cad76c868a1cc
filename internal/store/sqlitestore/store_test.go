package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muaviaUsmani/pantry/internal/run"
)

var epoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path:        filepath.Join(t.TempDir(), "nested", "runs.db"),
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRun(id string, startedAt time.Time, scheduleID string) *run.Run {
	r := &run.Run{
		ID:          id,
		Source:      run.SourceRef{ID: "src-" + id, Title: "Recipe " + id},
		Status:      run.StatusRunning,
		TriggeredBy: run.TriggerManual,
		StartedAt:   startedAt,
	}
	if scheduleID != "" {
		r.ScheduleID = &scheduleID
		r.TriggeredBy = run.TriggerSchedule
	}
	return r
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{Path: "  "})
	assert.Error(t, err)
}

func TestRunStore_CreateGetSave(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r := newRun("r1", epoch, "s1")
	require.NoError(t, s.Create(ctx, r))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, got.Status)
	assert.Equal(t, "s1", *got.ScheduleID)
	assert.Equal(t, run.SourceRef{ID: "src-r1", Title: "Recipe r1"}, got.Source)
	assert.True(t, got.StartedAt.Equal(epoch))
	assert.Nil(t, got.Stage)
	assert.Nil(t, got.CompletedAt)
	assert.NotNil(t, got.Logs)
	assert.Empty(t, got.Logs)

	stage, msg := "generating", "model timeout"
	completed := epoch.Add(45 * time.Second)
	d := int64(45000)
	got.Status = run.StatusFailed
	got.Stage = &stage
	got.Progress = 33
	got.Error = &msg
	got.ErrorStage = &stage
	got.CompletedAt = &completed
	got.DurationMs = &d
	require.NoError(t, s.Save(ctx, got))

	again, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, again.Status)
	assert.Equal(t, 33, again.Progress)
	assert.Equal(t, "generating", *again.ErrorStage)
	assert.Equal(t, "model timeout", *again.Error)
	assert.True(t, again.CompletedAt.Equal(completed))
	assert.Equal(t, int64(45000), *again.DurationMs)
	assert.Nil(t, again.ResultRef)
}

func TestRunStore_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, run.ErrNotFound)

	err = s.Save(ctx, newRun("missing", epoch, ""))
	assert.ErrorIs(t, err, run.ErrNotFound)

	err = s.AppendLog(ctx, "missing", run.LogEntry{Timestamp: epoch, Message: "x"})
	assert.ErrorIs(t, err, run.ErrNotFound)
}

func TestRunStore_AppendLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRun("r1", epoch, "")))

	step, total := 2, 3
	require.NoError(t, s.AppendLog(ctx, "r1", run.LogEntry{Timestamp: epoch.Add(time.Second), Message: "plain"}))
	require.NoError(t, s.AppendLog(ctx, "r1", run.LogEntry{Timestamp: epoch.Add(2 * time.Second), Step: &step, Total: &total, Message: "generating started"}))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got.Logs, 2)
	assert.Equal(t, "plain", got.Logs[0].Message)
	assert.Nil(t, got.Logs[0].Step)
	assert.Equal(t, 2, *got.Logs[1].Step)
	assert.Equal(t, 3, *got.Logs[1].Total)
	assert.True(t, got.Logs[1].Timestamp.Equal(epoch.Add(2*time.Second)))
}

func TestRunStore_ActiveForSchedule(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	active, err := s.ActiveForSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, active)

	r := newRun("r1", epoch, "s1")
	require.NoError(t, s.Create(ctx, r))

	active, err = s.ActiveForSchedule(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "r1", active.ID)

	r.Status = run.StatusSuccess
	require.NoError(t, s.Save(ctx, r))

	active, err = s.ActiveForSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRunStore_ListPagingAndFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 45; i++ {
		sid := ""
		if i%2 == 0 {
			sid = "s1"
		}
		r := newRun(fmt.Sprintf("r%02d", i), epoch.Add(time.Duration(i)*time.Minute), sid)
		require.NoError(t, s.Create(ctx, r))
		require.NoError(t, s.AppendLog(ctx, r.ID, run.LogEntry{Timestamp: r.StartedAt, Message: "started"}))
		if i%5 == 0 {
			r.Status = run.StatusFailed
			require.NoError(t, s.Save(ctx, r))
		}
	}

	page, total, err := s.List(ctx, run.Filter{}, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 45, total)
	require.Len(t, page, 20)
	assert.Equal(t, "r44", page[0].ID)
	assert.Equal(t, "r25", page[19].ID)
	assert.Len(t, page[0].Logs, 1)

	last, total, err := s.List(ctx, run.Filter{}, 40, 20)
	require.NoError(t, err)
	assert.Equal(t, 45, total)
	assert.Len(t, last, 5)

	beyond, _, err := s.List(ctx, run.Filter{}, 60, 20)
	require.NoError(t, err)
	assert.Empty(t, beyond)

	_, _, err = s.List(ctx, run.Filter{}, -20, 20)
	assert.ErrorIs(t, err, run.ErrInvalidFilter)

	failed, total, err := s.List(ctx, run.Filter{Status: run.StatusFailed}, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 9, total)
	for _, r := range failed {
		assert.Equal(t, run.StatusFailed, r.Status)
	}

	// failed (i%5==0) and scheduled (even): 0,10,20,30,40
	both, total, err := s.List(ctx, run.Filter{Status: run.StatusFailed, TriggeredBy: run.TriggerSchedule}, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, both, 5)

	_, total, err = s.List(ctx, run.Filter{ScheduleID: "s1"}, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 23, total)
}

func TestRunStore_DeleteMany(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("r%d", i)
		require.NoError(t, s.Create(ctx, newRun(id, epoch.Add(time.Duration(i)*time.Second), "")))
		require.NoError(t, s.AppendLog(ctx, id, run.LogEntry{Timestamp: epoch, Message: "x"}))
	}

	n, err := s.DeleteMany(ctx, []string{"r1", "r1", "", "nope", "r3"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, run.ErrNotFound)

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM pipeline_run_logs WHERE run_id IN ('r1','r3')`).Scan(&orphans))
	assert.Zero(t, orphans)

	n, err = s.DeleteMany(ctx, []string{"r1", "r3"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteMany(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, total, err := s.List(ctx, run.Filter{}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestRunStore_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newRun("r1", epoch, "")))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
}
