package scheduler

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/muaviaUsmani/pantry/internal/crontab"
	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/schedule"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
func boolPtr(v bool) *bool    { return &v }

func TestManagerCreate_FromInterval(t *testing.T) {
	f := setupFixture(t)

	sc, err := f.manager.Create(context.Background(), CreateParams{IntervalMinutes: intPtr(90), Enabled: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 90 minutes truncates to one hour
	if sc.CronExpression != "0 */1 * * *" {
		t.Errorf("Expected '0 */1 * * *', got %q", sc.CronExpression)
	}
	if sc.Name != "Every 1 hour" {
		t.Errorf("Expected default name from the expression, got %q", sc.Name)
	}
	if !f.registry.IsArmed(sc.ID) {
		t.Error("Enabled schedule should be armed on create")
	}
	want := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	if sc.NextRun == nil || !sc.NextRun.Equal(want) {
		t.Errorf("Expected nextRun %v, got %v", want, sc.NextRun)
	}
	if sc.RunCount != 0 || sc.LastRun != nil {
		t.Errorf("New schedule should have no runs, got %+v", sc)
	}
	if got := f.publisher.published(); !reflect.DeepEqual(got, []string{sc.ID}) {
		t.Errorf("Expected change published for %s, got %v", sc.ID, got)
	}
}

func TestManagerCreate_Hints(t *testing.T) {
	f := setupFixture(t)

	sc, err := f.manager.Create(context.Background(), CreateParams{
		Name:           "Monday batch",
		CronExpression: "30 9 * * 1",
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sc.Name != "Monday batch" {
		t.Errorf("Expected given name kept, got %q", sc.Name)
	}
	if sc.TimeOfDay != "09:30" || sc.DayOfWeek != "Monday" {
		t.Errorf("Expected hints 09:30/Monday, got %q/%q", sc.TimeOfDay, sc.DayOfWeek)
	}

	stored, err := f.schedules.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.TimeOfDay != "09:30" || stored.DayOfWeek != "Monday" {
		t.Errorf("Expected hints persisted, got %q/%q", stored.TimeOfDay, stored.DayOfWeek)
	}
}

func TestManagerCreate_Invalid(t *testing.T) {
	f := setupFixture(t)

	tests := []struct {
		name   string
		params CreateParams
	}{
		{"neither", CreateParams{Enabled: true}},
		{"both", CreateParams{CronExpression: "*/5 * * * *", IntervalMinutes: intPtr(5)}},
		{"zero interval", CreateParams{IntervalMinutes: intPtr(0)}},
		{"negative interval", CreateParams{IntervalMinutes: intPtr(-10)}},
		{"bad expression", CreateParams{CronExpression: "every tuesday"}},
		{"six fields", CreateParams{CronExpression: "0 */5 * * * *"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Create(context.Background(), tt.params)
			if !errors.Is(err, schedule.ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
			if !IsInvalid(err) {
				t.Errorf("IsInvalid should report %v", err)
			}
		})
	}

	if all, _ := f.schedules.List(context.Background()); len(all) != 0 {
		t.Errorf("Invalid requests must not store anything, got %d schedules", len(all))
	}
	if f.registry.Count() != 0 {
		t.Errorf("Invalid requests must not arm anything")
	}
}

func TestManagerCreate_IntervalErrorKeepsCause(t *testing.T) {
	f := setupFixture(t)

	_, err := f.manager.Create(context.Background(), CreateParams{IntervalMinutes: intPtr(0)})
	if !errors.Is(err, crontab.ErrInvalidInterval) {
		t.Errorf("Expected the interval error in the chain, got %v", err)
	}
}

func TestManagerCreate_Disabled(t *testing.T) {
	f := setupFixture(t)
	sc := f.create(t, "*/5 * * * *", false)

	if f.registry.IsArmed(sc.ID) {
		t.Error("Disabled schedule must not be armed")
	}
	if sc.NextRun != nil {
		t.Errorf("Disabled schedule has no next run, got %v", sc.NextRun)
	}
}

func TestManagerUpdate_ToggleAndRearm(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	updated, err := f.manager.SetEnabled(ctx, sc.ID, false)
	if err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if updated.Enabled || f.registry.IsArmed(sc.ID) {
		t.Fatal("Disabled schedule must be disarmed")
	}
	if updated.NextRun != nil {
		t.Error("Disabled schedule has no next run")
	}

	updated, err = f.manager.SetEnabled(ctx, sc.ID, true)
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if !updated.Enabled || !f.registry.IsArmed(sc.ID) {
		t.Fatal("Enabled schedule must be armed")
	}

	f.registry.mu.RLock()
	before := f.registry.entries[sc.ID].generation
	f.registry.mu.RUnlock()

	updated, err = f.manager.Update(ctx, UpdateParams{ID: sc.ID, IntervalMinutes: intPtr(1440), Name: strPtr("Daily")})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.CronExpression != "0 0 */1 * *" || updated.Name != "Daily" {
		t.Errorf("Unexpected schedule after update: %+v", updated)
	}

	f.registry.mu.RLock()
	after := f.registry.entries[sc.ID].generation
	expr := f.registry.entries[sc.ID].expression
	f.registry.mu.RUnlock()
	if after == before || expr != "0 0 */1 * *" {
		t.Errorf("Expected the entry re-armed with the new expression, gen %d->%d expr %q", before, after, expr)
	}

	if len(f.publisher.published()) != 4 {
		t.Errorf("Expected one publish per write, got %v", f.publisher.published())
	}
}

func TestManagerUpdate_KeepsRunCount(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	res := f.registry.OnFire(ctx, sc.ID)
	if res.Outcome != OutcomeStarted {
		t.Fatalf("Expected started, got %s", res.Outcome)
	}

	updated, err := f.manager.Update(ctx, UpdateParams{ID: sc.ID, Name: strPtr("renamed")})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.RunCount != 1 {
		t.Errorf("Expected runCount preserved, got %d", updated.RunCount)
	}
}

func TestManagerUpdate_Errors(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	if _, err := f.manager.Update(ctx, UpdateParams{ID: "ghost", Enabled: boolPtr(true)}); !isNotFound(err) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := f.manager.Update(ctx, UpdateParams{ID: sc.ID, CronExpression: strPtr("nope")}); !errors.Is(err, schedule.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
	if _, err := f.manager.Update(ctx, UpdateParams{ID: sc.ID, CronExpression: strPtr("")}); !errors.Is(err, schedule.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for an empty expression, got %v", err)
	}
	if _, err := f.manager.Update(ctx, UpdateParams{
		ID:              sc.ID,
		CronExpression:  strPtr("*/5 * * * *"),
		IntervalMinutes: intPtr(5),
	}); !errors.Is(err, schedule.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for both fields, got %v", err)
	}

	stored, _ := f.schedules.Get(ctx, sc.ID)
	if stored.CronExpression != "*/5 * * * *" || !f.registry.IsArmed(sc.ID) {
		t.Error("A rejected update must leave the schedule untouched")
	}
}

func TestManagerDelete_Idempotent(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	existed, purged, err := f.manager.Delete(ctx, sc.ID, false)
	if err != nil || !existed || purged != 0 {
		t.Fatalf("Expected (true, 0, nil), got (%v, %d, %v)", existed, purged, err)
	}
	if f.registry.IsArmed(sc.ID) {
		t.Error("Deleted schedule must be disarmed")
	}

	existed, _, err = f.manager.Delete(ctx, sc.ID, false)
	if err != nil || existed {
		t.Errorf("Second delete should report (false, nil), got (%v, %v)", existed, err)
	}
	if _, err := f.manager.Get(ctx, sc.ID); !isNotFound(err) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestManagerDelete_KeepsRunsByDefault(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	res := f.registry.OnFire(ctx, sc.ID)
	f.exec.finish(t, res.Run.ID)

	if _, _, err := f.manager.Delete(ctx, sc.ID, false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if f.totalRuns(t) != 1 {
		t.Errorf("History must survive a plain delete, got %d runs", f.totalRuns(t))
	}
}

func TestManagerDelete_PurgeSparesInFlightRun(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	for i := 0; i < 3; i++ {
		res := f.registry.OnFire(ctx, sc.ID)
		if res.Outcome != OutcomeStarted {
			t.Fatalf("Fire %d: expected started, got %s", i, res.Outcome)
		}
		f.exec.finish(t, res.Run.ID)
	}
	inFlight := f.registry.OnFire(ctx, sc.ID)
	if inFlight.Outcome != OutcomeStarted {
		t.Fatalf("Expected started, got %s", inFlight.Outcome)
	}
	if _, err := f.registry.RunNow(ctx, ManualRequest{SourceID: "unrelated"}); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}

	existed, purged, err := f.manager.Delete(ctx, sc.ID, true)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !existed || purged != 3 {
		t.Errorf("Expected 3 finished runs purged, got existed=%v purged=%d", existed, purged)
	}

	// The in-flight run keeps going and completes after its schedule is gone
	f.exec.finish(t, inFlight.Run.ID)
	got := f.getRun(t, inFlight.Run.ID)
	if got.Status != run.StatusSuccess {
		t.Errorf("Expected the in-flight run to finish, got %s", got.Status)
	}
	if f.totalRuns(t) != 2 {
		t.Errorf("Expected the in-flight and manual runs kept, got %d", f.totalRuns(t))
	}
}

func TestManager_DisableDuringRun(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	res := f.registry.OnFire(ctx, sc.ID)
	if res.Outcome != OutcomeStarted {
		t.Fatalf("Expected started, got %s", res.Outcome)
	}

	if _, err := f.manager.SetEnabled(ctx, sc.ID, false); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if f.registry.IsArmed(sc.ID) {
		t.Fatal("Schedule should be disarmed immediately")
	}
	if got := f.getRun(t, res.Run.ID); got.Status != run.StatusRunning {
		t.Fatalf("Disabling must not abort the run, got %s", got.Status)
	}

	f.exec.finish(t, res.Run.ID)

	got := f.getRun(t, res.Run.ID)
	if got.Status != run.StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", got.Status)
	}
	stored, _ := f.schedules.Get(ctx, sc.ID)
	if stored.LastRun == nil || stored.Enabled {
		t.Errorf("Expected lastRun written and schedule still disabled, got %+v", stored)
	}
}

func TestManagerList_NextRun(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	noon := f.create(t, "0 12 * * *", true)
	off := f.create(t, "*/5 * * * *", false)

	list, err := f.manager.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 schedules, got %d", len(list))
	}

	byID := map[string]*schedule.Schedule{}
	for _, sc := range list {
		byID[sc.ID] = sc
	}

	want := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if n := byID[noon.ID].NextRun; n == nil || !n.Equal(want) {
		t.Errorf("Expected nextRun %v, got %v", want, n)
	}
	if byID[off.ID].NextRun != nil {
		t.Errorf("Disabled schedule should have no nextRun")
	}
}

func TestManager_PublishErrorIsNotFatal(t *testing.T) {
	f := setupFixture(t)
	f.publisher.err = errors.New("redis down")

	sc, err := f.manager.Create(context.Background(), CreateParams{CronExpression: "*/5 * * * *", Enabled: true})
	if err != nil {
		t.Fatalf("Create should succeed when publishing fails, got %v", err)
	}
	if !f.registry.IsArmed(sc.ID) {
		t.Error("Schedule should be armed locally")
	}
}

func TestManager_EnabledMatchesArmedUnderConcurrency(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, _ = f.manager.SetEnabled(ctx, sc.ID, i%2 == 0)
		}
	}()

	for {
		select {
		case <-done:
			stored, _ := f.schedules.Get(ctx, sc.ID)
			if stored.Enabled != f.registry.IsArmed(sc.ID) {
				t.Fatalf("Stored enabled=%v but armed=%v", stored.Enabled, f.registry.IsArmed(sc.ID))
			}
			return
		default:
		}

		f.registry.mu.RLock()
		_, armed := f.registry.entries[sc.ID]
		stored, err := f.schedules.Get(ctx, sc.ID)
		f.registry.mu.RUnlock()
		if err == nil && stored.Enabled != armed {
			t.Fatalf("Reader saw enabled=%v with armed=%v", stored.Enabled, armed)
		}
	}
}
