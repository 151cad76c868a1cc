package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muaviaUsmani/pantry/internal/executor"
	"github.com/muaviaUsmani/pantry/internal/metrics"
	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/schedule"
	"github.com/muaviaUsmani/pantry/internal/source"
	"github.com/muaviaUsmani/pantry/internal/store/redisstore"
)

func TestOnFire_StartsScheduledRun(t *testing.T) {
	f := setupFixture(t)
	sc := f.create(t, "*/5 * * * *", true)

	res := f.registry.OnFire(context.Background(), sc.ID)
	if res.Outcome != OutcomeStarted {
		t.Fatalf("Expected started, got %s (%s)", res.Outcome, res.Reason)
	}
	if res.Run == nil || res.Run.ScheduleID == nil || *res.Run.ScheduleID != sc.ID {
		t.Fatalf("Expected run tied to schedule %s, got %+v", sc.ID, res.Run)
	}
	if res.Run.TriggeredBy != run.TriggerSchedule {
		t.Errorf("Expected trigger schedule, got %s", res.Run.TriggeredBy)
	}
	if res.Run.Source.ID != sc.ID || res.Run.Source.Title != sc.Name {
		t.Errorf("Without a selector the schedule is the source, got %+v", res.Run.Source)
	}
	if f.runCount(t, sc.ID) != 1 {
		t.Errorf("Expected runCount 1, got %d", f.runCount(t, sc.ID))
	}
	if f.exec.startedCount() != 1 {
		t.Errorf("Expected 1 executor start, got %d", f.exec.startedCount())
	}
	if got := f.metrics.GetMetrics().Fires; got != 1 {
		t.Errorf("Expected 1 fire recorded, got %d", got)
	}
}

func TestOnFire_SkipsWhileInFlight(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	first := f.registry.OnFire(ctx, sc.ID)
	if first.Outcome != OutcomeStarted {
		t.Fatalf("Expected first fire to start, got %s", first.Outcome)
	}

	second := f.registry.OnFire(ctx, sc.ID)
	if second.Outcome != OutcomeSkipped || second.Reason != metrics.SkipInFlight {
		t.Fatalf("Expected in-flight skip, got %s (%s)", second.Outcome, second.Reason)
	}
	if second.Run != nil {
		t.Error("A skipped fire must not create a run")
	}
	if f.runCount(t, sc.ID) != 1 {
		t.Errorf("Skipped fire must not count, runCount=%d", f.runCount(t, sc.ID))
	}

	f.exec.finish(t, first.Run.ID)

	third := f.registry.OnFire(ctx, sc.ID)
	if third.Outcome != OutcomeStarted {
		t.Fatalf("Expected fire after completion to start, got %s (%s)", third.Outcome, third.Reason)
	}
	if f.runCount(t, sc.ID) != 2 {
		t.Errorf("Expected runCount 2, got %d", f.runCount(t, sc.ID))
	}
	if got := f.metrics.GetMetrics().FiresSkipped[metrics.SkipInFlight]; got != 1 {
		t.Errorf("Expected 1 in-flight skip recorded, got %d", got)
	}
}

func TestOnFire_ConcurrentFiresStartOneRun(t *testing.T) {
	f := setupFixture(t)
	sc := f.create(t, "*/5 * * * *", true)

	var wg sync.WaitGroup
	results := make([]FireResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.registry.OnFire(context.Background(), sc.ID)
		}(i)
	}
	wg.Wait()

	started := 0
	for _, res := range results {
		if res.Outcome == OutcomeStarted {
			started++
		}
	}
	if started != 1 {
		t.Errorf("Expected exactly 1 started run, got %d", started)
	}
	if f.totalRuns(t) != 1 {
		t.Errorf("Expected 1 stored run, got %d", f.totalRuns(t))
	}
}

func TestOnFire_DisabledOrMissing(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", false)

	res := f.registry.OnFire(ctx, sc.ID)
	if res.Outcome != OutcomeSkipped || res.Reason != metrics.SkipDisabled {
		t.Errorf("Expected disabled skip, got %s (%s)", res.Outcome, res.Reason)
	}

	res = f.registry.OnFire(ctx, "ghost")
	if res.Outcome != OutcomeSkipped || res.Reason != metrics.SkipDisabled {
		t.Errorf("Expected skip for a missing schedule, got %s (%s)", res.Outcome, res.Reason)
	}

	if f.totalRuns(t) != 0 {
		t.Errorf("Expected no runs, got %d", f.totalRuns(t))
	}
}

func TestOnFire_StartFailureRecordsFailedRun(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)
	other := f.create(t, "*/10 * * * *", true)

	f.exec.err = executor.ErrBusy

	res := f.registry.OnFire(ctx, sc.ID)
	if res.Outcome != OutcomeStartFailed {
		t.Fatalf("Expected start failure, got %s (%s)", res.Outcome, res.Reason)
	}

	got := f.getRun(t, res.Run.ID)
	if got.Status != run.StatusFailed {
		t.Errorf("Expected FAILED, got %s", got.Status)
	}
	if got.ErrorStage == nil || *got.ErrorStage != run.StartStage {
		t.Errorf("Expected errorStage %q, got %v", run.StartStage, got.ErrorStage)
	}
	if got.Error == nil || !strings.Contains(*got.Error, executor.ErrBusy.Error()) {
		t.Errorf("Expected error to mention the executor failure, got %v", got.Error)
	}
	if f.runCount(t, sc.ID) != 1 {
		t.Errorf("A start failure still counts as a started run, runCount=%d", f.runCount(t, sc.ID))
	}

	stored, _ := f.schedules.Get(ctx, sc.ID)
	if stored.LastRun == nil {
		t.Error("Expected lastRun written on the terminal transition")
	}

	if !f.registry.IsArmed(sc.ID) || !f.registry.IsArmed(other.ID) {
		t.Error("A start failure must not disarm any schedule")
	}
	if f.metrics.GetMetrics().StartFailures != 1 {
		t.Errorf("Expected 1 start failure recorded")
	}

	f.exec.err = nil
	if res := f.registry.OnFire(ctx, sc.ID); res.Outcome != OutcomeStarted {
		t.Errorf("Expected the next fire to start, got %s (%s)", res.Outcome, res.Reason)
	}
}

func TestOnFire_ExecutorPanicIsContained(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)
	other := f.create(t, "*/10 * * * *", true)

	f.exec.panicWith = "executor exploded"

	res := f.registry.OnFire(ctx, sc.ID)
	if res.Outcome != OutcomeStartFailed {
		t.Fatalf("Expected start failure, got %s (%s)", res.Outcome, res.Reason)
	}
	got := f.getRun(t, res.Run.ID)
	if got.Status != run.StatusFailed || got.Error == nil || !strings.Contains(*got.Error, "executor exploded") {
		t.Errorf("Expected FAILED run carrying the panic message, got %+v", got)
	}

	f.exec.panicWith = nil
	if res := f.registry.OnFire(ctx, other.ID); res.Outcome != OutcomeStarted {
		t.Errorf("Another schedule must still fire, got %s (%s)", res.Outcome, res.Reason)
	}
	if !f.registry.IsArmed(sc.ID) {
		t.Error("A panicking fire must not disarm its schedule")
	}
}

func TestFireFromCron_StaleGenerationDropped(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	f.registry.mu.RLock()
	oldGen := f.registry.entries[sc.ID].generation
	f.registry.mu.RUnlock()

	expr := "*/7 * * * *"
	if _, err := f.manager.Update(ctx, UpdateParams{ID: sc.ID, CronExpression: &expr}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	f.registry.fireFromCron(sc.ID, oldGen)
	if f.totalRuns(t) != 0 {
		t.Fatalf("A fire from a replaced entry must not start a run")
	}
	if got := f.metrics.GetMetrics().FiresSkipped[metrics.SkipStale]; got != 1 {
		t.Errorf("Expected 1 stale skip, got %d", got)
	}

	f.registry.mu.RLock()
	newGen := f.registry.entries[sc.ID].generation
	f.registry.mu.RUnlock()

	f.registry.fireFromCron(sc.ID, newGen)
	if f.totalRuns(t) != 1 {
		t.Errorf("Expected the live entry to start a run, got %d runs", f.totalRuns(t))
	}
}

func TestFireFromCron_DisarmedEntryDropped(t *testing.T) {
	f := setupFixture(t)
	sc := f.create(t, "*/5 * * * *", true)

	f.registry.mu.RLock()
	gen := f.registry.entries[sc.ID].generation
	f.registry.mu.RUnlock()

	if _, err := f.manager.SetEnabled(context.Background(), sc.ID, false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}

	f.registry.fireFromCron(sc.ID, gen)
	if f.totalRuns(t) != 0 {
		t.Error("A disarmed entry must not start a run")
	}
}

func TestFireFromCron_RecoversPanic(t *testing.T) {
	f := setupFixture(t)
	sc := f.create(t, "*/5 * * * *", true)

	f.registry.mu.RLock()
	gen := f.registry.entries[sc.ID].generation
	f.registry.mu.RUnlock()

	// A nil tracker makes the fire path panic after the schedule checks
	f.registry.tracker = nil

	f.registry.fireFromCron(sc.ID, gen)

	if !f.registry.IsArmed(sc.ID) {
		t.Error("A panic inside a firing must not disarm the schedule")
	}
}

func TestOnFire_SourceSelector(t *testing.T) {
	f := setupFixture(t)
	queue := source.NewQueue(f.client)
	f.registry.selector = queue

	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	res := f.registry.OnFire(ctx, sc.ID)
	if res.Outcome != OutcomeSkipped || res.Reason != metrics.SkipNoSource {
		t.Fatalf("Expected no-source skip, got %s (%s)", res.Outcome, res.Reason)
	}
	if f.totalRuns(t) != 0 || f.runCount(t, sc.ID) != 0 {
		t.Fatal("An empty queue must not create a run or count one")
	}

	if err := queue.Push(ctx, run.SourceRef{ID: "recipe-1", Title: "Soup"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	res = f.registry.OnFire(ctx, sc.ID)
	if res.Outcome != OutcomeStarted {
		t.Fatalf("Expected started, got %s (%s)", res.Outcome, res.Reason)
	}
	if res.Run.Source.ID != "recipe-1" || res.Run.Source.Title != "Soup" {
		t.Errorf("Expected source from the queue, got %+v", res.Run.Source)
	}
	if n, _ := queue.Len(ctx); n != 0 {
		t.Errorf("Expected the queue drained, got %d", n)
	}
}

func TestOnFire_SourceRequeuedWhenStartFails(t *testing.T) {
	f := setupFixture(t)
	queue := source.NewQueue(f.client)
	f.registry.selector = queue
	ctx := context.Background()

	if err := queue.Push(ctx, run.SourceRef{ID: "recipe-1"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// The schedule exists for the fire checks but IncrementRunCount fails once
	// it is gone from the store
	f.storeSchedule(t, "a", "*/5 * * * *", true)
	f.registry.schedules = &deletingStore{ScheduleStore: f.schedules, victim: "a"}

	res := f.registry.OnFire(ctx, "a")
	if res.Outcome != OutcomeError {
		t.Fatalf("Expected an error outcome, got %s (%s)", res.Outcome, res.Reason)
	}

	head, err := queue.Peek(ctx)
	if err != nil || head.ID != "recipe-1" {
		t.Errorf("Expected the source back in the queue, got %+v (%v)", head, err)
	}
}

// deletingStore deletes the victim right after reading it
type deletingStore struct {
	*redisstore.ScheduleStore
	victim string
}

func (d *deletingStore) Get(ctx context.Context, id string) (*schedule.Schedule, error) {
	sc, err := d.ScheduleStore.Get(ctx, id)
	if err == nil && id == d.victim {
		_, _ = d.ScheduleStore.Delete(ctx, id)
	}
	return sc, err
}

func TestOnFire_FireLockHeldElsewhere(t *testing.T) {
	f := setupFixture(t)
	f.registry.locker = redisstore.NewFireLocker(f.client, time.Minute)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	lock, err := redisstore.AcquireLock(ctx, f.client, redisstore.LockKey(sc.ID), time.Minute)
	if err != nil || lock == nil {
		t.Fatalf("Failed to take the lock: %v", err)
	}

	res := f.registry.OnFire(ctx, sc.ID)
	if res.Outcome != OutcomeSkipped || res.Reason != metrics.SkipLocked {
		t.Fatalf("Expected locked skip, got %s (%s)", res.Outcome, res.Reason)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	res = f.registry.OnFire(ctx, sc.ID)
	if res.Outcome != OutcomeStarted {
		t.Fatalf("Expected started once the lock is free, got %s (%s)", res.Outcome, res.Reason)
	}
	if f.mr.Exists(redisstore.LockKey(sc.ID)) {
		t.Error("Fire lock should be released after the firing")
	}
}

func TestRunNow_Manual(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	res, err := f.registry.RunNow(ctx, ManualRequest{SourceID: "recipe-9", Title: "Pie"})
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if res.Outcome != OutcomeStarted {
		t.Fatalf("Expected started, got %s", res.Outcome)
	}
	if res.Run.ScheduleID != nil {
		t.Errorf("Manual runs have no schedule, got %v", *res.Run.ScheduleID)
	}
	if res.Run.TriggeredBy != run.TriggerManual {
		t.Errorf("Expected manual trigger, got %s", res.Run.TriggeredBy)
	}

	// Manual runs are not guarded: a second one starts while the first runs
	res2, err := f.registry.RunNow(ctx, ManualRequest{SourceID: "recipe-9"})
	if err != nil || res2.Outcome != OutcomeStarted {
		t.Fatalf("Expected a concurrent manual run, got %v (%v)", res2.Outcome, err)
	}
	if f.totalRuns(t) != 2 {
		t.Errorf("Expected 2 runs, got %d", f.totalRuns(t))
	}
}

func TestRunNow_DoesNotBlockScheduledFire(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	sc := f.create(t, "*/5 * * * *", true)

	if _, err := f.registry.RunNow(ctx, ManualRequest{SourceID: sc.ID}); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if res := f.registry.OnFire(ctx, sc.ID); res.Outcome != OutcomeStarted {
		t.Errorf("A manual run must not hold the schedule's guard, got %s (%s)", res.Outcome, res.Reason)
	}
	if f.runCount(t, sc.ID) != 1 {
		t.Errorf("Manual runs do not count towards runCount, got %d", f.runCount(t, sc.ID))
	}
}

func TestRunNow_Errors(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	if _, err := f.registry.RunNow(ctx, ManualRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.registry.RunNow(ctx, ManualRequest{SourceID: "   "}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for a blank source, got %v", err)
	}
	if _, err := f.registry.RunNow(ctx, ManualRequest{AutoSelect: true}); !errors.Is(err, ErrNoSource) {
		t.Errorf("Expected ErrNoSource without a queue, got %v", err)
	}

	queue := source.NewQueue(f.client)
	f.registry.selector = queue
	if _, err := f.registry.RunNow(ctx, ManualRequest{AutoSelect: true}); !errors.Is(err, ErrNoSource) {
		t.Errorf("Expected ErrNoSource for an empty queue, got %v", err)
	}

	if err := queue.Push(ctx, run.SourceRef{ID: "recipe-2", Title: "Stew"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	res, err := f.registry.RunNow(ctx, ManualRequest{AutoSelect: true})
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if res.Run.Source.ID != "recipe-2" {
		t.Errorf("Expected auto-selected source, got %+v", res.Run.Source)
	}

	if f.totalRuns(t) != 1 {
		t.Errorf("Rejected requests must not create runs, got %d", f.totalRuns(t))
	}
}

func TestRunNow_StartFailure(t *testing.T) {
	f := setupFixture(t)
	f.exec.err = errors.New("webhook unreachable")

	res, err := f.registry.RunNow(context.Background(), ManualRequest{SourceID: "recipe-3"})
	if err != nil {
		t.Fatalf("RunNow should report the failed run, got error %v", err)
	}
	if res.Outcome != OutcomeStartFailed {
		t.Fatalf("Expected start failure, got %s", res.Outcome)
	}
	if res.Run.Status != run.StatusFailed || res.Run.ErrorStage == nil || *res.Run.ErrorStage != run.StartStage {
		t.Errorf("Expected FAILED at start, got %+v", res.Run)
	}
	if res.Run.CompletedAt == nil || res.Run.DurationMs == nil {
		t.Error("Expected completedAt and durationMs set")
	}
}
