package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pantryerrors "github.com/muaviaUsmani/pantry/internal/errors"
	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/metrics"
	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/schedule"
	"github.com/muaviaUsmani/pantry/internal/source"
)

// fireFromCron is the cron callback of an armed entry. A panic is contained
// here so one schedule can never take down the cron loop or its neighbours.
func (r *Registry) fireFromCron(id string, gen uint64) {
	ctx := logger.WithScheduleID(r.fireContext(), id)

	err := pantryerrors.Call(func() error {
		res := r.fire(ctx, id, gen)
		if res.Outcome == OutcomeError {
			return errors.New(res.Reason)
		}
		return nil
	})
	if err == nil {
		return
	}

	var panicErr *pantryerrors.PanicError
	if errors.As(err, &panicErr) {
		r.log.ErrorContext(ctx, "Schedule firing panicked",
			"schedule_id", id,
			"panic_value", panicErr.Value,
			"stack_trace", panicErr.Stacktrace)
		return
	}
	r.log.ErrorContext(ctx, "Schedule firing failed", "schedule_id", id, "error", err)
}

// OnFire runs the firing decision for a schedule as if its cron entry had
// fired now
func (r *Registry) OnFire(ctx context.Context, scheduleID string) FireResult {
	return r.fire(logger.WithScheduleID(ctx, scheduleID), scheduleID, 0)
}

// fire decides whether a firing starts a run. gen 0 skips the staleness check.
func (r *Registry) fire(ctx context.Context, id string, gen uint64) FireResult {
	r.metrics.RecordFire()

	if gen != 0 && !r.current(id, gen) {
		return r.skip(ctx, id, metrics.SkipStale, "entry was disarmed or re-armed")
	}

	// Fires of one schedule are serialized; different schedules proceed in parallel
	unlock := r.fireLocks.Lock(id)
	defer unlock()

	if r.locker != nil {
		release, ok, err := r.locker.TryLock(ctx, id)
		if err != nil {
			return r.fail(ctx, id, metrics.SkipStoreError, fmt.Errorf("failed to acquire fire lock: %w", err))
		}
		if !ok {
			return r.skip(ctx, id, metrics.SkipLocked, "another replica holds the fire lock")
		}
		defer release()
	}

	sc, err := r.schedules.Get(ctx, id)
	if errors.Is(err, schedule.ErrNotFound) {
		return r.skip(ctx, id, metrics.SkipDisabled, "schedule no longer exists")
	}
	if err != nil {
		return r.fail(ctx, id, metrics.SkipStoreError, err)
	}
	if !sc.Enabled {
		return r.skip(ctx, id, metrics.SkipDisabled, "schedule is disabled")
	}

	active, err := r.tracker.ActiveForSchedule(ctx, id)
	if err != nil {
		return r.fail(ctx, id, metrics.SkipStoreError, err)
	}
	if active != nil {
		return r.skip(ctx, id, metrics.SkipInFlight, fmt.Sprintf("run %s still in flight", active.ID))
	}

	src := run.SourceRef{ID: sc.ID, Title: sc.Name}
	fromQueue := false
	if r.selector != nil {
		src, err = r.selector.Next(ctx)
		if errors.Is(err, source.ErrEmpty) {
			return r.skip(ctx, id, metrics.SkipNoSource, "no pending source")
		}
		if err != nil {
			return r.fail(ctx, id, metrics.SkipSourceError, err)
		}
		fromQueue = true
	}

	res, err := r.start(ctx, run.StartParams{
		ScheduleID:  id,
		Source:      src,
		TriggeredBy: run.TriggerSchedule,
	}, fromQueue)
	if err != nil {
		return r.fail(ctx, id, metrics.SkipStoreError, err)
	}
	res.ScheduleID = id
	return res
}

// RunNow starts a manual run. It bypasses the per-schedule in-flight guard
// and is never tied to a schedule.
func (r *Registry) RunNow(ctx context.Context, req ManualRequest) (FireResult, error) {
	var src run.SourceRef
	fromQueue := false

	switch {
	case req.AutoSelect:
		if r.selector == nil {
			return FireResult{}, fmt.Errorf("%w: no source queue configured", ErrNoSource)
		}
		next, err := r.selector.Next(ctx)
		if errors.Is(err, source.ErrEmpty) {
			return FireResult{}, ErrNoSource
		}
		if err != nil {
			return FireResult{}, fmt.Errorf("failed to select source: %w", err)
		}
		src, fromQueue = next, true
	case strings.TrimSpace(req.SourceID) != "":
		src = run.SourceRef{ID: req.SourceID, Title: req.Title}
	default:
		return FireResult{}, fmt.Errorf("%w: either autoSelect or sourceId is required", ErrInvalidRequest)
	}

	res, err := r.start(ctx, run.StartParams{Source: src, TriggeredBy: run.TriggerManual}, fromQueue)
	if err != nil {
		return FireResult{}, err
	}
	return res, nil
}

// start creates the run and hands it to the executor. An executor error or
// panic leaves the run FAILED at the start stage. A source taken from the
// queue is put back when no run could be created.
func (r *Registry) start(ctx context.Context, p run.StartParams, fromQueue bool) (FireResult, error) {
	started, err := r.tracker.Start(ctx, p)
	if err != nil {
		if fromQueue {
			if rqErr := r.selector.Requeue(ctx, p.Source); rqErr != nil {
				r.log.ErrorContext(ctx, "Failed to requeue source", "source_id", p.Source.ID, "error", rqErr)
			}
		}
		return FireResult{}, fmt.Errorf("failed to start run: %w", err)
	}

	runCtx := logger.WithRunID(ctx, started.ID)
	rep := r.tracker.Attach(runCtx, started)

	execErr := pantryerrors.Call(func() error {
		return r.executor.Start(runCtx, started, rep)
	})
	if execErr == nil {
		r.log.InfoContext(runCtx, "Run handed to executor",
			"triggered_by", p.TriggeredBy,
			"source_id", p.Source.ID)
		return FireResult{Outcome: OutcomeStarted, Run: started}, nil
	}

	r.metrics.RecordStartFailure()
	r.log.WarnContext(runCtx, "Executor failed to start run", "error", execErr)

	if err := rep.Fail(run.StartStage, execErr.Error()); err == nil {
		<-rep.Done()
	}
	final, err := r.tracker.Get(ctx, started.ID)
	if err != nil {
		final = started
	}
	return FireResult{Outcome: OutcomeStartFailed, Run: final, Reason: execErr.Error()}, nil
}

func (r *Registry) skip(ctx context.Context, id, reason, detail string) FireResult {
	r.metrics.RecordFireSkipped(reason)
	r.log.InfoContext(ctx, "Schedule firing skipped", "schedule_id", id, "reason", reason, "detail", detail)
	return FireResult{ScheduleID: id, Outcome: OutcomeSkipped, Reason: reason}
}

func (r *Registry) fail(ctx context.Context, id, reason string, err error) FireResult {
	r.metrics.RecordFireSkipped(reason)
	r.log.ErrorContext(ctx, "Schedule firing aborted", "schedule_id", id, "reason", reason, "error", err)
	return FireResult{ScheduleID: id, Outcome: OutcomeError, Reason: err.Error()}
}
