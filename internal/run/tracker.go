package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/muaviaUsmani/pantry/internal/keymutex"
	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/metrics"
	"github.com/muaviaUsmani/pantry/internal/schedule"
)

// ScheduleRecorder is the part of the schedule store the tracker writes to
type ScheduleRecorder interface {
	IncrementRunCount(ctx context.Context, id string) (int64, error)
	SetLastRun(ctx context.Context, id string, at time.Time) error
}

// Tracker owns every state transition of a run.
//
// Read-modify-write of a run is serialized per run id; runCount and lastRun
// writes are serialized per schedule id. Different runs never contend.
type Tracker struct {
	store      Store
	schedules  ScheduleRecorder
	metrics    *metrics.Collector
	log        logger.Logger
	now        func() time.Time
	runLocks   *keymutex.KeyMutex
	schedLocks *keymutex.KeyMutex
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics sets the metrics collector (default: metrics.Default())
func WithMetrics(c *metrics.Collector) Option {
	return func(t *Tracker) { t.metrics = c }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) { t.log = l.WithComponent(logger.ComponentTracker) }
}

// NewTracker creates a run tracker over store. schedules may be nil when
// only manual runs are recorded.
func NewTracker(store Store, schedules ScheduleRecorder, opts ...Option) *Tracker {
	t := &Tracker{
		store:      store,
		schedules:  schedules,
		metrics:    metrics.Default(),
		log:        logger.Default().WithComponent(logger.ComponentTracker),
		now:        time.Now,
		runLocks:   keymutex.New(),
		schedLocks: keymutex.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartParams describes a run about to start
type StartParams struct {
	ScheduleID  string
	Source      SourceRef
	TriggeredBy Trigger
}

// Start records a new RUNNING run. For scheduled runs the owning schedule's
// runCount is incremented once the run is stored, so a run that never
// finishes still counts and a run that was never stored does not. If the
// increment fails the stored run is deleted again.
func (t *Tracker) Start(ctx context.Context, p StartParams) (*Run, error) {
	if !p.TriggeredBy.Valid() {
		return nil, fmt.Errorf("unknown trigger %q", p.TriggeredBy)
	}
	if (p.TriggeredBy == TriggerSchedule) != (p.ScheduleID != "") {
		return nil, fmt.Errorf("trigger %q is inconsistent with schedule id %q", p.TriggeredBy, p.ScheduleID)
	}
	if p.ScheduleID != "" && t.schedules == nil {
		return nil, fmt.Errorf("scheduled run without a schedule store")
	}

	r := &Run{
		ID:          uuid.NewString(),
		Source:      p.Source,
		Status:      StatusRunning,
		Progress:    0,
		Logs:        []LogEntry{},
		TriggeredBy: p.TriggeredBy,
		StartedAt:   t.now().UTC(),
	}
	if p.ScheduleID != "" {
		sid := p.ScheduleID
		r.ScheduleID = &sid
	}

	if err := t.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if p.ScheduleID != "" {
		unlock := t.schedLocks.Lock(p.ScheduleID)
		count, err := t.schedules.IncrementRunCount(ctx, p.ScheduleID)
		unlock()
		if err != nil {
			if _, derr := t.store.DeleteMany(context.WithoutCancel(ctx), []string{r.ID}); derr != nil {
				t.log.Error("Failed to remove uncounted run",
					"run_id", r.ID,
					"schedule_id", p.ScheduleID,
					"error", derr)
			}
			return nil, fmt.Errorf("failed to increment run count: %w", err)
		}
		t.log.Debug("Run count incremented", "schedule_id", p.ScheduleID, "run_count", count)
	}

	t.metrics.RecordRunStarted(string(r.TriggeredBy))
	t.log.InfoContext(logger.WithRunID(ctx, r.ID), "Run started",
		"triggered_by", r.TriggeredBy,
		"schedule_id", p.ScheduleID,
		"source_id", r.Source.ID)

	return r.Clone(), nil
}

// Get returns a run with its logs
func (t *Tracker) Get(ctx context.Context, id string) (*Run, error) {
	return t.store.Get(ctx, id)
}

// ActiveForSchedule returns the non-terminal run of a schedule, or nil
func (t *Tracker) ActiveForSchedule(ctx context.Context, scheduleID string) (*Run, error) {
	return t.store.ActiveForSchedule(ctx, scheduleID)
}

// Progress sets progress (clamped to 0..100) and, when stage is not empty, the stage
func (t *Tracker) Progress(ctx context.Context, id string, progress int, stage string) (*Run, error) {
	return t.mutate(ctx, id, func(r *Run) error {
		r.Progress = clampProgress(progress)
		if stage != "" {
			r.Stage = &stage
		}
		return nil
	})
}

// AppendLog appends a log line. A missing timestamp is set to now, and a
// timestamp earlier than the previous entry is raised to it.
func (t *Tracker) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	unlock := t.runLocks.Lock(id)
	defer unlock()

	r, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if n := len(r.Logs); n > 0 && entry.Timestamp.Before(r.Logs[n-1].Timestamp) {
		entry.Timestamp = r.Logs[n-1].Timestamp
	}

	return t.store.AppendLog(ctx, id, entry)
}

// Succeed moves a run to SUCCESS
func (t *Tracker) Succeed(ctx context.Context, id, resultRef string) (*Run, error) {
	r, err := t.mutate(ctx, id, func(r *Run) error {
		t.complete(r, StatusSuccess)
		r.ResultRef = StringPtr(resultRef)
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.metrics.RecordRunSucceeded(time.Duration(*r.DurationMs) * time.Millisecond)
	t.log.InfoContext(logger.WithRunID(ctx, r.ID), "Run succeeded", "duration_ms", *r.DurationMs)

	return r, t.recordLastRun(ctx, r)
}

// Fail moves a run to FAILED with the stage it failed in and a reason.
// An empty stage defaults to the run's current stage.
func (t *Tracker) Fail(ctx context.Context, id, stage, message string) (*Run, error) {
	if message == "" {
		message = "run failed"
	}
	r, err := t.mutate(ctx, id, func(r *Run) error {
		if stage == "" && r.Stage != nil {
			stage = *r.Stage
		}
		t.complete(r, StatusFailed)
		r.Error = &message
		r.ErrorStage = StringPtr(stage)
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.metrics.RecordRunFailed(time.Duration(*r.DurationMs) * time.Millisecond)
	t.log.WarnContext(logger.WithRunID(ctx, r.ID), "Run failed",
		"error_stage", stage,
		"error", message,
		"duration_ms", *r.DurationMs)

	return r, t.recordLastRun(ctx, r)
}

func (t *Tracker) complete(r *Run, status Status) {
	completed := t.now().UTC()
	duration := completed.Sub(r.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	r.Status = status
	r.CompletedAt = &completed
	r.DurationMs = &duration
}

// recordLastRun writes the owning schedule's lastRun. A schedule deleted while
// the run was in flight is not an error.
func (t *Tracker) recordLastRun(ctx context.Context, r *Run) error {
	if r.ScheduleID == nil || t.schedules == nil {
		return nil
	}

	unlock := t.schedLocks.Lock(*r.ScheduleID)
	defer unlock()

	if err := t.schedules.SetLastRun(ctx, *r.ScheduleID, *r.CompletedAt); err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			t.log.Debug("Schedule gone before run finished", "schedule_id", *r.ScheduleID, "run_id", r.ID)
			return nil
		}
		return fmt.Errorf("run %s finished but lastRun was not recorded: %w", r.ID, err)
	}
	return nil
}

func (t *Tracker) mutate(ctx context.Context, id string, fn func(r *Run) error) (*Run, error) {
	unlock := t.runLocks.Lock(id)
	defer unlock()

	r, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	if err := fn(r); err != nil {
		return nil, err
	}
	if err := t.store.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to save run %s: %w", id, err)
	}

	return r, nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
