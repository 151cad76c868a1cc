// Package scheduler arms enabled schedules on a cron runtime, decides whether
// each firing starts a run, and manages schedule records so that the stored
// enabled flag and the armed set never disagree.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/muaviaUsmani/pantry/internal/crontab"
	"github.com/muaviaUsmani/pantry/internal/executor"
	"github.com/muaviaUsmani/pantry/internal/keymutex"
	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/metrics"
	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/schedule"
)

// entry is an armed schedule
type entry struct {
	cronID     cron.EntryID
	expression string
	generation uint64
}

// Registry maps schedule ids to armed cron entries.
//
// mu guards the entry map. The Manager holds it across the store write and
// the (de)registration, so no reader ever sees a stored enabled flag that
// disagrees with the armed set. Reconcile reads the store without it and
// only takes it to apply what it read.
//
// liveMu guards live, a copy of each armed entry's generation, and baseCtx.
// Firings only take liveMu, so a slow store write never delays a firing.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	generation uint64
	writes     uint64

	liveMu  sync.RWMutex
	live    map[string]uint64
	baseCtx context.Context

	cron      *cron.Cron
	loc       *time.Location
	schedules schedule.Store
	tracker   *run.Tracker
	executor  executor.Executor
	selector  SourceSelector
	locker    FireLocker
	fireLocks *keymutex.KeyMutex
	metrics   *metrics.Collector
	log       logger.Logger
	now       func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithLocation sets the zone cron expressions are evaluated in (default UTC)
func WithLocation(loc *time.Location) Option {
	return func(r *Registry) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithSourceSelector sets where scheduled and auto-selected runs take their
// unit of work from
func WithSourceSelector(s SourceSelector) Option {
	return func(r *Registry) { r.selector = s }
}

// WithFireLocker adds a cross-replica lock around each firing
func WithFireLocker(l FireLocker) Option {
	return func(r *Registry) { r.locker = l }
}

// WithMetrics sets the metrics collector (default: metrics.Default())
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) { r.log = l.WithComponent(logger.ComponentRegistry) }
}

// WithClock replaces time.Now for next-run computation
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a stopped registry. Call Start to arm schedules.
func NewRegistry(schedules schedule.Store, tracker *run.Tracker, exec executor.Executor, opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		live:      make(map[string]uint64),
		loc:       time.UTC,
		schedules: schedules,
		tracker:   tracker,
		executor:  exec,
		fireLocks: keymutex.New(),
		metrics:   metrics.Default(),
		log:       logger.Default().WithComponent(logger.ComponentRegistry),
		now:       time.Now,
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.cron = cron.New(
		cron.WithParser(crontab.Parser()),
		cron.WithLocation(r.loc),
	)
	return r
}

// Start reconciles against the store and starts the cron loop
func (r *Registry) Start(ctx context.Context) error {
	res, err := r.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("initial reconcile failed: %w", err)
	}

	r.liveMu.Lock()
	r.baseCtx = context.WithoutCancel(ctx)
	r.liveMu.Unlock()

	r.cron.Start()
	r.log.Info("Job registry started",
		"armed", len(r.Armed()),
		"invalid", len(res.Invalid),
		"timezone", r.loc.String())
	return nil
}

// Stop stops the cron loop and waits for firings in progress to return.
// Runs already handed to the executor keep going.
func (r *Registry) Stop(ctx context.Context) error {
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
		r.log.Info("Job registry stopped")
		return nil
	case <-ctx.Done():
		r.log.Warn("Job registry stop timed out")
		return ctx.Err()
	}
}

// Reconcile makes the armed set match the store: newly enabled schedules are
// armed, disabled or deleted ones disarmed, and changed expressions re-armed.
// A schedule whose expression does not parse is reported in Invalid and left
// disarmed; the others are still reconciled.
func (r *Registry) Reconcile(ctx context.Context) (ReconcileResult, error) {
	res := ReconcileResult{Invalid: make(map[string]error)}

	var all []*schedule.Schedule
	err := r.lockAfterRead(func() (err error) {
		all, err = r.schedules.List(ctx)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(all))
	for _, sc := range all {
		seen[sc.ID] = true
		r.record(&res, sc.ID, r.applyLocked(sc))
	}

	for id := range r.entries {
		if !seen[id] {
			r.disarmLocked(id)
			res.Disarmed = append(res.Disarmed, id)
		}
	}

	r.writes++
	r.metrics.RecordArmed(len(r.entries))
	if res.Changed() || len(res.Invalid) > 0 {
		r.log.Info("Registry reconciled",
			"armed", res.Armed,
			"disarmed", res.Disarmed,
			"rearmed", res.Rearmed,
			"invalid", len(res.Invalid))
	}
	return res, nil
}

// ReconcileOne re-reads a single schedule and arms or disarms it
func (r *Registry) ReconcileOne(ctx context.Context, id string) (ReconcileResult, error) {
	res := ReconcileResult{Invalid: make(map[string]error)}

	var sc *schedule.Schedule
	err := r.lockAfterRead(func() (err error) {
		sc, err = r.schedules.Get(ctx, id)
		if errors.Is(err, schedule.ErrNotFound) {
			sc, err = nil, nil
		}
		return err
	})
	if err != nil {
		return res, fmt.Errorf("failed to read schedule %s: %w", id, err)
	}
	defer r.mu.Unlock()

	if sc == nil {
		if r.disarmLocked(id) {
			res.Disarmed = append(res.Disarmed, id)
		}
	} else {
		r.record(&res, id, r.applyLocked(sc))
	}

	r.writes++
	r.metrics.RecordArmed(len(r.entries))
	return res, nil
}

// readAttempts bounds how often a store read is retried outside the lock
const readAttempts = 3

// lockAfterRead runs read and returns with r.mu held for writing. read runs
// without the lock; when a write is applied while it runs, its result may be
// stale and it runs again, the last time under the lock. When read fails the
// lock is not held.
func (r *Registry) lockAfterRead(read func() error) error {
	for attempt := 1; attempt < readAttempts; attempt++ {
		r.mu.RLock()
		seen := r.writes
		r.mu.RUnlock()

		if err := read(); err != nil {
			return err
		}

		r.mu.Lock()
		if r.writes == seen {
			return nil
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	if err := read(); err != nil {
		r.mu.Unlock()
		return err
	}
	return nil
}

type change struct {
	kind string
	err  error
}

const (
	changeArmed    = "armed"
	changeDisarmed = "disarmed"
	changeRearmed  = "rearmed"
)

func (r *Registry) record(res *ReconcileResult, id string, c change) {
	if c.err != nil {
		res.Invalid[id] = c.err
		r.log.Warn("Schedule left disarmed", "schedule_id", id, "error", c.err)
	}
	switch c.kind {
	case changeArmed:
		res.Armed = append(res.Armed, id)
	case changeDisarmed:
		res.Disarmed = append(res.Disarmed, id)
	case changeRearmed:
		res.Rearmed = append(res.Rearmed, id)
	}
}

// applyLocked arms, re-arms or disarms sc according to its enabled flag and
// expression. r.mu must be held for writing.
func (r *Registry) applyLocked(sc *schedule.Schedule) change {
	current, armed := r.entries[sc.ID]

	if !sc.Enabled {
		if r.disarmLocked(sc.ID) {
			return change{kind: changeDisarmed}
		}
		return change{}
	}

	if armed && current.expression == sc.CronExpression {
		return change{}
	}

	parsed, err := crontab.Parse(sc.CronExpression)
	if err != nil {
		if r.disarmLocked(sc.ID) {
			return change{kind: changeDisarmed, err: err}
		}
		return change{err: err}
	}

	if armed {
		r.cron.Remove(current.cronID)
	}

	r.generation++
	gen := r.generation
	id := sc.ID
	cronID := r.cron.Schedule(parsed, cron.FuncJob(func() { r.fireFromCron(id, gen) }))
	r.entries[id] = &entry{cronID: cronID, expression: sc.CronExpression, generation: gen}
	r.liveMu.Lock()
	r.live[id] = gen
	r.liveMu.Unlock()

	if armed {
		return change{kind: changeRearmed}
	}
	return change{kind: changeArmed}
}

// disarmLocked removes the entry for id. r.mu must be held for writing.
func (r *Registry) disarmLocked(id string) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	r.cron.Remove(e.cronID)
	delete(r.entries, id)
	r.liveMu.Lock()
	delete(r.live, id)
	r.liveMu.Unlock()
	return true
}

// IsArmed reports whether id has a live cron entry
func (r *Registry) IsArmed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Armed returns the armed schedule ids, sorted
func (r *Registry) Armed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of armed schedules
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// NextFireTime returns the first activation of expr after from in the
// registry's zone. It does not touch any entry.
func (r *Registry) NextFireTime(expr string, from time.Time) (time.Time, error) {
	return crontab.Next(expr, from, r.loc)
}

// Location returns the zone cron expressions are evaluated in
func (r *Registry) Location() *time.Location {
	return r.loc
}

// current reports whether gen is still the live generation of id
func (r *Registry) current(id string, gen uint64) bool {
	r.liveMu.RLock()
	defer r.liveMu.RUnlock()
	live, ok := r.live[id]
	return ok && live == gen
}

func (r *Registry) fireContext() context.Context {
	r.liveMu.RLock()
	defer r.liveMu.RUnlock()
	return r.baseCtx
}
