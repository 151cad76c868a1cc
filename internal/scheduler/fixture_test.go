package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/pantry/internal/metrics"
	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/schedule"
	"github.com/muaviaUsmani/pantry/internal/store/redisstore"
)

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// fakeExecutor accepts runs without doing any work. Tests finish them
// explicitly through the kept reporters.
type fakeExecutor struct {
	mu        sync.Mutex
	reporters map[string]*run.Reporter
	started   []string
	err       error
	panicWith interface{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{reporters: make(map[string]*run.Reporter)}
}

func (f *fakeExecutor) Start(ctx context.Context, r *run.Run, rep *run.Reporter) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return f.err
	}
	f.reporters[r.ID] = rep
	f.started = append(f.started, r.ID)
	return nil
}

func (f *fakeExecutor) finish(t *testing.T, runID string) {
	t.Helper()
	f.mu.Lock()
	rep, ok := f.reporters[runID]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("Run %s was never handed to the executor", runID)
	}
	if err := rep.Succeed("ref-" + runID); err != nil {
		t.Fatalf("Failed to finish run: %v", err)
	}
	<-rep.Done()
}

func (f *fakeExecutor) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingPublisher) Publish(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return p.err
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

type fixture struct {
	mr        *miniredis.Miniredis
	client    *redis.Client
	schedules *redisstore.ScheduleStore
	runs      *redisstore.RunStore
	tracker   *run.Tracker
	exec      *fakeExecutor
	metrics   *metrics.Collector
	registry  *Registry
	manager   *Manager
	publisher *recordingPublisher
}

func setupFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := func() time.Time { return testNow }

	f := &fixture{
		mr:        mr,
		client:    client,
		schedules: redisstore.NewScheduleStore(client),
		runs:      redisstore.NewRunStore(client, nil),
		exec:      newFakeExecutor(),
		metrics:   metrics.NewCollector(),
		publisher: &recordingPublisher{},
	}
	f.tracker = run.NewTracker(f.runs, f.schedules, run.WithClock(clock), run.WithMetrics(f.metrics))

	all := append([]Option{WithClock(clock), WithMetrics(f.metrics)}, opts...)
	f.registry = NewRegistry(f.schedules, f.tracker, f.exec, all...)
	f.manager = NewManager(f.registry, f.runs, f.publisher)
	return f
}

// storeSchedule writes a schedule straight to the store, bypassing the registry
func (f *fixture) storeSchedule(t *testing.T, id, expr string, enabled bool) {
	t.Helper()
	err := f.schedules.Create(context.Background(), &schedule.Schedule{
		ID:             id,
		Name:           id,
		Enabled:        enabled,
		CronExpression: expr,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	})
	if err != nil {
		t.Fatalf("Failed to store schedule: %v", err)
	}
}

func (f *fixture) create(t *testing.T, expr string, enabled bool) *schedule.Schedule {
	t.Helper()
	sc, err := f.manager.Create(context.Background(), CreateParams{CronExpression: expr, Enabled: enabled})
	if err != nil {
		t.Fatalf("Failed to create schedule: %v", err)
	}
	return sc
}

func (f *fixture) runCount(t *testing.T, id string) int64 {
	t.Helper()
	sc, err := f.schedules.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get schedule: %v", err)
	}
	return sc.RunCount
}

func (f *fixture) getRun(t *testing.T, id string) *run.Run {
	t.Helper()
	r, err := f.runs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	return r
}

func (f *fixture) totalRuns(t *testing.T) int {
	t.Helper()
	_, total, err := f.runs.List(context.Background(), run.Filter{}, 0, 1)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	return total
}

func isNotFound(err error) bool {
	return errors.Is(err, schedule.ErrNotFound)
}
