package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector instance
var (
	globalCollector *Collector
	once            sync.Once
)

// Skip reasons recorded by RecordFireSkipped
const (
	SkipInFlight    = "in_flight"
	SkipLocked      = "locked"
	SkipDisabled    = "disabled"
	SkipNoSource    = "no_source"
	SkipStale       = "stale"
	SkipStoreError  = "store_error"
	SkipSourceError = "source_error"
)

// Collector tracks scheduler and run metrics in memory
type Collector struct {
	runsStarted   atomic.Int64
	runsSucceeded atomic.Int64
	runsFailed    atomic.Int64
	startFailures atomic.Int64
	fires         atomic.Int64

	mu             sync.RWMutex
	runsByTrigger  map[string]int64
	firesSkipped   map[string]int64
	armedSchedules int64
	totalDuration  time.Duration
	completedCount int64
	startTime      time.Time
}

// Metrics is a point-in-time snapshot served on /metrics
type Metrics struct {
	RunsStarted    int64            `json:"runs_started"`
	RunsSucceeded  int64            `json:"runs_succeeded"`
	RunsFailed     int64            `json:"runs_failed"`
	StartFailures  int64            `json:"start_failures"`
	RunsInFlight   int64            `json:"runs_in_flight"`
	RunsByTrigger  map[string]int64 `json:"runs_by_trigger"`
	Fires          int64            `json:"fires"`
	FiresSkipped   map[string]int64 `json:"fires_skipped"`
	ArmedSchedules int64            `json:"armed_schedules"`
	AvgRunDuration time.Duration    `json:"avg_run_duration"`
	FailureRate    float64          `json:"failure_rate"`
	Uptime         time.Duration    `json:"uptime"`
}

// Default returns the global metrics collector instance
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		runsByTrigger: make(map[string]int64),
		firesSkipped:  make(map[string]int64),
		startTime:     time.Now(),
	}
}

// RecordRunStarted counts a run entering RUNNING
func (c *Collector) RecordRunStarted(trigger string) {
	c.runsStarted.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runsByTrigger[trigger]++
}

// RecordRunSucceeded records a run reaching SUCCESS
func (c *Collector) RecordRunSucceeded(duration time.Duration) {
	c.runsSucceeded.Add(1)
	c.addDuration(duration)
}

// RecordRunFailed records a run reaching FAILED
func (c *Collector) RecordRunFailed(duration time.Duration) {
	c.runsFailed.Add(1)
	c.addDuration(duration)
}

func (c *Collector) addDuration(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration += d
	c.completedCount++
}

// RecordStartFailure records an executor refusing to start a run
func (c *Collector) RecordStartFailure() {
	c.startFailures.Add(1)
}

// RecordFire records a cron firing, whether or not it starts a run
func (c *Collector) RecordFire() {
	c.fires.Add(1)
}

// RecordFireSkipped records a firing that did not start a run
func (c *Collector) RecordFireSkipped(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.firesSkipped[reason]++
}

// RecordArmed sets the number of schedules currently armed in the registry
func (c *Collector) RecordArmed(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armedSchedules = int64(n)
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byTrigger := make(map[string]int64, len(c.runsByTrigger))
	for k, v := range c.runsByTrigger {
		byTrigger[k] = v
	}

	skipped := make(map[string]int64, len(c.firesSkipped))
	for k, v := range c.firesSkipped {
		skipped[k] = v
	}

	var avgDuration time.Duration
	if c.completedCount > 0 {
		avgDuration = c.totalDuration / time.Duration(c.completedCount)
	}

	started := c.runsStarted.Load()
	succeeded := c.runsSucceeded.Load()
	failed := c.runsFailed.Load()

	var failureRate float64
	if succeeded+failed > 0 {
		failureRate = float64(failed) / float64(succeeded+failed) * 100
	}

	inFlight := started - succeeded - failed
	if inFlight < 0 {
		inFlight = 0
	}

	return Metrics{
		RunsStarted:    started,
		RunsSucceeded:  succeeded,
		RunsFailed:     failed,
		StartFailures:  c.startFailures.Load(),
		RunsInFlight:   inFlight,
		RunsByTrigger:  byTrigger,
		Fires:          c.fires.Load(),
		FiresSkipped:   skipped,
		ArmedSchedules: c.armedSchedules,
		AvgRunDuration: avgDuration,
		FailureRate:    failureRate,
		Uptime:         time.Since(c.startTime),
	}
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.runsStarted.Store(0)
	c.runsSucceeded.Store(0)
	c.runsFailed.Store(0)
	c.startFailures.Store(0)
	c.fires.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runsByTrigger = make(map[string]int64)
	c.firesSkipped = make(map[string]int64)
	c.armedSchedules = 0
	c.totalDuration = 0
	c.completedCount = 0
	c.startTime = time.Now()
}

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector
func ResetMetrics() {
	Default().Reset()
}
