// Package run models pipeline executions and drives their state machine.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no run exists for an id
	ErrNotFound = errors.New("run not found")

	// ErrTerminal is returned when mutating a run that already reached SUCCESS or FAILED
	ErrTerminal = errors.New("run is already terminal")

	// ErrRunFinished is returned by a Reporter after its terminal event was sent
	ErrRunFinished = errors.New("run reporter already finished")

	// ErrInvalidFilter is returned for unknown status or trigger filter values
	ErrInvalidFilter = errors.New("invalid run filter")
)

// Status is the state of a run
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// ParseStatus parses a status filter value. Matching is exact.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: status %q", ErrInvalidFilter, v)
	}
	return s, nil
}

// Trigger records what started a run
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Valid reports whether t is a known trigger
func (t Trigger) Valid() bool {
	return t == TriggerSchedule || t == TriggerManual
}

// ParseTrigger parses a trigger filter value
func ParseTrigger(v string) (Trigger, error) {
	t := Trigger(v)
	if !t.Valid() {
		return "", fmt.Errorf("%w: triggeredBy %q", ErrInvalidFilter, v)
	}
	return t, nil
}

// StartStage is the errorStage recorded when an executor fails to begin work
const StartStage = "start"

// SourceRef points at the unit of work a run processes, with a title snapshot
type SourceRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// LogEntry is one structured log line of a run
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Step      *int      `json:"step,omitempty"`
	Total     *int      `json:"total,omitempty"`
	Message   string    `json:"message"`
}

// Run is one execution attempt of the pipeline
type Run struct {
	ID          string     `json:"id"`
	ScheduleID  *string    `json:"scheduleId"`
	Source      SourceRef  `json:"source"`
	Status      Status     `json:"status"`
	Stage       *string    `json:"stage"`
	Progress    int        `json:"progress"`
	Logs        []LogEntry `json:"logs"`
	ResultRef   *string    `json:"resultRef"`
	Error       *string    `json:"error"`
	ErrorStage  *string    `json:"errorStage"`
	TriggeredBy Trigger    `json:"triggeredBy"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	DurationMs  *int64     `json:"durationMs"`
}

// Clone returns a deep copy of r
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.ScheduleID = cloneString(r.ScheduleID)
	c.Stage = cloneString(r.Stage)
	c.ResultRef = cloneString(r.ResultRef)
	c.Error = cloneString(r.Error)
	c.ErrorStage = cloneString(r.ErrorStage)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.DurationMs != nil {
		d := *r.DurationMs
		c.DurationMs = &d
	}
	if r.Logs != nil {
		c.Logs = make([]LogEntry, len(r.Logs))
		copy(c.Logs, r.Logs)
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns nil for an empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Filter narrows a history listing. Zero values match everything.
type Filter struct {
	Status      Status
	TriggeredBy Trigger
	ScheduleID  string
}

// Store persists runs.
//
// Create never stores logs; they are added only through AppendLog. Save writes
// the scalar fields of an existing run. A store that tracks an active run per
// schedule clears it when Save persists a terminal status.
type Store interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	Save(ctx context.Context, r *Run) error
	AppendLog(ctx context.Context, id string, entry LogEntry) error
	// ActiveForSchedule returns the non-terminal run of a schedule, or nil
	ActiveForSchedule(ctx context.Context, scheduleID string) (*Run, error)
	// List returns runs newest first, with logs, and the total matching count.
	// A negative offset fails with ErrInvalidFilter.
	List(ctx context.Context, filter Filter, offset, limit int) ([]*Run, int, error)
	// DeleteMany deletes the given runs and returns how many existed
	DeleteMany(ctx context.Context, ids []string) (int, error)
}
