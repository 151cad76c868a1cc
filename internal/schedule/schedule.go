// Package schedule defines recurring pipeline triggers and their persistence contract.
package schedule

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no schedule exists for an id
	ErrNotFound = errors.New("schedule not found")

	// ErrInvalid is returned for schedules that cannot be created or updated as requested
	ErrInvalid = errors.New("invalid schedule")
)

// Schedule is a persisted recurring trigger for the pipeline
type Schedule struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Enabled        bool   `json:"enabled"`
	CronExpression string `json:"cronExpression"`

	// Display-only hints derived from CronExpression; never used for firing
	TimeOfDay string `json:"timeOfDay,omitempty"`
	DayOfWeek string `json:"dayOfWeek,omitempty"`

	// LastRun is the completion time of the most recent terminal scheduled run
	LastRun *time.Time `json:"lastRun,omitempty"`
	// NextRun is computed at read time and nil while disabled
	NextRun  *time.Time `json:"nextRun,omitempty"`
	RunCount int64      `json:"runCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of s
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastRun != nil {
		t := *s.LastRun
		c.LastRun = &t
	}
	if s.NextRun != nil {
		t := *s.NextRun
		c.NextRun = &t
	}
	return &c
}

// Store persists schedules.
//
// Implementations must make IncrementRunCount atomic. Delete reports whether a
// record existed so callers can stay idempotent.
type Store interface {
	Create(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	// List returns every schedule ordered by CreatedAt ascending
	List(ctx context.Context) ([]*Schedule, error)
	// Update overwrites the mutable fields (name, enabled, cron, hints, updatedAt)
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id string) (bool, error)
	IncrementRunCount(ctx context.Context, id string) (int64, error)
	SetLastRun(ctx context.Context, id string, at time.Time) error
}
