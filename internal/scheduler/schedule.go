package scheduler

import (
	"context"
	"errors"

	"github.com/muaviaUsmani/pantry/internal/run"
)

var (
	// ErrNoSource is returned by RunNow when auto-select finds nothing pending
	ErrNoSource = errors.New("no pending source to process")

	// ErrInvalidRequest is returned for a manual trigger without a source
	ErrInvalidRequest = errors.New("invalid run request")
)

// Outcome is what a firing or manual trigger did
type Outcome string

const (
	// OutcomeStarted means a run was created and handed to the executor
	OutcomeStarted Outcome = "started"
	// OutcomeSkipped means no run was created
	OutcomeSkipped Outcome = "skipped"
	// OutcomeStartFailed means a run was created but the executor did not take
	// it; the run is FAILED at the start stage
	OutcomeStartFailed Outcome = "start_failed"
	// OutcomeError means a store error prevented the run from being created
	OutcomeError Outcome = "error"
)

// FireResult describes the effect of one firing
type FireResult struct {
	ScheduleID string
	Outcome    Outcome
	Run        *run.Run // nil unless a run was created
	Reason     string   // skip reason or error text
}

// ManualRequest is a manual trigger. Either AutoSelect is set or SourceID
// names the unit of work.
type ManualRequest struct {
	AutoSelect bool
	SourceID   string
	Title      string
}

// ReconcileResult lists what a reconcile changed. Invalid holds enabled
// schedules left disarmed because their expression does not parse.
type ReconcileResult struct {
	Armed    []string
	Disarmed []string
	Rearmed  []string
	Invalid  map[string]error
}

// Changed reports whether the registry was modified
func (r ReconcileResult) Changed() bool {
	return len(r.Armed)+len(r.Disarmed)+len(r.Rearmed) > 0
}

// SourceSelector picks the unit of work for a run that did not name one
type SourceSelector interface {
	Next(ctx context.Context) (run.SourceRef, error)
	Requeue(ctx context.Context, item run.SourceRef) error
}

// FireLocker keeps replicas from firing the same schedule concurrently
type FireLocker interface {
	TryLock(ctx context.Context, scheduleID string) (release func(), ok bool, err error)
}

// ChangePublisher announces schedule changes to other replicas
type ChangePublisher interface {
	Publish(ctx context.Context, scheduleID string) error
}
