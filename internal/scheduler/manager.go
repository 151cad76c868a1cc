package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/muaviaUsmani/pantry/internal/crontab"
	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/schedule"
)

// purgePageSize is how many runs are read per page when purging a schedule's history
const purgePageSize = 100

// Manager creates, edits and deletes schedules. Each write to the store and
// the matching registry change happen under the registry lock.
type Manager struct {
	reg       *Registry
	runs      run.Store
	publisher ChangePublisher
	log       logger.Logger
}

// NewManager creates a manager over reg. runs is used only to purge history
// on delete and may be nil. publisher may be nil for a single replica.
func NewManager(reg *Registry, runs run.Store, publisher ChangePublisher) *Manager {
	return &Manager{
		reg:       reg,
		runs:      runs,
		publisher: publisher,
		log:       reg.log,
	}
}

// CreateParams describes a new schedule. Exactly one of CronExpression and
// IntervalMinutes must be set.
type CreateParams struct {
	Name            string
	CronExpression  string
	IntervalMinutes *int
	Enabled         bool
}

// UpdateParams describes a partial update; nil fields are left unchanged.
// At most one of CronExpression and IntervalMinutes may be set.
type UpdateParams struct {
	ID              string
	Name            *string
	Enabled         *bool
	CronExpression  *string
	IntervalMinutes *int
}

// Create stores a new schedule and arms it when enabled
func (m *Manager) Create(ctx context.Context, p CreateParams) (*schedule.Schedule, error) {
	var exprPtr *string
	if strings.TrimSpace(p.CronExpression) != "" {
		exprPtr = &p.CronExpression
	}
	expr, err := resolveExpression(exprPtr, p.IntervalMinutes)
	if err != nil {
		return nil, err
	}
	if expr == "" {
		return nil, fmt.Errorf("%w: cronExpression or intervalMinutes is required", schedule.ErrInvalid)
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = crontab.CronToHuman(expr)
	}

	now := m.reg.now().UTC()
	sc := &schedule.Schedule{
		ID:             uuid.NewString(),
		Name:           name,
		Enabled:        p.Enabled,
		CronExpression: expr,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sc.TimeOfDay, sc.DayOfWeek = crontab.Hints(expr)

	m.reg.mu.Lock()
	if err := m.reg.schedules.Create(ctx, sc); err != nil {
		m.reg.mu.Unlock()
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	m.reg.writes++
	m.applyLocked(sc)
	m.reg.mu.Unlock()

	m.log.InfoContext(logger.WithScheduleID(ctx, sc.ID), "Schedule created",
		"cron", sc.CronExpression,
		"enabled", sc.Enabled)
	m.publish(ctx, sc.ID)

	return m.withNextRun(sc), nil
}

// Update applies p to an existing schedule and re-arms, arms or disarms it
func (m *Manager) Update(ctx context.Context, p UpdateParams) (*schedule.Schedule, error) {
	expr, err := resolveExpression(p.CronExpression, p.IntervalMinutes)
	if err != nil {
		return nil, err
	}
	if p.CronExpression != nil && expr == "" {
		return nil, fmt.Errorf("%w: cronExpression cannot be empty", schedule.ErrInvalid)
	}

	m.reg.mu.Lock()
	sc, err := m.reg.schedules.Get(ctx, p.ID)
	if err != nil {
		m.reg.mu.Unlock()
		return nil, err
	}

	if p.Name != nil {
		if name := strings.TrimSpace(*p.Name); name != "" {
			sc.Name = name
		}
	}
	if p.Enabled != nil {
		sc.Enabled = *p.Enabled
	}
	if expr != "" {
		sc.CronExpression = expr
		sc.TimeOfDay, sc.DayOfWeek = crontab.Hints(expr)
	}
	sc.UpdatedAt = m.reg.now().UTC()

	if err := m.reg.schedules.Update(ctx, sc); err != nil {
		m.reg.mu.Unlock()
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	m.reg.writes++
	m.applyLocked(sc)
	m.reg.mu.Unlock()

	m.log.InfoContext(logger.WithScheduleID(ctx, sc.ID), "Schedule updated",
		"cron", sc.CronExpression,
		"enabled", sc.Enabled)
	m.publish(ctx, sc.ID)

	return m.withNextRun(sc), nil
}

// SetEnabled turns a schedule on or off
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (*schedule.Schedule, error) {
	return m.Update(ctx, UpdateParams{ID: id, Enabled: &enabled})
}

// Delete removes a schedule and disarms it. Deleting a missing schedule is
// not an error. With purgeRuns the schedule's finished runs are deleted too;
// a run still in flight is kept and finishes normally. It returns whether the
// schedule existed and how many runs were purged.
func (m *Manager) Delete(ctx context.Context, id string, purgeRuns bool) (bool, int, error) {
	m.reg.mu.Lock()
	existed, err := m.reg.schedules.Delete(ctx, id)
	if err != nil {
		m.reg.mu.Unlock()
		return false, 0, fmt.Errorf("failed to delete schedule: %w", err)
	}
	m.reg.writes++
	m.reg.disarmLocked(id)
	m.reg.metrics.RecordArmed(len(m.reg.entries))
	m.reg.mu.Unlock()

	if existed {
		m.log.InfoContext(logger.WithScheduleID(ctx, id), "Schedule deleted")
		m.publish(ctx, id)
	}

	if !purgeRuns || m.runs == nil {
		return existed, 0, nil
	}

	purged, err := m.purgeRuns(ctx, id)
	return existed, purged, err
}

func (m *Manager) purgeRuns(ctx context.Context, scheduleID string) (int, error) {
	var ids []string
	for offset := 0; ; offset += purgePageSize {
		runs, total, err := m.runs.List(ctx, run.Filter{ScheduleID: scheduleID}, offset, purgePageSize)
		if err != nil {
			return 0, fmt.Errorf("failed to list runs of schedule %s: %w", scheduleID, err)
		}
		for _, r := range runs {
			if r.Status.Terminal() {
				ids = append(ids, r.ID)
			}
		}
		if len(runs) == 0 || offset+len(runs) >= total {
			break
		}
	}

	if len(ids) == 0 {
		return 0, nil
	}

	n, err := m.runs.DeleteMany(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to purge runs of schedule %s: %w", scheduleID, err)
	}
	m.log.InfoContext(logger.WithScheduleID(ctx, scheduleID), "Schedule history purged", "deleted", n)
	return n, nil
}

// Get returns one schedule with its live next run
func (m *Manager) Get(ctx context.Context, id string) (*schedule.Schedule, error) {
	sc, err := m.reg.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.withNextRun(sc), nil
}

// List returns every schedule, oldest first, with next runs computed now
func (m *Manager) List(ctx context.Context) ([]*schedule.Schedule, error) {
	all, err := m.reg.schedules.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	out := make([]*schedule.Schedule, 0, len(all))
	for _, sc := range all {
		out = append(out, m.withNextRun(sc))
	}
	return out, nil
}

// applyLocked arms or disarms sc. A stored expression that does not parse has
// already been rejected, so an error here only means the registry skipped it.
func (m *Manager) applyLocked(sc *schedule.Schedule) {
	if c := m.reg.applyLocked(sc); c.err != nil {
		m.log.Warn("Schedule left disarmed", "schedule_id", sc.ID, "error", c.err)
	}
	m.reg.metrics.RecordArmed(len(m.reg.entries))
}

func (m *Manager) publish(ctx context.Context, id string) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, id); err != nil {
		m.log.WarnContext(ctx, "Failed to publish schedule change", "schedule_id", id, "error", err)
	}
}

// withNextRun fills NextRun from the expression, leaving it nil while disabled
func (m *Manager) withNextRun(sc *schedule.Schedule) *schedule.Schedule {
	out := sc.Clone()
	out.NextRun = nil
	if !out.Enabled {
		return out
	}
	next, err := m.reg.NextFireTime(out.CronExpression, m.reg.now())
	if err != nil {
		return out
	}
	out.NextRun = &next
	return out
}

// resolveExpression returns the cron expression given either directly or as an
// interval. Both nil yields "".
func resolveExpression(expr *string, minutes *int) (string, error) {
	if expr != nil && minutes != nil {
		return "", fmt.Errorf("%w: give either cronExpression or intervalMinutes, not both", schedule.ErrInvalid)
	}

	if minutes != nil {
		converted, err := crontab.MinutesToCron(*minutes)
		if err != nil {
			return "", fmt.Errorf("%w: %w", schedule.ErrInvalid, err)
		}
		return converted, nil
	}

	if expr == nil {
		return "", nil
	}
	trimmed := strings.TrimSpace(*expr)
	if trimmed == "" {
		return "", nil
	}
	if err := crontab.Validate(trimmed); err != nil {
		return "", fmt.Errorf("%w: %w", schedule.ErrInvalid, err)
	}
	return trimmed, nil
}

// IsInvalid reports whether err means the request itself was bad
func IsInvalid(err error) bool {
	return errors.Is(err, schedule.ErrInvalid) || errors.Is(err, ErrInvalidRequest)
}
