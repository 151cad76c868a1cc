package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/pantry/internal/schedule"
)

// ScheduleStore implements schedule.Store on Redis hashes
type ScheduleStore struct {
	client *redis.Client
}

// NewScheduleStore creates a Redis-backed schedule store
func NewScheduleStore(client *redis.Client) *ScheduleStore {
	return &ScheduleStore{client: client}
}

var _ schedule.Store = (*ScheduleStore)(nil)

// incrIfExists bumps run_count only for an existing schedule; -1 means missing
var incrIfExists = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 0 then
		return -1
	end
	return redis.call("hincrby", KEYS[1], "run_count", 1)
`)

// Create stores a new schedule
func (s *ScheduleStore) Create(ctx context.Context, sc *schedule.Schedule) error {
	key := scheduleKey(sc.ID)

	fields := scheduleFields(sc)
	fields["id"] = sc.ID
	fields["run_count"] = sc.RunCount
	fields["created_at"] = formatTime(sc.CreatedAt)
	if sc.LastRun != nil {
		fields["last_run"] = formatTime(*sc.LastRun)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.ZAdd(ctx, schedulesIndex, redis.Z{Score: float64(sc.CreatedAt.UnixMilli()), Member: sc.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// Get returns a schedule or schedule.ErrNotFound
func (s *ScheduleStore) Get(ctx context.Context, id string) (*schedule.Schedule, error) {
	data, err := s.client.HGetAll(ctx, scheduleKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return parseSchedule(data), nil
}

// List returns all schedules oldest first
func (s *ScheduleStore) List(ctx context.Context) ([]*schedule.Schedule, error) {
	ids, err := s.client.ZRange(ctx, schedulesIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	if len(ids) == 0 {
		return []*schedule.Schedule{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, scheduleKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load schedules: %w", err)
	}

	out := make([]*schedule.Schedule, 0, len(ids))
	for _, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			continue // deleted between ZRANGE and HGETALL
		}
		out = append(out, parseSchedule(data))
	}
	return out, nil
}

// Update overwrites the mutable fields of an existing schedule
func (s *ScheduleStore) Update(ctx context.Context, sc *schedule.Schedule) error {
	fields := scheduleFields(sc)

	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	n, err := hsetIfExists.Run(ctx, s.client, []string{scheduleKey(sc.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", schedule.ErrNotFound, sc.ID)
	}
	return nil
}

// Delete removes a schedule and its active-run guard. Runs are kept.
func (s *ScheduleStore) Delete(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, scheduleKey(id))
		pipe.ZRem(ctx, schedulesIndex, id)
		pipe.Del(ctx, activeRunKey(id))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete schedule: %w", err)
	}
	return del.Val() > 0, nil
}

// IncrementRunCount atomically increments run_count and returns the new value
func (s *ScheduleStore) IncrementRunCount(ctx context.Context, id string) (int64, error) {
	n, err := incrIfExists.Run(ctx, s.client, []string{scheduleKey(id)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment run count: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return n, nil
}

// SetLastRun records the completion time of the schedule's latest run
func (s *ScheduleStore) SetLastRun(ctx context.Context, id string, at time.Time) error {
	n, err := hsetIfExists.Run(ctx, s.client, []string{scheduleKey(id)}, "last_run", formatTime(at)).Int()
	if err != nil {
		return fmt.Errorf("failed to set last run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", schedule.ErrNotFound, id)
	}
	return nil
}

func scheduleFields(sc *schedule.Schedule) map[string]interface{} {
	return map[string]interface{}{
		"name":            sc.Name,
		"enabled":         strconv.FormatBool(sc.Enabled),
		"cron_expression": sc.CronExpression,
		"time_of_day":     sc.TimeOfDay,
		"day_of_week":     sc.DayOfWeek,
		"updated_at":      formatTime(sc.UpdatedAt),
	}
}

func parseSchedule(data map[string]string) *schedule.Schedule {
	sc := &schedule.Schedule{
		ID:             data["id"],
		Name:           data["name"],
		CronExpression: data["cron_expression"],
		TimeOfDay:      data["time_of_day"],
		DayOfWeek:      data["day_of_week"],
		CreatedAt:      parseTime(data["created_at"]),
		UpdatedAt:      parseTime(data["updated_at"]),
	}
	sc.Enabled, _ = strconv.ParseBool(data["enabled"])
	sc.RunCount, _ = strconv.ParseInt(data["run_count"], 10, 64)
	if v := data["last_run"]; v != "" {
		t := parseTime(v)
		sc.LastRun = &t
	}
	return sc
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
