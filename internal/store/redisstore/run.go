package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/serialization"
)

// intersectTTL bounds the lifetime of temporary ZINTERSTORE results
const intersectTTL = 30 * time.Second

// rpushIfExists appends to the log list only while the run hash exists
var rpushIfExists = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 0 then
		return -1
	end
	return redis.call("rpush", KEYS[2], ARGV[1])
`)

// saveRun updates an existing run hash and its status index in one step, so
// a run deleted in between is never indexed again.
// ARGV: id, new status, score, status key prefix, then field/value pairs.
var saveRun = redis.NewScript(`
	local prev = redis.call("hget", KEYS[1], "status")
	if not prev then
		return 0
	end
	redis.call("hset", KEYS[1], unpack(ARGV, 5))
	if prev ~= ARGV[2] then
		redis.call("zrem", ARGV[4] .. prev, ARGV[1])
		redis.call("zadd", ARGV[4] .. ARGV[2], ARGV[3], ARGV[1])
	end
	return 1
`)

// RunStore implements run.Store with a hash per run, a list of serialized
// log lines per run and sorted-set indexes for history queries
type RunStore struct {
	client     *redis.Client
	serializer *serialization.Serializer
}

// NewRunStore creates a Redis-backed run store. A nil serializer writes JSON.
func NewRunStore(client *redis.Client, serializer *serialization.Serializer) *RunStore {
	if serializer == nil {
		serializer = serialization.NewJSONSerializer()
	}
	return &RunStore{client: client, serializer: serializer}
}

var _ run.Store = (*RunStore)(nil)

// Create stores a new run and indexes it. A RUNNING scheduled run becomes
// its schedule's active run.
func (s *RunStore) Create(ctx context.Context, r *run.Run) error {
	fields := runFields(r)
	fields["id"] = r.ID
	fields["triggered_by"] = string(r.TriggeredBy)
	fields["started_at"] = formatTime(r.StartedAt)
	fields["source_id"] = r.Source.ID
	fields["source_title"] = r.Source.Title
	if r.ScheduleID != nil {
		fields["schedule_id"] = *r.ScheduleID
	}

	score := float64(r.StartedAt.UnixMilli())
	member := redis.Z{Score: score, Member: r.ID}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, runKey(r.ID), fields)
		pipe.ZAdd(ctx, runsIndex, member)
		pipe.ZAdd(ctx, runsByStatusKey(string(r.Status)), member)
		pipe.ZAdd(ctx, runsByTriggerKey(string(r.TriggeredBy)), member)
		if r.ScheduleID != nil {
			pipe.ZAdd(ctx, runsByScheduleKey(*r.ScheduleID), member)
			if !r.Status.Terminal() {
				pipe.Set(ctx, activeRunKey(*r.ScheduleID), r.ID, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Get returns a run with its logs, or run.ErrNotFound
func (s *RunStore) Get(ctx context.Context, id string) (*run.Run, error) {
	pipe := s.client.Pipeline()
	hash := pipe.HGetAll(ctx, runKey(id))
	logs := pipe.LRange(ctx, runLogsKey(id), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if len(hash.Val()) == 0 {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	return s.parseRun(hash.Val(), logs.Val())
}

// Save writes the scalar fields of an existing run and moves it between
// status indexes. A terminal status releases the schedule's active run.
func (s *RunStore) Save(ctx context.Context, r *run.Run) error {
	fields := runFields(r)
	args := make([]interface{}, 0, 4+len(fields)*2)
	args = append(args, r.ID, string(r.Status), r.StartedAt.UnixMilli(), runsByStatusKey(""))
	for k, v := range fields {
		args = append(args, k, v)
	}

	n, err := saveRun.Run(ctx, s.client, []string{runKey(r.ID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", run.ErrNotFound, r.ID)
	}

	if r.Status.Terminal() && r.ScheduleID != nil {
		if err := delIfEquals.Run(ctx, s.client, []string{activeRunKey(*r.ScheduleID)}, r.ID).Err(); err != nil {
			return fmt.Errorf("failed to release active run: %w", err)
		}
	}

	return nil
}

// AppendLog appends one serialized entry to the run's log list
func (s *RunStore) AppendLog(ctx context.Context, id string, entry run.LogEntry) error {
	data, err := s.serializer.EncodeLogEntry(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}

	n, err := rpushIfExists.Run(ctx, s.client, []string{runKey(id), runLogsKey(id)}, data).Int64()
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	return nil
}

// ActiveForSchedule returns the schedule's RUNNING run. A guard pointing at a
// deleted or finished run is cleared and nil is returned.
func (s *RunStore) ActiveForSchedule(ctx context.Context, scheduleID string) (*run.Run, error) {
	guard := activeRunKey(scheduleID)

	id, err := s.client.Get(ctx, guard).Result()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active run: %w", err)
	}

	r, err := s.Get(ctx, id)
	if err == nil && !r.Status.Terminal() {
		return r, nil
	}
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	if err := delIfEquals.Run(ctx, s.client, []string{guard}, id).Err(); err != nil {
		return nil, fmt.Errorf("failed to clear stale active run: %w", err)
	}
	return nil, nil
}

// List returns a page of runs newest first plus the total matching count.
// A negative offset is rejected with run.ErrInvalidFilter.
func (s *RunStore) List(ctx context.Context, filter run.Filter, offset, limit int) ([]*run.Run, int, error) {
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: offset %d", run.ErrInvalidFilter, offset)
	}
	key, cleanup, err := s.filterKey(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	defer cleanup()

	total, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}
	if total == 0 || offset >= int(total) || limit <= 0 {
		return []*run.Run{}, int(total), nil
	}

	ids, err := s.client.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}

	pipe := s.client.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(ids))
	logs := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		hashes[i] = pipe.HGetAll(ctx, runKey(id))
		logs[i] = pipe.LRange(ctx, runLogsKey(id), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, fmt.Errorf("failed to load runs: %w", err)
	}

	runs := make([]*run.Run, 0, len(ids))
	for i := range ids {
		if len(hashes[i].Val()) == 0 {
			continue // deleted concurrently
		}
		r, err := s.parseRun(hashes[i].Val(), logs[i].Val())
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	return runs, int(total), nil
}

// filterKey returns the sorted set holding the runs matching filter. With more
// than one criterion the indexes are intersected into a temporary key.
func (s *RunStore) filterKey(ctx context.Context, filter run.Filter) (string, func(), error) {
	var keys []string
	if filter.Status != "" {
		keys = append(keys, runsByStatusKey(string(filter.Status)))
	}
	if filter.TriggeredBy != "" {
		keys = append(keys, runsByTriggerKey(string(filter.TriggeredBy)))
	}
	if filter.ScheduleID != "" {
		keys = append(keys, runsByScheduleKey(filter.ScheduleID))
	}

	noop := func() {}
	switch len(keys) {
	case 0:
		return runsIndex, noop, nil
	case 1:
		return keys[0], noop, nil
	}

	tmp := fmt.Sprintf("%sruns:tmp:%s", keyPrefix, uuid.NewString())
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZInterStore(ctx, tmp, &redis.ZStore{Keys: keys, Aggregate: "MAX"})
		pipe.Expire(ctx, tmp, intersectTTL)
		return nil
	})
	if err != nil {
		return "", noop, fmt.Errorf("failed to intersect run indexes: %w", err)
	}

	return tmp, func() { s.client.Del(context.WithoutCancel(ctx), tmp) }, nil
}

// DeleteMany deletes runs with their logs and index entries and returns how
// many existed. Unknown, blank and repeated ids are ignored.
func (s *RunStore) DeleteMany(ctx context.Context, ids []string) (int, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	metas := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		metas[i] = pipe.HMGet(ctx, runKey(id), "status", "triggered_by", "schedule_id")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read runs for deletion: %w", err)
	}

	dels := make([]*redis.IntCmd, 0, len(ids))
	var guards [][2]string

	_, err := s.client.TxPipelined(ctx, func(tx redis.Pipeliner) error {
		for i, id := range ids {
			vals := metas[i].Val()
			dels = append(dels, tx.Del(ctx, runKey(id)))
			tx.Del(ctx, runLogsKey(id))
			tx.ZRem(ctx, runsIndex, id)
			if status, ok := vals[0].(string); ok && status != "" {
				tx.ZRem(ctx, runsByStatusKey(status), id)
			}
			if trigger, ok := vals[1].(string); ok && trigger != "" {
				tx.ZRem(ctx, runsByTriggerKey(trigger), id)
			}
			if sid, ok := vals[2].(string); ok && sid != "" {
				tx.ZRem(ctx, runsByScheduleKey(sid), id)
				guards = append(guards, [2]string{sid, id})
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	// A deleted run can no longer block its schedule
	for _, g := range guards {
		if err := delIfEquals.Run(ctx, s.client, []string{activeRunKey(g[0])}, g[1]).Err(); err != nil {
			return 0, fmt.Errorf("failed to release active run: %w", err)
		}
	}

	deleted := 0
	for _, d := range dels {
		if d.Val() > 0 {
			deleted++
		}
	}
	return deleted, nil
}

func runFields(r *run.Run) map[string]interface{} {
	return map[string]interface{}{
		"status":       string(r.Status),
		"stage":        deref(r.Stage),
		"progress":     r.Progress,
		"result_ref":   deref(r.ResultRef),
		"error":        deref(r.Error),
		"error_stage":  deref(r.ErrorStage),
		"completed_at": formatTimePtr(r.CompletedAt),
		"duration_ms":  formatInt64Ptr(r.DurationMs),
	}
}

func (s *RunStore) parseRun(data map[string]string, rawLogs []string) (*run.Run, error) {
	r := &run.Run{
		ID:          data["id"],
		ScheduleID:  run.StringPtr(data["schedule_id"]),
		Source:      run.SourceRef{ID: data["source_id"], Title: data["source_title"]},
		Status:      run.Status(data["status"]),
		Stage:       run.StringPtr(data["stage"]),
		ResultRef:   run.StringPtr(data["result_ref"]),
		Error:       run.StringPtr(data["error"]),
		ErrorStage:  run.StringPtr(data["error_stage"]),
		TriggeredBy: run.Trigger(data["triggered_by"]),
		StartedAt:   parseTime(data["started_at"]),
		Logs:        make([]run.LogEntry, 0, len(rawLogs)),
	}
	r.Progress, _ = strconv.Atoi(data["progress"])

	if v := data["completed_at"]; v != "" {
		t := parseTime(v)
		r.CompletedAt = &t
	}
	if v := data["duration_ms"]; v != "" {
		if d, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.DurationMs = &d
		}
	}

	for _, raw := range rawLogs {
		entry, err := s.serializer.DecodeLogEntry([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode log entry of run %s: %w", r.ID, err)
		}
		r.Logs = append(r.Logs, entry)
	}

	return r, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, run.ErrNotFound)
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
