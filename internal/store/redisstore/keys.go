// Package redisstore implements the schedule and run stores, the schedule fire
// lock and the schedule change feed on Redis.
package redisstore

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Key layout
//
//	pantry:schedule:<id>               hash   schedule fields
//	pantry:schedules                   zset   schedule ids scored by created-at millis
//	pantry:schedule:<id>:active_run    string id of the schedule's RUNNING run
//	pantry:run:<id>                    hash   run scalar fields
//	pantry:run:<id>:logs               list   serialized log entries
//	pantry:runs                        zset   run ids scored by started-at millis
//	pantry:runs:status:<status>        zset   same, per status
//	pantry:runs:trigger:<trigger>      zset   same, per trigger
//	pantry:runs:schedule:<id>          zset   same, per owning schedule
//	pantry:lock:schedule:<id>          string fire-lock token
const (
	keyPrefix      = "pantry:"
	schedulesIndex = keyPrefix + "schedules"
	runsIndex      = keyPrefix + "runs"

	// ChangesChannel carries schedule ids whose records changed
	ChangesChannel = keyPrefix + "schedules:changed"
)

func scheduleKey(id string) string {
	return fmt.Sprintf("%sschedule:%s", keyPrefix, id)
}

func activeRunKey(scheduleID string) string {
	return fmt.Sprintf("%sschedule:%s:active_run", keyPrefix, scheduleID)
}

func runKey(id string) string {
	return fmt.Sprintf("%srun:%s", keyPrefix, id)
}

func runLogsKey(id string) string {
	return fmt.Sprintf("%srun:%s:logs", keyPrefix, id)
}

func runsByStatusKey(status string) string {
	return fmt.Sprintf("%sruns:status:%s", keyPrefix, status)
}

func runsByTriggerKey(trigger string) string {
	return fmt.Sprintf("%sruns:trigger:%s", keyPrefix, trigger)
}

func runsByScheduleKey(scheduleID string) string {
	return fmt.Sprintf("%sruns:schedule:%s", keyPrefix, scheduleID)
}

// LockKey returns the fire-lock key of a schedule
func LockKey(scheduleID string) string {
	return fmt.Sprintf("%slock:schedule:%s", keyPrefix, scheduleID)
}

// hsetIfExists writes hash fields only when the hash already exists.
// Returns 1 when written, 0 when the key is missing.
var hsetIfExists = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 0 then
		return 0
	end
	redis.call("hset", KEYS[1], unpack(ARGV))
	return 1
`)

// delIfEquals deletes KEYS[1] only when it holds ARGV[1]
var delIfEquals = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)
