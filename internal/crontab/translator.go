// Package crontab translates between recurrence intervals and cron expressions.
package crontab

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	minutesPerHour = 60
	minutesPerDay  = 1440
)

var (
	// ErrInvalidInterval is returned for non-positive minute counts
	ErrInvalidInterval = errors.New("interval must be a positive number of minutes")

	// ErrInvalidExpression is returned when a cron expression cannot be parsed
	ErrInvalidExpression = errors.New("invalid cron expression")
)

// parser accepts standard 5-field expressions (minute hour dom month dow)
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var (
	everyMinutesPattern = regexp.MustCompile(`^\*/(\d+) \* \* \* \*$`)
	everyHoursPattern   = regexp.MustCompile(`^0 \*/(\d+) \* \* \*$`)
	everyDaysPattern    = regexp.MustCompile(`^0 0 \*/(\d+) \* \*$`)
)

// MinutesToCron converts an interval in minutes to its canonical cron form.
//
// Intervals of an hour or more are converted with integer division, so
// minute counts that are not exact multiples lose precision:
//
//	MinutesToCron(90)   // "0 */1 * * *"
//	MinutesToCron(2000) // "0 0 */1 * *"
func MinutesToCron(minutes int) (string, error) {
	if minutes <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidInterval, minutes)
	}

	if minutes < minutesPerHour {
		return fmt.Sprintf("*/%d * * * *", minutes), nil
	}

	hours := minutes / minutesPerHour
	if minutes < minutesPerDay {
		return fmt.Sprintf("0 */%d * * *", hours), nil
	}

	days := hours / 24
	return fmt.Sprintf("0 0 */%d * *", days), nil
}

// CronToHuman describes one of the canonical shapes produced by MinutesToCron.
// Any other expression is returned unchanged.
func CronToHuman(expr string) string {
	trimmed := strings.TrimSpace(expr)

	if n, ok := matchCount(everyMinutesPattern, trimmed); ok {
		return describe(n, "minute")
	}
	if n, ok := matchCount(everyHoursPattern, trimmed); ok {
		return describe(n, "hour")
	}
	if n, ok := matchCount(everyDaysPattern, trimmed); ok {
		return describe(n, "day")
	}

	return expr
}

func matchCount(pattern *regexp.Regexp, expr string) (int, bool) {
	m := pattern.FindStringSubmatch(expr)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func describe(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("Every %d %s", n, unit)
	}
	return fmt.Sprintf("Every %d %ss", n, unit)
}

// Validate checks that expr is a parsable 5-field cron expression
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("%w: expression is empty", ErrInvalidExpression)
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidExpression, expr, err)
	}
	return nil
}

// Parser returns the 5-field parser used for every expression, for runtimes
// that need to parse with the same rules
func Parser() cron.ScheduleParser {
	return parser
}

// Parse returns the robfig schedule for expr
func Parse(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidExpression, expr, err)
	}
	return s, nil
}

// Next returns the first activation of expr strictly after from, evaluated in loc.
// A nil loc means UTC.
func Next(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return s.Next(from.In(loc)), nil
}

// Hints derives the display-only time-of-day and day-of-week labels for expr.
// Empty strings are returned when a field is not a single literal value.
func Hints(expr string) (timeOfDay, dayOfWeek string) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", ""
	}

	minute, errM := strconv.Atoi(fields[0])
	hour, errH := strconv.Atoi(fields[1])
	if errM == nil && errH == nil && minute >= 0 && minute < 60 && hour >= 0 && hour < 24 {
		timeOfDay = fmt.Sprintf("%02d:%02d", hour, minute)
	}

	if dow, err := strconv.Atoi(fields[4]); err == nil && dow >= 0 && dow <= 7 {
		dayOfWeek = time.Weekday(dow % 7).String()
	}

	return timeOfDay, dayOfWeek
}
