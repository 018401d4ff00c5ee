package trigger

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleFunc returns the first occurrence of schedule strictly after the
// unix timestamp after. ok is false when the schedule has no further
// occurrence or cannot be parsed.
type ScheduleFunc func(schedule string, after int64) (next int64, ok bool)

// Schedules are parsed with an optional leading seconds field, so both
// "*/5 * * * *" and "0 * * * * *" are accepted, as are descriptors like @hourly.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether schedule parses.
func ValidateSchedule(schedule string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("parse cron schedule %q: %w", schedule, err)
	}
	return nil
}

// CronSchedules evaluates cron expressions in UTC, caching parsed schedules.
type CronSchedules struct {
	cache sync.Map // string -> cron.Schedule
}

// NewCronSchedules creates an empty schedule cache.
func NewCronSchedules() *CronSchedules {
	return &CronSchedules{}
}

// Next implements ScheduleFunc.
func (c *CronSchedules) Next(schedule string, after int64) (int64, bool) {
	sched, err := c.lookup(schedule)
	if err != nil {
		return 0, false
	}
	next := sched.Next(time.Unix(after, 0).UTC())
	if next.IsZero() {
		return 0, false
	}
	return next.Unix(), true
}

func (c *CronSchedules) lookup(schedule string) (cron.Schedule, error) {
	if s, ok := c.cache.Load(schedule); ok {
		return s.(cron.Schedule), nil
	}
	s, err := parser.Parse(schedule)
	if err != nil {
		return nil, err
	}
	actual, _ := c.cache.LoadOrStore(schedule, s)
	return actual.(cron.Schedule), nil
}
