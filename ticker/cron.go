package ticker

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSchedule fires on a standard five-field cron expression
type CronSchedule struct {
	expression string
	schedule   cron.Schedule
}

// NewCronSchedule parses the expression in the given timezone
func NewCronSchedule(expression, timezone string) (*CronSchedule, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}
	schedule, err := parseSpec(expression, loc)
	if err != nil {
		return nil, err
	}
	return &CronSchedule{expression: expression, schedule: schedule}, nil
}

// Next returns the first match after both a.Now and the previous fire instant
func (c *CronSchedule) Next(a Anchor) time.Time {
	return c.schedule.Next(latest(a.Now, a.PrevSchedule))
}

func (c *CronSchedule) String() string {
	return fmt.Sprintf("cron(%s)", c.expression)
}
