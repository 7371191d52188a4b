package ticker

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CalendarSchedule fires once inside a time-of-day window on every matching day
type CalendarSchedule struct {
	starts   cron.Schedule
	length   time.Duration
	location *time.Location
	rand     func(n int64) int64
}

// NewCalendarSchedule builds a daily, weekly or monthly window schedule.
// Window starts are enumerated with a cron schedule; monthly days beyond the
// month's length are clamped to its last day.
func NewCalendarSchedule(cfg Config, rnd func(n int64) int64) (*CalendarSchedule, error) {
	if cfg.Window == nil {
		return nil, fmt.Errorf("calendar schedule requires a window")
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	offset, length, err := cfg.Window.bounds()
	if err != nil {
		return nil, err
	}
	hour, minute := int(offset/time.Hour), int((offset%time.Hour)/time.Minute)

	var starts cron.Schedule
	switch cfg.Frequency {
	case FrequencyDaily:
		starts, err = parseSpec(fmt.Sprintf("%d %d * * *", minute, hour), loc)
	case FrequencyWeekly:
		var day time.Weekday
		if day, err = parseWeekday(cfg.Day); err == nil {
			starts, err = parseSpec(fmt.Sprintf("%d %d * * %d", minute, hour, day), loc)
		}
	case FrequencyMonthly:
		var day int
		if day, err = parseDayOfMonth(cfg.Day); err == nil {
			starts = &monthlySchedule{day: day, hour: hour, minute: minute, location: loc}
		}
	default:
		err = fmt.Errorf("unknown frequency %q", cfg.Frequency)
	}
	if err != nil {
		return nil, err
	}

	return &CalendarSchedule{
		starts:   starts,
		length:   length,
		location: loc,
		rand:     rnd,
	}, nil
}

func parseSpec(spec string, loc *time.Location) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %s: %w", spec, err)
	}
	if s, ok := schedule.(*cron.SpecSchedule); ok {
		s.Location = loc
	}
	return schedule, nil
}

// Window returns the window the next fire instant is drawn from: the first window
// still open at a.Now that starts after the previous fire instant.
func (c *CalendarSchedule) Window(a Anchor) FireWindow {
	now := a.Now.In(c.location)
	from := now.Add(-c.length)
	if !a.PrevSchedule.IsZero() {
		from = latest(from, a.PrevSchedule.In(c.location))
	}

	start := c.starts.Next(from)
	for i := 0; i < MaxOccurrenceIterations; i++ {
		if start.Add(c.length).After(now) {
			break
		}
		start = c.starts.Next(start)
	}
	return FireWindow{Start: start, End: start.Add(c.length)}
}

// Next picks a random instant inside the next window, never before a.Now
func (c *CalendarSchedule) Next(a Anchor) time.Time {
	w := c.Window(a)
	from := latest(w.Start, a.Now.In(c.location))
	span := w.End.Sub(from)
	if span <= time.Second || c.rand == nil {
		return from
	}
	offset := time.Duration(c.rand(int64(span))).Truncate(time.Second)
	return from.Add(offset)
}

// monthlySchedule yields the given day of every month at hour:minute
type monthlySchedule struct {
	day      int
	hour     int
	minute   int
	location *time.Location
}

func (m *monthlySchedule) Next(t time.Time) time.Time {
	t = t.In(m.location)
	for i := 0; i < 3; i++ {
		first := time.Date(t.Year(), t.Month()+time.Month(i), 1, 0, 0, 0, 0, m.location)
		day := min(m.day, daysIn(first.Year(), first.Month(), m.location))
		candidate := time.Date(first.Year(), first.Month(), day, m.hour, m.minute, 0, 0, m.location)
		if candidate.After(t) {
			return candidate
		}
	}
	return time.Time{}
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
