package ticker

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// MaxOccurrenceIterations is the safety limit for occurrence calculations
const MaxOccurrenceIterations = 10000

// Kind selects how fire instants are computed
type Kind string

const (
	KindCalendar Kind = "calendar"
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindOnce     Kind = "once"
)

// Frequency is the calendar recurrence of a window
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Window is a time-of-day range in HH:MM notation. An End at or before Start wraps past midnight.
type Window struct {
	Start string `json:"start" mapstructure:"start"`
	End   string `json:"end" mapstructure:"end"`
}

// Config is the declarative description of a schedule
type Config struct {
	Kind            Kind      `json:"kind" mapstructure:"kind"`
	Frequency       Frequency `json:"frequency,omitempty" mapstructure:"frequency"`
	Day             string    `json:"day,omitempty" mapstructure:"day"`
	Window          *Window   `json:"window,omitempty" mapstructure:"window"`
	IntervalSeconds uint      `json:"intervalSeconds,omitempty" mapstructure:"intervalSeconds"`
	Expression      string    `json:"expression,omitempty" mapstructure:"expression"`
	Timezone        string    `json:"timezone,omitempty" mapstructure:"timezone"`
}

// Anchor carries everything a schedule needs to place the next fire instant.
// Zero values mean "not known yet".
type Anchor struct {
	Now          time.Time
	Base         time.Time
	PrevSchedule time.Time
	PrevStart    time.Time
	PrevEnd      time.Time
}

// FireWindow is a half-open range of instants a cycle may fire in
type FireWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the window
func (w FireWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Schedule computes fire instants. Implementations are pure functions of the anchor.
// A zero return means the schedule will not fire again.
type Schedule interface {
	Next(a Anchor) time.Time
}

// Option configures schedule construction
type Option func(*options)

type options struct {
	rand func(n int64) int64
	at   time.Time
}

// WithRand injects the random source used to pick an instant inside a calendar window
func WithRand(fn func(n int64) int64) Option {
	return func(o *options) {
		o.rand = fn
	}
}

// WithFireAt sets the instant a once schedule fires at
func WithFireAt(at time.Time) Option {
	return func(o *options) {
		o.at = at
	}
}

// New validates the config and builds the matching schedule
func New(cfg Config, opts ...Option) (Schedule, error) {
	o := options{rand: rand.Int64N}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindCalendar:
		return NewCalendarSchedule(cfg, o.rand)
	case KindInterval:
		return NewIntervalSchedule(time.Duration(cfg.IntervalSeconds) * time.Second)
	case KindCron:
		return NewCronSchedule(cfg.Expression, cfg.Timezone)
	case KindOnce:
		return NewOnceSchedule(o.at), nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", cfg.Kind)
	}
}

// Validate checks the invariants of the schedule description
func (c Config) Validate() error {
	if _, err := loadLocation(c.Timezone); err != nil {
		return err
	}

	switch c.Kind {
	case KindCalendar:
		if c.Window == nil {
			return fmt.Errorf("calendar schedule requires a window")
		}
		if _, _, err := c.Window.bounds(); err != nil {
			return err
		}
		switch c.Frequency {
		case FrequencyDaily:
		case FrequencyWeekly:
			if c.Day == "" {
				return fmt.Errorf("weekly schedule requires a day")
			}
			if _, err := parseWeekday(c.Day); err != nil {
				return err
			}
		case FrequencyMonthly:
			if c.Day == "" {
				return fmt.Errorf("monthly schedule requires a day")
			}
			if _, err := parseDayOfMonth(c.Day); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown frequency %q", c.Frequency)
		}
	case KindInterval:
		if c.IntervalSeconds == 0 {
			return fmt.Errorf("interval schedule requires intervalSeconds > 0")
		}
	case KindCron:
		if c.Expression == "" {
			return fmt.Errorf("cron schedule requires an expression")
		}
	case KindOnce:
	default:
		return fmt.Errorf("unknown schedule kind %q", c.Kind)
	}
	return nil
}

// Preview returns the next n fire instants assuming every cycle finishes instantly
func Preview(s Schedule, now time.Time, n int) []time.Time {
	fires := make([]time.Time, 0, n)
	a := Anchor{Now: now}
	for i := 0; i < n && i < MaxOccurrenceIterations; i++ {
		next := s.Next(a)
		if next.IsZero() {
			break
		}
		if a.Base.IsZero() {
			a.Base = next
		}
		fires = append(fires, next)
		a = Anchor{Now: next, Base: a.Base, PrevSchedule: next, PrevStart: next, PrevEnd: next}
	}
	return fires
}

// bounds returns the window start offset from midnight and its length
func (w Window) bounds() (time.Duration, time.Duration, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window start: %w", err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window end: %w", err)
	}
	length := end - start
	if length <= 0 {
		length += 24 * time.Hour
	}
	return start, length, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func parseDayOfMonth(s string) (int, error) {
	day, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || day < 1 || day > 31 {
		return 0, fmt.Errorf("invalid day of month %q", s)
	}
	return day, nil
}

func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", timezone, err)
	}
	return loc, nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
