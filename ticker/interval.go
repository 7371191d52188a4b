package ticker

import (
	"fmt"
	"time"
)

// IntervalSchedule fires on a fixed cadence Base + i*interval.
//
// A cycle that overruns the next slot is followed immediately. A cycle longer than
// half the interval is followed after half an interval, and the slot after that
// returns to the cadence, so the period between scheduled instants averages out to
// the interval instead of accumulating the overrun.
type IntervalSchedule struct {
	interval time.Duration
}

// NewIntervalSchedule creates an interval schedule
func NewIntervalSchedule(interval time.Duration) (*IntervalSchedule, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	return &IntervalSchedule{interval: interval}, nil
}

// Interval returns the nominal period
func (s *IntervalSchedule) Interval() time.Duration {
	return s.interval
}

// Next computes the next fire instant
func (s *IntervalSchedule) Next(a Anchor) time.Time {
	base := a.Base
	if base.IsZero() {
		base = a.Now
	}
	if a.PrevSchedule.IsZero() {
		return s.slotAtOrAfter(base, a.Now)
	}

	nominal := s.slotAfter(base, a.PrevSchedule)
	end := a.PrevEnd
	if end.IsZero() {
		end = a.Now
	}
	if !end.Before(nominal) {
		return latest(end, a.Now)
	}
	if !a.PrevStart.IsZero() && end.Sub(a.PrevStart) > s.interval/2 {
		return latest(nominal, end.Add(s.interval/2))
	}
	return nominal
}

// slotAtOrAfter returns the first cadence point not before t
func (s *IntervalSchedule) slotAtOrAfter(base, t time.Time) time.Time {
	if !t.After(base) {
		return base
	}
	n := (t.Sub(base) + s.interval - 1) / s.interval
	return base.Add(n * s.interval)
}

// slotAfter returns the first cadence point strictly after t
func (s *IntervalSchedule) slotAfter(base, t time.Time) time.Time {
	if t.Before(base) {
		return base
	}
	n := t.Sub(base)/s.interval + 1
	return base.Add(n * s.interval)
}
