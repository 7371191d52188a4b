package ticker

import "time"

// OnceSchedule fires a single time, used by demo pollers
type OnceSchedule struct {
	at time.Time
}

// NewOnceSchedule creates a one-shot schedule. A zero instant fires immediately.
func NewOnceSchedule(at time.Time) *OnceSchedule {
	return &OnceSchedule{at: at}
}

// Next returns the fire instant, or zero once it has fired
func (s *OnceSchedule) Next(a Anchor) time.Time {
	if !a.PrevSchedule.IsZero() {
		return time.Time{}
	}
	if s.at.IsZero() || s.at.Before(a.Now) {
		return a.Now
	}
	return s.at
}
