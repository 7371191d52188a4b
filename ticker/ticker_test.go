package ticker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 2 * time.Minute

func fixedRand(fraction float64) Option {
	return WithRand(func(n int64) int64 { return int64(float64(n) * fraction) })
}

func TestConfigValidate(t *testing.T) {
	window := &Window{Start: "02:00", End: "04:00"}
	tests := []struct {
		name        string
		config      Config
		shouldError bool
	}{
		{"daily", Config{Kind: KindCalendar, Frequency: FrequencyDaily, Window: window}, false},
		{"weekly", Config{Kind: KindCalendar, Frequency: FrequencyWeekly, Day: "Monday", Window: window}, false},
		{"weekly short day", Config{Kind: KindCalendar, Frequency: FrequencyWeekly, Day: "fri", Window: window}, false},
		{"monthly", Config{Kind: KindCalendar, Frequency: FrequencyMonthly, Day: "31", Window: window}, false},
		{"calendar without window", Config{Kind: KindCalendar, Frequency: FrequencyDaily}, true},
		{"weekly without day", Config{Kind: KindCalendar, Frequency: FrequencyWeekly, Window: window}, true},
		{"monthly without day", Config{Kind: KindCalendar, Frequency: FrequencyMonthly, Window: window}, true},
		{"monthly bad day", Config{Kind: KindCalendar, Frequency: FrequencyMonthly, Day: "32", Window: window}, true},
		{"bad window", Config{Kind: KindCalendar, Frequency: FrequencyDaily, Window: &Window{Start: "25:00", End: "01:00"}}, true},
		{"unknown frequency", Config{Kind: KindCalendar, Frequency: "hourly", Window: window}, true},
		{"interval", Config{Kind: KindInterval, IntervalSeconds: 60}, false},
		{"interval zero", Config{Kind: KindInterval}, true},
		{"cron", Config{Kind: KindCron, Expression: "*/5 * * * *"}, false},
		{"cron empty", Config{Kind: KindCron}, true},
		{"once", Config{Kind: KindOnce}, false},
		{"bad timezone", Config{Kind: KindOnce, Timezone: "Mars/Olympus"}, true},
		{"unknown kind", Config{Kind: "sometimes"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCalendarDailyWithinWindow(t *testing.T) {
	cfg := Config{Kind: KindCalendar, Frequency: FrequencyDaily, Window: &Window{Start: "02:00", End: "04:00"}}

	for _, fraction := range []float64{0, 0.25, 0.5, 0.999} {
		s, err := New(cfg, fixedRand(fraction))
		require.NoError(t, err)

		now := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
		next := s.Next(Anchor{Now: now})

		windowStart := time.Date(2025, 11, 8, 2, 0, 0, 0, time.UTC)
		windowEnd := time.Date(2025, 11, 8, 4, 0, 0, 0, time.UTC)
		assert.False(t, next.Before(windowStart.Add(-tolerance)), "fraction %v: %s before window", fraction, next)
		assert.False(t, next.After(windowEnd.Add(tolerance)), "fraction %v: %s after window", fraction, next)
	}
}

func TestCalendarDailyInsideOpenWindow(t *testing.T) {
	cfg := Config{Kind: KindCalendar, Frequency: FrequencyDaily, Window: &Window{Start: "02:00", End: "04:00"}}
	s, err := New(cfg, fixedRand(0))
	require.NoError(t, err)

	now := time.Date(2025, 11, 7, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, now, s.Next(Anchor{Now: now}))

	// after firing inside today's window, the next fire moves to tomorrow
	next := s.Next(Anchor{Now: now.Add(10 * time.Minute), PrevSchedule: now})
	assert.Equal(t, time.Date(2025, 11, 8, 2, 0, 0, 0, time.UTC), next)
}

func TestCalendarWindowAcrossMidnight(t *testing.T) {
	cfg := Config{Kind: KindCalendar, Frequency: FrequencyDaily, Window: &Window{Start: "23:00", End: "01:00"}}
	s, err := NewCalendarSchedule(cfg, nil)
	require.NoError(t, err)

	now := time.Date(2025, 11, 8, 0, 30, 0, 0, time.UTC)
	w := s.Window(Anchor{Now: now})
	assert.Equal(t, time.Date(2025, 11, 7, 23, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2025, 11, 8, 1, 0, 0, 0, time.UTC), w.End)
	assert.Equal(t, now, s.Next(Anchor{Now: now}))
}

func TestCalendarWeekly(t *testing.T) {
	cfg := Config{Kind: KindCalendar, Frequency: FrequencyWeekly, Day: "wednesday", Window: &Window{Start: "13:00", End: "15:00"}}
	s, err := New(cfg, fixedRand(0.5))
	require.NoError(t, err)

	// Friday
	now := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	next := s.Next(Anchor{Now: now})
	assert.Equal(t, time.Wednesday, next.Weekday())
	assert.Equal(t, 12, next.Day())
	assert.Equal(t, 14, next.Hour())

	following := s.Next(Anchor{Now: next.Add(time.Minute), PrevSchedule: next})
	assert.Equal(t, time.Wednesday, following.Weekday())
	assert.Equal(t, 19, following.Day())
}

func TestCalendarMonthlyClampsToLastDay(t *testing.T) {
	cfg := Config{Kind: KindCalendar, Frequency: FrequencyMonthly, Day: "31", Window: &Window{Start: "08:00", End: "09:00"}}
	s, err := NewCalendarSchedule(cfg, nil)
	require.NoError(t, err)

	tests := []struct {
		now      time.Time
		expected time.Time
	}{
		{time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC)},
		{time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC)},
		{time.Date(2025, 4, 30, 9, 30, 0, 0, time.UTC), time.Date(2025, 5, 31, 8, 0, 0, 0, time.UTC)},
		{time.Date(2025, 12, 31, 10, 0, 0, 0, time.UTC), time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.now.Format(time.DateOnly), func(t *testing.T) {
			assert.Equal(t, tt.expected, s.Window(Anchor{Now: tt.now}).Start)
		})
	}
}

func TestCalendarTimezone(t *testing.T) {
	cfg := Config{Kind: KindCalendar, Frequency: FrequencyDaily, Window: &Window{Start: "02:00", End: "03:00"}, Timezone: "America/New_York"}
	s, err := NewCalendarSchedule(cfg, nil)
	require.NoError(t, err)

	w := s.Window(Anchor{Now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)})
	assert.Equal(t, 2, w.Start.Hour())
	assert.Equal(t, "America/New_York", w.Start.Location().String())
}

func TestIntervalFirstFire(t *testing.T) {
	s, err := NewIntervalSchedule(time.Minute)
	require.NoError(t, err)

	now := time.Date(2025, 11, 7, 10, 0, 30, 0, time.UTC)
	assert.Equal(t, now, s.Next(Anchor{Now: now}))

	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(time.Minute), s.Next(Anchor{Now: now, Base: base}))

	future := now.Add(time.Hour)
	assert.Equal(t, future, s.Next(Anchor{Now: now, Base: future}))
}

func TestIntervalFixedCadence(t *testing.T) {
	s, err := NewIntervalSchedule(time.Minute)
	require.NoError(t, err)

	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	prev := base
	for i := 1; i <= 5; i++ {
		end := prev.Add(10 * time.Second)
		next := s.Next(Anchor{Now: end, Base: base, PrevSchedule: prev, PrevStart: prev, PrevEnd: end})
		assert.Equal(t, base.Add(time.Duration(i)*time.Minute), next)
		prev = next
	}
}

func TestIntervalOverrunFiresImmediately(t *testing.T) {
	s, err := NewIntervalSchedule(time.Minute)
	require.NoError(t, err)

	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	end := base.Add(150 * time.Second)
	next := s.Next(Anchor{Now: end, Base: base, PrevSchedule: base, PrevStart: base, PrevEnd: end})
	assert.Equal(t, end, next)

	// the cycle after an immediate restart resumes the original cadence
	following := s.Next(Anchor{Now: end.Add(time.Second), Base: base, PrevSchedule: next, PrevStart: next, PrevEnd: end.Add(time.Second)})
	assert.Equal(t, base.Add(3*time.Minute), following)
}

func TestIntervalLongCycleHalvesGap(t *testing.T) {
	s, err := NewIntervalSchedule(60 * time.Second)
	require.NoError(t, err)

	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	firstEnd := base.Add(40 * time.Second)
	second := s.Next(Anchor{Now: firstEnd, Base: base, PrevSchedule: base, PrevStart: base, PrevEnd: firstEnd})
	assert.InDelta(t, 30, second.Sub(firstEnd).Seconds(), 1)

	secondEnd := second.Add(time.Second)
	third := s.Next(Anchor{Now: secondEnd, Base: base, PrevSchedule: second, PrevStart: second, PrevEnd: secondEnd})

	average := third.Sub(base).Seconds() / 2
	assert.InDelta(t, 60, average, 5)
}

func TestIntervalAverageUnderRepeatedOverrun(t *testing.T) {
	s, err := NewIntervalSchedule(60 * time.Second)
	require.NoError(t, err)

	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	prev := base
	durations := []time.Duration{40 * time.Second, 5 * time.Second, 45 * time.Second, 5 * time.Second, 35 * time.Second, 5 * time.Second}
	for _, d := range durations {
		end := prev.Add(d)
		prev = s.Next(Anchor{Now: end, Base: base, PrevSchedule: prev, PrevStart: prev, PrevEnd: end})
	}
	average := prev.Sub(base).Seconds() / float64(len(durations))
	assert.InDelta(t, 60, average, 5)
}

func TestCronSchedule(t *testing.T) {
	s, err := New(Config{Kind: KindCron, Expression: "0 * * * *"})
	require.NoError(t, err)

	now := time.Date(2025, 11, 7, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 11, 7, 11, 0, 0, 0, time.UTC), s.Next(Anchor{Now: now}))

	_, err = New(Config{Kind: KindCron, Expression: "invalid"})
	assert.Error(t, err)
}

func TestOnceSchedule(t *testing.T) {
	now := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)

	s := NewOnceSchedule(time.Time{})
	assert.Equal(t, now, s.Next(Anchor{Now: now}))
	assert.True(t, s.Next(Anchor{Now: now, PrevSchedule: now}).IsZero())

	at := now.Add(time.Hour)
	s = NewOnceSchedule(at)
	assert.Equal(t, at, s.Next(Anchor{Now: now}))
}

func TestPreview(t *testing.T) {
	s, err := New(Config{Kind: KindInterval, IntervalSeconds: 300})
	require.NoError(t, err)

	now := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	fires := Preview(s, now, 3)
	require.Len(t, fires, 3)
	assert.Equal(t, now, fires[0])
	assert.Equal(t, now.Add(5*time.Minute), fires[1])
	assert.Equal(t, now.Add(10*time.Minute), fires[2])

	once, err := New(Config{Kind: KindOnce})
	require.NoError(t, err)
	assert.Len(t, Preview(once, now, 3), 1)
}
