package gousage

import (
	"math"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}

// LocalZone returns a fixed zone for an offset in hours. Fractional offsets
// (e.g. 5.5) are rounded to the minute.
func LocalZone(offsetHours float64) *time.Location {
	secs := int(math.Round(offsetHours*60)) * 60
	if secs == 0 {
		return time.UTC
	}
	return time.FixedZone("", secs)
}

// LocalDateHour converts a UTC instant into the local bucketing keys.
func LocalDateHour(t time.Time, loc *time.Location) (date string, hour int) {
	lt := t.In(loc)
	return lt.Format(DateLayout), lt.Hour()
}

// startOfDay returns local midnight of t's day in loc.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// startOfWeek returns the Monday local midnight of t's week in loc.
func startOfWeek(t time.Time, loc *time.Location) time.Time {
	day := startOfDay(t, loc)
	// Weekday: Sunday=0, so Monday-based offset is (wd+6)%7.
	back := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -back)
}

// naturalWindow computes window_start and next_reset for a strategy at now.
func naturalWindow(cfg *RateLimitConfig, now time.Time, loc *time.Location) (start, next time.Time) {
	switch cfg.ResetStrategy {
	case ResetWeekly:
		start = startOfWeek(now, loc)
		next = start.AddDate(0, 0, 7)
	case ResetRolling:
		w := time.Duration(cfg.WindowMinutes) * time.Minute
		start = now.Add(-w)
		next = now.Add(w)
	default:
		start = startOfDay(now, loc)
		next = start.AddDate(0, 0, 1)
	}
	return start.UTC(), next.UTC()
}

// nextBoundaryAfter returns the first natural boundary strictly after t
// (rolling: t + window).
func nextBoundaryAfter(cfg *RateLimitConfig, t time.Time, loc *time.Location) time.Time {
	switch cfg.ResetStrategy {
	case ResetWeekly:
		return startOfWeek(t, loc).AddDate(0, 0, 7).UTC()
	case ResetRolling:
		return t.Add(time.Duration(cfg.WindowMinutes) * time.Minute).UTC()
	default:
		return startOfDay(t, loc).AddDate(0, 0, 1).UTC()
	}
}
