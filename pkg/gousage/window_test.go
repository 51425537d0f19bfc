package gousage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalZone(t *testing.T) {
	assert.Equal(t, time.UTC, LocalZone(0))

	_, off := time.Date(2026, 1, 1, 0, 0, 0, 0, LocalZone(5.5)).Zone()
	assert.Equal(t, 5*3600+1800, off)

	_, off = time.Date(2026, 1, 1, 0, 0, 0, 0, LocalZone(-8)).Zone()
	assert.Equal(t, -8*3600, off)
}

func TestLocalDateHour(t *testing.T) {
	ts := time.Date(2026, 3, 2, 22, 30, 0, 0, time.UTC)

	date, hour := LocalDateHour(ts, LocalZone(0))
	assert.Equal(t, "2026-03-02", date)
	assert.Equal(t, 22, hour)

	date, hour = LocalDateHour(ts, LocalZone(3))
	assert.Equal(t, "2026-03-03", date)
	assert.Equal(t, 1, hour)

	date, hour = LocalDateHour(time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), LocalZone(-5))
	assert.Equal(t, "2026-03-01", date)
	assert.Equal(t, 21, hour)
}

func TestNaturalWindow(t *testing.T) {
	// 2026-03-04 is a Wednesday.
	now := time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		cfg       RateLimitConfig
		offset    float64
		wantStart time.Time
		wantNext  time.Time
	}{
		{
			name:      "daily utc",
			cfg:       RateLimitConfig{ResetStrategy: ResetDaily},
			wantStart: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
			wantNext:  time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily plus two",
			cfg:       RateLimitConfig{ResetStrategy: ResetDaily},
			offset:    2,
			wantStart: time.Date(2026, 3, 3, 22, 0, 0, 0, time.UTC),
			wantNext:  time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily plus twelve crosses date",
			cfg:       RateLimitConfig{ResetStrategy: ResetDaily},
			offset:    12,
			wantStart: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
			wantNext:  time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC),
		},
		{
			name:      "weekly monday",
			cfg:       RateLimitConfig{ResetStrategy: ResetWeekly},
			wantStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			wantNext:  time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "rolling",
			cfg:       RateLimitConfig{ResetStrategy: ResetRolling, WindowMinutes: 300},
			wantStart: time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC),
			wantNext:  time.Date(2026, 3, 4, 19, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, next := naturalWindow(&tt.cfg, now, LocalZone(tt.offset))
			assert.True(t, tt.wantStart.Equal(start), "start: got %v want %v", start, tt.wantStart)
			assert.True(t, tt.wantNext.Equal(next), "next: got %v want %v", next, tt.wantNext)
		})
	}
}

func TestStartOfWeek_Sunday(t *testing.T) {
	sunday := time.Date(2026, 3, 8, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), startOfWeek(sunday, time.UTC))

	monday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, monday, startOfWeek(monday, time.UTC))
}

func TestNextBoundaryAfter(t *testing.T) {
	anchor := time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)

	daily := RateLimitConfig{ResetStrategy: ResetDaily}
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), nextBoundaryAfter(&daily, anchor, time.UTC))

	weekly := RateLimitConfig{ResetStrategy: ResetWeekly}
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), nextBoundaryAfter(&weekly, anchor, time.UTC))

	rolling := RateLimitConfig{ResetStrategy: ResetRolling, WindowMinutes: 60}
	assert.Equal(t, anchor.Add(time.Hour), nextBoundaryAfter(&rolling, anchor, time.UTC))
}
