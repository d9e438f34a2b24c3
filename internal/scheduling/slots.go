// Package scheduling drives the meeting booking sub-protocol: collecting
// identity and a slot choice, proposing free slots, and committing exactly
// one calendar event per confirmed booking.
package scheduling

import (
	"context"
	"time"

	"github.com/omnidesk/omnidesk/internal/calendar"
	"github.com/omnidesk/omnidesk/internal/config"
)

// Slot is one bookable interval.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WorkingDays returns the next n weekdays starting at from (inclusive when
// from itself is a weekday).
func WorkingDays(from time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for len(days) < n {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return days
}

// SlotsForDay partitions the working hours of a day into fixed slots and
// removes every slot overlapping a busy interval or lying in the past.
func SlotsForDay(day time.Time, busy []calendar.Interval, cfg config.SchedulingConfig, now time.Time) []Slot {
	loc := day.Location()
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), cfg.WorkingHourStart, 0, 0, 0, loc)
	dayEnd := time.Date(day.Year(), day.Month(), day.Day(), cfg.WorkingHourEnd, 0, 0, 0, loc)
	duration := time.Duration(cfg.SlotMinutes) * time.Minute
	if duration <= 0 {
		duration = time.Hour
	}

	var slots []Slot
	for cur := dayStart; !cur.Add(duration).After(dayEnd); cur = cur.Add(duration) {
		end := cur.Add(duration)
		if !cur.After(now) {
			continue
		}
		if overlapsAny(cur, end, busy) {
			continue
		}
		slots = append(slots, Slot{Start: cur, End: end})
	}
	return slots
}

func overlapsAny(start, end time.Time, busy []calendar.Interval) bool {
	for _, b := range busy {
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}

// AvailableSlots fetches busy intervals for a day and returns its free
// slots.
func AvailableSlots(ctx context.Context, client calendar.Client, day time.Time, cfg config.SchedulingConfig) ([]Slot, error) {
	loc := day.Location()
	from := time.Date(day.Year(), day.Month(), day.Day(), cfg.WorkingHourStart, 0, 0, 0, loc)
	to := time.Date(day.Year(), day.Month(), day.Day(), cfg.WorkingHourEnd, 0, 0, 0, loc)
	busy, err := client.BusyIntervals(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return SlotsForDay(day, busy, cfg, time.Now().In(loc)), nil
}
