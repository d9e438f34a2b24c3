package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineCreateEventDedup(t *testing.T) {
	c := NewOfflineClient()
	ctx := context.Background()

	req := CreateEventRequest{
		Title:        "Consulta",
		Start:        time.Date(2026, 9, 7, 14, 0, 0, 0, time.UTC),
		End:          time.Date(2026, 9, 7, 15, 0, 0, 0, time.UTC),
		WithMeetLink: true,
		DedupKey:     "sched:conv:2026-09-07T14:00:00Z:a@b.com",
	}

	first, err := c.CreateEvent(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Contains(t, first.MeetingURL, "https://meet.local/")

	// The same dedup key returns the earlier event instead of a new one.
	second, err := c.CreateEvent(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other := req
	other.DedupKey = "sched:conv:2026-09-07T15:00:00Z:a@b.com"
	third, err := c.CreateEvent(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestOfflineBusyIntervals(t *testing.T) {
	c := NewOfflineClient()
	ctx := context.Background()

	mk := func(h int) Event {
		ev, err := c.CreateEvent(ctx, CreateEventRequest{
			Start: time.Date(2026, 9, 7, h, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 9, 7, h+1, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		return ev
	}
	mk(16)
	mk(10)
	cancelled := mk(12)
	require.NoError(t, c.CancelEvent(ctx, cancelled.ID))

	from := time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC)
	to := time.Date(2026, 9, 7, 18, 0, 0, 0, time.UTC)
	busy, err := c.BusyIntervals(ctx, from, to)
	require.NoError(t, err)

	// Sorted by start, cancelled events excluded.
	require.Len(t, busy, 2)
	assert.Equal(t, 10, busy[0].Start.Hour())
	assert.Equal(t, 16, busy[1].Start.Hour())

	// Events outside the window are not busy.
	busy, err = c.BusyIntervals(ctx, from, time.Date(2026, 9, 7, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, 10, busy[0].Start.Hour())
}

func TestOfflineListUpcoming(t *testing.T) {
	c := NewOfflineClient()
	ctx := context.Background()

	mk := func(start time.Time) Event {
		ev, err := c.CreateEvent(ctx, CreateEventRequest{Start: start, End: start.Add(time.Hour)})
		require.NoError(t, err)
		return ev
	}
	mk(time.Now().Add(-2 * time.Hour))          // past
	soon := mk(time.Now().Add(24 * time.Hour))  // tomorrow
	later := mk(time.Now().Add(72 * time.Hour)) // in three days
	mk(time.Now().Add(30 * 24 * time.Hour))     // beyond the horizon

	events, err := c.ListUpcoming(ctx, 10, 7)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, soon.ID, events[0].ID)
	assert.Equal(t, later.ID, events[1].ID)

	events, err = c.ListUpcoming(ctx, 1, 7)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, soon.ID, events[0].ID)
}
