package scheduling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidesk/omnidesk/internal/calendar"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
)

type fakeCalendar struct {
	mu      sync.Mutex
	created []calendar.CreateEventRequest
	fail    bool
	busy    []calendar.Interval
}

func (f *fakeCalendar) CreateEvent(_ context.Context, req calendar.CreateEventRequest) (calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return calendar.Event{}, fmt.Errorf("calendar unavailable")
	}
	f.created = append(f.created, req)
	return calendar.Event{
		ID:         fmt.Sprintf("evt-%d", len(f.created)),
		Start:      req.Start,
		End:        req.End,
		MeetingURL: "https://meet.example/abc",
	}, nil
}

func (f *fakeCalendar) BusyIntervals(context.Context, time.Time, time.Time) ([]calendar.Interval, error) {
	return f.busy, nil
}

func (f *fakeCalendar) ListUpcoming(context.Context, int, int) ([]calendar.Event, error) {
	return nil, nil
}

func (f *fakeCalendar) CancelEvent(context.Context, string) error { return nil }

func (f *fakeCalendar) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func testConfig() config.SchedulingConfig {
	return config.SchedulingConfig{
		WorkingHourStart: 9,
		WorkingHourEnd:   18,
		SlotMinutes:      30,
		DaysAhead:        14,
		Timezone:         "UTC",
		DefaultTitle:     "Reunião",
	}
}

func newTestCoordinator(t *testing.T, client calendar.Client, cfg config.SchedulingConfig) *Coordinator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(cfg, client, memory.NewStores().Calendar, logger)
}

// nextWeekday returns a weekday at least two days out, so 10:00 on it is
// always in the future.
func nextWeekday(offset int) time.Time {
	day := time.Now().UTC().AddDate(0, 0, 2+offset)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

func dateEntity(day time.Time) nlu.Entity {
	return nlu.Entity{Type: "date", Normalized: day.Format("2006-01-02"), Valid: true}
}

func timeEntity(clock string) nlu.Entity {
	return nlu.Entity{Type: "time", Normalized: clock, Valid: true}
}

func TestWorkingDaysSkipsWeekends(t *testing.T) {
	// 2026-09-04 is a Friday.
	friday := time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)
	days := WorkingDays(friday, 3)
	require.Len(t, days, 3)
	assert.Equal(t, 4, days[0].Day())
	assert.Equal(t, 7, days[1].Day())
	assert.Equal(t, 8, days[2].Day())
	for _, d := range days {
		assert.NotEqual(t, time.Saturday, d.Weekday())
		assert.NotEqual(t, time.Sunday, d.Weekday())
	}
}

func TestSlotsForDayRemovesBusyAndPast(t *testing.T) {
	cfg := testConfig()
	cfg.WorkingHourStart = 9
	cfg.WorkingHourEnd = 12
	cfg.SlotMinutes = 60
	day := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)

	busy := []calendar.Interval{{
		Start: time.Date(2026, 9, 7, 10, 30, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 7, 10, 45, 0, 0, time.UTC),
	}}

	early := time.Date(2026, 9, 7, 6, 0, 0, 0, time.UTC)
	slots := SlotsForDay(day, busy, cfg, early)
	require.Len(t, slots, 2)
	assert.Equal(t, 9, slots[0].Start.Hour())
	assert.Equal(t, 11, slots[1].Start.Hour())

	// Slots must start strictly after now.
	late := time.Date(2026, 9, 7, 10, 15, 0, 0, time.UTC)
	slots = SlotsForDay(day, nil, cfg, late)
	require.Len(t, slots, 1)
	assert.Equal(t, 11, slots[0].Start.Hour())
}

func TestHandleTurnIgnoresNonSchedulingIdleTurns(t *testing.T) {
	c := newTestCoordinator(t, &fakeCalendar{}, testConfig())
	_, consumed, err := c.HandleTurn(context.Background(), "conv", "sdr", store.User{}, "oi", nil, nlu.Intent{Name: nlu.IntentGreeting})
	require.NoError(t, err)
	assert.False(t, consumed)
	assert.Equal(t, StateIdle, c.State("conv", "sdr"))
}

func TestHandleTurnFullBookingFlow(t *testing.T) {
	client := &fakeCalendar{}
	c := newTestCoordinator(t, client, testConfig())
	ctx := context.Background()
	customer := store.User{ID: "u1", Name: "João"}

	reply, consumed, err := c.HandleTurn(ctx, "conv", "sdr", customer, "quero agendar uma reunião", nil, nlu.Intent{Name: nlu.IntentScheduling})
	require.NoError(t, err)
	require.True(t, consumed)
	assert.Contains(t, reply.Text, "e-mail")
	assert.Equal(t, StateAwaitingIdentity, c.State("conv", "sdr"))

	reply, consumed, err = c.HandleTurn(ctx, "conv", "sdr", customer, "meu email é joao@b.com",
		map[string]nlu.Entity{"email": {Type: "email", Normalized: "joao@b.com"}}, nlu.Intent{Name: nlu.IntentGeneral})
	require.NoError(t, err)
	require.True(t, consumed)
	assert.True(t, reply.ShowSlotPicker)
	assert.Equal(t, StateAwaitingSlot, c.State("conv", "sdr"))

	day := nextWeekday(0)
	reply, consumed, err = c.HandleTurn(ctx, "conv", "sdr", customer, "pode ser dia tal às 10:00",
		map[string]nlu.Entity{"date": dateEntity(day), "time": timeEntity("10:00")}, nlu.Intent{Name: nlu.IntentGeneral})
	require.NoError(t, err)
	require.True(t, consumed)
	assert.Contains(t, reply.Text, "Confirmando")
	assert.Equal(t, StateConfirming, c.State("conv", "sdr"))

	reply, consumed, err = c.HandleTurn(ctx, "conv", "sdr", customer, "sim, pode agendar", nil, nlu.Intent{Name: nlu.IntentGeneral})
	require.NoError(t, err)
	require.True(t, consumed)
	assert.Contains(t, reply.Text, "Agendado")
	assert.Contains(t, reply.Text, "https://meet.example/abc")
	require.NotNil(t, reply.Commitment)
	assert.Equal(t, store.CommitmentConfirmed, reply.Commitment.Status)
	assert.Equal(t, 1, client.calls())

	// The flow resets after a successful booking.
	assert.Equal(t, StateIdle, c.State("conv", "sdr"))
}

func TestHandleTurnRejectsInvalidSlots(t *testing.T) {
	cases := []struct {
		name    string
		day     time.Time
		clock   string
		wantMsg string
	}{
		{"past", time.Now().UTC().AddDate(0, 0, -7), "10:00", "já passou"},
		{"outside hours", nextWeekday(0), "20:00", "horário de atendimento"},
		{"too far ahead", farWeekday(), "10:00", "dias à frente"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCoordinator(t, &fakeCalendar{}, testConfig())
			ctx := context.Background()
			customer := store.User{ID: "u1", Email: "a@b.com"}

			_, _, err := c.HandleTurn(ctx, "conv", "sdr", customer, "quero agendar", nil, nlu.Intent{Name: nlu.IntentScheduling})
			require.NoError(t, err)

			reply, consumed, err := c.HandleTurn(ctx, "conv", "sdr", customer, "esse horário",
				map[string]nlu.Entity{"date": dateEntity(tc.day), "time": timeEntity(tc.clock)}, nlu.Intent{Name: nlu.IntentGeneral})
			require.NoError(t, err)
			require.True(t, consumed)
			assert.Contains(t, reply.Text, tc.wantMsg)
			assert.True(t, reply.ShowSlotPicker)

			// The slot is cleared so the customer can pick again.
			assert.Equal(t, StateAwaitingSlot, c.State("conv", "sdr"))
		})
	}
}

func TestHandleTurnRejectsWeekend(t *testing.T) {
	day := time.Now().UTC().AddDate(0, 0, 2)
	for day.Weekday() != time.Saturday {
		day = day.AddDate(0, 0, 1)
	}

	c := newTestCoordinator(t, &fakeCalendar{}, testConfig())
	ctx := context.Background()
	customer := store.User{ID: "u1", Email: "a@b.com"}

	_, _, err := c.HandleTurn(ctx, "conv", "sdr", customer, "quero agendar", nil, nlu.Intent{Name: nlu.IntentScheduling})
	require.NoError(t, err)

	reply, _, err := c.HandleTurn(ctx, "conv", "sdr", customer, "sábado",
		map[string]nlu.Entity{"date": dateEntity(day), "time": timeEntity("10:00")}, nlu.Intent{Name: nlu.IntentGeneral})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "dias úteis")
}

func TestHandleTurnBouncesOccupiedSlot(t *testing.T) {
	day := nextWeekday(0)
	taken := time.Date(day.Year(), day.Month(), day.Day(), 10, 0, 0, 0, time.UTC)
	client := &fakeCalendar{busy: []calendar.Interval{{Start: taken, End: taken.Add(30 * time.Minute)}}}
	c := newTestCoordinator(t, client, testConfig())
	ctx := context.Background()
	customer := store.User{ID: "u1", Email: "a@b.com"}

	_, _, err := c.HandleTurn(ctx, "conv", "sdr", customer, "quero agendar", nil, nlu.Intent{Name: nlu.IntentScheduling})
	require.NoError(t, err)

	reply, consumed, err := c.HandleTurn(ctx, "conv", "sdr", customer, "pode ser às 10:00",
		map[string]nlu.Entity{"date": dateEntity(day), "time": timeEntity("10:00")}, nlu.Intent{Name: nlu.IntentGeneral})
	require.NoError(t, err)
	require.True(t, consumed)
	assert.Contains(t, reply.Text, "ocupado")
	assert.True(t, reply.ShowSlotPicker)
	assert.Equal(t, StateAwaitingSlot, c.State("conv", "sdr"))
	assert.Equal(t, 0, client.calls())

	// A slot clear of the busy interval moves on to confirmation.
	reply, _, err = c.HandleTurn(ctx, "conv", "sdr", customer, "então às 11:00",
		map[string]nlu.Entity{"date": dateEntity(day), "time": timeEntity("11:00")}, nlu.Intent{Name: nlu.IntentGeneral})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Confirmando")
	assert.Equal(t, StateConfirming, c.State("conv", "sdr"))
}

func TestHandleTurnCancelAbandonsFlow(t *testing.T) {
	c := newTestCoordinator(t, &fakeCalendar{}, testConfig())
	ctx := context.Background()
	customer := store.User{ID: "u1"}

	_, _, err := c.HandleTurn(ctx, "conv", "sdr", customer, "quero agendar", nil, nlu.Intent{Name: nlu.IntentScheduling})
	require.NoError(t, err)

	reply, consumed, err := c.HandleTurn(ctx, "conv", "sdr", customer, "quero cancelar", nil, nlu.Intent{Name: nlu.IntentCancel})
	require.NoError(t, err)
	require.True(t, consumed)
	assert.Contains(t, reply.Text, "cancelado")
	assert.Equal(t, StateIdle, c.State("conv", "sdr"))
}

func TestCommitIsExactlyOnce(t *testing.T) {
	client := &fakeCalendar{}
	c := newTestCoordinator(t, client, testConfig())
	ctx := context.Background()

	params := CommitParams{
		ConversationID: "conv",
		AgentKey:       "sdr",
		Customer:       store.User{ID: "u1", Name: "João"},
		CustomerEmail:  "joao@b.com",
		Start:          time.Date(2026, 9, 7, 14, 0, 0, 0, time.UTC),
	}

	first, err := c.Commit(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, store.CommitmentConfirmed, first.Status)
	assert.Equal(t, "evt-1", first.ProviderID)
	assert.Equal(t, 1, client.calls())

	// A retry with the same booking hits the dedup record and never calls
	// the provider again.
	second, err := c.Commit(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, client.calls())
}

func TestCommitRequiresEmail(t *testing.T) {
	c := newTestCoordinator(t, &fakeCalendar{}, testConfig())
	_, err := c.Commit(context.Background(), CommitParams{ConversationID: "conv", Start: time.Now()})
	assert.Error(t, err)
}

func TestCommitFailureCancelsCommitment(t *testing.T) {
	client := &fakeCalendar{fail: true}
	commitments := memory.NewStores().Calendar
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCoordinator(testConfig(), client, commitments, logger)
	ctx := context.Background()

	start := time.Date(2026, 9, 7, 14, 0, 0, 0, time.UTC)
	_, err := c.Commit(ctx, CommitParams{
		ConversationID: "conv",
		Customer:       store.User{ID: "u1"},
		CustomerEmail:  "joao@b.com",
		Start:          start,
	})
	require.Error(t, err)

	dedupKey := fmt.Sprintf("sched:conv:%s:joao@b.com", start.UTC().Format(time.RFC3339))
	recorded, ok, err := commitments.ByDedupKey(ctx, dedupKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.CommitmentCancelled, recorded.Status)
	assert.NotEmpty(t, recorded.Notes)
}

// farWeekday returns a weekday beyond the 14-day booking horizon.
func farWeekday() time.Time {
	day := time.Now().UTC().AddDate(0, 0, 30)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}
