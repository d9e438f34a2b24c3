package calendar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OfflineClient is the standalone-mode calendar: events live in process
// memory and meeting links are synthesized. Deployments with a real calendar
// service use HTTPClient instead.
type OfflineClient struct {
	mu     sync.Mutex
	events map[string]Event
}

// NewOfflineClient builds an empty in-memory calendar.
func NewOfflineClient() *OfflineClient {
	return &OfflineClient{events: make(map[string]Event)}
}

func (c *OfflineClient) CreateEvent(ctx context.Context, req CreateEventRequest) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.DedupKey != "" {
		for _, ev := range c.events {
			if ev.Description == req.DedupKey {
				return ev, nil
			}
		}
	}
	id := uuid.Must(uuid.NewV7()).String()
	ev := Event{
		ID:        id,
		Title:     req.Title,
		Start:     req.Start,
		End:       req.End,
		Attendees: req.AttendeeEmails,
		Status:    "confirmed",
	}
	// The dedup key rides in the description so retried commits find the
	// earlier event.
	ev.Description = req.DedupKey
	if req.WithMeetLink {
		ev.MeetingURL = "https://meet.local/" + id[:8]
	}
	c.events[id] = ev
	return ev, nil
}

func (c *OfflineClient) BusyIntervals(ctx context.Context, from, to time.Time) ([]Interval, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Interval
	for _, ev := range c.events {
		if ev.Status == "cancelled" {
			continue
		}
		if ev.End.After(from) && ev.Start.Before(to) {
			out = append(out, Interval{Start: ev.Start, End: ev.End})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (c *OfflineClient) ListUpcoming(ctx context.Context, maxResults, daysAhead int) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	horizon := now.AddDate(0, 0, daysAhead)
	var out []Event
	for _, ev := range c.events {
		if ev.Status == "cancelled" || ev.Start.Before(now) || ev.Start.After(horizon) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

func (c *OfflineClient) CancelEvent(ctx context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[eventID]
	if !ok {
		return nil
	}
	ev.Status = "cancelled"
	c.events[eventID] = ev
	return nil
}
