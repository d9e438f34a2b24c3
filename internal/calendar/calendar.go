// Package calendar talks to the external calendar service. The scheduling
// layer only sees the Client interface, so tests swap in a fake.
package calendar

import (
	"context"
	"time"
)

// Event is a calendar event as the external service reports it.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	MeetingURL  string    `json:"hangoutLink,omitempty"`
	HTMLLink    string    `json:"htmlLink,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Status      string    `json:"status,omitempty"`
}

// Interval is one busy span on the calendar.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CreateEventRequest describes the event to create. DedupKey travels to the
// provider as an idempotency token so retried commits cannot double-book.
type CreateEventRequest struct {
	Title          string    `json:"summary"`
	Description    string    `json:"description,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	AttendeeEmails []string  `json:"attendees,omitempty"`
	Timezone       string    `json:"timezone,omitempty"`
	WithMeetLink   bool      `json:"with_meet_link,omitempty"`
	DedupKey       string    `json:"dedup_key,omitempty"`
}

// Client is the calendar provider surface the engine depends on.
type Client interface {
	// CreateEvent creates an event with invites and, when requested, a
	// video meeting link.
	CreateEvent(ctx context.Context, req CreateEventRequest) (Event, error)

	// BusyIntervals returns the occupied spans between from and to.
	BusyIntervals(ctx context.Context, from, to time.Time) ([]Interval, error)

	// ListUpcoming returns the next events, start ascending.
	ListUpcoming(ctx context.Context, maxResults, daysAhead int) ([]Event, error)

	// CancelEvent removes an event.
	CancelEvent(ctx context.Context, eventID string) error
}
