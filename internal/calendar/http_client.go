package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/errdefs"
)

// HTTPClient implements Client against the calendar sidecar's REST API.
type HTTPClient struct {
	baseURL    string
	calendarID string
	token      string
	client     *http.Client
}

// NewHTTPClient builds the REST calendar client.
func NewHTTPClient(baseURL, calendarID, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		calendarID: calendarID,
		token:      token,
		client:     &http.Client{Timeout: timeout},
	}
}

type wireEvent struct {
	ID          string   `json:"id"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	HangoutLink string   `json:"hangoutLink"`
	HTMLLink    string   `json:"htmlLink"`
	Attendees   []string `json:"attendees"`
	Status      string   `json:"status"`
}

func (w wireEvent) toEvent() Event {
	start, _ := time.Parse(time.RFC3339, w.Start)
	end, _ := time.Parse(time.RFC3339, w.End)
	return Event{
		ID:          w.ID,
		Title:       w.Summary,
		Description: w.Description,
		Start:       start,
		End:         end,
		MeetingURL:  w.HangoutLink,
		HTMLLink:    w.HTMLLink,
		Attendees:   w.Attendees,
		Status:      w.Status,
	}
}

// CreateEvent posts the event. The dedup key rides as the provider-side
// idempotency request id.
func (c *HTTPClient) CreateEvent(ctx context.Context, req CreateEventRequest) (Event, error) {
	body := map[string]interface{}{
		"calendarId":  c.calendarID,
		"summary":     req.Title,
		"description": req.Description,
		"start":       req.Start.Format(time.RFC3339),
		"end":         req.End.Format(time.RFC3339),
		"attendees":   req.AttendeeEmails,
		"sendUpdates": "all",
	}
	if req.Timezone != "" {
		body["timeZone"] = req.Timezone
	}
	if req.WithMeetLink {
		body["conferenceData"] = map[string]interface{}{
			"createRequest": map[string]interface{}{
				"requestId":             req.DedupKey,
				"conferenceSolutionKey": map[string]string{"type": "hangoutsMeet"},
			},
		}
	}
	if req.DedupKey != "" {
		body["requestId"] = req.DedupKey
	}

	var w wireEvent
	if err := c.do(ctx, http.MethodPost, "/events", body, nil, &w); err != nil {
		return Event{}, err
	}
	return w.toEvent(), nil
}

// BusyIntervals lists events in the window and reduces them to spans.
func (c *HTTPClient) BusyIntervals(ctx context.Context, from, to time.Time) ([]Interval, error) {
	q := url.Values{
		"calendarId": {c.calendarID},
		"timeMin":    {from.Format(time.RFC3339)},
		"timeMax":    {to.Format(time.RFC3339)},
	}
	var resp struct {
		Items []wireEvent `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/events", nil, q, &resp); err != nil {
		return nil, err
	}
	intervals := make([]Interval, 0, len(resp.Items))
	for _, item := range resp.Items {
		ev := item.toEvent()
		if ev.Start.IsZero() || ev.End.IsZero() {
			continue
		}
		intervals = append(intervals, Interval{Start: ev.Start, End: ev.End})
	}
	return intervals, nil
}

// ListUpcoming returns the next events.
func (c *HTTPClient) ListUpcoming(ctx context.Context, maxResults, daysAhead int) ([]Event, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	if daysAhead <= 0 {
		daysAhead = 30
	}
	now := time.Now().UTC()
	q := url.Values{
		"calendarId": {c.calendarID},
		"timeMin":    {now.Format(time.RFC3339)},
		"timeMax":    {now.AddDate(0, 0, daysAhead).Format(time.RFC3339)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	var resp struct {
		Items []wireEvent `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/events", nil, q, &resp); err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		events = append(events, item.toEvent())
	}
	return events, nil
}

// CancelEvent deletes an event.
func (c *HTTPClient) CancelEvent(ctx context.Context, eventID string) error {
	q := url.Values{"calendarId": {c.calendarID}}
	return c.do(ctx, http.MethodDelete, "/events/"+url.PathEscape(eventID), nil, q, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("calendar: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("calendar: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.Unavailable, "calendar unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errdefs.Wrap(errdefs.Unavailable, "calendar unavailable",
			fmt.Errorf("calendar: status %d: %s", resp.StatusCode, respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("calendar: decode response: %w", err)
	}
	return nil
}
