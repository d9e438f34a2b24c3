package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
)

type calendarStore struct {
	db *sql.DB
}

const calendarColumns = `id, provider_id, dedup_key, conversation_id, agent_key, customer_id,
	customer_name, customer_email, customer_phone, title, description, start_at, end_at,
	meeting_url, calendar_url, status, attendees, notes, created_at, updated_at`

func scanCommitment(row interface{ Scan(...any) error }) (store.CalendarCommitment, error) {
	var c store.CalendarCommitment
	var attendees []byte
	var updatedAt sql.NullTime
	err := row.Scan(&c.ID, &c.ProviderID, &c.DedupKey, &c.ConversationID, &c.AgentKey, &c.CustomerID,
		&c.CustomerName, &c.CustomerEmail, &c.CustomerPhone, &c.Title, &c.Description, &c.Start, &c.End,
		&c.MeetingURL, &c.CalendarURL, &c.Status, &attendees, &c.Notes, &c.CreatedAt, &updatedAt)
	if err != nil {
		return store.CalendarCommitment{}, err
	}
	_ = json.Unmarshal(attendees, &c.Attendees)
	if updatedAt.Valid {
		c.UpdatedAt = &updatedAt.Time
	}
	return c, nil
}

func (s *calendarStore) Create(ctx context.Context, c store.CalendarCommitment) (store.CalendarCommitment, error) {
	c.ID = uuid.Must(uuid.NewV7()).String()
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_commitments (id, provider_id, dedup_key, conversation_id, agent_key,
			customer_id, customer_name, customer_email, customer_phone, title, description,
			start_at, end_at, meeting_url, calendar_url, status, attendees, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		c.ID, c.ProviderID, c.DedupKey, c.ConversationID, c.AgentKey,
		c.CustomerID, c.CustomerName, c.CustomerEmail, c.CustomerPhone, c.Title, c.Description,
		c.Start, c.End, c.MeetingURL, c.CalendarURL, c.Status, marshalJSON(c.Attendees, "[]"), c.Notes, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.CalendarCommitment{}, errdefs.New(errdefs.Conflict, "commitment already recorded")
		}
		return store.CalendarCommitment{}, fmt.Errorf("insert commitment: %w", err)
	}
	return c, nil
}

func (s *calendarStore) Get(ctx context.Context, id string) (store.CalendarCommitment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendar_commitments WHERE id = $1`, id)
	c, err := scanCommitment(row)
	if err != nil {
		return store.CalendarCommitment{}, notFoundIfNoRows(err, "commitment")
	}
	return c, nil
}

func (s *calendarStore) ByDedupKey(ctx context.Context, dedupKey string) (store.CalendarCommitment, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendar_commitments WHERE dedup_key = $1`, dedupKey)
	c, err := scanCommitment(row)
	if err == sql.ErrNoRows {
		return store.CalendarCommitment{}, false, nil
	}
	if err != nil {
		return store.CalendarCommitment{}, false, fmt.Errorf("lookup commitment: %w", err)
	}
	return c, true, nil
}

func (s *calendarStore) List(ctx context.Context, agentKey string, from, to time.Time) ([]store.CalendarCommitment, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendar_commitments WHERE TRUE`
	args := []any{}
	if agentKey != "" {
		args = append(args, agentKey)
		query += fmt.Sprintf(` AND agent_key = $%d`, len(args))
	}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(` AND start_at >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(` AND start_at <= $%d`, len(args))
	}
	query += ` ORDER BY start_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer rows.Close()
	var out []store.CalendarCommitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *calendarStore) Update(ctx context.Context, c store.CalendarCommitment) (store.CalendarCommitment, error) {
	now := time.Now().UTC()
	c.UpdatedAt = &now
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_commitments SET provider_id = $2, title = $3, description = $4,
			start_at = $5, end_at = $6, meeting_url = $7, calendar_url = $8, status = $9,
			attendees = $10, notes = $11, updated_at = $12
		 WHERE id = $1`,
		c.ID, c.ProviderID, c.Title, c.Description, c.Start, c.End, c.MeetingURL,
		c.CalendarURL, c.Status, marshalJSON(c.Attendees, "[]"), c.Notes, now)
	if err != nil {
		return store.CalendarCommitment{}, fmt.Errorf("update commitment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.CalendarCommitment{}, errdefs.New(errdefs.NotFound, "commitment not found")
	}
	return c, nil
}
