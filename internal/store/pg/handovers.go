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

type handoverStore struct {
	db *sql.DB
}

const handoverColumns = `id, conversation_id, customer_id, customer_name, customer_email,
	customer_phone, reason, priority, status, last_messages, entities, intent,
	context_summary, department, assigned_agent, notes, tags, created_at, accepted_at, resolved_at`

func scanHandover(row interface{ Scan(...any) error }) (store.HandoverTicket, error) {
	var t store.HandoverTicket
	var lastMessages, entities, tags []byte
	var acceptedAt, resolvedAt sql.NullTime
	err := row.Scan(&t.ID, &t.ConversationID, &t.CustomerID, &t.CustomerName, &t.CustomerEmail,
		&t.CustomerPhone, &t.Reason, &t.Priority, &t.Status, &lastMessages, &entities, &t.Intent,
		&t.ContextSummary, &t.Department, &t.AssignedAgent, &t.Notes, &tags,
		&t.CreatedAt, &acceptedAt, &resolvedAt)
	if err != nil {
		return store.HandoverTicket{}, err
	}
	_ = json.Unmarshal(lastMessages, &t.LastMessages)
	_ = json.Unmarshal(entities, &t.Entities)
	_ = json.Unmarshal(tags, &t.Tags)
	if acceptedAt.Valid {
		t.AcceptedAt = &acceptedAt.Time
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	return t, nil
}

func (h *handoverStore) Create(ctx context.Context, t store.HandoverTicket) (store.HandoverTicket, error) {
	t.ID = uuid.Must(uuid.NewV7()).String()
	t.Status = store.HandoverPending
	t.CreatedAt = time.Now().UTC()
	lastMessages := marshalJSON(t.LastMessages, "[]")
	entities := marshalJSON(t.Entities, "{}")
	tags := marshalJSON(t.Tags, "[]")

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO handovers (id, conversation_id, customer_id, customer_name, customer_email,
			customer_phone, reason, priority, status, last_messages, entities, intent,
			context_summary, department, assigned_agent, notes, tags, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.ConversationID, t.CustomerID, t.CustomerName, t.CustomerEmail,
		t.CustomerPhone, t.Reason, t.Priority, t.Status, lastMessages, entities, t.Intent,
		t.ContextSummary, t.Department, t.AssignedAgent, t.Notes, tags, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.HandoverTicket{}, errdefs.New(errdefs.Conflict, "conversation already has an open handover")
		}
		return store.HandoverTicket{}, fmt.Errorf("insert handover: %w", err)
	}
	return t, nil
}

func (h *handoverStore) Get(ctx context.Context, id string) (store.HandoverTicket, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT `+handoverColumns+` FROM handovers WHERE id = $1`, id)
	t, err := scanHandover(row)
	if err != nil {
		return store.HandoverTicket{}, notFoundIfNoRows(err, "handover")
	}
	return t, nil
}

func (h *handoverStore) List(ctx context.Context, status store.HandoverStatus) ([]store.HandoverTicket, error) {
	query := `SELECT ` + handoverColumns + ` FROM handovers`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority DESC, created_at`

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list handovers: %w", err)
	}
	defer rows.Close()
	var out []store.HandoverTicket
	for rows.Next() {
		t, err := scanHandover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (h *handoverStore) OpenByConversation(ctx context.Context, conversationID string) (store.HandoverTicket, bool, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT `+handoverColumns+` FROM handovers
		 WHERE conversation_id = $1 AND status IN ('pending', 'accepted', 'in_progress')`,
		conversationID)
	t, err := scanHandover(row)
	if err == sql.ErrNoRows {
		return store.HandoverTicket{}, false, nil
	}
	if err != nil {
		return store.HandoverTicket{}, false, fmt.Errorf("lookup open handover: %w", err)
	}
	return t, true, nil
}

func (h *handoverStore) Accept(ctx context.Context, id, humanID string) (store.HandoverTicket, error) {
	row := h.db.QueryRowContext(ctx,
		`UPDATE handovers SET status = 'accepted', assigned_agent = $2, accepted_at = now()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+handoverColumns,
		id, humanID)
	t, err := scanHandover(row)
	if err == sql.ErrNoRows {
		if _, err := h.Get(ctx, id); err != nil {
			return store.HandoverTicket{}, err
		}
		return store.HandoverTicket{}, errdefs.New(errdefs.Conflict, "handover already taken")
	}
	if err != nil {
		return store.HandoverTicket{}, fmt.Errorf("accept handover: %w", err)
	}
	return t, nil
}

func (h *handoverStore) Resolve(ctx context.Context, id, notes string) (store.HandoverTicket, error) {
	row := h.db.QueryRowContext(ctx,
		`UPDATE handovers SET status = 'resolved', resolved_at = now(),
			notes = CASE WHEN $2 <> '' THEN $2 ELSE notes END
		 WHERE id = $1 AND status IN ('accepted', 'in_progress')
		 RETURNING `+handoverColumns,
		id, notes)
	t, err := scanHandover(row)
	if err == sql.ErrNoRows {
		if _, err := h.Get(ctx, id); err != nil {
			return store.HandoverTicket{}, err
		}
		return store.HandoverTicket{}, errdefs.New(errdefs.Conflict, "handover is not in progress")
	}
	if err != nil {
		return store.HandoverTicket{}, fmt.Errorf("resolve handover: %w", err)
	}
	return t, nil
}

func (h *handoverStore) Cancel(ctx context.Context, id string) (store.HandoverTicket, error) {
	row := h.db.QueryRowContext(ctx,
		`UPDATE handovers SET status = 'cancelled'
		 WHERE id = $1 AND status IN ('pending', 'accepted', 'in_progress')
		 RETURNING `+handoverColumns,
		id)
	t, err := scanHandover(row)
	if err == sql.ErrNoRows {
		if _, err := h.Get(ctx, id); err != nil {
			return store.HandoverTicket{}, err
		}
		return store.HandoverTicket{}, errdefs.New(errdefs.Conflict, "handover already closed")
	}
	if err != nil {
		return store.HandoverTicket{}, fmt.Errorf("cancel handover: %w", err)
	}
	return t, nil
}

func (h *handoverStore) Stats(ctx context.Context) (store.HandoverStats, error) {
	stats := store.HandoverStats{ByStatus: make(map[store.HandoverStatus]int)}

	rows, err := h.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM handovers GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("handover stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.ByStatus[store.HandoverStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = h.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(AVG(EXTRACT(EPOCH FROM accepted_at - created_at)) FILTER (WHERE accepted_at IS NOT NULL), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM resolved_at - accepted_at)) FILTER (WHERE resolved_at IS NOT NULL AND accepted_at IS NOT NULL), 0)
		 FROM handovers`).Scan(&stats.AvgAcceptSeconds, &stats.AvgResolveSeconds)
	if err != nil {
		return stats, fmt.Errorf("handover stats: %w", err)
	}
	return stats, nil
}

// marshalJSON encodes v, substituting fallback for nil collections so JSONB
// columns never receive SQL nulls.
func marshalJSON(v any, fallback string) []byte {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return []byte(fallback)
	}
	return b
}
