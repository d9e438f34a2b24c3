package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
)

type messageStore struct {
	db *sql.DB
}

const tempIDWindow = 10 * time.Minute

const messageColumns = `id, temp_id, author, conversation_id, kind, body, attachment,
	status, agent_key, contact_id, provider_msg_id, transcription, created_at`

func scanMessage(row interface{ Scan(...any) error }) (store.Message, error) {
	var m store.Message
	var attachment []byte
	err := row.Scan(&m.ID, &m.TempID, &m.Author, &m.ConversationID, &m.Kind, &m.Text,
		&attachment, &m.Status, &m.AgentKey, &m.ContactID, &m.ProviderMsgID,
		&m.Transcription, &m.CreatedAt)
	if err != nil {
		return store.Message{}, err
	}
	if len(attachment) > 0 {
		var att store.Attachment
		if err := json.Unmarshal(attachment, &att); err == nil {
			m.Attachment = &att
		}
	}
	return m, nil
}

func (s *messageStore) Append(ctx context.Context, msg store.Message) (store.Message, bool, error) {
	if msg.Kind != "" && msg.Kind != store.KindText && msg.Attachment == nil {
		return store.Message{}, false, errdefs.Newf(errdefs.Invalid, "%s message requires an attachment", msg.Kind)
	}
	if (msg.Kind == "" || msg.Kind == store.KindText) && strings.TrimSpace(msg.Text) == "" {
		return store.Message{}, false, errdefs.New(errdefs.Invalid, "text message requires text")
	}

	if msg.TempID != "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE author = $1 AND temp_id = $2 AND created_at > $3
			 ORDER BY created_at DESC LIMIT 1`,
			msg.Author, msg.TempID, time.Now().UTC().Add(-tempIDWindow))
		if existing, err := scanMessage(row); err == nil {
			return existing, false, nil
		} else if err != sql.ErrNoRows {
			return store.Message{}, false, fmt.Errorf("lookup temp id: %w", err)
		}
	}

	msg.ID = uuid.Must(uuid.NewV7()).String()
	if msg.Status == "" {
		msg.Status = store.StatusPending
	}
	if msg.Kind == "" {
		msg.Kind = store.KindText
	}
	var attachment []byte
	if msg.Attachment != nil {
		attachment, _ = json.Marshal(msg.Attachment)
	}

	// Per-conversation timestamps are strictly increasing; the router
	// serializes appends per conversation, so the subquery race is benign.
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, temp_id, author, conversation_id, kind, body, attachment,
			status, agent_key, contact_id, provider_msg_id, transcription, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			GREATEST(now(), COALESCE(
				(SELECT MAX(created_at) FROM messages WHERE conversation_id = $4)
				+ interval '1 microsecond', now())))
		 RETURNING created_at`,
		msg.ID, msg.TempID, msg.Author, msg.ConversationID, msg.Kind, msg.Text, attachment,
		msg.Status, msg.AgentKey, msg.ContactID, msg.ProviderMsgID, msg.Transcription)
	if err := row.Scan(&msg.CreatedAt); err != nil {
		return store.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	return msg, true, nil
}

func (s *messageStore) Get(ctx context.Context, id string) (store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		return store.Message{}, notFoundIfNoRows(err, "message")
	}
	return m, nil
}

func (s *messageStore) History(ctx context.Context, conversationID, beforeID string, limit int) ([]store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1`
	args := []any{conversationID}
	if beforeID != "" {
		// Tie-break on id so messages sharing a timestamp never straddle
		// a page boundary. An unknown cursor matches nothing.
		query += ` AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2)`
		args = append(args, beforeID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, normalizeLimit(limit))

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *messageStore) AgentHistory(ctx context.Context, userID, agentKey, contactID string, limit int) ([]store.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1`
	args := []any{store.AgentConversationID(userID, agentKey)}
	if contactID != "" {
		query += ` AND (contact_id = '' OR contact_id = $2)`
		args = append(args, contactID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, normalizeLimit(limit))

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// statusRank mirrors store.DeliveryStatus.Rank in SQL.
const statusRank = `CASE %s WHEN 'pending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE -1 END`

func (s *messageStore) Transition(ctx context.Context, id string, status store.DeliveryStatus) (bool, error) {
	if status.Rank() < 0 {
		return false, errdefs.Newf(errdefs.Invalid, "unknown delivery status %q", status)
	}
	rankCurrent := fmt.Sprintf(statusRank, "status")
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1 AND `+rankCurrent+` < $3`,
		id, string(status), status.Rank())
	if err != nil {
		return false, fmt.Errorf("transition message: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check message: %w", err)
	}
	if !exists {
		return false, errdefs.New(errdefs.NotFound, "message not found")
	}
	return false, nil
}

func (s *messageStore) MarkConversationRead(ctx context.Context, conversationID, reader string, asOf time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE messages SET status = 'read'
		 WHERE conversation_id = $1 AND author <> $2 AND created_at <= $3 AND status <> 'read'
		 RETURNING id`,
		conversationID, reader, asOf)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *messageStore) RecentPerPeer(ctx context.Context, userID string) ([]store.PeerSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ON (conversation_id) `+messageColumns+` FROM messages
		 WHERE conversation_id LIKE $1 || ':%' OR conversation_id LIKE '%:' || $1
		 ORDER BY conversation_id, created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("recent per peer: %w", err)
	}
	defer rows.Close()

	var out []store.PeerSummary
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		peer := store.ConversationPeer(m.ConversationID, userID)
		if peer == "" || strings.HasPrefix(peer, "agent:") {
			continue
		}
		out = append(out, store.PeerSummary{PeerID: peer, Last: m})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		conv := store.ConversationID(userID, out[i].PeerID)
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages
			 WHERE conversation_id = $1 AND author = $2 AND status <> 'read'`,
			conv, out[i].PeerID).Scan(&out[i].Unread)
		if err != nil {
			return nil, fmt.Errorf("count unread: %w", err)
		}
	}

	// DISTINCT ON orders by conversation; the contact list wants newest
	// activity first.
	sortByLastDesc(out)
	return out, nil
}

func (s *messageStore) SeenProviderID(ctx context.Context, providerMsgID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_seen (provider_msg_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		providerMsgID)
	if err != nil {
		return false, fmt.Errorf("record provider id: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}

func (s *messageStore) queryMessages(ctx context.Context, query string, args ...any) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 500
	}
	return limit
}

func reverse(msgs []store.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func sortByLastDesc(out []store.PeerSummary) {
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Last.CreatedAt.After(out[j-1].Last.CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
}
