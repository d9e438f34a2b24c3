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

type customAgentStore struct {
	db *sql.DB
}

const customAgentColumns = `key, display_name, emoji, system_prompt, tools, provider,
	credential_handle, account_label, owner_user_id, created_at`

func scanCustomAgent(row interface{ Scan(...any) error }) (store.CustomAgent, error) {
	var a store.CustomAgent
	var tools []byte
	err := row.Scan(&a.Key, &a.DisplayName, &a.Emoji, &a.SystemPrompt, &tools, &a.Provider,
		&a.CredentialHandle, &a.AccountLabel, &a.OwnerUserID, &a.CreatedAt)
	if err != nil {
		return store.CustomAgent{}, err
	}
	_ = json.Unmarshal(tools, &a.Tools)
	return a, nil
}

func (s *customAgentStore) Create(ctx context.Context, a store.CustomAgent) (store.CustomAgent, error) {
	key := strings.ToLower(strings.TrimSpace(a.Key))
	if key == "" {
		return store.CustomAgent{}, errdefs.New(errdefs.Invalid, "agent key is required")
	}
	a.Key = key
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_agents (key, display_name, emoji, system_prompt, tools, provider,
			credential_handle, account_label, owner_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.Key, a.DisplayName, a.Emoji, a.SystemPrompt, marshalJSON(a.Tools, "[]"), a.Provider,
		a.CredentialHandle, a.AccountLabel, a.OwnerUserID, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.CustomAgent{}, errdefs.Newf(errdefs.Conflict, "agent %q already exists", key)
		}
		return store.CustomAgent{}, fmt.Errorf("insert custom agent: %w", err)
	}
	return a, nil
}

func (s *customAgentStore) ByKey(ctx context.Context, key string) (store.CustomAgent, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+customAgentColumns+` FROM custom_agents WHERE key = $1`,
		strings.ToLower(key))
	a, err := scanCustomAgent(row)
	if err == sql.ErrNoRows {
		return store.CustomAgent{}, false, nil
	}
	if err != nil {
		return store.CustomAgent{}, false, fmt.Errorf("lookup custom agent: %w", err)
	}
	return a, true, nil
}

func (s *customAgentStore) List(ctx context.Context) ([]store.CustomAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+customAgentColumns+` FROM custom_agents ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list custom agents: %w", err)
	}
	defer rows.Close()
	var out []store.CustomAgent
	for rows.Next() {
		a, err := scanCustomAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *customAgentStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM custom_agents WHERE key = $1`, strings.ToLower(key))
	if err != nil {
		return fmt.Errorf("delete custom agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.New(errdefs.NotFound, "agent not found")
	}
	return nil
}

type interactionStore struct {
	db *sql.DB
}

func (s *interactionStore) Log(ctx context.Context, i store.Interaction) error {
	i.ID = uuid.Must(uuid.NewV7()).String()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, user_id, agent_key, question, response, intent,
			confidence, method, entities, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		i.ID, i.UserID, i.AgentKey, i.Question, i.Response, i.Intent,
		i.Confidence, i.Method, marshalJSON(i.Entities, "{}"), i.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

func (s *interactionStore) ListByUser(ctx context.Context, userID string, limit int) ([]store.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, user_id, agent_key, question, response, intent, confidence,
			method, entities, created_at
		 FROM interactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT %d`, normalizeLimit(limit)),
		userID)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()
	var out []store.Interaction
	for rows.Next() {
		var i store.Interaction
		var entities []byte
		err := rows.Scan(&i.ID, &i.UserID, &i.AgentKey, &i.Question, &i.Response, &i.Intent,
			&i.Confidence, &i.Method, &entities, &i.CreatedAt)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal(entities, &i.Entities)
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Callers expect oldest first within the tail window.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type uploadStore struct {
	db *sql.DB
}

func (s *uploadStore) Put(ctx context.Context, g store.UploadGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_grants (key, bucket, user_id, filename, mime_type, max_bytes, issued_at, consumed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (key) DO UPDATE SET bucket = EXCLUDED.bucket, user_id = EXCLUDED.user_id,
			filename = EXCLUDED.filename, mime_type = EXCLUDED.mime_type,
			max_bytes = EXCLUDED.max_bytes, issued_at = EXCLUDED.issued_at,
			consumed = EXCLUDED.consumed`,
		g.Key, g.Bucket, g.UserID, g.Filename, g.MimeType, g.MaxBytes, g.IssuedAt, g.Consumed)
	if err != nil {
		return fmt.Errorf("put upload grant: %w", err)
	}
	return nil
}

func (s *uploadStore) Consume(ctx context.Context, key string, issuedAfter time.Time) (store.UploadGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE upload_grants SET consumed = TRUE
		 WHERE key = $1 AND NOT consumed AND issued_at >= $2
		 RETURNING key, bucket, user_id, filename, mime_type, max_bytes, issued_at, consumed`,
		key, issuedAfter)
	var g store.UploadGrant
	err := row.Scan(&g.Key, &g.Bucket, &g.UserID, &g.Filename, &g.MimeType, &g.MaxBytes, &g.IssuedAt, &g.Consumed)
	if err == sql.ErrNoRows {
		var consumed bool
		err := s.db.QueryRowContext(ctx,
			`SELECT consumed FROM upload_grants WHERE key = $1`, key).Scan(&consumed)
		if err == sql.ErrNoRows {
			return store.UploadGrant{}, errdefs.New(errdefs.NotFound, "unknown upload key")
		}
		if err != nil {
			return store.UploadGrant{}, fmt.Errorf("check upload grant: %w", err)
		}
		if consumed {
			return store.UploadGrant{}, errdefs.New(errdefs.Conflict, "upload already confirmed")
		}
		return store.UploadGrant{}, errdefs.New(errdefs.NotFound, "upload grant expired")
	}
	if err != nil {
		return store.UploadGrant{}, fmt.Errorf("consume upload grant: %w", err)
	}
	return g, nil
}

func (s *uploadStore) Expire(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM upload_grants WHERE NOT consumed AND issued_at < $1 RETURNING key`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire upload grants: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
