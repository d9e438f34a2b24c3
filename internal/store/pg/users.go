package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
)

type userStore struct {
	db *sql.DB
}

const userColumns = `id, name, email, password_hash, external, channel, channel_user_id, created_at`

func scanUser(row interface{ Scan(...any) error }) (store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.External,
		&u.Channel, &u.ChannelUserID, &u.CreatedAt)
	return u, err
}

func (s *userStore) Create(ctx context.Context, u store.User) (store.User, error) {
	u.ID = uuid.Must(uuid.NewV7()).String()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, external, channel, channel_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Name, u.Email, u.PasswordHash, u.External, u.Channel, u.ChannelUserID, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.User{}, errdefs.New(errdefs.Conflict, "email already registered")
		}
		return store.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *userStore) ByID(ctx context.Context, id string) (store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return store.User{}, notFoundIfNoRows(err, "user")
	}
	return u, nil
}

func (s *userStore) ByEmail(ctx context.Context, email string) (store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	u, err := scanUser(row)
	if err != nil {
		return store.User{}, notFoundIfNoRows(err, "user")
	}
	return u, nil
}

func (s *userStore) EnsureExternal(ctx context.Context, channel, channelUserID, name string) (store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE channel = $1 AND channel_user_id = $2`,
		channel, channelUserID)
	if u, err := scanUser(row); err == nil {
		return u, nil
	} else if err != sql.ErrNoRows {
		return store.User{}, fmt.Errorf("lookup contact: %w", err)
	}

	if name == "" {
		name = channelUserID
	}
	u := store.User{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Name:          name,
		External:      true,
		Channel:       channel,
		ChannelUserID: channelUserID,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, external, channel, channel_user_id, created_at)
		 VALUES ($1, $2, '', '', TRUE, $3, $4, $5)`,
		u.ID, u.Name, u.Channel, u.ChannelUserID, u.CreatedAt)
	if err != nil {
		// Two webhooks for the same first contact can race; the loser
		// reads back the winner's row.
		if isUniqueViolation(err) {
			row := s.db.QueryRowContext(ctx,
				`SELECT `+userColumns+` FROM users WHERE channel = $1 AND channel_user_id = $2`,
				channel, channelUserID)
			return scanUser(row)
		}
		return store.User{}, fmt.Errorf("insert contact: %w", err)
	}
	return u, nil
}

func (s *userStore) List(ctx context.Context) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
