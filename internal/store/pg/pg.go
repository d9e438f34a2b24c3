// Package pg implements the stores on Postgres, for managed mode. Schema
// migrations are embedded and applied with golang-migrate.
package pg

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// OpenDB opens a pooled connection to Postgres.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Migrate applies all pending embedded migrations.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// NewStores builds every store on one shared connection pool.
func NewStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Messages:     &messageStore{db: db},
		Users:        &userStore{db: db},
		Handovers:    &handoverStore{db: db},
		Calendar:     &calendarStore{db: db},
		CustomAgents: &customAgentStore{db: db},
		Interactions: &interactionStore{db: db},
		Uploads:      &uploadStore{db: db},
	}
}

// isUniqueViolation matches the Postgres unique-constraint error class.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFoundIfNoRows(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errdefs.Newf(errdefs.NotFound, "%s not found", what)
	}
	return err
}
