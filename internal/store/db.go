// Package store persists rules, execution records, jobs and account
// credentials in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/muaviaUsmani/sellerpilot/internal/logger"
)

var (
	// ErrNotFound is returned when a row does not exist or belongs to another account
	ErrNotFound = errors.New("not found")

	// ErrStaleTransition is returned when a conditional status update matched no row
	ErrStaleTransition = errors.New("job is no longer in the expected status")
)

const (
	connectAttempts = 10
	connectInterval = 2 * time.Second
)

// Store is the PostgreSQL data access layer
type Store struct {
	db  *sqlx.DB
	log logger.Logger
}

// New wraps an open connection
func New(db *sqlx.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{db: db, log: log.WithComponent(logger.ComponentStore)}
}

// Connect opens a PostgreSQL connection, retrying while the database comes up
func Connect(ctx context.Context, databaseURL string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent(logger.ComponentStore)

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		var db *sqlx.DB
		db, err = sqlx.ConnectContext(ctx, "postgres", databaseURL)
		if err == nil {
			log.Info("Connected to database", "attempt", attempt)
			return &Store{db: db, log: log}, nil
		}

		log.Warn("Failed to connect to database, retrying",
			"attempt", attempt,
			"retry_in", connectInterval,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectInterval):
		}
	}
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", connectAttempts, err)
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying pool
func (s *Store) Close() error {
	return s.db.Close()
}

// expectOne maps a zero-row result to ErrNotFound
func expectOne(res interface{ RowsAffected() (int64, error) }, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
