package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/refinehq/refinery/internal/domain"
)

// DB is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so every
// store can run against the pool or inside a transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stores bundles the Postgres-backed stores. WithTx rebinds the whole
// bundle to a single transaction: a record mutation and its audit entry
// commit or abort together.
type Stores struct {
	pool     *pgxpool.Pool
	records  *RecordStore
	sessions *SessionStore
	audit    *AuditStore
	settings *SettingsStore
}

func New(pool *pgxpool.Pool) *Stores {
	s := bind(pool)
	s.pool = pool
	return s
}

func bind(db DB) *Stores {
	return &Stores{
		records:  NewRecordStore(db),
		sessions: NewSessionStore(db),
		audit:    NewAuditStore(db),
		settings: NewSettingsStore(db),
	}
}

func (s *Stores) Records() domain.RecordStore      { return s.records }
func (s *Stores) Sessions() domain.SessionStore    { return s.sessions }
func (s *Stores) Audit() domain.AuditStore         { return s.audit }
func (s *Stores) Settings() domain.SettingsProvider { return s.settings }

func (s *Stores) WithTx(ctx context.Context, fn func(tx domain.Stores) error) error {
	if s.pool == nil {
		// Already transaction-bound, run in place.
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(bind(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
