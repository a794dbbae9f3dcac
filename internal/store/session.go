package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/refinehq/refinery/internal/domain"
)

const sessionColumns = `id, owner_id, status, pre_mass, post_mass, operation_count, threshold, opened_at, closed_at, last_activity_at`

type SessionStore struct {
	db DB
}

func NewSessionStore(db DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, sess *domain.RefinementSession) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO refinement_sessions (id, owner_id, status, pre_mass, operation_count, threshold)
		 VALUES ($1, $2, $3, $4, 0, $5)
		 RETURNING opened_at, last_activity_at`,
		sess.ID, sess.OwnerID, sess.Status, sess.PreMass, sess.Threshold,
	).Scan(&sess.OpenedAt, &sess.LastActivityAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: the partial unique index on (owner_id) WHERE active.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveSessionExists
		}
		return err
	}
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.RefinementSession, error) {
	sess := &domain.RefinementSession{}
	err := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM refinement_sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.OwnerID, &sess.Status, &sess.PreMass, &sess.PostMass, &sess.OperationCount, &sess.Threshold, &sess.OpenedAt, &sess.ClosedAt, &sess.LastActivityAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

func (s *SessionStore) ActiveForOwner(ctx context.Context, ownerID uuid.UUID) (*domain.RefinementSession, error) {
	sess := &domain.RefinementSession{}
	err := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM refinement_sessions WHERE owner_id = $1 AND status = $2`,
		ownerID, domain.SessionActive,
	).Scan(&sess.ID, &sess.OwnerID, &sess.Status, &sess.PreMass, &sess.PostMass, &sess.OperationCount, &sess.Threshold, &sess.OpenedAt, &sess.ClosedAt, &sess.LastActivityAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

func (s *SessionStore) IncrementOperationCount(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`UPDATE refinement_sessions
		 SET operation_count = operation_count + 1, last_activity_at = NOW()
		 WHERE id = $1 AND status = $2
		 RETURNING operation_count`,
		id, domain.SessionActive,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

func (s *SessionStore) Close(ctx context.Context, id string, status domain.SessionStatus, postMass int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE refinement_sessions
		 SET status = $2, post_mass = $3, closed_at = NOW(), last_activity_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, status, postMass, domain.SessionActive,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM refinement_sessions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	// Already terminal.
	return false, nil
}

func (s *SessionStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE refinement_sessions SET last_activity_at = NOW() WHERE id = $1 AND status = $2`,
		id, domain.SessionActive,
	)
	return err
}

func (s *SessionStore) ListStaleActive(ctx context.Context, idleSince time.Time) ([]domain.RefinementSession, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM refinement_sessions
		 WHERE status = $1 AND last_activity_at < $2
		 ORDER BY last_activity_at ASC`,
		domain.SessionActive, idleSince,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.RefinementSession
	for rows.Next() {
		var sess domain.RefinementSession
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Status, &sess.PreMass, &sess.PostMass, &sess.OperationCount, &sess.Threshold, &sess.OpenedAt, &sess.ClosedAt, &sess.LastActivityAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
