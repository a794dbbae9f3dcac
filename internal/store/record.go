package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/refinehq/refinery/internal/domain"
)

const recordColumns = `id, owner_id, content, source, origin_at, token_estimate, protected, discarded_at, created_at, updated_at`

type RecordStore struct {
	db DB
}

func NewRecordStore(db DB) *RecordStore {
	return &RecordStore{db: db}
}

func (s *RecordStore) Create(ctx context.Context, r *domain.MemoryRecord) error {
	var originAt any
	if !r.OriginAt.IsZero() {
		originAt = r.OriginAt
	}
	if r.Source == "" {
		r.Source = domain.SourceAgent
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO memory_records (owner_id, content, source, origin_at, token_estimate, protected)
		 VALUES ($1, $2, $3, COALESCE($4::timestamptz, NOW()), $5, $6)
		 RETURNING id, origin_at, created_at, updated_at`,
		r.OwnerID, r.Content, r.Source, originAt, r.TokenEstimate, r.Protected,
	).Scan(&r.ID, &r.OriginAt, &r.CreatedAt, &r.UpdatedAt)
}

func (s *RecordStore) GetByID(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*domain.MemoryRecord, error) {
	r := &domain.MemoryRecord{}
	err := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+`
		 FROM memory_records WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	).Scan(&r.ID, &r.OwnerID, &r.Content, &r.Source, &r.OriginAt, &r.TokenEstimate, &r.Protected, &r.DiscardedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *RecordStore) UpdateContent(ctx context.Context, id uuid.UUID, content string, tokenEstimate int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_records
		 SET content = $2, token_estimate = $3, updated_at = NOW()
		 WHERE id = $1 AND NOT protected AND discarded_at IS NULL`,
		id, content, tokenEstimate,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.explainGuardMiss(ctx, id)
	}
	return nil
}

func (s *RecordStore) Discard(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_records
		 SET discarded_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND NOT protected AND discarded_at IS NULL`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.explainGuardMiss(ctx, id)
	}
	return nil
}

// ForceDiscard soft-deletes without the protection guard. Only the
// rollback path uses it: a session may protect a record it created,
// and reversing that session must still be able to remove it.
func (s *RecordStore) ForceDiscard(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_records SET discarded_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND discarded_at IS NULL`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Undiscard clears the soft-delete marker. It carries no protection
// guard: rollback must be able to restore any record.
func (s *RecordStore) Undiscard(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_records SET discarded_at = NULL, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RecordStore) SetProtected(ctx context.Context, id uuid.UUID, protected bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_records SET protected = $2, updated_at = NOW()
		 WHERE id = $1 AND discarded_at IS NULL`,
		id, protected,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreContent bypasses the protection and discard guards. Only the
// rollback path uses it.
func (s *RecordStore) RestoreContent(ctx context.Context, id uuid.UUID, content string, tokenEstimate int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memory_records SET content = $2, token_estimate = $3, updated_at = NOW() WHERE id = $1`,
		id, content, tokenEstimate,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RecordStore) ListActive(ctx context.Context, ownerID uuid.UUID) ([]domain.MemoryRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM memory_records WHERE owner_id = $1 AND discarded_at IS NULL
		 ORDER BY origin_at ASC`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *RecordStore) Search(ctx context.Context, ownerID uuid.UUID, query string, limit int) ([]domain.MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM memory_records
		 WHERE owner_id = $1 AND discarded_at IS NULL AND content ILIKE '%' || $2 || '%'
		 ORDER BY updated_at DESC
		 LIMIT $3`,
		ownerID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// TotalMass sums token estimates over non-discarded records. Outcome
// reports written by the refinement lifecycle itself are excluded so
// that writing one never disturbs the pre/post comparison it documents.
func (s *RecordStore) TotalMass(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var mass int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(token_estimate), 0)
		 FROM memory_records
		 WHERE owner_id = $1 AND discarded_at IS NULL AND source <> $2`,
		ownerID, domain.SourceRefinement,
	).Scan(&mass)
	return mass, err
}

// explainGuardMiss distinguishes a missing row from one the guard
// refused to touch.
func (s *RecordStore) explainGuardMiss(ctx context.Context, id uuid.UUID) error {
	var protected bool
	err := s.db.QueryRow(ctx,
		`SELECT protected FROM memory_records WHERE id = $1`, id,
	).Scan(&protected)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if protected {
		return &domain.ProtectedRecordError{IDs: []uuid.UUID{id}}
	}
	// Row exists and is not protected, so the discard guard refused it.
	return ErrNotFound
}

func scanRecords(rows pgx.Rows) ([]domain.MemoryRecord, error) {
	var records []domain.MemoryRecord
	for rows.Next() {
		var r domain.MemoryRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Content, &r.Source, &r.OriginAt, &r.TokenEstimate, &r.Protected, &r.DiscardedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
