package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/refinehq/refinery/internal/domain"
)

type AuditStore struct {
	db DB
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Append(ctx context.Context, e *domain.AuditEntry) error {
	before, err := json.Marshal(snapshotsOrEmpty(e.Before))
	if err != nil {
		return fmt.Errorf("marshal before snapshots: %w", err)
	}
	after, err := json.Marshal(snapshotsOrEmpty(e.After))
	if err != nil {
		return fmt.Errorf("marshal after snapshots: %w", err)
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO audit_entries (session_id, owner_id, operation, before, after, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		e.SessionID, e.OwnerID, e.Operation, before, after, e.Detail,
	).Scan(&e.ID, &e.CreatedAt)
}

func (s *AuditStore) EntriesForSession(ctx context.Context, sessionID string) ([]domain.AuditEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, owner_id, operation, before, after, detail, created_at
		 FROM audit_entries WHERE session_id = $1
		 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.OwnerID, &e.Operation, &before, &after, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(before, &e.Before); err != nil {
			return nil, fmt.Errorf("unmarshal before snapshots: %w", err)
		}
		if err := json.Unmarshal(after, &e.After); err != nil {
			return nil, fmt.Errorf("unmarshal after snapshots: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func snapshotsOrEmpty(snaps []domain.RecordSnapshot) []domain.RecordSnapshot {
	if snaps == nil {
		return []domain.RecordSnapshot{}
	}
	return snaps
}
