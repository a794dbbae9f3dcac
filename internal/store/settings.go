package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SettingsStore reads per-agent configuration. The table is owned by
// whatever provisioning writes agent settings; this service only
// consumes it.
type SettingsStore struct {
	db DB
}

func NewSettingsStore(db DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Threshold(ctx context.Context, ownerID uuid.UUID) (float64, bool, error) {
	var threshold *float64
	err := s.db.QueryRow(ctx,
		`SELECT threshold FROM agent_settings WHERE owner_id = $1`,
		ownerID,
	).Scan(&threshold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if threshold == nil {
		return 0, false, nil
	}
	return *threshold, true, nil
}
