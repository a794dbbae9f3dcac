package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RecordStore interface {
	Create(ctx context.Context, r *MemoryRecord) error
	GetByID(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*MemoryRecord, error)
	// UpdateContent rewrites content and the recomputed token estimate.
	// OriginAt is never changed by an update. Fails on protected or
	// discarded records.
	UpdateContent(ctx context.Context, id uuid.UUID, content string, tokenEstimate int) error
	// Discard soft-deletes. Fails on protected records.
	Discard(ctx context.Context, id uuid.UUID) error
	// Undiscard clears the soft-delete marker. It succeeds regardless
	// of protection state: rollback must never be blocked.
	Undiscard(ctx context.Context, id uuid.UUID) error
	// ForceDiscard soft-deletes bypassing the protection guard; only
	// the rollback path may call it, to remove records a session
	// created and then protected.
	ForceDiscard(ctx context.Context, id uuid.UUID) error
	SetProtected(ctx context.Context, id uuid.UUID, protected bool) error
	// RestoreContent rewrites content bypassing the protection guard;
	// only the rollback path may call it.
	RestoreContent(ctx context.Context, id uuid.UUID, content string, tokenEstimate int) error
	ListActive(ctx context.Context, ownerID uuid.UUID) ([]MemoryRecord, error)
	Search(ctx context.Context, ownerID uuid.UUID, query string, limit int) ([]MemoryRecord, error)
	// TotalMass sums token estimates over non-discarded records. Within
	// a transaction it reflects that transaction's own writes.
	TotalMass(ctx context.Context, ownerID uuid.UUID) (int64, error)
}

type SessionStore interface {
	Create(ctx context.Context, s *RefinementSession) error
	GetByID(ctx context.Context, id string) (*RefinementSession, error)
	ActiveForOwner(ctx context.Context, ownerID uuid.UUID) (*RefinementSession, error)
	// IncrementOperationCount bumps the mutating-op counter and returns
	// the new value. Only valid while the session is active.
	IncrementOperationCount(ctx context.Context, id string) (int, error)
	// Close sets a terminal status and the post-session mass. Closing
	// an already-terminal session affects zero rows and reports false.
	Close(ctx context.Context, id string, status SessionStatus, postMass int64) (bool, error)
	Touch(ctx context.Context, id string) error
	ListStaleActive(ctx context.Context, idleSince time.Time) ([]RefinementSession, error)
}

type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	// EntriesForSession returns the session's ledger oldest first.
	EntriesForSession(ctx context.Context, sessionID string) ([]AuditEntry, error)
}

// SettingsProvider exposes per-agent configuration consumed, not owned,
// by this service. ok is false when the agent has no override.
type SettingsProvider interface {
	Threshold(ctx context.Context, ownerID uuid.UUID) (threshold float64, ok bool, err error)
}

// Stores bundles the persistence interfaces and supplies the atomic
// unit: fn runs with every store bound to one transaction, so a record
// mutation and its ledger entry either both persist or neither does.
type Stores interface {
	Records() RecordStore
	Sessions() SessionStore
	Audit() AuditStore
	Settings() SettingsProvider
	WithTx(ctx context.Context, fn func(tx Stores) error) error
}
