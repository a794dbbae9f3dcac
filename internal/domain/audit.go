package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuditOperation string

const (
	OpUpdate      AuditOperation = "update"
	OpDelete      AuditOperation = "delete"
	OpConsolidate AuditOperation = "consolidate"
	OpProtect     AuditOperation = "protect"
	OpComplete    AuditOperation = "complete"
	OpRollback    AuditOperation = "rollback"
)

// RecordSnapshot captures the state of one record at the time of a
// mutation, in enough detail to reverse it.
type RecordSnapshot struct {
	ID            uuid.UUID  `json:"id"`
	Content       string     `json:"content"`
	OriginAt      time.Time  `json:"origin_at"`
	TokenEstimate int        `json:"token_estimate"`
	Protected     bool       `json:"protected,omitempty"`
	DiscardedAt   *time.Time `json:"discarded_at,omitempty"`
}

// Snapshot copies the reversible state out of a record.
func Snapshot(r *MemoryRecord) RecordSnapshot {
	return RecordSnapshot{
		ID:            r.ID,
		Content:       r.Content,
		OriginAt:      r.OriginAt,
		TokenEstimate: r.TokenEstimate,
		Protected:     r.Protected,
		DiscardedAt:   r.DiscardedAt,
	}
}

// AuditEntry is one ledgered mutation, the unit of reversal. Entries
// are append-only: exactly one per mutating tool call that executes,
// written in the same transaction as the mutation itself. Refused calls
// write no entry.
type AuditEntry struct {
	ID        uuid.UUID        `json:"id"`
	SessionID string           `json:"session_id"`
	OwnerID   uuid.UUID        `json:"owner_id"`
	Operation AuditOperation   `json:"operation"`
	Before    []RecordSnapshot `json:"before,omitempty"`
	After     []RecordSnapshot `json:"after,omitempty"`
	// Detail carries the human-readable payload for complete and
	// rollback entries (the agent's summary, the trip explanation).
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
