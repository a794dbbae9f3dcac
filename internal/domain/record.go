package domain

import (
	"time"

	"github.com/google/uuid"
)

type RecordSource string

const (
	// SourceAgent marks records written by the agent's normal activity.
	SourceAgent RecordSource = "agent"
	// SourceConsolidation marks records produced by merging others.
	SourceConsolidation RecordSource = "consolidation"
	// SourceRefinement marks outcome summaries written by the session
	// lifecycle itself.
	SourceRefinement RecordSource = "refinement"
)

// MemoryRecord is one fact an agent has chosen to keep.
//
// OriginAt is the timestamp of the fact's earliest provenance, distinct
// from CreatedAt: a consolidated record inherits the earliest OriginAt
// of the records it replaced.
type MemoryRecord struct {
	ID            uuid.UUID    `json:"id"`
	OwnerID       uuid.UUID    `json:"owner_id"`
	Content       string       `json:"content"`
	Source        RecordSource `json:"source,omitempty"`
	OriginAt      time.Time    `json:"origin_at"`
	TokenEstimate int          `json:"token_estimate"`
	Protected     bool         `json:"protected"`
	DiscardedAt   *time.Time   `json:"discarded_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Discarded reports whether the record has been soft-deleted. Discarded
// rows are never physically purged; they stay queryable so a session
// rollback can restore them.
func (r *MemoryRecord) Discarded() bool {
	return r.DiscardedAt != nil
}
