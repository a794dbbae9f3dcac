package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionCompleted  SessionStatus = "completed"
	SessionRolledBack SessionStatus = "rolled_back"
)

// RefinementSession is one bounded run of the agentic loop against one
// agent's memory store. PreMass is snapshotted at open; Threshold is
// resolved at open and frozen for the session's lifetime.
type RefinementSession struct {
	ID             string        `json:"session_id"`
	OwnerID        uuid.UUID     `json:"owner_id"`
	Status         SessionStatus `json:"status"`
	PreMass        int64         `json:"pre_mass"`
	PostMass       *int64        `json:"post_mass,omitempty"`
	OperationCount int           `json:"operation_count"`
	Threshold      float64       `json:"threshold"`
	OpenedAt       time.Time     `json:"opened_at"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// Terminal reports whether the session has reached a terminal status.
// There is no transition out of a terminal state.
func (s *RefinementSession) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionRolledBack
}

// RetainedRatio returns mass/PreMass. A session that opened on an empty
// store (PreMass == 0) cannot shed anything, so the ratio is reported
// as 1.
func (s *RefinementSession) RetainedRatio(mass int64) float64 {
	if s.PreMass == 0 {
		return 1
	}
	return float64(mass) / float64(s.PreMass)
}
