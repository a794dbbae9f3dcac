package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Policy errors carry enough structure for the calling model to
// self-correct: the cap and current count, the protected ids, the
// reason a session terminated. Handlers match them with errors.As.

// CapExceededError is returned when a mutating call would exceed the
// per-session hard cap.
type CapExceededError struct {
	Cap   int
	Count int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("mutation cap reached: %d of %d mutating operations used this session", e.Count, e.Cap)
}

// ProtectedRecordError is returned when a mutation targets one or more
// protected records. No partial execution occurs.
type ProtectedRecordError struct {
	IDs []uuid.UUID
}

func (e *ProtectedRecordError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("record(s) protected from modification: %s", strings.Join(ids, ", "))
}

// SessionTerminatedError is returned for mutating calls against a
// session that already reached a terminal status.
type SessionTerminatedError struct {
	SessionID string
	Status    SessionStatus
	Reason    string
}

func (e *SessionTerminatedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("session %s is %s: %s", e.SessionID, e.Status, e.Reason)
	}
	return fmt.Sprintf("session %s is %s", e.SessionID, e.Status)
}

// SessionAlreadyActiveError is returned when opening a session for an
// owner that already holds an active lease.
type SessionAlreadyActiveError struct {
	OwnerID   uuid.UUID
	SessionID string
}

func (e *SessionAlreadyActiveError) Error() string {
	return fmt.Sprintf("agent %s already has active session %s", e.OwnerID, e.SessionID)
}

// ValidationError covers malformed tool arguments: unknown ids, empty
// content, empty merge sets.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}
