package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/refinehq/refinery/internal/domain"
	"github.com/refinehq/refinery/internal/store"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRecordNotFound  = errors.New("record not found")
)

const (
	// HardCap is the maximum number of cap-governed mutating tool calls
	// (update, delete, consolidate) permitted in one session.
	HardCap = 10
	// DefaultThreshold is the retained-mass floor applied when an agent
	// has no per-agent override: a session may shed up to 25% of its
	// pre-session mass before the circuit breaker trips.
	DefaultThreshold = 0.75
)

// SessionService owns the refinement session state machine: open,
// per-operation breaker checks, close, rollback, and release of
// abandoned leases.
type SessionService struct {
	stores           domain.Stores
	defaultThreshold float64
	logger           *zap.Logger
}

func NewSessionService(stores domain.Stores, logger *zap.Logger) *SessionService {
	return &SessionService{
		stores:           stores,
		defaultThreshold: DefaultThreshold,
		logger:           logger,
	}
}

// SetDefaultThreshold overrides the global retained-mass floor. Values
// outside (0, 1] are ignored.
func (s *SessionService) SetDefaultThreshold(t float64) {
	if t > 0 && t <= 1 {
		s.defaultThreshold = t
	}
}

// Open starts a refinement session for an agent: snapshots the current
// mass, freezes the threshold, and acquires the owner's exclusive
// lease. A second open for the same owner fails fast.
func (s *SessionService) Open(ctx context.Context, ownerID uuid.UUID) (*domain.RefinementSession, error) {
	if ownerID == uuid.Nil {
		return nil, &domain.ValidationError{Reason: "owner_id is required"}
	}

	threshold := s.defaultThreshold
	if t, ok, err := s.stores.Settings().Threshold(ctx, ownerID); err != nil {
		return nil, fmt.Errorf("resolve threshold: %w", err)
	} else if ok && t > 0 && t <= 1 {
		threshold = t
	}

	preMass, err := s.stores.Records().TotalMass(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("snapshot pre-session mass: %w", err)
	}

	sess := &domain.RefinementSession{
		ID:        ulid.Make().String(),
		OwnerID:   ownerID,
		Status:    domain.SessionActive,
		PreMass:   preMass,
		Threshold: threshold,
	}
	if err := s.stores.Sessions().Create(ctx, sess); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			existing, lookupErr := s.stores.Sessions().ActiveForOwner(ctx, ownerID)
			activeID := ""
			if lookupErr == nil {
				activeID = existing.ID
			}
			return nil, &domain.SessionAlreadyActiveError{OwnerID: ownerID, SessionID: activeID}
		}
		return nil, err
	}

	s.logger.Info("refinement session opened",
		zap.String("session_id", sess.ID),
		zap.String("owner_id", ownerID.String()),
		zap.Int64("pre_mass", preMass),
		zap.Float64("threshold", threshold))
	return sess, nil
}

func (s *SessionService) Get(ctx context.Context, sessionID string) (*domain.RefinementSession, error) {
	sess, err := s.stores.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

func (s *SessionService) Ledger(ctx context.Context, sessionID string) ([]domain.AuditEntry, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.stores.Audit().EntriesForSession(ctx, sessionID)
}

// BreakerStatus reports the circuit-breaker evaluation that follows
// every cap-governed mutation.
type BreakerStatus struct {
	PreMass   int64            `json:"pre_mass"`
	Mass      int64            `json:"mass"`
	Ratio     float64          `json:"ratio"`
	Threshold float64          `json:"threshold"`
	Tripped   bool             `json:"tripped"`
	Rollback  *RollbackOutcome `json:"rollback,omitempty"`
}

// RollbackOutcome summarizes one session reversal.
type RollbackOutcome struct {
	SessionID    string `json:"session_id"`
	Reversed     int    `json:"reversed_operations"`
	RestoredMass int64  `json:"restored_mass"`
	Reason       string `json:"reason"`
}

// CheckAfterMutation is the per-operation tripwire: it recomputes the
// owner's mass against the frozen pre-session snapshot and rolls the
// whole session back the moment the retained fraction crosses the
// threshold, before the loop gets another turn.
func (s *SessionService) CheckAfterMutation(ctx context.Context, sess *domain.RefinementSession) (*BreakerStatus, error) {
	mass, err := s.stores.Records().TotalMass(ctx, sess.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("recompute mass: %w", err)
	}

	status := &BreakerStatus{
		PreMass:   sess.PreMass,
		Mass:      mass,
		Ratio:     sess.RetainedRatio(mass),
		Threshold: sess.Threshold,
	}
	if sess.PreMass == 0 || status.Ratio >= sess.Threshold {
		return status, nil
	}

	reason := fmt.Sprintf("retained mass %d of %d tokens (%.1f%%) fell below the %.0f%% floor",
		mass, sess.PreMass, status.Ratio*100, sess.Threshold*100)
	outcome, err := s.Rollback(ctx, sess.ID, reason)
	if err != nil {
		return nil, fmt.Errorf("breaker rollback: %w", err)
	}
	status.Tripped = true
	status.Rollback = outcome
	return status, nil
}

// CompleteResult is returned from the terminal complete action. A
// breaker trip at close is a designed-for outcome, not an error: the
// result carries the rollback outcome instead of failing the call.
type CompleteResult struct {
	SessionID  string               `json:"session_id"`
	Status     domain.SessionStatus `json:"status"`
	PreMass    int64                `json:"pre_mass"`
	PostMass   int64                `json:"post_mass"`
	Ratio      float64              `json:"ratio"`
	Operations int                  `json:"operations"`
	Rollback   *RollbackOutcome     `json:"rollback,omitempty"`
}

// Complete runs the close path: final mass check, then either a clean
// completion or a rollback.
func (s *SessionService) Complete(ctx context.Context, sessionID string, summary string) (*CompleteResult, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, terminatedError(sess)
	}

	mass, err := s.stores.Records().TotalMass(ctx, sess.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("recompute mass: %w", err)
	}
	ratio := sess.RetainedRatio(mass)

	if sess.PreMass > 0 && ratio < sess.Threshold {
		reason := fmt.Sprintf("final mass check failed: retained %d of %d tokens (%.1f%%), floor is %.0f%%",
			mass, sess.PreMass, ratio*100, sess.Threshold*100)
		outcome, err := s.Rollback(ctx, sessionID, reason)
		if err != nil {
			return nil, err
		}
		return &CompleteResult{
			SessionID:  sessionID,
			Status:     domain.SessionRolledBack,
			PreMass:    sess.PreMass,
			PostMass:   outcome.RestoredMass,
			Ratio:      ratio,
			Operations: sess.OperationCount,
			Rollback:   outcome,
		}, nil
	}

	err = s.stores.WithTx(ctx, func(tx domain.Stores) error {
		closed, err := tx.Sessions().Close(ctx, sessionID, domain.SessionCompleted, mass)
		if err != nil {
			return err
		}
		if !closed {
			return terminatedError(sess)
		}
		if err := tx.Audit().Append(ctx, &domain.AuditEntry{
			SessionID: sessionID,
			OwnerID:   sess.OwnerID,
			Operation: domain.OpComplete,
			Detail:    summary,
		}); err != nil {
			return err
		}
		return s.writeOutcomeReport(ctx, tx, sess, domain.SessionCompleted, mass, summary)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refinement session completed",
		zap.String("session_id", sessionID),
		zap.Int64("pre_mass", sess.PreMass),
		zap.Int64("post_mass", mass),
		zap.Int("operations", sess.OperationCount))

	return &CompleteResult{
		SessionID:  sessionID,
		Status:     domain.SessionCompleted,
		PreMass:    sess.PreMass,
		PostMass:   mass,
		Ratio:      ratio,
		Operations: sess.OperationCount,
	}, nil
}

// ReleaseStale applies the normal close path to active sessions whose
// last activity is older than idleFor. The driving process may have
// crashed mid-loop; the lease must not be held forever. Sessions whose
// retained mass still satisfies the threshold complete with a synthetic
// summary, the rest roll back. Returns the number of released leases.
func (s *SessionService) ReleaseStale(ctx context.Context, idleFor time.Duration) (int, error) {
	stale, err := s.stores.Sessions().ListStaleActive(ctx, time.Now().Add(-idleFor))
	if err != nil {
		return 0, err
	}

	released := 0
	for i := range stale {
		sess := &stale[i]
		summary := fmt.Sprintf("Session released after %s of inactivity; the driving process never called complete.", idleFor)
		if _, err := s.Complete(ctx, sess.ID, summary); err != nil {
			s.logger.Error("failed to release stale session",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		released++
		s.logger.Warn("released stale refinement session",
			zap.String("session_id", sess.ID),
			zap.String("owner_id", sess.OwnerID.String()))
	}
	return released, nil
}

func terminatedError(sess *domain.RefinementSession) *domain.SessionTerminatedError {
	reason := ""
	if sess.Status == domain.SessionRolledBack {
		reason = "the circuit breaker tripped and every operation from this session was reversed"
	}
	return &domain.SessionTerminatedError{SessionID: sess.ID, Status: sess.Status, Reason: reason}
}
