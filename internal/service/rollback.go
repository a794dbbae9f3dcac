package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/refinehq/refinery/internal/domain"
	"github.com/refinehq/refinery/internal/store"
	"go.uber.org/zap"
)

// Rollback reverses every ledgered operation of a session, newest
// first, inside one transaction, then closes the session and appends a
// single synthetic rollback entry. It is idempotent: invoked on an
// already rolled-back session it returns the recorded outcome instead
// of reversing anything twice.
func (s *SessionService) Rollback(ctx context.Context, sessionID string, reason string) (*RollbackOutcome, error) {
	var outcome *RollbackOutcome
	err := s.stores.WithTx(ctx, func(tx domain.Stores) error {
		sess, err := tx.Sessions().GetByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		if sess.Status == domain.SessionRolledBack {
			outcome, err = s.recordedOutcome(ctx, tx, sess)
			return err
		}
		if sess.Status == domain.SessionCompleted {
			return terminatedError(sess)
		}

		entries, err := tx.Audit().EntriesForSession(ctx, sessionID)
		if err != nil {
			return err
		}

		reversed := 0
		for i := len(entries) - 1; i >= 0; i-- {
			ok, err := s.reverse(ctx, tx, &entries[i])
			if err != nil {
				return fmt.Errorf("reverse %s entry %s: %w", entries[i].Operation, entries[i].ID, err)
			}
			if ok {
				reversed++
			}
		}

		mass, err := tx.Records().TotalMass(ctx, sess.OwnerID)
		if err != nil {
			return err
		}

		closed, err := tx.Sessions().Close(ctx, sessionID, domain.SessionRolledBack, mass)
		if err != nil {
			return err
		}
		if !closed {
			// Lost a close race inside our own tx scope; should not
			// happen with serialized sessions, surface it loudly.
			return fmt.Errorf("session %s changed status during rollback", sessionID)
		}

		detail := fmt.Sprintf("Rolled back %d operation(s): %s. Mass restored to %d tokens.", reversed, reason, mass)
		if err := tx.Audit().Append(ctx, &domain.AuditEntry{
			SessionID: sessionID,
			OwnerID:   sess.OwnerID,
			Operation: domain.OpRollback,
			Detail:    detail,
		}); err != nil {
			return err
		}

		if err := s.writeOutcomeReport(ctx, tx, sess, domain.SessionRolledBack, mass, reason); err != nil {
			return err
		}

		outcome = &RollbackOutcome{
			SessionID:    sessionID,
			Reversed:     reversed,
			RestoredMass: mass,
			Reason:       reason,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("refinement session rolled back",
		zap.String("session_id", sessionID),
		zap.Int("reversed", outcome.Reversed),
		zap.Int64("restored_mass", outcome.RestoredMass),
		zap.String("reason", outcome.Reason))
	return outcome, nil
}

// reverse undoes one ledger entry. Reversals are not re-ledgered per
// sub-step. Returns whether the entry counted as a reversed operation.
func (s *SessionService) reverse(ctx context.Context, tx domain.Stores, e *domain.AuditEntry) (bool, error) {
	records := tx.Records()

	switch e.Operation {
	case domain.OpUpdate:
		if len(e.Before) == 0 {
			return false, fmt.Errorf("update entry has no before snapshot")
		}
		before := e.Before[0]
		if err := records.RestoreContent(ctx, before.ID, before.Content, before.TokenEstimate); err != nil {
			return false, err
		}
		return true, nil

	case domain.OpDelete:
		if len(e.Before) == 0 {
			return false, fmt.Errorf("delete entry has no before snapshot")
		}
		if err := records.Undiscard(ctx, e.Before[0].ID); err != nil {
			return false, err
		}
		return true, nil

	case domain.OpConsolidate:
		for _, before := range e.Before {
			if err := records.Undiscard(ctx, before.ID); err != nil {
				return false, err
			}
		}
		if len(e.After) == 0 {
			return false, fmt.Errorf("consolidate entry has no after snapshot")
		}
		// The merged record may have been protected after the merge;
		// the reversal removes it regardless.
		if err := records.ForceDiscard(ctx, e.After[0].ID); err != nil {
			return false, err
		}
		return true, nil

	case domain.OpProtect:
		// Protection cannot reduce mass and is never reversed.
		return false, nil

	case domain.OpComplete, domain.OpRollback:
		// Complete is the last action of a session, so it cannot
		// precede a rollback; a rollback entry documents a reversal
		// and does not itself get reversed.
		return false, nil
	}

	return false, fmt.Errorf("unknown ledger operation %q", e.Operation)
}

// recordedOutcome reconstructs the outcome of a rollback that already
// happened, so a second invocation is a no-op with the same answer.
func (s *SessionService) recordedOutcome(ctx context.Context, tx domain.Stores, sess *domain.RefinementSession) (*RollbackOutcome, error) {
	entries, err := tx.Audit().EntriesForSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	reversed := 0
	reason := ""
	for i := range entries {
		switch entries[i].Operation {
		case domain.OpUpdate, domain.OpDelete, domain.OpConsolidate:
			reversed++
		case domain.OpRollback:
			reason = entries[i].Detail
		}
	}

	restored := sess.PreMass
	if sess.PostMass != nil {
		restored = *sess.PostMass
	}
	return &RollbackOutcome{
		SessionID:    sess.ID,
		Reversed:     reversed,
		RestoredMass: restored,
		Reason:       reason,
	}, nil
}
