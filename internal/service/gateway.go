package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/refinehq/refinery/internal/domain"
	"github.com/refinehq/refinery/internal/store"
	"github.com/refinehq/refinery/internal/token"
	"go.uber.org/zap"
)

// Gateway is the only path by which the agentic loop can change memory
// state. Every mutating action runs the same check sequence before any
// write: session termination, hard cap, protection, argument shape.
// A call that passes performs its store mutation and ledger append in
// one transaction, then invokes the per-operation breaker check.
type Gateway struct {
	stores   domain.Stores
	sessions *SessionService
	logger   *zap.Logger
}

func NewGateway(stores domain.Stores, sessions *SessionService, logger *zap.Logger) *Gateway {
	return &Gateway{stores: stores, sessions: sessions, logger: logger}
}

// MutationResult is the tool response for update, delete, and
// consolidate. When the breaker tripped, Record describes state that no
// longer exists; Breaker.Rollback explains what happened.
type MutationResult struct {
	Record  *domain.MemoryRecord `json:"record,omitempty"`
	Merged  []uuid.UUID          `json:"merged_ids,omitempty"`
	Breaker *BreakerStatus       `json:"breaker"`
}

// Update rewrites one record's content. OriginAt is unchanged.
func (g *Gateway) Update(ctx context.Context, sessionID string, recordID uuid.UUID, content string) (*MutationResult, error) {
	sess, err := g.admit(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}

	rec, err := g.targetRecord(ctx, sess, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Protected {
		return nil, &domain.ProtectedRecordError{IDs: []uuid.UUID{rec.ID}}
	}
	if content == "" {
		return nil, &domain.ValidationError{Reason: "content must not be empty"}
	}

	var updated *domain.MemoryRecord
	err = g.stores.WithTx(ctx, func(tx domain.Stores) error {
		if err := tx.Records().UpdateContent(ctx, rec.ID, content, token.Estimate(content)); err != nil {
			return err
		}
		updated, err = tx.Records().GetByID(ctx, rec.ID, sess.OwnerID)
		if err != nil {
			return err
		}
		return g.ledgerAndCount(ctx, tx, sess, domain.OpUpdate,
			[]domain.RecordSnapshot{domain.Snapshot(rec)},
			[]domain.RecordSnapshot{domain.Snapshot(updated)})
	})
	if err != nil {
		return nil, err
	}

	return g.finishMutation(ctx, sess, &MutationResult{Record: updated})
}

// Delete soft-deletes one record. The row stays queryable forever so a
// rollback can restore it.
func (g *Gateway) Delete(ctx context.Context, sessionID string, recordID uuid.UUID) (*MutationResult, error) {
	sess, err := g.admit(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}

	rec, err := g.targetRecord(ctx, sess, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Protected {
		return nil, &domain.ProtectedRecordError{IDs: []uuid.UUID{rec.ID}}
	}

	err = g.stores.WithTx(ctx, func(tx domain.Stores) error {
		if err := tx.Records().Discard(ctx, rec.ID); err != nil {
			return err
		}
		discarded, err := tx.Records().GetByID(ctx, rec.ID, sess.OwnerID)
		if err != nil {
			return err
		}
		return g.ledgerAndCount(ctx, tx, sess, domain.OpDelete,
			[]domain.RecordSnapshot{domain.Snapshot(rec)},
			[]domain.RecordSnapshot{domain.Snapshot(discarded)})
	})
	if err != nil {
		return nil, err
	}

	return g.finishMutation(ctx, sess, &MutationResult{})
}

// Consolidate atomically replaces a set of records with one merged
// record. The merged record's OriginAt is the earliest OriginAt across
// the set: provenance is preserved, not the merge time. A single ledger
// entry covers the whole replacement.
func (g *Gateway) Consolidate(ctx context.Context, sessionID string, recordIDs []uuid.UUID, newContent string) (*MutationResult, error) {
	sess, err := g.admit(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	if len(recordIDs) == 0 {
		return nil, &domain.ValidationError{Reason: "consolidate needs at least one record id"}
	}

	seen := make(map[uuid.UUID]bool, len(recordIDs))
	originals := make([]*domain.MemoryRecord, 0, len(recordIDs))
	var protected []uuid.UUID
	for _, id := range recordIDs {
		if seen[id] {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("duplicate record id %s in merge set", id)}
		}
		seen[id] = true

		rec, err := g.targetRecord(ctx, sess, id)
		if err != nil {
			return nil, err
		}
		if rec.Protected {
			protected = append(protected, rec.ID)
		}
		originals = append(originals, rec)
	}
	// One protected member fails the whole call; nothing is merged.
	if len(protected) > 0 {
		return nil, &domain.ProtectedRecordError{IDs: protected}
	}
	if newContent == "" {
		return nil, &domain.ValidationError{Reason: "consolidated content must not be empty"}
	}

	originAt := originals[0].OriginAt
	before := make([]domain.RecordSnapshot, len(originals))
	for i, rec := range originals {
		if rec.OriginAt.Before(originAt) {
			originAt = rec.OriginAt
		}
		before[i] = domain.Snapshot(rec)
	}

	merged := &domain.MemoryRecord{
		OwnerID:       sess.OwnerID,
		Content:       newContent,
		Source:        domain.SourceConsolidation,
		OriginAt:      originAt,
		TokenEstimate: token.Estimate(newContent),
	}
	err = g.stores.WithTx(ctx, func(tx domain.Stores) error {
		if err := tx.Records().Create(ctx, merged); err != nil {
			return err
		}
		for _, rec := range originals {
			if err := tx.Records().Discard(ctx, rec.ID); err != nil {
				return err
			}
		}
		return g.ledgerAndCount(ctx, tx, sess, domain.OpConsolidate,
			before, []domain.RecordSnapshot{domain.Snapshot(merged)})
	})
	if err != nil {
		return nil, err
	}

	return g.finishMutation(ctx, sess, &MutationResult{Record: merged, Merged: recordIDs})
}

// Protect marks a record constitutional: immune to update, delete, and
// consolidate for the rest of this session and every later one, until
// unset out of band. Protect is exempt from the hard cap (protecting is
// safety-positive) and is never reversed by rollback.
func (g *Gateway) Protect(ctx context.Context, sessionID string, recordID uuid.UUID) (*domain.MemoryRecord, error) {
	sess, err := g.admit(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}

	rec, err := g.targetRecord(ctx, sess, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Protected {
		// Nothing mutates, nothing is ledgered.
		return rec, nil
	}

	var protected *domain.MemoryRecord
	err = g.stores.WithTx(ctx, func(tx domain.Stores) error {
		if err := tx.Records().SetProtected(ctx, rec.ID, true); err != nil {
			return err
		}
		protected, err = tx.Records().GetByID(ctx, rec.ID, sess.OwnerID)
		if err != nil {
			return err
		}
		return tx.Audit().Append(ctx, &domain.AuditEntry{
			SessionID: sess.ID,
			OwnerID:   sess.OwnerID,
			Operation: domain.OpProtect,
			Before:    []domain.RecordSnapshot{domain.Snapshot(rec)},
			After:     []domain.RecordSnapshot{domain.Snapshot(protected)},
		})
	})
	if err != nil {
		return nil, err
	}
	if err := g.stores.Sessions().Touch(ctx, sess.ID); err != nil {
		g.logger.Warn("failed to touch session", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return protected, nil
}

// Complete is the terminal action. It is always reachable while the
// session is active, regardless of how many operations were spent.
func (g *Gateway) Complete(ctx context.Context, sessionID string, summary string) (*CompleteResult, error) {
	return g.sessions.Complete(ctx, sessionID, summary)
}

// Get is read-only: no cap, no protection check, allowed even after
// the session terminated.
func (g *Gateway) Get(ctx context.Context, sessionID string, recordID uuid.UUID) (*domain.MemoryRecord, error) {
	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rec, err := g.stores.Records().GetByID(ctx, recordID, sess.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("unknown record id %s", recordID)}
		}
		return nil, err
	}
	return rec, nil
}

// Search is read-only keyword search over the owner's non-discarded
// records, newest activity first.
func (g *Gateway) Search(ctx context.Context, sessionID string, query string, limit int) ([]domain.MemoryRecord, error) {
	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return nil, &domain.ValidationError{Reason: "query must not be empty"}
	}
	return g.stores.Records().Search(ctx, sess.OwnerID, query, limit)
}

// admit runs the pre-write checks shared by every mutating action, in
// order: termination first, then the cap for cap-governed actions.
func (g *Gateway) admit(ctx context.Context, sessionID string, capped bool) (*domain.RefinementSession, error) {
	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, terminatedError(sess)
	}
	if capped && sess.OperationCount >= HardCap {
		return nil, &domain.CapExceededError{Cap: HardCap, Count: sess.OperationCount}
	}
	return sess, nil
}

// targetRecord resolves a mutation target within the session owner's
// scope. Unknown and already-discarded ids are argument errors the
// model can correct.
func (g *Gateway) targetRecord(ctx context.Context, sess *domain.RefinementSession, id uuid.UUID) (*domain.MemoryRecord, error) {
	rec, err := g.stores.Records().GetByID(ctx, id, sess.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("unknown record id %s", id)}
		}
		return nil, err
	}
	if rec.Discarded() {
		return nil, &domain.ValidationError{Reason: fmt.Sprintf("record %s is already deleted", id)}
	}
	return rec, nil
}

// ledgerAndCount appends the audit entry and bumps the operation count
// inside the mutation's transaction. The count re-check is the
// transactional backstop behind the admit-time cap check.
func (g *Gateway) ledgerAndCount(ctx context.Context, tx domain.Stores, sess *domain.RefinementSession, op domain.AuditOperation, before, after []domain.RecordSnapshot) error {
	if err := tx.Audit().Append(ctx, &domain.AuditEntry{
		SessionID: sess.ID,
		OwnerID:   sess.OwnerID,
		Operation: op,
		Before:    before,
		After:     after,
	}); err != nil {
		return err
	}

	count, err := tx.Sessions().IncrementOperationCount(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return terminatedError(sess)
		}
		return err
	}
	if count > HardCap {
		return &domain.CapExceededError{Cap: HardCap, Count: count - 1}
	}
	sess.OperationCount = count
	return nil
}

// finishMutation runs the per-operation breaker check after the
// mutation committed.
func (g *Gateway) finishMutation(ctx context.Context, sess *domain.RefinementSession, result *MutationResult) (*MutationResult, error) {
	breaker, err := g.sessions.CheckAfterMutation(ctx, sess)
	if err != nil {
		return nil, err
	}
	result.Breaker = breaker
	return result, nil
}
