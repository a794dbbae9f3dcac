package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/refinehq/refinery/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionService_Open(t *testing.T) {
	_, sessions, stores, ownerID := setupGatewayTest(t)

	seedRecord(t, stores, ownerID, 150, time.Now())
	seedRecord(t, stores, ownerID, 50, time.Now())

	sess, err := sessions.Open(context.Background(), ownerID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, sess.Status)
	assert.Equal(t, int64(200), sess.PreMass)
	assert.Equal(t, DefaultThreshold, sess.Threshold)
	assert.Equal(t, 0, sess.OperationCount)
	assert.NotEmpty(t, sess.ID)
}

func TestSessionService_Open_ThresholdOverride(t *testing.T) {
	_, sessions, stores, ownerID := setupGatewayTest(t)

	stores.settings.thresholds[ownerID] = 0.5
	seedRecord(t, stores, ownerID, 100, time.Now())

	sess, err := sessions.Open(context.Background(), ownerID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, sess.Threshold)
}

func TestSessionService_Open_AlreadyActive(t *testing.T) {
	_, sessions, stores, ownerID := setupGatewayTest(t)

	seedRecord(t, stores, ownerID, 100, time.Now())
	first, err := sessions.Open(context.Background(), ownerID)
	require.NoError(t, err)

	_, err = sessions.Open(context.Background(), ownerID)
	var aerr *domain.SessionAlreadyActiveError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, first.ID, aerr.SessionID)

	// A different owner is unaffected by the lease.
	otherOwner := uuid.New()
	_, err = sessions.Open(context.Background(), otherOwner)
	require.NoError(t, err)
}

func TestSessionService_Open_MissingOwner(t *testing.T) {
	_, sessions, _, _ := setupGatewayTest(t)

	_, err := sessions.Open(context.Background(), uuid.Nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSessionService_Complete_ZeroOps(t *testing.T) {
	gw, sessions, stores, ownerID := setupGatewayTest(t)
	ctx := context.Background()

	seedRecord(t, stores, ownerID, 100, time.Now())
	sess := openSession(t, sessions, ownerID)

	result, err := gw.Complete(ctx, sess.ID, "store already tidy")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, result.Status)
	assert.Equal(t, result.PreMass, result.PostMass)
	assert.Equal(t, 0, result.Operations)
	assert.Nil(t, result.Rollback)

	entries, err := stores.audit.EntriesForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OpComplete, entries[0].Operation)
	assert.Equal(t, "store already tidy", entries[0].Detail)
}

func TestSessionService_Complete_WritesOutcomeReport(t *testing.T) {
	gw, sessions, stores, ownerID := setupGatewayTest(t)
	ctx := context.Background()

	seedRecord(t, stores, ownerID, 100, time.Now())
	sess := openSession(t, sessions, ownerID)

	_, err := gw.Complete(ctx, sess.ID, "merged duplicates")
	require.NoError(t, err)

	active, err := stores.records.ListActive(ctx, ownerID)
	require.NoError(t, err)
	var report *domain.MemoryRecord
	for i := range active {
		if active[i].Source == domain.SourceRefinement {
			report = &active[i]
		}
	}
	require.NotNil(t, report, "expected an outcome report record")
	assert.Contains(t, report.Content, sess.ID)
	assert.Contains(t, report.Content, "merged duplicates")

	// Reports live outside mass accounting.
	mass, err := stores.records.TotalMass(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), mass)
}

func TestSessionService_Complete_FinalCheckRollsBack(t *testing.T) {
	gw, sessions, stores, ownerID := setupGatewayTest(t)
	ctx := context.Background()

	seedRecord(t, stores, ownerID, 25, time.Now())
	lost := seedRecord(t, stores, ownerID, 75, time.Now())
	sess := openSession(t, sessions, ownerID)

	// A delete whose per-operation breaker check never ran: the
	// mutation and its ledger entry committed, then the caller died.
	require.NoError(t, stores.records.Discard(ctx, lost.ID))
	require.NoError(t, stores.audit.Append(ctx, &domain.AuditEntry{
		SessionID: sess.ID,
		OwnerID:   ownerID,
		Operation: domain.OpDelete,
		Before:    []domain.RecordSnapshot{domain.Snapshot(lost)},
	}))
	_, err := stores.sessions.IncrementOperationCount(ctx, sess.ID)
	require.NoError(t, err)

	result, err := gw.Complete(ctx, sess.ID, "trimmed")
	require.NoError(t, err, "a tripped final check is an outcome, not an error")
	assert.Equal(t, domain.SessionRolledBack, result.Status)
	require.NotNil(t, result.Rollback)
	assert.Equal(t, int64(100), result.Rollback.RestoredMass)

	restored, err := stores.records.GetByID(ctx, lost.ID, ownerID)
	require.NoError(t, err)
	assert.False(t, restored.Discarded())
}

func TestSessionService_Rollback_RestoresUpdatedContent(t *testing.T) {
	gw, sessions, stores, ownerID := setupGatewayTest(t)
	ctx := context.Background()

	rec := seedRecord(t, stores, ownerID, 500, time.Now())
	original := rec.Content
	sess := openSession(t, sessions, ownerID)

	// Shrink to 400 tokens, still above the floor.
	_, err := gw.Update(ctx, sess.ID, rec.ID, strings.Repeat("s", 400*4))
	require.NoError(t, err)

	outcome, err := sessions.Rollback(ctx, sess.ID, "operator requested")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Reversed)
	assert.Equal(t, int64(500), outcome.RestoredMass)

	got, err := stores.records.GetByID(ctx, rec.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, original, got.Content)
	assert.Equal(t, 500, got.TokenEstimate)
}

func TestSessionService_Rollback_Idempotent(t *testing.T) {
	gw, sessions, stores, ownerID := setupGatewayTest(t)
	ctx := context.Background()

	rec := seedRecord(t, stores, ownerID, 20, time.Now())
	seedRecord(t, stores, ownerID, 100, time.Now())
	sess := openSession(t, sessions, ownerID)

	// 100 of 120 retained keeps the breaker quiet; the rollback here
	// is operator-driven.
	_, err := gw.Delete(ctx, sess.ID, rec.ID)
	require.NoError(t, err)

	first, err := sessions.Rollback(ctx, sess.ID, "operator requested")
	require.NoError(t, err)
	require.Equal(t, 1, first.Reversed)

	second, err := sessions.Rollback(ctx, sess.ID, "retry after timeout")
	require.NoError(t, err)
	assert.Equal(t, first.Reversed, second.Reversed)
	assert.Equal(t, first.RestoredMass, second.RestoredMass)

	entries, err := stores.audit.EntriesForSession(ctx, sess.ID)
	require.NoError(t, err)
	rollbackEntries := 0
	for _, e := range entries {
		if e.Operation == domain.OpRollback {
			rollbackEntries++
		}
	}
	assert.Equal(t, 1, rollbackEntries, "repeat rollback must not append a second ledger entry")

	got, err := stores.records.GetByID(ctx, rec.ID, ownerID)
	require.NoError(t, err)
	assert.False(t, got.Discarded(), "repeat rollback must not re-reverse anything")
}

func TestSessionService_Rollback_CompletedSession(t *testing.T) {
	gw, sessions, stores, ownerID := setupGatewayTest(t)
	ctx := context.Background()

	seedRecord(t, stores, ownerID, 100, time.Now())
	sess := openSession(t, sessions, ownerID)
	_, err := gw.Complete(ctx, sess.ID, "done")
	require.NoError(t, err)

	_, err = sessions.Rollback(ctx, sess.ID, "too late")
	var terr *domain.SessionTerminatedError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.SessionCompleted, terr.Status)
}

func TestSessionService_Rollback_UnknownSession(t *testing.T) {
	_, sessions, _, _ := setupGatewayTest(t)

	_, err := sessions.Rollback(context.Background(), "01J00000000000000000000000", "no such session")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSessionService_EmptyStore(t *testing.T) {
	gw, sessions, _, ownerID := setupGatewayTest(t)
	ctx := context.Background()

	sess := openSession(t, sessions, ownerID)
	require.Equal(t, int64(0), sess.PreMass)

	// With nothing to retain the breaker can never trip.
	result, err := gw.Complete(ctx, sess.ID, "nothing stored yet")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, result.Status)
	assert.Equal(t, float64(1), result.Ratio)
}

func TestSessionService_ReleaseStale(t *testing.T) {
	gw, sessions, stores, ownerID := setupGatewayTest(t)
	ctx := context.Background()

	rec := seedRecord(t, stores, ownerID, 100, time.Now())
	sess := openSession(t, sessions, ownerID)
	_, err := gw.Update(ctx, sess.ID, rec.ID, strings.Repeat("u", 100*4))
	require.NoError(t, err)

	stores.sessions.setLastActivity(sess.ID, time.Now().Add(-2*time.Hour))

	released, err := sessions.ReleaseStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	stored, err := stores.sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, stored.Status)

	// The lease is free again.
	_, err = sessions.Open(ctx, ownerID)
	require.NoError(t, err)
}

func TestSessionService_Ledger(t *testing.T) {
	gw, sessions, stores, ownerID := setupGatewayTest(t)
	ctx := context.Background()

	rec := seedRecord(t, stores, ownerID, 20, time.Now())
	seedRecord(t, stores, ownerID, 100, time.Now())
	sess := openSession(t, sessions, ownerID)

	// 100 of 120 tokens survive the delete, so the breaker stays quiet
	// and the ledger holds exactly the two mutations.
	_, err := gw.Update(ctx, sess.ID, rec.ID, strings.Repeat("a", 20*4))
	require.NoError(t, err)
	_, err = gw.Delete(ctx, sess.ID, rec.ID)
	require.NoError(t, err)

	entries, err := sessions.Ledger(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OpUpdate, entries[0].Operation)
	assert.Equal(t, domain.OpDelete, entries[1].Operation)

	_, err = sessions.Ledger(ctx, "nope")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}
