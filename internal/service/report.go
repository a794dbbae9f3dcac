package service

import (
	"context"
	"fmt"

	"github.com/refinehq/refinery/internal/domain"
	"github.com/refinehq/refinery/internal/token"
)

// writeOutcomeReport stores a human-readable outcome summary in the
// owner's own record store so the agent sees, on its next invocation,
// what the session did and why. Reports carry SourceRefinement and are
// excluded from mass accounting, so writing one never disturbs the
// pre/post mass comparison it describes.
func (s *SessionService) writeOutcomeReport(ctx context.Context, tx domain.Stores, sess *domain.RefinementSession, status domain.SessionStatus, mass int64, detail string) error {
	var content string
	switch status {
	case domain.SessionCompleted:
		content = fmt.Sprintf(
			"Memory refinement session %s completed after %d operation(s). Mass went from %d to %d tokens (%.1f%% retained).",
			sess.ID, sess.OperationCount, sess.PreMass, mass, sess.RetainedRatio(mass)*100)
		if detail != "" {
			content += " Summary: " + detail
		}
	case domain.SessionRolledBack:
		content = fmt.Sprintf(
			"Memory refinement session %s was rolled back and every change it made was reversed: %s. "+
				"Memory is back at its pre-session state of %d tokens. "+
				"Do not repeat the same consolidation; it removed too much.",
			sess.ID, detail, mass)
	default:
		return fmt.Errorf("no outcome report for status %q", status)
	}

	return tx.Records().Create(ctx, &domain.MemoryRecord{
		OwnerID:       sess.OwnerID,
		Content:       content,
		Source:        domain.SourceRefinement,
		TokenEstimate: token.Estimate(content),
	})
}
