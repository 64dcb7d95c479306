package contribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"stelligence/internal/logging"
	"stelligence/internal/store"
)

// Rejecter closes a contribution without touching its document.
type Rejecter struct {
	store  store.Runner
	logger logrus.FieldLogger
}

func NewRejecter(runner store.Runner, logger logrus.FieldLogger) *Rejecter {
	return &Rejecter{store: runner, logger: logging.OrStandard(logger)}
}

func (r *Rejecter) Reject(ctx context.Context, contributionID int64) error {
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		return Transition(ctx, tx, contributionID, store.ContributionRejected)
	})
	if err != nil {
		return fmt.Errorf("reject contribution %d: %w", contributionID, err)
	}
	r.logger.WithField("contribution_id", contributionID).Info("contribution rejected")
	return nil
}

// Transition locks the contribution's document, checks the current status
// and moves the contribution to status inside tx.
func Transition(ctx context.Context, tx store.Tx, contributionID int64, status store.ContributionStatus) error {
	documentID, err := tx.ContributionDocumentID(ctx, contributionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrContributionNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.LockDocument(ctx, documentID); err != nil {
		return err
	}
	contribution, err := tx.LoadContribution(ctx, contributionID)
	if err != nil {
		return err
	}
	if !CanTransition(contribution.Status, status) {
		return fmt.Errorf("%w: status %s", ErrContributionNotVoting, contribution.Status)
	}
	return tx.UpdateContributionStatus(ctx, contributionID, status)
}
