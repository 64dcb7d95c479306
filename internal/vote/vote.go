// Package vote records member votes on contributions and reports tallies.
package vote

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"stelligence/internal/logging"
	"stelligence/internal/store"
)

var (
	ErrVotingClosed         = errors.New("contribution is not accepting votes")
	ErrContributionNotFound = errors.New("contribution not found")
)

// Tally is the vote count of one contribution at a single point in time.
type Tally struct {
	ContributionID int64 `json:"contributionId"`
	Agree          int   `json:"agree"`
	Disagree       int   `json:"disagree"`
}

func (t Tally) Total() int {
	return t.Agree + t.Disagree
}

// TallyProvider returns the current vote tally of a contribution. Each call
// reads fresh counts.
type TallyProvider interface {
	GetTally(ctx context.Context, contributionID int64) (Tally, error)
}

type Service struct {
	store  store.Runner
	logger logrus.FieldLogger
}

func NewService(runner store.Runner, logger logrus.FieldLogger) *Service {
	return &Service{store: runner, logger: logging.OrStandard(logger)}
}

// GetTally counts agree and disagree votes in one read-only snapshot so both
// numbers describe the same instant.
func (s *Service) GetTally(ctx context.Context, contributionID int64) (Tally, error) {
	var summary store.VoteSummary
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		summary, err = tx.VoteSummary(ctx, contributionID)
		return err
	})
	if err != nil {
		return Tally{}, fmt.Errorf("get tally %d: %w", contributionID, err)
	}
	return Tally{ContributionID: contributionID, Agree: summary.AgreeCount, Disagree: summary.DisagreeCount}, nil
}

// Cast records a vote. Casting the same value twice withdraws the vote and
// casting the opposite value replaces it. The returned pointer is the
// member's vote after the call, nil when withdrawn.
func (s *Service) Cast(ctx context.Context, contributionID, memberID int64, agree bool) (*store.Vote, error) {
	var result *store.Vote
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetMember(ctx, memberID); err != nil {
			return fmt.Errorf("cast vote member %d: %w", memberID, err)
		}
		documentID, err := tx.ContributionDocumentID(ctx, contributionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrContributionNotFound
		}
		if err != nil {
			return err
		}
		// Serializes with a concurrent merge of the same document.
		if _, err := tx.LockDocument(ctx, documentID); err != nil {
			return err
		}
		contribution, err := tx.LoadContribution(ctx, contributionID)
		if err != nil {
			return err
		}
		if !contribution.IsVoting() {
			return ErrVotingClosed
		}

		existing, err := tx.GetVote(ctx, contributionID, memberID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case existing.Agree == agree:
			return tx.DeleteVote(ctx, contributionID, memberID)
		}
		vote := store.Vote{ContributionID: contributionID, MemberID: memberID, Agree: agree}
		if err := tx.UpsertVote(ctx, vote); err != nil {
			return err
		}
		result = &vote
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"contribution_id": contributionID,
		"member_id":       memberID,
		"withdrawn":       result == nil,
	}).Debug("vote cast")
	return result, nil
}
