package contribution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"stelligence/internal/logging"
	"stelligence/internal/store"
)

// Page selects a slice of a listing. A zero Limit uses the store default.
type Page struct {
	Limit  int
	Offset int
}

type Service struct {
	store     store.Runner
	validator *Validator
	logger    logrus.FieldLogger
}

func NewService(runner store.Runner, validator *Validator, logger logrus.FieldLogger) *Service {
	if validator == nil {
		validator = NewValidator(nil)
	}
	return &Service{store: runner, validator: validator, logger: logging.OrStandard(logger)}
}

// Create validates input and stores the contribution with its amendments in
// VOTING.
func (s *Service) Create(ctx context.Context, input CreateInput, memberID int64) (store.Contribution, error) {
	var created store.Contribution
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetMember(ctx, memberID); err != nil {
			return fmt.Errorf("proposer %d: %w", memberID, err)
		}
		doc, err := s.validator.Validate(ctx, tx, input)
		if err != nil {
			return err
		}
		var afterTitle *string
		if input.AfterDocumentTitle != nil {
			trimmed := strings.TrimSpace(*input.AfterDocumentTitle)
			afterTitle = &trimmed
		}
		id, err := tx.InsertContribution(ctx, store.Contribution{
			ProposerID:             memberID,
			DocumentID:             doc.ID,
			Title:                  strings.TrimSpace(input.Title),
			Description:            input.Description,
			Status:                 store.ContributionVoting,
			BeforeDocumentTitle:    doc.Title,
			AfterDocumentTitle:     afterTitle,
			BeforeParentDocumentID: doc.ParentID,
			AfterParentDocumentID:  input.AfterParentDocumentID,
		})
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("%w: documentId=%d", ErrDocumentBusy, doc.ID)
		}
		if err != nil {
			return err
		}
		for _, amendment := range input.Amendments {
			_, err := tx.InsertAmendment(ctx, store.Amendment{
				ContributionID:  id,
				Type:            amendment.Type,
				TargetSectionID: amendment.SectionID,
				Heading:         amendment.Heading,
				Title:           amendment.Title,
				Content:         amendment.Content,
				CreatingOrder:   amendment.CreatingOrder,
			})
			if err != nil {
				return fmt.Errorf("insert amendment: %w", err)
			}
		}
		created, err = tx.LoadContribution(ctx, id)
		return err
	})
	if err != nil {
		return store.Contribution{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"contribution_id": created.ID,
		"document_id":     created.DocumentID,
		"amendments":      len(created.Amendments),
	}).Info("contribution created")
	return created, nil
}

func (s *Service) Get(ctx context.Context, contributionID int64) (store.Contribution, error) {
	var contribution store.Contribution
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		contribution, err = tx.LoadContribution(ctx, contributionID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.Contribution{}, ErrContributionNotFound
	}
	return contribution, err
}

func (s *Service) ListVoting(ctx context.Context, page Page) ([]store.Contribution, int, error) {
	return s.list(ctx, store.ContributionFilter{Status: store.ContributionVoting, Limit: page.Limit, Offset: page.Offset})
}

func (s *Service) ListByDocument(ctx context.Context, documentID int64, page Page) ([]store.Contribution, int, error) {
	return s.list(ctx, store.ContributionFilter{DocumentID: documentID, Limit: page.Limit, Offset: page.Offset})
}

func (s *Service) list(ctx context.Context, filter store.ContributionFilter) ([]store.Contribution, int, error) {
	var (
		items []store.Contribution
		total int
	)
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		items, total, err = tx.ListContributions(ctx, filter)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list contributions: %w", err)
	}
	return items, total, nil
}

// Delete removes a contribution. Only its proposer may do so, and only while
// it is still VOTING.
func (s *Service) Delete(ctx context.Context, contributionID, memberID int64) error {
	err := s.store.InTx(ctx, func(tx store.Tx) error {
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
		if !contribution.IsVoting() {
			return ErrContributionNotVoting
		}
		if contribution.ProposerID != memberID {
			return ErrForbidden
		}
		return tx.DeleteContribution(ctx, contributionID)
	})
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"contribution_id": contributionID,
		"member_id":       memberID,
	}).Info("contribution deleted")
	return nil
}
