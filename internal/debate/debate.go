// Package debate runs the discussion a contribution enters when its vote is
// inconclusive.
package debate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stelligence/internal/contribution"
	"stelligence/internal/logging"
	"stelligence/internal/store"
)

var (
	ErrDebateNotFound  = errors.New("debate not found")
	ErrDebateClosed    = errors.New("debate is closed")
	ErrCommentNotFound = errors.New("comment not found")
	ErrNotAuthor       = errors.New("only the author may change this comment")
	ErrEmptyComment    = errors.New("comment content is blank")
	ErrInvalidFilter   = errors.New("invalid debate filter")
)

const DefaultDuration = 24 * time.Hour

// Opener moves a contribution from VOTING to DEBATING and opens its debate.
type Opener struct {
	store    store.Runner
	duration time.Duration
	now      func() time.Time
	logger   logrus.FieldLogger
}

func NewOpener(runner store.Runner, duration time.Duration, logger logrus.FieldLogger) *Opener {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Opener{store: runner, duration: duration, now: time.Now, logger: logging.OrStandard(logger)}
}

func (o *Opener) Open(ctx context.Context, contributionID int64) (store.Debate, error) {
	var opened store.Debate
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		if err := contribution.Transition(ctx, tx, contributionID, store.ContributionDebating); err != nil {
			return err
		}
		endAt := o.now().Add(o.duration)
		debate := store.Debate{ContributionID: contributionID, Status: store.DebateOpen, EndAt: &endAt}
		id, err := tx.InsertDebate(ctx, debate)
		if err != nil {
			return fmt.Errorf("insert debate: %w", err)
		}
		opened, err = tx.GetDebate(ctx, id)
		return err
	})
	if err != nil {
		return store.Debate{}, fmt.Errorf("open debate for contribution %d: %w", contributionID, err)
	}
	o.logger.WithFields(logrus.Fields{
		"contribution_id": contributionID,
		"debate_id":       opened.ID,
	}).Info("debate opened")
	return opened, nil
}

// Service manages the comments of a debate. Every write locks the debate row
// so comment sequence numbers follow commit order.
type Service struct {
	store  store.Runner
	now    func() time.Time
	logger logrus.FieldLogger
}

func NewService(runner store.Runner, logger logrus.FieldLogger) *Service {
	return &Service{store: runner, now: time.Now, logger: logging.OrStandard(logger)}
}

func lockDebate(ctx context.Context, tx store.Tx, debateID int64) (store.Debate, error) {
	debate, err := tx.LockDebate(ctx, debateID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Debate{}, ErrDebateNotFound
	}
	return debate, err
}

func (s *Service) Get(ctx context.Context, debateID int64) (store.Debate, error) {
	var debate store.Debate
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		debate, err = tx.GetDebate(ctx, debateID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return store.Debate{}, ErrDebateNotFound
	}
	return debate, err
}

// List pages debates by status. The order defaults to LATEST.
func (s *Service) List(ctx context.Context, filter store.DebateFilter) ([]store.Debate, int, error) {
	switch filter.Status {
	case "", store.DebateOpen, store.DebateClosed:
	default:
		return nil, 0, fmt.Errorf("%w: status %q", ErrInvalidFilter, filter.Status)
	}
	switch filter.Order {
	case "":
		filter.Order = store.DebateOrderLatest
	case store.DebateOrderLatest, store.DebateOrderRecent:
	default:
		return nil, 0, fmt.Errorf("%w: order %q", ErrInvalidFilter, filter.Order)
	}
	var (
		items []store.Debate
		total int
	)
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		items, total, err = tx.ListDebates(ctx, filter)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// AddComment appends a comment and returns the full comment list.
func (s *Service) AddComment(ctx context.Context, debateID, memberID int64, content string) ([]store.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyComment
	}
	var comments []store.Comment
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		debate, err := lockDebate(ctx, tx, debateID)
		if err != nil {
			return err
		}
		if debate.Status == store.DebateClosed {
			return ErrDebateClosed
		}
		if _, err := tx.GetMember(ctx, memberID); err != nil {
			return fmt.Errorf("commenter %d: %w", memberID, err)
		}
		debate.CommentSequence++
		_, err = tx.InsertComment(ctx, store.Comment{
			DebateID:    debateID,
			CommenterID: memberID,
			Sequence:    debate.CommentSequence,
			Content:     content,
		})
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		if err := tx.UpdateDebate(ctx, debate); err != nil {
			return err
		}
		comments, err = tx.ListComments(ctx, debateID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return comments, nil
}

// modifyComment loads the comment under its debate's lock and checks that
// memberID wrote it.
func modifyComment(ctx context.Context, tx store.Tx, commentID, memberID int64) (store.Comment, error) {
	comment, err := tx.GetComment(ctx, commentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Comment{}, ErrCommentNotFound
	}
	if err != nil {
		return store.Comment{}, err
	}
	if _, err := lockDebate(ctx, tx, comment.DebateID); err != nil {
		return store.Comment{}, err
	}
	if comment.CommenterID != memberID {
		return store.Comment{}, ErrNotAuthor
	}
	return comment, nil
}

func (s *Service) UpdateComment(ctx context.Context, commentID, memberID int64, content string) (store.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Comment{}, ErrEmptyComment
	}
	var updated store.Comment
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := modifyComment(ctx, tx, commentID, memberID); err != nil {
			return err
		}
		if err := tx.UpdateCommentContent(ctx, commentID, content); err != nil {
			return err
		}
		var err error
		updated, err = tx.GetComment(ctx, commentID)
		return err
	})
	return updated, err
}

func (s *Service) DeleteComment(ctx context.Context, commentID, memberID int64) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := modifyComment(ctx, tx, commentID, memberID); err != nil {
			return err
		}
		return tx.DeleteComment(ctx, commentID)
	})
}

func (s *Service) ListComments(ctx context.Context, debateID int64) ([]store.Comment, error) {
	var comments []store.Comment
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetDebate(ctx, debateID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrDebateNotFound
			}
			return err
		}
		var err error
		comments, err = tx.ListComments(ctx, debateID)
		return err
	})
	return comments, err
}

// Close ends an open debate.
func (s *Service) Close(ctx context.Context, debateID int64) (store.Debate, error) {
	var closed store.Debate
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		debate, err := lockDebate(ctx, tx, debateID)
		if err != nil {
			return err
		}
		if debate.Status == store.DebateClosed {
			return ErrDebateClosed
		}
		now := s.now()
		debate.Status = store.DebateClosed
		debate.EndAt = &now
		if err := tx.UpdateDebate(ctx, debate); err != nil {
			return err
		}
		closed = debate
		return nil
	})
	if err != nil {
		return store.Debate{}, err
	}
	s.logger.WithField("debate_id", debateID).Info("debate closed")
	return closed, nil
}

// CloseExpired closes every open debate whose end time has passed and
// returns the ids it closed.
func (s *Service) CloseExpired(ctx context.Context) ([]int64, error) {
	var expired []int64
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		expired, err = tx.ListExpiredDebates(ctx, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list expired debates: %w", err)
	}
	closed := make([]int64, 0, len(expired))
	for _, id := range expired {
		if _, err := s.Close(ctx, id); err != nil {
			if errors.Is(err, ErrDebateClosed) {
				continue
			}
			return closed, fmt.Errorf("close debate %d: %w", id, err)
		}
		closed = append(closed, id)
	}
	return closed, nil
}
