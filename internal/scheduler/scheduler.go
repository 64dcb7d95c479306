// Package scheduler periodically closes the voting of open contributions by
// deciding each one and dispatching it to the matching handler.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stelligence/internal/contribution"
	"stelligence/internal/logging"
	"stelligence/internal/store"
)

const pageSize = 200

type Lister interface {
	ListVoting(ctx context.Context, page contribution.Page) ([]store.Contribution, int, error)
}

type Decider interface {
	Decide(ctx context.Context, contributionID int64) (contribution.Action, error)
}

type Merger interface {
	Merge(ctx context.Context, contributionID int64) error
}

type Opener interface {
	Open(ctx context.Context, contributionID int64) (store.Debate, error)
}

type Rejecter interface {
	Reject(ctx context.Context, contributionID int64) error
}

type DebateCloser interface {
	CloseExpired(ctx context.Context) ([]int64, error)
}

// Report lists the contributions handled by one pass, in ascending id order.
type Report struct {
	Merged   []int64 `json:"merged"`
	Debated  []int64 `json:"debated"`
	Rejected []int64 `json:"rejected"`
	Failed   []int64 `json:"failed"`
	// ClosedDebates are debates whose end time passed during this pass.
	ClosedDebates []int64 `json:"closedDebates,omitempty"`
}

type Scheduler struct {
	lister   Lister
	decider  Decider
	merger   Merger
	opener   Opener
	rejecter Rejecter
	debates  DebateCloser
	workers  int
	logger   logrus.FieldLogger
}

func New(lister Lister, decider Decider, merger Merger, opener Opener, rejecter Rejecter, workers int, logger logrus.FieldLogger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		lister:   lister,
		decider:  decider,
		merger:   merger,
		opener:   opener,
		rejecter: rejecter,
		workers:  workers,
		logger:   logging.OrStandard(logger),
	}
}

// WithDebateCloser makes every pass also close expired debates.
func (s *Scheduler) WithDebateCloser(debates DebateCloser) *Scheduler {
	s.debates = debates
	return s
}

// Run calls RunOnce every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("scheduler pass failed")
			}
		}
	}
}

// RunOnce handles every contribution currently in VOTING. Contributions of
// different documents run concurrently; those of one document run in id
// order. A failed contribution is logged and reported but does not stop the
// pass.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	pending, err := s.voting(ctx)
	if err != nil {
		return Report{}, err
	}

	byDocument := make(map[int64][]int64)
	documents := make([]int64, 0)
	for _, c := range pending {
		if _, ok := byDocument[c.DocumentID]; !ok {
			documents = append(documents, c.DocumentID)
		}
		byDocument[c.DocumentID] = append(byDocument[c.DocumentID], c.ID)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	record := func(list *[]int64, id int64) {
		mu.Lock()
		*list = append(*list, id)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, documentID := range documents {
		ids := byDocument[documentID]
		g.Go(func() error {
			for _, id := range ids {
				if err := gctx.Err(); err != nil {
					return err
				}
				action, err := s.handle(gctx, id)
				if err != nil {
					s.logger.WithError(err).WithFields(logrus.Fields{
						"contribution_id": id,
						"document_id":     documentID,
					}).Error("contribution left in voting")
					record(&report.Failed, id)
					continue
				}
				switch action {
				case contribution.ActionMerge:
					record(&report.Merged, id)
				case contribution.ActionDebate:
					record(&report.Debated, id)
				default:
					record(&report.Rejected, id)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	if s.debates != nil && err == nil {
		closed, cerr := s.debates.CloseExpired(ctx)
		if cerr != nil {
			s.logger.WithError(cerr).Error("closing expired debates failed")
		}
		report.ClosedDebates = closed
	}

	for _, list := range [][]int64{report.Merged, report.Debated, report.Rejected, report.Failed} {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}
	s.logger.WithFields(logrus.Fields{
		"merged":   len(report.Merged),
		"debated":  len(report.Debated),
		"rejected": len(report.Rejected),
		"failed":   len(report.Failed),
		"closed":   len(report.ClosedDebates),
	}).Info("scheduler pass finished")
	return report, err
}

// Handle decides and dispatches a single contribution.
func (s *Scheduler) Handle(ctx context.Context, contributionID int64) (contribution.Action, error) {
	return s.handle(ctx, contributionID)
}

func (s *Scheduler) handle(ctx context.Context, id int64) (contribution.Action, error) {
	action, err := s.decider.Decide(ctx, id)
	if err != nil {
		return action, err
	}
	switch action {
	case contribution.ActionMerge:
		err = s.merger.Merge(ctx, id)
	case contribution.ActionDebate:
		_, err = s.opener.Open(ctx, id)
	default:
		err = s.rejecter.Reject(ctx, id)
	}
	if err != nil {
		return action, fmt.Errorf("%s contribution %d: %w", action, id, err)
	}
	return action, nil
}

func (s *Scheduler) voting(ctx context.Context) ([]store.Contribution, error) {
	all := make([]store.Contribution, 0)
	for offset := 0; ; offset += pageSize {
		page, total, err := s.lister.ListVoting(ctx, contribution.Page{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list voting contributions: %w", err)
		}
		all = append(all, page...)
		if len(page) < pageSize || offset+len(page) >= total {
			return all, nil
		}
	}
}
