package search

import (
	"context"

	"github.com/sirupsen/logrus"

	"stelligence/internal/logging"
)

type index interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  index
	fallback Searcher
	loader   func(context.Context) ([]DocumentRecord, error)
	logger   logrus.FieldLogger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(m *Meili, pgfts *PgFTS, logger logrus.FieldLogger) *Service {
	s := &Service{logger: logging.OrStandard(logger)}
	if m != nil {
		s.primary = m
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts.LoadAllRecords
	}
	return s
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.WithError(err).Warn("meilisearch error, falling back to pgfts")
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.WithError(err).Error("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes a document in the background.
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.IndexDocument(doc); err != nil {
			s.logger.WithError(err).WithField("document_id", doc.ID).Warn("index document failed")
		}
	}()
}

// DeleteDocument removes a document from the index in the background.
func (s *Service) DeleteDocument(id int64) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteDocument(id); err != nil {
			s.logger.WithError(err).WithField("document_id", id).Warn("delete document failed")
		}
	}()
}

// ReindexAllFromPG pushes every document at its latest revision into
// Meilisearch. Called at startup.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryReady() || s.loader == nil {
		return
	}
	documents, err := s.loader(ctx)
	if err != nil {
		s.logger.WithError(err).Error("reindex load failed")
		return
	}
	if err := s.primary.IndexDocuments(documents); err != nil {
		s.logger.WithError(err).Error("reindex documents failed")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
