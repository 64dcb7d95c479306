// Package document owns document structure: title, parent and the rendered
// view of the latest revision. Structural changes are written to Postgres in
// the caller's transaction and mirrored to the hierarchy graph.
package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"stelligence/internal/hierarchy"
	"stelligence/internal/logging"
	"stelligence/internal/store"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrTitleTaken       = errors.New("document title already taken")
	ErrInvalidTitle     = errors.New("document title is blank")
	ErrParentCycle      = errors.New("parent would create a cycle")
	ErrParentNotFound   = errors.New("parent document not found")
)

// maxDepth bounds the Postgres ancestor walk.
const maxDepth = 256

// Hierarchy is the external graph that mirrors the document tree.
type Hierarchy interface {
	UpsertDocument(ctx context.Context, id int64, title string, parentID *int64) error
	ChangeTitle(ctx context.Context, id int64, title string) error
	ChangeParent(ctx context.Context, id int64, parentID *int64) error
	Ancestors(ctx context.Context, id int64) ([]int64, error)
}

// RenderCache stores rendered documents by id and revision.
type RenderCache interface {
	Get(ctx context.Context, documentID int64, revision int) ([]byte, bool)
	Put(ctx context.Context, documentID int64, revision int, rendered []byte) error
	Evict(ctx context.Context, documentID int64, revision int) error
}

type Service struct {
	store     store.Runner
	hierarchy Hierarchy
	render    RenderCache
	logger    logrus.FieldLogger
}

// NewService wires the document service. hierarchy and render may be nil,
// in which case graph mirroring and render caching are skipped.
func NewService(runner store.Runner, graph Hierarchy, render RenderCache, logger logrus.FieldLogger) *Service {
	return &Service{store: runner, hierarchy: graph, render: render, logger: logging.OrStandard(logger)}
}

type SectionInput struct {
	Heading store.Heading
	Title   string
	Content string
}

type CreateInput struct {
	Title    string
	ParentID *int64
	Sections []SectionInput
}

// Create stores a document with its sections as revision 1.
func (s *Service) Create(ctx context.Context, input CreateInput) (store.Document, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, ErrInvalidTitle
	}
	for i, section := range input.Sections {
		if !section.Heading.Valid() {
			return store.Document{}, fmt.Errorf("section %d: invalid heading %q", i, section.Heading)
		}
	}

	var created store.Document
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if input.ParentID != nil {
			if _, err := tx.GetDocument(ctx, *input.ParentID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrParentNotFound
				}
				return err
			}
		}
		doc := store.Document{Title: title, ParentID: input.ParentID, LatestRevision: 1}
		id, err := tx.InsertDocument(ctx, doc)
		if errors.Is(err, store.ErrDuplicateKey) {
			return ErrTitleTaken
		}
		if err != nil {
			return err
		}
		for i, section := range input.Sections {
			_, err := tx.InsertSection(ctx, store.Section{
				Revision:   1,
				DocumentID: id,
				Heading:    section.Heading,
				Title:      section.Title,
				Content:    section.Content,
				Order:      i + 1,
			})
			if err != nil {
				return fmt.Errorf("insert section %d: %w", i, err)
			}
		}
		created, err = tx.GetDocument(ctx, id)
		return err
	})
	if err != nil {
		return store.Document{}, err
	}
	if s.hierarchy != nil {
		if err := s.hierarchy.UpsertDocument(ctx, created.ID, created.Title, created.ParentID); err != nil {
			s.logger.WithError(err).WithField("document_id", created.ID).Warn("hierarchy upsert failed")
		}
	}
	return created, nil
}

// Latest returns the document and its sections at the latest revision.
func (s *Service) Latest(ctx context.Context, documentID int64) (store.Document, []store.Section, error) {
	var (
		doc      store.Document
		sections []store.Section
	)
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		doc, err = tx.GetDocument(ctx, documentID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrDocumentNotFound
		}
		if err != nil {
			return err
		}
		sections, err = tx.ListSections(ctx, documentID, doc.LatestRevision)
		return err
	})
	if err != nil {
		return store.Document{}, nil, err
	}
	return doc, sections, nil
}

// ChangeTitle renames the document inside tx. Renaming to the current title
// is a no-op.
func (s *Service) ChangeTitle(ctx context.Context, tx store.Tx, documentID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrInvalidTitle
	}
	doc, err := tx.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}
	if doc.Title == title {
		return nil
	}
	if err := tx.UpdateDocumentTitle(ctx, documentID, title); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("%w: %s", ErrTitleTaken, title)
		}
		return err
	}
	if s.hierarchy != nil {
		if err := s.hierarchy.ChangeTitle(ctx, documentID, title); err != nil {
			return fmt.Errorf("hierarchy change title: %w", err)
		}
	}
	return nil
}

// ChangeParent moves the document under parentID, or to the root when nil.
// Moving under itself or one of its descendants fails with ErrParentCycle.
func (s *Service) ChangeParent(ctx context.Context, tx store.Tx, documentID int64, parentID *int64) error {
	doc, err := tx.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}
	if sameParent(doc.ParentID, parentID) {
		return nil
	}
	if parentID != nil {
		if err := s.CheckParent(ctx, tx, documentID, *parentID); err != nil {
			return err
		}
	}
	if err := tx.UpdateDocumentParent(ctx, documentID, parentID); err != nil {
		return err
	}
	if s.hierarchy != nil {
		if err := s.hierarchy.ChangeParent(ctx, documentID, parentID); err != nil {
			return fmt.Errorf("hierarchy change parent: %w", err)
		}
	}
	return nil
}

// CheckParent reports whether parentID may become the parent of documentID.
func (s *Service) CheckParent(ctx context.Context, tx store.Tx, documentID, parentID int64) error {
	if parentID == documentID {
		return ErrParentCycle
	}
	if _, err := tx.GetDocument(ctx, parentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrParentNotFound
		}
		return err
	}
	ancestors, err := s.ancestors(ctx, tx, parentID)
	if err != nil {
		return err
	}
	for _, id := range ancestors {
		if id == documentID {
			return ErrParentCycle
		}
	}
	return nil
}

// ancestors prefers the hierarchy graph and falls back to walking parent
// rows in tx when the graph is absent or does not know the document.
func (s *Service) ancestors(ctx context.Context, tx store.Tx, documentID int64) ([]int64, error) {
	if s.hierarchy != nil {
		ids, err := s.hierarchy.Ancestors(ctx, documentID)
		if err == nil {
			return ids, nil
		}
		if !errors.Is(err, hierarchy.ErrNodeNotFound) {
			return nil, fmt.Errorf("hierarchy ancestors: %w", err)
		}
	}
	ids := make([]int64, 0)
	current := documentID
	for depth := 0; depth < maxDepth; depth++ {
		doc, err := tx.GetDocument(ctx, current)
		if err != nil {
			return nil, err
		}
		if doc.ParentID == nil {
			return ids, nil
		}
		ids = append(ids, *doc.ParentID)
		current = *doc.ParentID
	}
	return nil, fmt.Errorf("document %d nested deeper than %d", documentID, maxDepth)
}

// Resync rewrites the hierarchy node of documentID from Postgres. Callers use
// it after a rolled back transaction whose graph writes already went out.
func (s *Service) Resync(ctx context.Context, documentID int64) error {
	if s.hierarchy == nil {
		return nil
	}
	var doc store.Document
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		doc, err = tx.GetDocument(ctx, documentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("resync document %d: %w", documentID, err)
	}
	return s.hierarchy.UpsertDocument(ctx, doc.ID, doc.Title, doc.ParentID)
}

// Render returns the latest revision as HTML, served from the render cache
// when present. The rendering is stored under the revision its sections were
// read from, so a merge racing with this call cannot leave stale HTML under
// the new revision.
func (s *Service) Render(ctx context.Context, documentID int64) ([]byte, error) {
	if s.render != nil {
		revision, err := s.latestRevision(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if cached, ok := s.render.Get(ctx, documentID, revision); ok {
			return cached, nil
		}
	}
	doc, sections, err := s.Latest(ctx, documentID)
	if err != nil {
		return nil, err
	}
	rendered, err := RenderHTML(doc, sections)
	if err != nil {
		return nil, err
	}
	if s.render != nil {
		if err := s.render.Put(ctx, documentID, doc.LatestRevision, rendered); err != nil {
			s.logger.WithError(err).WithField("document_id", documentID).Warn("render cache put failed")
		}
	}
	return rendered, nil
}

func (s *Service) latestRevision(ctx context.Context, documentID int64) (int, error) {
	var revision int
	err := s.store.ReadTx(ctx, func(tx store.Tx) error {
		doc, err := tx.GetDocument(ctx, documentID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrDocumentNotFound
		}
		revision = doc.LatestRevision
		return err
	})
	return revision, err
}

// Evict drops the cached rendering of a superseded revision.
func (s *Service) Evict(ctx context.Context, documentID int64, revision int) error {
	if s.render == nil {
		return nil
	}
	return s.render.Evict(ctx, documentID, revision)
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
