package contribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"stelligence/internal/store"
)

// ParentChecker rejects parent moves that would create a cycle or point at
// a missing document.
type ParentChecker interface {
	CheckParent(ctx context.Context, tx store.Tx, documentID, parentID int64) error
}

type AmendmentInput struct {
	Type          store.AmendmentType
	SectionID     int64
	Heading       store.Heading
	Title         string
	Content       string
	CreatingOrder int
}

type CreateInput struct {
	DocumentID            int64
	Title                 string
	Description           string
	AfterDocumentTitle    *string
	AfterParentDocumentID *int64
	Amendments            []AmendmentInput
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidContribution, fmt.Sprintf(format, args...))
}

// Validator checks a new contribution against the current state of its
// document. It runs inside the transaction that stores the contribution.
type Validator struct {
	parents ParentChecker
}

func NewValidator(parents ParentChecker) *Validator {
	return &Validator{parents: parents}
}

// Validate returns the target document when input is acceptable.
func (v *Validator) Validate(ctx context.Context, tx store.Tx, input CreateInput) (store.Document, error) {
	if strings.TrimSpace(input.Title) == "" {
		return store.Document{}, invalid("title is required")
	}
	if input.AfterDocumentTitle != nil && strings.TrimSpace(*input.AfterDocumentTitle) == "" {
		return store.Document{}, invalid("requested document title is blank")
	}

	doc, err := tx.GetDocument(ctx, input.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, fmt.Errorf("%w: documentId=%d", ErrDocumentNotFound, input.DocumentID)
	}
	if err != nil {
		return store.Document{}, err
	}

	voting, err := tx.ExistsContributionWithStatus(ctx, doc.ID, store.ContributionVoting)
	if err != nil {
		return store.Document{}, err
	}
	if voting {
		return store.Document{}, fmt.Errorf("%w: documentId=%d", ErrDocumentBusy, doc.ID)
	}

	if input.AfterDocumentTitle != nil {
		if err := v.checkTitle(ctx, tx, doc, strings.TrimSpace(*input.AfterDocumentTitle)); err != nil {
			return store.Document{}, err
		}
	}
	if err := v.checkAmendments(ctx, tx, doc, input.Amendments); err != nil {
		return store.Document{}, err
	}
	if parent := input.AfterParentDocumentID; parent != nil && !sameParent(parent, doc.ParentID) && v.parents != nil {
		if err := v.parents.CheckParent(ctx, tx, doc.ID, *parent); err != nil {
			return store.Document{}, fmt.Errorf("%w: parent documentId=%d: %w", ErrInvalidContribution, *parent, err)
		}
	}
	return doc, nil
}

func (v *Validator) checkTitle(ctx context.Context, tx store.Tx, doc store.Document, title string) error {
	if title == doc.Title {
		return nil
	}
	existing, err := tx.FindDocumentByTitle(ctx, title)
	switch {
	case err == nil && existing.ID != doc.ID:
		return invalid("a document titled %q already exists", title)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	requested, err := tx.ExistsRequestedTitle(ctx, title)
	if err != nil {
		return err
	}
	if requested {
		return invalid("another contribution already requests the title %q", title)
	}
	return nil
}

func (v *Validator) checkAmendments(ctx context.Context, tx store.Tx, doc store.Document, amendments []AmendmentInput) error {
	sections, err := tx.ListSections(ctx, doc.ID, doc.LatestRevision)
	if err != nil {
		return err
	}
	live := make(map[int64]bool, len(sections))
	for _, section := range sections {
		live[section.ID] = true
	}

	creatingOrders := make(map[int64][]int)
	touched := make(map[int64]store.AmendmentType)
	for i, amendment := range amendments {
		switch amendment.Type {
		case store.AmendmentCreate, store.AmendmentUpdate:
			if !amendment.Heading.Valid() {
				return invalid("amendment %d: invalid heading %q", i, amendment.Heading)
			}
			if strings.TrimSpace(amendment.Title) == "" {
				return invalid("amendment %d: section title is required", i)
			}
		case store.AmendmentDelete:
		default:
			return invalid("amendment %d: unknown type %q", i, amendment.Type)
		}
		if !live[amendment.SectionID] {
			return invalid("section %d does not exist in document %d", amendment.SectionID, doc.ID)
		}
		if amendment.Type == store.AmendmentCreate {
			creatingOrders[amendment.SectionID] = append(creatingOrders[amendment.SectionID], amendment.CreatingOrder)
			continue
		}
		if previous, seen := touched[amendment.SectionID]; seen {
			return invalid("section %d is changed twice (%s, %s)", amendment.SectionID, previous, amendment.Type)
		}
		touched[amendment.SectionID] = amendment.Type
	}

	for sectionID, orders := range creatingOrders {
		sort.Ints(orders)
		for i, order := range orders {
			if i > 0 && orders[i-1] == order {
				return invalid("duplicate creating order %d after section %d", order, sectionID)
			}
			if order != i+1 {
				return invalid("creating orders after section %d are not sequential", sectionID)
			}
		}
	}
	return nil
}
