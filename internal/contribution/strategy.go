package contribution

import (
	"context"
	"errors"
	"fmt"

	"stelligence/internal/store"
)

// Draft is the revision being built by one merge. Strategies only touch rows
// of Draft.Revision; the rows of the previous revision stay as they were.
type Draft struct {
	Document store.Document
	Revision int
	// inserted counts sections already placed after each anchor.
	inserted map[int64]int
}

func newDraft(doc store.Document) *Draft {
	return &Draft{Document: doc, Revision: doc.LatestRevision + 1, inserted: make(map[int64]int)}
}

type Strategy interface {
	Apply(ctx context.Context, tx store.Tx, draft *Draft, amendment store.Amendment) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, tx store.Tx, draft *Draft, amendment store.Amendment) error

func (f StrategyFunc) Apply(ctx context.Context, tx store.Tx, draft *Draft, amendment store.Amendment) error {
	return f(ctx, tx, draft, amendment)
}

func DefaultStrategies() map[store.AmendmentType]Strategy {
	return map[store.AmendmentType]Strategy{
		store.AmendmentCreate: StrategyFunc(applyCreate),
		store.AmendmentUpdate: StrategyFunc(applyUpdate),
		store.AmendmentDelete: StrategyFunc(applyDelete),
	}
}

func resolveTarget(ctx context.Context, tx store.Tx, draft *Draft, amendment store.Amendment) (store.Section, error) {
	section, err := tx.GetSection(ctx, amendment.TargetSectionID, draft.Revision)
	if errors.Is(err, store.ErrNotFound) || (err == nil && section.DocumentID != draft.Document.ID) {
		return store.Section{}, fmt.Errorf("amendment %d: section %d: %w", amendment.ID, amendment.TargetSectionID, ErrSectionNotFound)
	}
	if err != nil {
		return store.Section{}, err
	}
	return section, nil
}

// applyCreate places a new section right after its anchor and after any
// sections this merge already placed there. Later siblings move down by one.
func applyCreate(ctx context.Context, tx store.Tx, draft *Draft, amendment store.Amendment) error {
	anchor, err := resolveTarget(ctx, tx, draft, amendment)
	if err != nil {
		return err
	}
	position := anchor.Order + draft.inserted[anchor.ID]
	if err := tx.ShiftSectionOrders(ctx, draft.Document.ID, draft.Revision, position, 1); err != nil {
		return fmt.Errorf("shift sections after %d: %w", position, err)
	}
	_, err = tx.InsertSection(ctx, store.Section{
		Revision:   draft.Revision,
		DocumentID: draft.Document.ID,
		Heading:    amendment.Heading,
		Title:      amendment.Title,
		Content:    amendment.Content,
		Order:      position + 1,
	})
	if err != nil {
		return fmt.Errorf("insert section after %d: %w", anchor.ID, err)
	}
	draft.inserted[anchor.ID]++
	return nil
}

func applyUpdate(ctx context.Context, tx store.Tx, draft *Draft, amendment store.Amendment) error {
	section, err := resolveTarget(ctx, tx, draft, amendment)
	if err != nil {
		return err
	}
	section.Heading = amendment.Heading
	section.Title = amendment.Title
	section.Content = amendment.Content
	if err := tx.UpdateSection(ctx, section); err != nil {
		return fmt.Errorf("update section %d: %w", section.ID, err)
	}
	return nil
}

// applyDelete leaves a gap in the order values of the draft revision.
func applyDelete(ctx context.Context, tx store.Tx, draft *Draft, amendment store.Amendment) error {
	section, err := resolveTarget(ctx, tx, draft, amendment)
	if err != nil {
		return err
	}
	if err := tx.DeleteSection(ctx, section.ID, draft.Revision); err != nil {
		return fmt.Errorf("delete section %d: %w", section.ID, err)
	}
	return nil
}
