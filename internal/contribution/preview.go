package contribution

import (
	"context"

	"github.com/sergi/go-diff/diffmatchpatch"

	"stelligence/internal/store"
)

// AmendmentPreview shows what one amendment would do to its section.
type AmendmentPreview struct {
	AmendmentID int64               `json:"amendmentId"`
	Type        store.AmendmentType `json:"type"`
	SectionID   int64               `json:"sectionId"`
	BeforeTitle string              `json:"beforeTitle"`
	AfterTitle  string              `json:"afterTitle"`
	Patch       string              `json:"patch"`
	Insertions  int                 `json:"insertions"`
	Deletions   int                 `json:"deletions"`
}

// Preview diffs every amendment against the latest revision of the target
// section. CREATEs diff against empty content and DELETEs against nothing.
func (s *Service) Preview(ctx context.Context, contributionID int64) ([]AmendmentPreview, error) {
	contribution, err := s.Get(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	dmp := diffmatchpatch.New()
	previews := make([]AmendmentPreview, 0, len(contribution.Amendments))
	for _, amendment := range contribution.Amendments {
		var before, after, beforeTitle, afterTitle string
		if amendment.Type != store.AmendmentCreate && amendment.TargetSection != nil {
			before = amendment.TargetSection.Content
			beforeTitle = amendment.TargetSection.Title
		}
		if amendment.Type != store.AmendmentDelete {
			after = amendment.Content
			afterTitle = amendment.Title
		}
		diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))
		preview := AmendmentPreview{
			AmendmentID: amendment.ID,
			Type:        amendment.Type,
			SectionID:   amendment.TargetSectionID,
			BeforeTitle: beforeTitle,
			AfterTitle:  afterTitle,
			Patch:       dmp.PatchToText(dmp.PatchMake(before, diffs)),
		}
		for _, diff := range diffs {
			switch diff.Type {
			case diffmatchpatch.DiffInsert:
				preview.Insertions += len([]rune(diff.Text))
			case diffmatchpatch.DiffDelete:
				preview.Deletions += len([]rune(diff.Text))
			}
		}
		previews = append(previews, preview)
	}
	return previews, nil
}
