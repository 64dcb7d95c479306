package contribution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stelligence/internal/store"
)

type fakeParents struct {
	checkParentFn func(ctx context.Context, tx store.Tx, documentID, parentID int64) error
}

func (f fakeParents) CheckParent(ctx context.Context, tx store.Tx, documentID, parentID int64) error {
	return f.checkParentFn(ctx, tx, documentID, parentID)
}

func validInput(w *world) CreateInput {
	return CreateInput{
		DocumentID:  w.doc.ID,
		Title:       "expand the stars section",
		Description: "adds Betelgeuse",
		Amendments: []AmendmentInput{
			{Type: store.AmendmentUpdate, SectionID: w.s1, Heading: store.H2, Title: "Stars", Content: "Rigel and Betelgeuse"},
			{Type: store.AmendmentCreate, SectionID: w.s1, Heading: store.H3, Title: "Betelgeuse", CreatingOrder: 1},
			{Type: store.AmendmentCreate, SectionID: w.s1, Heading: store.H3, Title: "Rigel", CreatingOrder: 2},
		},
	}
}

func TestCreateStoresVotingContribution(t *testing.T) {
	w := newWorld(t)
	svc := NewService(w.mem, nil, nil)
	input := validInput(w)
	input.AfterDocumentTitle = strPtr("  Orion Nebula ")

	created, err := svc.Create(context.Background(), input, w.proposer)
	require.NoError(t, err)

	assert.Equal(t, store.ContributionVoting, created.Status)
	assert.Equal(t, "Orion", created.BeforeDocumentTitle)
	require.NotNil(t, created.AfterDocumentTitle)
	assert.Equal(t, "Orion Nebula", *created.AfterDocumentTitle)
	require.Len(t, created.Amendments, 3)
	require.NotNil(t, created.Amendments[0].TargetSection)
	assert.Equal(t, 2, created.Amendments[0].TargetSection.Order)
	assert.Equal(t, "ana", created.Proposer.Nickname)
}

func TestCreateThenMergeEndToEnd(t *testing.T) {
	w := newWorld(t)
	created, err := NewService(w.mem, nil, nil).Create(context.Background(), validInput(w), w.proposer)
	require.NoError(t, err)

	require.NoError(t, NewMerger(w.mem, &fakeStructure{}, nil, nil).Merge(context.Background(), created.ID))
	titles := make([]string, 0)
	for _, section := range w.sections(t, 2) {
		titles = append(titles, section.Title)
	}
	assert.Equal(t, []string{"Intro", "Stars", "Betelgeuse", "Rigel"}, titles)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(w *world, in *CreateInput)
		want   error
	}{
		{"blank title", func(_ *world, in *CreateInput) { in.Title = "  " }, ErrInvalidContribution},
		{"blank requested title", func(_ *world, in *CreateInput) { in.AfterDocumentTitle = strPtr(" ") }, ErrInvalidContribution},
		{"missing document", func(_ *world, in *CreateInput) { in.DocumentID = 9999 }, ErrDocumentNotFound},
		{"title of another document", func(_ *world, in *CreateInput) { in.AfterDocumentTitle = strPtr("Stars") }, ErrInvalidContribution},
		{"section of another document", func(_ *world, in *CreateInput) { in.Amendments[0].SectionID = 9999 }, ErrInvalidContribution},
		{"duplicate creating order", func(_ *world, in *CreateInput) { in.Amendments[2].CreatingOrder = 1 }, ErrInvalidContribution},
		{"creating order gap", func(_ *world, in *CreateInput) { in.Amendments[2].CreatingOrder = 3 }, ErrInvalidContribution},
		{"creating order not from one", func(_ *world, in *CreateInput) {
			in.Amendments[1].CreatingOrder = 2
			in.Amendments[2].CreatingOrder = 3
		}, ErrInvalidContribution},
		{"invalid heading", func(_ *world, in *CreateInput) { in.Amendments[1].Heading = "H7" }, ErrInvalidContribution},
		{"unknown type", func(_ *world, in *CreateInput) { in.Amendments[0].Type = "MOVE" }, ErrInvalidContribution},
		{"section changed twice", func(w *world, in *CreateInput) {
			in.Amendments = append(in.Amendments, AmendmentInput{Type: store.AmendmentDelete, SectionID: w.s1})
		}, ErrInvalidContribution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(t)
			input := validInput(w)
			tt.mutate(w, &input)
			_, err := NewService(w.mem, nil, nil).Create(context.Background(), input, w.proposer)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateRejectsBusyDocument(t *testing.T) {
	w := newWorld(t)
	w.propose(t, store.Contribution{})
	_, err := NewService(w.mem, nil, nil).Create(context.Background(), validInput(w), w.other)
	assert.ErrorIs(t, err, ErrDocumentBusy)
}

func TestCreateAllowedOnceNoContributionIsVoting(t *testing.T) {
	for _, status := range []store.ContributionStatus{store.ContributionDebating, store.ContributionMerged, store.ContributionRejected} {
		t.Run(string(status), func(t *testing.T) {
			w := newWorld(t)
			id := w.propose(t, store.Contribution{})
			w.mem.Seed(func(tx store.Tx) error {
				return tx.UpdateContributionStatus(context.Background(), id, status)
			})
			created, err := NewService(w.mem, nil, nil).Create(context.Background(), validInput(w), w.other)
			require.NoError(t, err)
			assert.Equal(t, store.ContributionVoting, created.Status)
		})
	}
}

func TestCreateRejectsTitleRequestedElsewhere(t *testing.T) {
	w := newWorld(t)
	w.mem.Seed(func(tx store.Tx) error {
		_, err := tx.InsertContribution(context.Background(), store.Contribution{
			ProposerID:          w.other,
			DocumentID:          w.stars.ID,
			Title:               "rename stars",
			Status:              store.ContributionVoting,
			BeforeDocumentTitle: "Stars",
			AfterDocumentTitle:  strPtr("Constellations"),
		})
		return err
	})
	input := validInput(w)
	input.AfterDocumentTitle = strPtr("Constellations")

	_, err := NewService(w.mem, nil, nil).Create(context.Background(), input, w.proposer)
	assert.ErrorIs(t, err, ErrInvalidContribution)
}

func TestCreateChecksNewParent(t *testing.T) {
	w := newWorld(t)
	cycle := errors.New("cycle")
	var checked []int64
	validator := NewValidator(fakeParents{checkParentFn: func(_ context.Context, _ store.Tx, documentID, parentID int64) error {
		checked = append(checked, documentID, parentID)
		return cycle
	}})
	input := validInput(w)
	input.AfterParentDocumentID = idPtr(w.stars.ID)

	_, err := NewService(w.mem, validator, nil).Create(context.Background(), input, w.proposer)
	assert.ErrorIs(t, err, ErrInvalidContribution)
	assert.ErrorIs(t, err, cycle)
	assert.Equal(t, []int64{w.doc.ID, w.stars.ID}, checked)
}

func TestCreateUnknownMember(t *testing.T) {
	w := newWorld(t)
	_, err := NewService(w.mem, nil, nil).Create(context.Background(), validInput(w), 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteRules(t *testing.T) {
	w := newWorld(t)
	svc := NewService(w.mem, nil, nil)
	ctx := context.Background()
	id := w.propose(t, store.Contribution{}, create(w.s1, 1, "new"))

	assert.ErrorIs(t, svc.Delete(ctx, id, w.other), ErrForbidden)
	require.NoError(t, svc.Delete(ctx, id, w.proposer))
	_, err := svc.Get(ctx, id)
	assert.ErrorIs(t, err, ErrContributionNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, id, w.proposer), ErrContributionNotFound)
}

func TestDeleteOnlyWhileVoting(t *testing.T) {
	for _, status := range []store.ContributionStatus{store.ContributionMerged, store.ContributionDebating, store.ContributionRejected} {
		t.Run(string(status), func(t *testing.T) {
			w := newWorld(t)
			id := w.propose(t, store.Contribution{})
			w.mem.Seed(func(tx store.Tx) error {
				return tx.UpdateContributionStatus(context.Background(), id, status)
			})
			err := NewService(w.mem, nil, nil).Delete(context.Background(), id, w.proposer)
			assert.ErrorIs(t, err, ErrContributionNotVoting)
		})
	}
}

func TestListVotingAndByDocument(t *testing.T) {
	w := newWorld(t)
	svc := NewService(w.mem, nil, nil)
	ctx := context.Background()
	merged := w.propose(t, store.Contribution{Title: "old"})
	w.mem.Seed(func(tx store.Tx) error {
		return tx.UpdateContributionStatus(ctx, merged, store.ContributionMerged)
	})
	open := w.propose(t, store.Contribution{Title: "new"})

	voting, total, err := svc.ListVoting(ctx, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, voting, 1)
	assert.Equal(t, open, voting[0].ID)

	byDoc, total, err := svc.ListByDocument(ctx, w.doc.ID, Page{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, byDoc, 1)
}

func TestPreviewDiffsAgainstLatestRevision(t *testing.T) {
	w := newWorld(t)
	id := w.propose(t, store.Contribution{},
		store.Amendment{Type: store.AmendmentUpdate, TargetSectionID: w.s1, Heading: store.H2, Title: "Stars", Content: "Rigel and Betelgeuse"},
		store.Amendment{Type: store.AmendmentDelete, TargetSectionID: w.s2},
		create(w.s1, 1, "Nebula"),
	)

	previews, err := NewService(w.mem, nil, nil).Preview(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, previews, 3)

	update := previews[0]
	assert.Equal(t, "Stars", update.BeforeTitle)
	assert.Equal(t, len(" and Betelgeuse"), update.Insertions)
	assert.Zero(t, update.Deletions)
	assert.NotEmpty(t, update.Patch)

	deletion := previews[1]
	assert.Equal(t, "Intro", deletion.BeforeTitle)
	assert.Empty(t, deletion.AfterTitle)
	assert.Equal(t, len("the hunter"), deletion.Deletions)

	creation := previews[2]
	assert.Empty(t, creation.BeforeTitle)
	assert.Equal(t, len("Nebula"), creation.Insertions)
}

func TestRejectMovesVotingToRejected(t *testing.T) {
	w := newWorld(t)
	id := w.propose(t, store.Contribution{}, create(w.s1, 1, "new"))
	rejecter := NewRejecter(w.mem, nil)

	require.NoError(t, rejecter.Reject(context.Background(), id))
	assert.Equal(t, store.ContributionRejected, w.status(t, id))
	assert.Equal(t, 1, w.document(t).LatestRevision)

	assert.ErrorIs(t, rejecter.Reject(context.Background(), id), ErrContributionNotVoting)
	assert.ErrorIs(t, rejecter.Reject(context.Background(), 9999), ErrContributionNotFound)
}
