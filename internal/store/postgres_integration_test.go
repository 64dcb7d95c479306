package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stelligence/internal/store"
	"stelligence/internal/store/storetest"
)

type pgWorld struct {
	pg       *store.PostgresStore
	member   int64
	doc      int64
	intro    int64
	stars    int64
	epilogue int64
}

// newPGWorld seeds document "Orion" at revision 1 with Intro, Stars and
// Epilogue in that order.
func newPGWorld(t *testing.T) pgWorld {
	t.Helper()
	w := pgWorld{pg: storetest.Postgres(t)}
	ctx := context.Background()
	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		var err error
		if w.member, err = tx.InsertMember(ctx, store.Member{Nickname: "ana"}); err != nil {
			return err
		}
		if w.doc, err = tx.InsertDocument(ctx, store.Document{Title: "Orion", LatestRevision: 1}); err != nil {
			return err
		}
		for i, target := range []*int64{&w.intro, &w.stars, &w.epilogue} {
			title := []string{"Intro", "Stars", "Epilogue"}[i]
			*target, err = tx.InsertSection(ctx, store.Section{
				Revision: 1, DocumentID: w.doc, Heading: store.H2, Title: title, Content: title + " text", Order: i + 1,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))
	return w
}

func (w pgWorld) sections(t *testing.T, revision int) []store.Section {
	t.Helper()
	var sections []store.Section
	require.NoError(t, w.pg.ReadTx(context.Background(), func(tx store.Tx) error {
		var err error
		sections, err = tx.ListSections(context.Background(), w.doc, revision)
		return err
	}))
	return sections
}

func (w pgWorld) propose(t *testing.T, tx store.Tx, documentID int64) int64 {
	t.Helper()
	id, err := tx.InsertContribution(context.Background(), store.Contribution{
		ProposerID: w.member, DocumentID: documentID, Title: "p", Status: store.ContributionVoting, BeforeDocumentTitle: "Orion",
	})
	require.NoError(t, err)
	return id
}

func orders(sections []store.Section) map[int64]int {
	out := make(map[int64]int, len(sections))
	for _, section := range sections {
		out[section.ID] = section.Order
	}
	return out
}

func TestPostgresCopyForwardAndShiftLeaveOldRevision(t *testing.T) {
	w := newPGWorld(t)
	ctx := context.Background()

	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CopySectionsForward(ctx, w.doc, 1, 2); err != nil {
			return err
		}
		return tx.ShiftSectionOrders(ctx, w.doc, 2, 1, 2)
	}))

	assert.Equal(t, map[int64]int{w.intro: 1, w.stars: 4, w.epilogue: 5}, orders(w.sections(t, 2)))
	assert.Equal(t, map[int64]int{w.intro: 1, w.stars: 2, w.epilogue: 3}, orders(w.sections(t, 1)))
}

func TestPostgresLoadContributionResolvesLatestRevision(t *testing.T) {
	w := newPGWorld(t)
	ctx := context.Background()

	var contributionID int64
	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CopySectionsForward(ctx, w.doc, 1, 2); err != nil {
			return err
		}
		if err := tx.DeleteSection(ctx, w.stars, 2); err != nil {
			return err
		}
		if err := tx.SetLatestRevision(ctx, w.doc, 2); err != nil {
			return err
		}
		contributionID = w.propose(t, tx, w.doc)
		for _, amendment := range []store.Amendment{
			{Type: store.AmendmentUpdate, TargetSectionID: w.epilogue, Heading: store.H2, Title: "Coda"},
			{Type: store.AmendmentDelete, TargetSectionID: w.stars},
			{Type: store.AmendmentCreate, TargetSectionID: w.intro, Heading: store.H3, Title: "Belt", CreatingOrder: 1},
		} {
			amendment.ContributionID = contributionID
			if _, err := tx.InsertAmendment(ctx, amendment); err != nil {
				return err
			}
		}
		return nil
	}))

	var loaded store.Contribution
	require.NoError(t, w.pg.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		loaded, err = tx.LoadContribution(ctx, contributionID)
		return err
	}))

	assert.Equal(t, "ana", loaded.Proposer.Nickname)
	require.Len(t, loaded.Amendments, 3)
	assert.Equal(t, store.AmendmentUpdate, loaded.Amendments[0].Type)
	require.NotNil(t, loaded.Amendments[0].TargetSection)
	assert.Equal(t, 2, loaded.Amendments[0].TargetSection.Revision)
	assert.Equal(t, 3, loaded.Amendments[0].TargetSection.Order)
	assert.Nil(t, loaded.Amendments[1].TargetSection, "section deleted from the latest revision")
	assert.Equal(t, store.Heading(""), loaded.Amendments[1].Heading)
	require.NotNil(t, loaded.Amendments[2].TargetSection)
	assert.Equal(t, "Intro", loaded.Amendments[2].TargetSection.Title)

	err := w.pg.ReadTx(ctx, func(tx store.Tx) error {
		_, err := tx.LoadContribution(ctx, 987654)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresOneVotingContributionPerDocument(t *testing.T) {
	w := newPGWorld(t)
	ctx := context.Background()

	var first int64
	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		first = w.propose(t, tx, w.doc)
		return nil
	}))

	err := w.pg.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertContribution(ctx, store.Contribution{
			ProposerID: w.member, DocumentID: w.doc, Title: "second", Status: store.ContributionVoting, BeforeDocumentTitle: "Orion",
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateContributionStatus(ctx, first, store.ContributionDebating); err != nil {
			return err
		}
		w.propose(t, tx, w.doc)
		return nil
	}))
}

func TestPostgresVoteSummary(t *testing.T) {
	w := newPGWorld(t)
	ctx := context.Background()

	var contributionID int64
	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		contributionID = w.propose(t, tx, w.doc)
		for i, agree := range []bool{true, true, false} {
			voter, err := tx.InsertMember(ctx, store.Member{Nickname: []string{"ben", "cy", "di"}[i]})
			if err != nil {
				return err
			}
			if err := tx.UpsertVote(ctx, store.Vote{ContributionID: contributionID, MemberID: voter, Agree: agree}); err != nil {
				return err
			}
		}
		// Changing a vote replaces it.
		return tx.UpsertVote(ctx, store.Vote{ContributionID: contributionID, MemberID: w.member, Agree: false})
	}))
	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		return tx.UpsertVote(ctx, store.Vote{ContributionID: contributionID, MemberID: w.member, Agree: true})
	}))

	var summary store.VoteSummary
	require.NoError(t, w.pg.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		summary, err = tx.VoteSummary(ctx, contributionID)
		return err
	}))
	assert.Equal(t, 3, summary.AgreeCount)
	assert.Equal(t, 1, summary.DisagreeCount)
}

func TestPostgresLockDocumentBlocksSecondTransaction(t *testing.T) {
	w := newPGWorld(t)
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- w.pg.InTx(ctx, func(tx store.Tx) error {
			if _, err := tx.LockDocument(ctx, w.doc); err != nil {
				return err
			}
			close(locked)
			<-release
			return tx.SetLatestRevision(ctx, w.doc, 2)
		})
	}()
	select {
	case <-locked:
	case err := <-firstDone:
		t.Fatalf("first transaction ended before locking: %v", err)
	}

	acquired := make(chan store.Document, 1)
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- w.pg.InTx(ctx, func(tx store.Tx) error {
			doc, err := tx.LockDocument(ctx, w.doc)
			if err != nil {
				return err
			}
			acquired <- doc
			return nil
		})
	}()

	select {
	case <-acquired:
		t.Fatal("second transaction locked a document held by the first")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-firstDone)
	select {
	case doc := <-acquired:
		assert.Equal(t, 2, doc.LatestRevision)
	case <-time.After(10 * time.Second):
		t.Fatal("second transaction never acquired the document lock")
	}
	require.NoError(t, <-secondDone)
}

func TestPostgresListDebates(t *testing.T) {
	w := newPGWorld(t)
	ctx := context.Background()

	debates := make([]int64, 0, 3)
	for _, title := range []string{"Lyra", "Cygnus", "Draco"} {
		require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
			docID, err := tx.InsertDocument(ctx, store.Document{Title: title})
			if err != nil {
				return err
			}
			contributionID := w.propose(t, tx, docID)
			end := time.Now().Add(time.Hour)
			id, err := tx.InsertDebate(ctx, store.Debate{ContributionID: contributionID, Status: store.DebateOpen, EndAt: &end})
			debates = append(debates, id)
			return err
		}))
	}
	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertComment(ctx, store.Comment{DebateID: debates[0], CommenterID: w.member, Sequence: 1, Content: "first"})
		return err
	}))
	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		debate, err := tx.GetDebate(ctx, debates[1])
		if err != nil {
			return err
		}
		debate.Status = store.DebateClosed
		return tx.UpdateDebate(ctx, debate)
	}))

	list := func(filter store.DebateFilter) ([]int64, int) {
		var items []store.Debate
		var total int
		require.NoError(t, w.pg.ReadTx(ctx, func(tx store.Tx) error {
			var err error
			items, total, err = tx.ListDebates(ctx, filter)
			return err
		}))
		ids := make([]int64, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		return ids, total
	}

	ids, total := list(store.DebateFilter{Order: store.DebateOrderLatest})
	assert.Equal(t, 3, total)
	assert.Equal(t, []int64{debates[2], debates[1], debates[0]}, ids)

	ids, _ = list(store.DebateFilter{Order: store.DebateOrderRecent})
	assert.Equal(t, []int64{debates[0], debates[2], debates[1]}, ids)

	ids, total = list(store.DebateFilter{Status: store.DebateOpen, Order: store.DebateOrderLatest, Limit: 1, Offset: 1})
	assert.Equal(t, 2, total)
	assert.Equal(t, []int64{debates[0]}, ids)
}

func TestPostgresListExpiredDebates(t *testing.T) {
	w := newPGWorld(t)
	ctx := context.Background()
	now := time.Now()

	var expired int64
	require.NoError(t, w.pg.InTx(ctx, func(tx store.Tx) error {
		past := now.Add(-time.Minute)
		var err error
		expired, err = tx.InsertDebate(ctx, store.Debate{ContributionID: w.propose(t, tx, w.doc), Status: store.DebateOpen, EndAt: &past})
		if err != nil {
			return err
		}
		docID, err := tx.InsertDocument(ctx, store.Document{Title: "Lyra"})
		if err != nil {
			return err
		}
		future := now.Add(time.Hour)
		_, err = tx.InsertDebate(ctx, store.Debate{ContributionID: w.propose(t, tx, docID), Status: store.DebateOpen, EndAt: &future})
		return err
	}))

	var ids []int64
	require.NoError(t, w.pg.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.ListExpiredDebates(ctx, now)
		return err
	}))
	assert.Equal(t, []int64{expired}, ids)
}
