package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stelligence/internal/contribution"
	"stelligence/internal/debate"
	"stelligence/internal/document"
	"stelligence/internal/store"
	"stelligence/internal/store/storetest"
	"stelligence/internal/vote"
)

type fakeLister struct {
	items []store.Contribution
	calls int
}

func (f *fakeLister) ListVoting(_ context.Context, page contribution.Page) ([]store.Contribution, int, error) {
	f.calls++
	if page.Offset >= len(f.items) {
		return nil, len(f.items), nil
	}
	end := page.Offset + page.Limit
	if end > len(f.items) {
		end = len(f.items)
	}
	return f.items[page.Offset:end], len(f.items), nil
}

type fakeDecider struct {
	decideFn func(ctx context.Context, id int64) (contribution.Action, error)
}

func (f fakeDecider) Decide(ctx context.Context, id int64) (contribution.Action, error) {
	return f.decideFn(ctx, id)
}

type recorder struct {
	mu    sync.Mutex
	calls map[string][]int64
	fail  map[int64]error
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string][]int64), fail: make(map[int64]error)}
}

func (r *recorder) note(kind string, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[kind] = append(r.calls[kind], id)
	return r.fail[id]
}

func (r *recorder) Merge(_ context.Context, id int64) error { return r.note("merge", id) }

func (r *recorder) Open(_ context.Context, id int64) (store.Debate, error) {
	return store.Debate{ContributionID: id}, r.note("open", id)
}

func (r *recorder) Reject(_ context.Context, id int64) error { return r.note("reject", id) }

func contributions(pairs ...int64) []store.Contribution {
	out := make([]store.Contribution, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, store.Contribution{ID: pairs[i], DocumentID: pairs[i+1], Status: store.ContributionVoting})
	}
	return out
}

func TestRunOnceDispatchesByAction(t *testing.T) {
	lister := &fakeLister{items: contributions(1, 10, 2, 20, 3, 30)}
	actions := map[int64]contribution.Action{1: contribution.ActionMerge, 2: contribution.ActionDebate, 3: contribution.ActionReject}
	decider := fakeDecider{decideFn: func(_ context.Context, id int64) (contribution.Action, error) {
		return actions[id], nil
	}}
	rec := newRecorder()

	report, err := New(lister, decider, rec, rec, rec, 2, nil).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, report.Merged)
	assert.Equal(t, []int64{2}, report.Debated)
	assert.Equal(t, []int64{3}, report.Rejected)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []int64{1}, rec.calls["merge"])
	assert.Equal(t, []int64{2}, rec.calls["open"])
	assert.Equal(t, []int64{3}, rec.calls["reject"])
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	lister := &fakeLister{items: contributions(1, 10, 2, 20, 3, 30)}
	decider := fakeDecider{decideFn: func(_ context.Context, id int64) (contribution.Action, error) {
		if id == 3 {
			return contribution.ActionReject, errors.New("tally unavailable")
		}
		return contribution.ActionMerge, nil
	}}
	rec := newRecorder()
	rec.fail[1] = errors.New("section not found")

	report, err := New(lister, decider, rec, rec, rec, 4, nil).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, report.Merged)
	assert.Equal(t, []int64{1, 3}, report.Failed)
	assert.Empty(t, rec.calls["reject"])
}

func TestRunOnceSerializesOneDocument(t *testing.T) {
	lister := &fakeLister{items: contributions(1, 10, 2, 10, 3, 10)}
	var inFlight, peak int32
	decider := fakeDecider{decideFn: func(_ context.Context, _ int64) (contribution.Action, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return contribution.ActionReject, nil
	}}
	rec := newRecorder()

	report, err := New(lister, decider, rec, rec, rec, 8, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Equal(t, []int64{1, 2, 3}, rec.calls["reject"])
	assert.Equal(t, []int64{1, 2, 3}, report.Rejected)
}

func TestRunOncePagesThroughVoting(t *testing.T) {
	items := make([]store.Contribution, 0, pageSize+5)
	for i := int64(1); i <= pageSize+5; i++ {
		items = append(items, store.Contribution{ID: i, DocumentID: i})
	}
	lister := &fakeLister{items: items}
	decider := fakeDecider{decideFn: func(context.Context, int64) (contribution.Action, error) {
		return contribution.ActionReject, nil
	}}

	report, err := New(lister, decider, newRecorder(), newRecorder(), newRecorder(), 4, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Rejected, pageSize+5)
	assert.Equal(t, 2, lister.calls)
}

func TestRunOnceStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lister := &fakeLister{items: contributions(1, 10)}
	decider := fakeDecider{decideFn: func(context.Context, int64) (contribution.Action, error) {
		t.Error("decided after cancel")
		return contribution.ActionReject, nil
	}}

	_, err := New(lister, decider, newRecorder(), newRecorder(), newRecorder(), 1, nil).RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunOnceAgainstStore(t *testing.T) {
	mem := storetest.New()
	ctx := context.Background()
	var members [5]int64
	var merge, debated, rejected int64
	mem.Seed(func(tx store.Tx) error {
		for i := range members {
			id, err := tx.InsertMember(ctx, store.Member{Nickname: "m"})
			if err != nil {
				return err
			}
			members[i] = id
		}
		propose := func(title string) (int64, error) {
			docID, err := tx.InsertDocument(ctx, store.Document{Title: title})
			if err != nil {
				return 0, err
			}
			sectionID, err := tx.InsertSection(ctx, store.Section{Revision: 1, DocumentID: docID, Heading: store.H1, Title: "Intro", Content: "text", Order: 1})
			if err != nil {
				return 0, err
			}
			contributionID, err := tx.InsertContribution(ctx, store.Contribution{ProposerID: members[0], DocumentID: docID, Title: "edit " + title, BeforeDocumentTitle: title})
			if err != nil {
				return 0, err
			}
			_, err = tx.InsertAmendment(ctx, store.Amendment{ContributionID: contributionID, Type: store.AmendmentUpdate, TargetSectionID: sectionID, Heading: store.H1, Title: "Intro", Content: "better text"})
			return contributionID, err
		}
		var err error
		if merge, err = propose("Orion"); err != nil {
			return err
		}
		if debated, err = propose("Lyra"); err != nil {
			return err
		}
		rejected, err = propose("Cygnus")
		return err
	})

	votes := vote.NewService(mem, nil)
	cast := func(id int64, agree ...bool) {
		for i, a := range agree {
			_, err := votes.Cast(ctx, id, members[i], a)
			require.NoError(t, err)
		}
	}
	cast(merge, true, true, true, true, false)
	cast(debated, true, false)
	cast(rejected, true, false, false, false, false)

	documents := document.NewService(mem, nil, nil, nil)
	s := New(
		contribution.NewService(mem, nil, nil),
		contribution.NewDecider(votes, nil),
		contribution.NewMerger(mem, documents, documents, nil),
		debate.NewOpener(mem, time.Hour, nil),
		contribution.NewRejecter(mem, nil),
		3, nil,
	)
	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{merge}, report.Merged)
	assert.Equal(t, []int64{debated}, report.Debated)
	assert.Equal(t, []int64{rejected}, report.Rejected)

	require.NoError(t, mem.ReadTx(ctx, func(tx store.Tx) error {
		for id, want := range map[int64]store.ContributionStatus{
			merge:    store.ContributionMerged,
			debated:  store.ContributionDebating,
			rejected: store.ContributionRejected,
		} {
			c, err := tx.LoadContribution(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, c.Status)
		}
		return nil
	}))

	again, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, again)
}

type fakeCloser struct {
	closeFn func(ctx context.Context) ([]int64, error)
}

func (f fakeCloser) CloseExpired(ctx context.Context) ([]int64, error) {
	return f.closeFn(ctx)
}

func TestRunOnceClosesExpiredDebates(t *testing.T) {
	lister := &fakeLister{}
	decider := fakeDecider{decideFn: func(context.Context, int64) (contribution.Action, error) {
		return contribution.ActionReject, nil
	}}
	s := New(lister, decider, newRecorder(), newRecorder(), newRecorder(), 1, nil).
		WithDebateCloser(fakeCloser{closeFn: func(context.Context) ([]int64, error) {
			return []int64{7, 9}, nil
		}})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 9}, report.ClosedDebates)
}
