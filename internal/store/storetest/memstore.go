// Package storetest provides an in-memory store.Runner for tests. Each
// transaction works on a copy of the state that replaces the live state only
// when the transaction succeeds, so rollback behaviour matches Postgres.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stelligence/internal/store"
)

type sectionKey struct {
	id       int64
	revision int
}

type voteKey struct {
	contributionID int64
	memberID       int64
}

type state struct {
	members       map[int64]store.Member
	documents     map[int64]store.Document
	sections      map[sectionKey]store.Section
	contributions map[int64]store.Contribution
	amendments    map[int64][]store.Amendment
	votes         map[voteKey]store.Vote
	debates       map[int64]store.Debate
	comments      map[int64]store.Comment
	nextID        int64
}

func newState() *state {
	return &state{
		members:       make(map[int64]store.Member),
		documents:     make(map[int64]store.Document),
		sections:      make(map[sectionKey]store.Section),
		contributions: make(map[int64]store.Contribution),
		amendments:    make(map[int64][]store.Amendment),
		votes:         make(map[voteKey]store.Vote),
		debates:       make(map[int64]store.Debate),
		comments:      make(map[int64]store.Comment),
	}
}

func (s *state) clone() *state {
	out := newState()
	out.nextID = s.nextID
	for k, v := range s.members {
		out.members[k] = v
	}
	for k, v := range s.documents {
		out.documents[k] = v
	}
	for k, v := range s.sections {
		out.sections[k] = v
	}
	for k, v := range s.contributions {
		out.contributions[k] = v
	}
	for k, v := range s.amendments {
		out.amendments[k] = append([]store.Amendment(nil), v...)
	}
	for k, v := range s.votes {
		out.votes[k] = v
	}
	for k, v := range s.debates {
		out.debates[k] = v
	}
	for k, v := range s.comments {
		out.comments[k] = v
	}
	return out
}

// MemStore serializes every transaction behind one mutex.
type MemStore struct {
	mu    sync.Mutex
	state *state
	// FailOn, when set, is consulted before every mutating call inside a
	// transaction; a non-nil return aborts that call.
	FailOn func(op string) error
	// Commits counts successful InTx calls.
	Commits int
}

func New() *MemStore {
	return &MemStore{state: newState()}
}

func (m *MemStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	working := m.state.clone()
	if err := fn(&memTx{st: working, failOn: m.FailOn}); err != nil {
		return err
	}
	m.state = working
	m.Commits++
	return nil
}

func (m *MemStore) ReadTx(ctx context.Context, fn func(store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{st: m.state.clone(), failOn: m.FailOn})
}

// Seed runs fn in a transaction and panics on error.
func (m *MemStore) Seed(fn func(store.Tx) error) {
	if err := m.InTx(context.Background(), fn); err != nil {
		panic(fmt.Sprintf("seed memstore: %v", err))
	}
}

type memTx struct {
	st     *state
	failOn func(op string) error
}

func (t *memTx) check(op string) error {
	if t.failOn == nil {
		return nil
	}
	return t.failOn(op)
}

func (t *memTx) id() int64 {
	t.st.nextID++
	return t.st.nextID
}

func missing(what string) error {
	return fmt.Errorf("%s: %w", what, store.ErrNotFound)
}

func (t *memTx) GetMember(_ context.Context, memberID int64) (store.Member, error) {
	item, ok := t.st.members[memberID]
	if !ok {
		return store.Member{}, missing("get member")
	}
	return item, nil
}

func (t *memTx) InsertMember(_ context.Context, member store.Member) (int64, error) {
	if err := t.check("InsertMember"); err != nil {
		return 0, err
	}
	member.ID = t.id()
	member.CreatedAt = time.Now()
	t.st.members[member.ID] = member
	return member.ID, nil
}

func (t *memTx) GetDocument(_ context.Context, documentID int64) (store.Document, error) {
	item, ok := t.st.documents[documentID]
	if !ok {
		return store.Document{}, missing("get document")
	}
	return item, nil
}

func (t *memTx) LockDocument(ctx context.Context, documentID int64) (store.Document, error) {
	if err := t.check("LockDocument"); err != nil {
		return store.Document{}, err
	}
	return t.GetDocument(ctx, documentID)
}

func (t *memTx) InsertDocument(_ context.Context, document store.Document) (int64, error) {
	if err := t.check("InsertDocument"); err != nil {
		return 0, err
	}
	for _, existing := range t.st.documents {
		if existing.Title == document.Title {
			return 0, fmt.Errorf("insert document: %w", store.ErrDuplicateKey)
		}
	}
	document.ID = t.id()
	if document.LatestRevision <= 0 {
		document.LatestRevision = 1
	}
	document.CreatedAt = time.Now()
	document.UpdatedAt = document.CreatedAt
	t.st.documents[document.ID] = document
	return document.ID, nil
}

func (t *memTx) ListDocuments(_ context.Context) ([]store.Document, error) {
	items := make([]store.Document, 0, len(t.st.documents))
	for _, item := range t.st.documents {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (t *memTx) UpdateDocumentTitle(_ context.Context, documentID int64, title string) error {
	if err := t.check("UpdateDocumentTitle"); err != nil {
		return err
	}
	item, ok := t.st.documents[documentID]
	if !ok {
		return missing("update document title")
	}
	for id, existing := range t.st.documents {
		if id != documentID && existing.Title == title {
			return fmt.Errorf("update document title: %w", store.ErrDuplicateKey)
		}
	}
	item.Title = title
	t.st.documents[documentID] = item
	return nil
}

func (t *memTx) UpdateDocumentParent(_ context.Context, documentID int64, parentID *int64) error {
	if err := t.check("UpdateDocumentParent"); err != nil {
		return err
	}
	item, ok := t.st.documents[documentID]
	if !ok {
		return missing("update document parent")
	}
	if parentID != nil {
		id := *parentID
		item.ParentID = &id
	} else {
		item.ParentID = nil
	}
	t.st.documents[documentID] = item
	return nil
}

func (t *memTx) SetLatestRevision(_ context.Context, documentID int64, revision int) error {
	if err := t.check("SetLatestRevision"); err != nil {
		return err
	}
	item, ok := t.st.documents[documentID]
	if !ok {
		return missing("set latest revision")
	}
	item.LatestRevision = revision
	t.st.documents[documentID] = item
	return nil
}

func (t *memTx) FindDocumentByTitle(_ context.Context, title string) (store.Document, error) {
	for _, item := range t.st.documents {
		if item.Title == title {
			return item, nil
		}
	}
	return store.Document{}, missing("find document by title")
}

func (t *memTx) ListSections(_ context.Context, documentID int64, revision int) ([]store.Section, error) {
	items := make([]store.Section, 0)
	for _, item := range t.st.sections {
		if item.DocumentID == documentID && item.Revision == revision {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (t *memTx) GetSection(_ context.Context, sectionID int64, revision int) (store.Section, error) {
	item, ok := t.st.sections[sectionKey{sectionID, revision}]
	if !ok {
		return store.Section{}, missing("get section")
	}
	return item, nil
}

func (t *memTx) InsertSection(_ context.Context, section store.Section) (int64, error) {
	if err := t.check("InsertSection"); err != nil {
		return 0, err
	}
	if section.ID == 0 {
		section.ID = t.id()
	}
	key := sectionKey{section.ID, section.Revision}
	if _, exists := t.st.sections[key]; exists {
		return 0, fmt.Errorf("insert section: %w", store.ErrDuplicateKey)
	}
	t.st.sections[key] = section
	return section.ID, nil
}

func (t *memTx) UpdateSection(_ context.Context, section store.Section) error {
	if err := t.check("UpdateSection"); err != nil {
		return err
	}
	key := sectionKey{section.ID, section.Revision}
	existing, ok := t.st.sections[key]
	if !ok {
		return missing("update section")
	}
	section.DocumentID = existing.DocumentID
	t.st.sections[key] = section
	return nil
}

func (t *memTx) DeleteSection(_ context.Context, sectionID int64, revision int) error {
	if err := t.check("DeleteSection"); err != nil {
		return err
	}
	key := sectionKey{sectionID, revision}
	if _, ok := t.st.sections[key]; !ok {
		return missing("delete section")
	}
	delete(t.st.sections, key)
	return nil
}

func (t *memTx) ShiftSectionOrders(_ context.Context, documentID int64, revision, afterOrder, by int) error {
	if err := t.check("ShiftSectionOrders"); err != nil {
		return err
	}
	for key, item := range t.st.sections {
		if item.DocumentID == documentID && item.Revision == revision && item.Order > afterOrder {
			item.Order += by
			t.st.sections[key] = item
		}
	}
	return nil
}

func (t *memTx) CopySectionsForward(ctx context.Context, documentID int64, from, to int) error {
	if err := t.check("CopySectionsForward"); err != nil {
		return err
	}
	items, _ := t.ListSections(ctx, documentID, from)
	for _, item := range items {
		key := sectionKey{item.ID, to}
		if _, exists := t.st.sections[key]; exists {
			return fmt.Errorf("copy sections forward: %w", store.ErrDuplicateKey)
		}
		item.Revision = to
		t.st.sections[key] = item
	}
	return nil
}

func (t *memTx) ContributionDocumentID(_ context.Context, contributionID int64) (int64, error) {
	item, ok := t.st.contributions[contributionID]
	if !ok {
		return 0, missing("contribution document")
	}
	return item.DocumentID, nil
}

func (t *memTx) LoadContribution(_ context.Context, contributionID int64) (store.Contribution, error) {
	item, ok := t.st.contributions[contributionID]
	if !ok {
		return store.Contribution{}, missing("load contribution")
	}
	item.Proposer = t.st.members[item.ProposerID]
	document := t.st.documents[item.DocumentID]
	item.Amendments = make([]store.Amendment, 0, len(t.st.amendments[contributionID]))
	for _, amendment := range t.st.amendments[contributionID] {
		amendment.TargetSection = nil
		if section, ok := t.st.sections[sectionKey{amendment.TargetSectionID, document.LatestRevision}]; ok && section.DocumentID == document.ID {
			target := section
			amendment.TargetSection = &target
		}
		item.Amendments = append(item.Amendments, amendment)
	}
	return item, nil
}

func (t *memTx) InsertContribution(_ context.Context, contribution store.Contribution) (int64, error) {
	if err := t.check("InsertContribution"); err != nil {
		return 0, err
	}
	if contribution.Status == "" {
		contribution.Status = store.ContributionVoting
	}
	if contribution.Status == store.ContributionVoting {
		for _, existing := range t.st.contributions {
			if existing.DocumentID == contribution.DocumentID && existing.Status == store.ContributionVoting {
				return 0, fmt.Errorf("insert contribution: %w", store.ErrDuplicateKey)
			}
		}
	}
	contribution.ID = t.id()
	contribution.Amendments = nil
	contribution.CreatedAt = time.Now()
	contribution.UpdatedAt = contribution.CreatedAt
	t.st.contributions[contribution.ID] = contribution
	return contribution.ID, nil
}

func (t *memTx) InsertAmendment(_ context.Context, amendment store.Amendment) (int64, error) {
	if err := t.check("InsertAmendment"); err != nil {
		return 0, err
	}
	if _, ok := t.st.contributions[amendment.ContributionID]; !ok {
		return 0, missing("insert amendment")
	}
	amendment.ID = t.id()
	amendment.TargetSection = nil
	t.st.amendments[amendment.ContributionID] = append(t.st.amendments[amendment.ContributionID], amendment)
	return amendment.ID, nil
}

func (t *memTx) UpdateContributionStatus(_ context.Context, contributionID int64, status store.ContributionStatus) error {
	if err := t.check("UpdateContributionStatus"); err != nil {
		return err
	}
	item, ok := t.st.contributions[contributionID]
	if !ok {
		return missing("update contribution status")
	}
	item.Status = status
	t.st.contributions[contributionID] = item
	return nil
}

func (t *memTx) DeleteContribution(_ context.Context, contributionID int64) error {
	if err := t.check("DeleteContribution"); err != nil {
		return err
	}
	if _, ok := t.st.contributions[contributionID]; !ok {
		return missing("delete contribution")
	}
	delete(t.st.contributions, contributionID)
	delete(t.st.amendments, contributionID)
	for key := range t.st.votes {
		if key.contributionID == contributionID {
			delete(t.st.votes, key)
		}
	}
	return nil
}

func (t *memTx) ExistsContributionWithStatus(_ context.Context, documentID int64, status store.ContributionStatus) (bool, error) {
	for _, item := range t.st.contributions {
		if item.DocumentID == documentID && item.Status == status {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ExistsRequestedTitle(_ context.Context, title string) (bool, error) {
	for _, item := range t.st.contributions {
		if item.Status == store.ContributionVoting && item.AfterDocumentTitle != nil &&
			*item.AfterDocumentTitle == title && item.BeforeDocumentTitle != title {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ListContributions(_ context.Context, filter store.ContributionFilter) ([]store.Contribution, int, error) {
	matched := make([]store.Contribution, 0)
	for _, item := range t.st.contributions {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.DocumentID != 0 && item.DocumentID != filter.DocumentID {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []store.Contribution{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (t *memTx) GetVote(_ context.Context, contributionID, memberID int64) (store.Vote, error) {
	item, ok := t.st.votes[voteKey{contributionID, memberID}]
	if !ok {
		return store.Vote{}, missing("get vote")
	}
	return item, nil
}

func (t *memTx) UpsertVote(_ context.Context, vote store.Vote) error {
	if err := t.check("UpsertVote"); err != nil {
		return err
	}
	vote.CreatedAt = time.Now()
	t.st.votes[voteKey{vote.ContributionID, vote.MemberID}] = vote
	return nil
}

func (t *memTx) DeleteVote(_ context.Context, contributionID, memberID int64) error {
	if err := t.check("DeleteVote"); err != nil {
		return err
	}
	delete(t.st.votes, voteKey{contributionID, memberID})
	return nil
}

func (t *memTx) VoteSummary(_ context.Context, contributionID int64) (store.VoteSummary, error) {
	summary := store.VoteSummary{ContributionID: contributionID}
	for key, vote := range t.st.votes {
		if key.contributionID != contributionID {
			continue
		}
		if vote.Agree {
			summary.AgreeCount++
		} else {
			summary.DisagreeCount++
		}
	}
	return summary, nil
}

func (t *memTx) InsertDebate(_ context.Context, debate store.Debate) (int64, error) {
	if err := t.check("InsertDebate"); err != nil {
		return 0, err
	}
	for _, existing := range t.st.debates {
		if existing.ContributionID == debate.ContributionID {
			return 0, fmt.Errorf("insert debate: %w", store.ErrDuplicateKey)
		}
	}
	if debate.Status == "" {
		debate.Status = store.DebateOpen
	}
	debate.ID = t.id()
	debate.CreatedAt = time.Now()
	t.st.debates[debate.ID] = debate
	return debate.ID, nil
}

func (t *memTx) GetDebate(_ context.Context, debateID int64) (store.Debate, error) {
	item, ok := t.st.debates[debateID]
	if !ok {
		return store.Debate{}, missing("get debate")
	}
	return item, nil
}

func (t *memTx) LockDebate(ctx context.Context, debateID int64) (store.Debate, error) {
	return t.GetDebate(ctx, debateID)
}

func (t *memTx) UpdateDebate(_ context.Context, debate store.Debate) error {
	if err := t.check("UpdateDebate"); err != nil {
		return err
	}
	if _, ok := t.st.debates[debate.ID]; !ok {
		return missing("update debate")
	}
	t.st.debates[debate.ID] = debate
	return nil
}

// ListDebates uses ids as the activity clock under RECENT; ids come from one
// counter, so they follow insertion order like the timestamps would.
func (t *memTx) ListDebates(_ context.Context, filter store.DebateFilter) ([]store.Debate, int, error) {
	activity := make(map[int64]int64, len(t.st.debates))
	matched := make([]store.Debate, 0)
	for _, item := range t.st.debates {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		matched = append(matched, item)
		activity[item.ID] = item.ID
	}
	if filter.Order == store.DebateOrderRecent {
		for _, comment := range t.st.comments {
			if last, ok := activity[comment.DebateID]; ok && comment.ID > last {
				activity[comment.DebateID] = comment.ID
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return activity[matched[i].ID] > activity[matched[j].ID]
	})
	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []store.Debate{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (t *memTx) ListExpiredDebates(_ context.Context, now time.Time) ([]int64, error) {
	ids := make([]int64, 0)
	for _, item := range t.st.debates {
		if item.Status == store.DebateOpen && item.EndAt != nil && !item.EndAt.After(now) {
			ids = append(ids, item.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memTx) InsertComment(_ context.Context, comment store.Comment) (int64, error) {
	if err := t.check("InsertComment"); err != nil {
		return 0, err
	}
	for _, existing := range t.st.comments {
		if existing.DebateID == comment.DebateID && existing.Sequence == comment.Sequence {
			return 0, fmt.Errorf("insert comment: %w", store.ErrDuplicateKey)
		}
	}
	comment.ID = t.id()
	comment.CreatedAt = time.Now()
	comment.UpdatedAt = comment.CreatedAt
	t.st.comments[comment.ID] = comment
	return comment.ID, nil
}

func (t *memTx) GetComment(_ context.Context, commentID int64) (store.Comment, error) {
	item, ok := t.st.comments[commentID]
	if !ok {
		return store.Comment{}, missing("get comment")
	}
	return item, nil
}

func (t *memTx) UpdateCommentContent(_ context.Context, commentID int64, content string) error {
	if err := t.check("UpdateCommentContent"); err != nil {
		return err
	}
	item, ok := t.st.comments[commentID]
	if !ok {
		return missing("update comment")
	}
	item.Content = content
	item.UpdatedAt = time.Now()
	t.st.comments[commentID] = item
	return nil
}

func (t *memTx) DeleteComment(_ context.Context, commentID int64) error {
	if err := t.check("DeleteComment"); err != nil {
		return err
	}
	if _, ok := t.st.comments[commentID]; !ok {
		return missing("delete comment")
	}
	delete(t.st.comments, commentID)
	return nil
}

func (t *memTx) ListComments(_ context.Context, debateID int64) ([]store.Comment, error) {
	items := make([]store.Comment, 0)
	for _, item := range t.st.comments {
		if item.DebateID == debateID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	return items, nil
}
