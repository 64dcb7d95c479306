package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// Runner executes fn inside a transaction. InTx commits when fn returns nil
// and rolls back otherwise. ReadTx runs a read-only snapshot transaction.
type Runner interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	ReadTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of operations available inside one transaction. Lookups of
// a single row return ErrNotFound when the row does not exist.
type Tx interface {
	GetMember(ctx context.Context, memberID int64) (Member, error)
	InsertMember(ctx context.Context, member Member) (int64, error)

	GetDocument(ctx context.Context, documentID int64) (Document, error)
	// LockDocument reads the document and holds an exclusive lock on it
	// until the transaction ends.
	LockDocument(ctx context.Context, documentID int64) (Document, error)
	InsertDocument(ctx context.Context, document Document) (int64, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	UpdateDocumentTitle(ctx context.Context, documentID int64, title string) error
	UpdateDocumentParent(ctx context.Context, documentID int64, parentID *int64) error
	SetLatestRevision(ctx context.Context, documentID int64, revision int) error
	FindDocumentByTitle(ctx context.Context, title string) (Document, error)

	ListSections(ctx context.Context, documentID int64, revision int) ([]Section, error)
	GetSection(ctx context.Context, sectionID int64, revision int) (Section, error)
	// InsertSection assigns a new section id when section.ID is zero.
	InsertSection(ctx context.Context, section Section) (int64, error)
	UpdateSection(ctx context.Context, section Section) error
	DeleteSection(ctx context.Context, sectionID int64, revision int) error
	// ShiftSectionOrders adds by to the order of every section of the
	// revision whose order is greater than afterOrder.
	ShiftSectionOrders(ctx context.Context, documentID int64, revision, afterOrder, by int) error
	// CopySectionsForward duplicates every section row of revision from as
	// revision to, keeping section ids.
	CopySectionsForward(ctx context.Context, documentID int64, from, to int) error

	// ContributionDocumentID returns the target document without loading
	// the aggregate, so callers can lock the document first.
	ContributionDocumentID(ctx context.Context, contributionID int64) (int64, error)
	LoadContribution(ctx context.Context, contributionID int64) (Contribution, error)
	InsertContribution(ctx context.Context, contribution Contribution) (int64, error)
	InsertAmendment(ctx context.Context, amendment Amendment) (int64, error)
	UpdateContributionStatus(ctx context.Context, contributionID int64, status ContributionStatus) error
	DeleteContribution(ctx context.Context, contributionID int64) error
	ExistsContributionWithStatus(ctx context.Context, documentID int64, status ContributionStatus) (bool, error)
	ExistsRequestedTitle(ctx context.Context, title string) (bool, error)
	ListContributions(ctx context.Context, filter ContributionFilter) ([]Contribution, int, error)

	GetVote(ctx context.Context, contributionID, memberID int64) (Vote, error)
	UpsertVote(ctx context.Context, vote Vote) error
	DeleteVote(ctx context.Context, contributionID, memberID int64) error
	VoteSummary(ctx context.Context, contributionID int64) (VoteSummary, error)

	InsertDebate(ctx context.Context, debate Debate) (int64, error)
	GetDebate(ctx context.Context, debateID int64) (Debate, error)
	// LockDebate reads the debate and holds an exclusive lock on it until the
	// transaction ends.
	LockDebate(ctx context.Context, debateID int64) (Debate, error)
	UpdateDebate(ctx context.Context, debate Debate) error
	// ListDebates returns one page of debates and the total matching
	// Status. Debates without comments sort by creation under RECENT.
	ListDebates(ctx context.Context, filter DebateFilter) ([]Debate, int, error)
	// ListExpiredDebates returns the ids of OPEN debates whose end time is
	// at or before now.
	ListExpiredDebates(ctx context.Context, now time.Time) ([]int64, error)
	InsertComment(ctx context.Context, comment Comment) (int64, error)
	GetComment(ctx context.Context, commentID int64) (Comment, error)
	UpdateCommentContent(ctx context.Context, commentID int64, content string) error
	DeleteComment(ctx context.Context, commentID int64) error
	ListComments(ctx context.Context, debateID int64) ([]Comment, error)
}
