package store

import "time"

type Member struct {
	ID        int64
	Nickname  string
	Email     string
	CreatedAt time.Time
}

// Document is the revisioned root of a section tree. ParentID is nil for a
// root document.
type Document struct {
	ID             int64
	Title          string
	ParentID       *int64
	LatestRevision int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Heading string

const (
	H1 Heading = "H1"
	H2 Heading = "H2"
	H3 Heading = "H3"
	H4 Heading = "H4"
	H5 Heading = "H5"
	H6 Heading = "H6"
)

func (h Heading) Valid() bool {
	switch h {
	case H1, H2, H3, H4, H5, H6:
		return true
	default:
		return false
	}
}

// Level returns 1..6 for a valid heading and 0 otherwise.
func (h Heading) Level() int {
	if !h.Valid() {
		return 0
	}
	return int(h[1] - '0')
}

// Section is one row of a document revision. The pair (ID, Revision) is
// unique; the same ID carried across revisions is the same logical section.
type Section struct {
	ID         int64
	Revision   int
	DocumentID int64
	Heading    Heading
	Title      string
	Content    string
	Order      int
}

type ContributionStatus string

const (
	ContributionVoting   ContributionStatus = "VOTING"
	ContributionMerged   ContributionStatus = "MERGED"
	ContributionDebating ContributionStatus = "DEBATING"
	ContributionRejected ContributionStatus = "REJECTED"
)

type AmendmentType string

const (
	AmendmentCreate AmendmentType = "CREATE"
	AmendmentUpdate AmendmentType = "UPDATE"
	AmendmentDelete AmendmentType = "DELETE"
)

// Contribution is the aggregate loaded by LoadContribution: proposer and
// amendments are always populated. A nil After* field means no change was
// requested.
type Contribution struct {
	ID                     int64
	ProposerID             int64
	Proposer               Member
	DocumentID             int64
	Title                  string
	Description            string
	Status                 ContributionStatus
	BeforeDocumentTitle    string
	AfterDocumentTitle     *string
	BeforeParentDocumentID *int64
	AfterParentDocumentID  *int64
	Amendments             []Amendment
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (c Contribution) IsVoting() bool {
	return c.Status == ContributionVoting
}

// Amendment is a single edit. TargetSection is resolved against the
// document's latest revision at load time and is nil when the referenced
// section does not exist there.
type Amendment struct {
	ID              int64
	ContributionID  int64
	Type            AmendmentType
	TargetSectionID int64
	TargetSection   *Section
	Heading         Heading
	Title           string
	Content         string
	CreatingOrder   int
}

type Vote struct {
	ContributionID int64
	MemberID       int64
	Agree          bool
	CreatedAt      time.Time
}

type VoteSummary struct {
	ContributionID int64
	AgreeCount     int
	DisagreeCount  int
}

type DebateStatus string

const (
	DebateOpen   DebateStatus = "OPEN"
	DebateClosed DebateStatus = "CLOSED"
)

type Debate struct {
	ID              int64
	ContributionID  int64
	Status          DebateStatus
	CommentSequence int
	CreatedAt       time.Time
	EndAt           *time.Time
}

// DebateOrder selects how ListDebates sorts: LATEST by debate creation,
// RECENT by the newest comment, both newest first.
type DebateOrder string

const (
	DebateOrderLatest DebateOrder = "LATEST"
	DebateOrderRecent DebateOrder = "RECENT"
)

type DebateFilter struct {
	Status DebateStatus
	Order  DebateOrder
	Limit  int
	Offset int
}

type Comment struct {
	ID          int64
	DebateID    int64
	CommenterID int64
	Sequence    int
	Content     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ContributionFilter narrows ListContributions. Zero values mean no filter.
type ContributionFilter struct {
	Status     ContributionStatus
	DocumentID int64
	Limit      int
	Offset     int
}
