// Package contribution decides the outcome of voted contributions and merges
// accepted ones into their document as a new revision.
package contribution

import (
	"errors"

	"stelligence/internal/store"
)

var (
	ErrContributionNotFound  = errors.New("contribution not found")
	ErrContributionNotVoting = errors.New("contribution is not in voting")
	ErrSectionNotFound       = errors.New("target section not found")
	ErrUnknownAmendmentType  = errors.New("unknown amendment type")
	ErrForbidden             = errors.New("member may not modify this contribution")
	ErrInvalidContribution   = errors.New("invalid contribution")
	ErrDocumentBusy          = errors.New("document already has a contribution in voting")
	ErrDocumentNotFound      = errors.New("document not found")
)

// Action is the outcome of a vote.
type Action int

const (
	ActionReject Action = iota
	ActionDebate
	ActionMerge
)

func (a Action) String() string {
	switch a {
	case ActionMerge:
		return "MERGE"
	case ActionDebate:
		return "DEBATE"
	default:
		return "REJECT"
	}
}

// CanTransition reports whether a contribution may move from one status to
// another. Only VOTING has outgoing edges; every decision is final.
func CanTransition(from, to store.ContributionStatus) bool {
	if from != store.ContributionVoting {
		return false
	}
	switch to {
	case store.ContributionMerged, store.ContributionDebating, store.ContributionRejected:
		return true
	default:
		return false
	}
}
