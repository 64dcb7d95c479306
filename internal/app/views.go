package app

import (
	"time"

	"stelligence/internal/store"
)

type memberView struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

type sectionView struct {
	ID      int64         `json:"id"`
	Order   int           `json:"order"`
	Heading store.Heading `json:"heading"`
	Title   string        `json:"title"`
}

type amendmentView struct {
	ID            int64               `json:"id"`
	Type          store.AmendmentType `json:"type"`
	SectionID     int64               `json:"sectionId"`
	TargetSection *sectionView        `json:"targetSection,omitempty"`
	Heading       store.Heading       `json:"heading,omitempty"`
	Title         string              `json:"title,omitempty"`
	Content       string              `json:"content,omitempty"`
	CreatingOrder int                 `json:"creatingOrder,omitempty"`
}

type contributionView struct {
	ID                     int64                    `json:"id"`
	DocumentID             int64                    `json:"documentId"`
	Proposer               memberView               `json:"proposer"`
	Title                  string                   `json:"title"`
	Description            string                   `json:"description"`
	Status                 store.ContributionStatus `json:"status"`
	BeforeDocumentTitle    string                   `json:"beforeDocumentTitle"`
	AfterDocumentTitle     *string                  `json:"afterDocumentTitle"`
	BeforeParentDocumentID *int64                   `json:"beforeParentDocumentId"`
	AfterParentDocumentID  *int64                   `json:"afterParentDocumentId"`
	Amendments             []amendmentView          `json:"amendments,omitempty"`
	CreatedAt              time.Time                `json:"createdAt"`
}

func toContributionView(c store.Contribution) contributionView {
	view := contributionView{
		ID:                     c.ID,
		DocumentID:             c.DocumentID,
		Proposer:               memberView{ID: c.ProposerID, Nickname: c.Proposer.Nickname},
		Title:                  c.Title,
		Description:            c.Description,
		Status:                 c.Status,
		BeforeDocumentTitle:    c.BeforeDocumentTitle,
		AfterDocumentTitle:     c.AfterDocumentTitle,
		BeforeParentDocumentID: c.BeforeParentDocumentID,
		AfterParentDocumentID:  c.AfterParentDocumentID,
		CreatedAt:              c.CreatedAt,
	}
	for _, a := range c.Amendments {
		av := amendmentView{
			ID:            a.ID,
			Type:          a.Type,
			SectionID:     a.TargetSectionID,
			Heading:       a.Heading,
			Title:         a.Title,
			Content:       a.Content,
			CreatingOrder: a.CreatingOrder,
		}
		if a.TargetSection != nil {
			av.TargetSection = &sectionView{
				ID:      a.TargetSection.ID,
				Order:   a.TargetSection.Order,
				Heading: a.TargetSection.Heading,
				Title:   a.TargetSection.Title,
			}
		}
		view.Amendments = append(view.Amendments, av)
	}
	return view
}

func toContributionViews(items []store.Contribution) []contributionView {
	views := make([]contributionView, 0, len(items))
	for _, item := range items {
		views = append(views, toContributionView(item))
	}
	return views
}

type debateView struct {
	ID              int64              `json:"id"`
	ContributionID  int64              `json:"contributionId"`
	Status          store.DebateStatus `json:"status"`
	CommentSequence int                `json:"commentSequence"`
	CreatedAt       time.Time          `json:"createdAt"`
	EndAt           *time.Time         `json:"endAt"`
}

func toDebateView(d store.Debate) debateView {
	return debateView{
		ID:              d.ID,
		ContributionID:  d.ContributionID,
		Status:          d.Status,
		CommentSequence: d.CommentSequence,
		CreatedAt:       d.CreatedAt,
		EndAt:           d.EndAt,
	}
}

func toDebateViews(items []store.Debate) []debateView {
	out := make([]debateView, 0, len(items))
	for _, item := range items {
		out = append(out, toDebateView(item))
	}
	return out
}

type commentView struct {
	ID          int64     `json:"id"`
	DebateID    int64     `json:"debateId"`
	CommenterID int64     `json:"commenterId"`
	Sequence    int       `json:"sequence"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toCommentView(c store.Comment) commentView {
	return commentView{
		ID:          c.ID,
		DebateID:    c.DebateID,
		CommenterID: c.CommenterID,
		Sequence:    c.Sequence,
		Content:     c.Content,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func toCommentViews(items []store.Comment) []commentView {
	views := make([]commentView, 0, len(items))
	for _, item := range items {
		views = append(views, toCommentView(item))
	}
	return views
}
