package app

import (
	"errors"
	"fmt"
	"net/http"

	"stelligence/internal/contribution"
	"stelligence/internal/debate"
	"stelligence/internal/document"
	"stelligence/internal/export"
	"stelligence/internal/revision"
	"stelligence/internal/store"
	"stelligence/internal/vote"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

type errorMapping struct {
	target error
	status int
	code   string
	// exposeCause returns err.Error() as the message instead of a fixed one.
	exposeCause bool
}

// Checked in order: specific sentinels before the generic store ones.
var errorMappings = []errorMapping{
	{contribution.ErrContributionNotFound, http.StatusNotFound, "CONTRIBUTION_NOT_FOUND", false},
	{vote.ErrContributionNotFound, http.StatusNotFound, "CONTRIBUTION_NOT_FOUND", false},
	{contribution.ErrDocumentNotFound, http.StatusNotFound, "DOCUMENT_NOT_FOUND", false},
	{document.ErrDocumentNotFound, http.StatusNotFound, "DOCUMENT_NOT_FOUND", false},
	{revision.ErrRevisionNotFound, http.StatusNotFound, "REVISION_NOT_FOUND", false},
	{debate.ErrDebateNotFound, http.StatusNotFound, "DEBATE_NOT_FOUND", false},
	{debate.ErrCommentNotFound, http.StatusNotFound, "COMMENT_NOT_FOUND", false},
	{contribution.ErrForbidden, http.StatusForbidden, "FORBIDDEN", false},
	{debate.ErrNotAuthor, http.StatusForbidden, "FORBIDDEN", false},
	{contribution.ErrContributionNotVoting, http.StatusConflict, "CONTRIBUTION_NOT_VOTING", false},
	{vote.ErrVotingClosed, http.StatusConflict, "VOTING_CLOSED", false},
	{contribution.ErrDocumentBusy, http.StatusConflict, "DOCUMENT_BUSY", false},
	{debate.ErrDebateClosed, http.StatusConflict, "DEBATE_CLOSED", false},
	{contribution.ErrInvalidContribution, http.StatusUnprocessableEntity, "VALIDATION_ERROR", true},
	{debate.ErrEmptyComment, http.StatusUnprocessableEntity, "VALIDATION_ERROR", true},
	{debate.ErrInvalidFilter, http.StatusBadRequest, "INVALID_FILTER", true},
	{export.ErrUnsupportedFormat, http.StatusBadRequest, "UNSUPPORTED_FORMAT", true},
	{export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", false},
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND", false},
	{store.ErrDuplicateKey, http.StatusConflict, "CONFLICT", false},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		message := m.target.Error()
		if m.exposeCause {
			message = err.Error()
		}
		return m.status, m.code, message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
