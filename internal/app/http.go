package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"stelligence/internal/contribution"
	"stelligence/internal/export"
	"stelligence/internal/logging"
	"stelligence/internal/search"
	"stelligence/internal/store"
)

// MemberHeader carries the caller's member id. Identity is issued and
// verified upstream.
const MemberHeader = "X-Member-ID"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     logrus.FieldLogger
}

func NewHTTPServer(service *Service, corsOrigin string, logger logrus.FieldLogger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logging.OrStandard(logger)}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/votes" {
		s.handleVote(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "documents":
		if len(parts) >= 3 {
			id, ok := pathID(w, parts[2])
			if !ok {
				return
			}
			s.handleDocument(w, r, id, parts[3:])
			return
		}
	case "contributions":
		if len(parts) == 2 {
			s.handleContributions(w, r)
			return
		}
		id, ok := pathID(w, parts[2])
		if !ok {
			return
		}
		s.handleContribution(w, r, id, parts[3:])
		return
	case "debates":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleDebates(w, r)
			return
		}
		if len(parts) >= 3 {
			id, ok := pathID(w, parts[2])
			if !ok {
				return
			}
			s.handleDebate(w, r, id, parts[3:])
			return
		}
	case "comments":
		if len(parts) == 3 {
			id, ok := pathID(w, parts[2])
			if !ok {
				return
			}
			s.handleComment(w, r, id)
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := s.service.Ready(ctx)
	checks := make(map[string]any, len(s.service.Checks))
	for name := range s.service.Checks {
		checks[name] = map[string]any{"status": "ok"}
	}
	for name, err := range failures {
		checks[name] = map[string]any{"status": "error", "error": err.Error()}
	}

	status, statusCode := "ready", http.StatusOK
	if len(failures) > 0 {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     len(failures) == 0,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.service.Search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit, offset := pageParams(r)
	writeJSON(w, http.StatusOK, s.service.Search.Search(search.Query{Text: q, Limit: limit, Offset: offset}))
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request) {
	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}
	var body struct {
		ContributionID int64 `json:"contributionId"`
		Agree          *bool `json:"agree"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.ContributionID <= 0 || body.Agree == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "contributionId and agree are required", nil)
		return
	}
	cast, err := s.service.Votes.Cast(r.Context(), body.ContributionID, memberID, *body.Agree)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tally, err := s.service.Votes.GetTally(r.Context(), body.ContributionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var current any
	if cast != nil {
		current = map[string]any{"agree": cast.Agree}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vote": current, "tally": tally})
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, documentID int64, rest []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	switch {
	case len(rest) == 0:
		rendered, err := s.service.Documents.Render(r.Context(), documentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(rendered)
	case len(rest) == 1 && rest[0] == "contributions":
		limit, offset := pageParams(r)
		items, total, err := s.service.Contributions.ListByDocument(r.Context(), documentID, contribution.Page{Limit: limit, Offset: offset})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": toContributionViews(items), "total": total})
	case len(rest) == 1 && rest[0] == "history":
		if s.service.Archive == nil {
			writeError(w, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Revision archive not configured", nil)
			return
		}
		limit, _ := pageParams(r)
		commits, err := s.service.Archive.History(documentID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": commits})
	case len(rest) == 1 && rest[0] == "export":
		if s.service.Export == nil {
			writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export not configured", nil)
			return
		}
		format := export.Format(strings.ToLower(r.URL.Query().Get("format")))
		if format == "" {
			format = export.FormatHTML
		}
		result, err := s.service.Export.Export(r.Context(), documentID, format)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
	case len(rest) == 2 && rest[0] == "revisions":
		if s.service.Archive == nil {
			writeError(w, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Revision archive not configured", nil)
			return
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid revision", nil)
			return
		}
		snapshot, err := s.service.Archive.Snapshot(documentID, n)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleContributions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, offset := pageParams(r)
		items, total, err := s.service.Contributions.ListVoting(r.Context(), contribution.Page{Limit: limit, Offset: offset})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": toContributionViews(items), "total": total})
	case http.MethodPost:
		memberID, ok := requireMember(w, r)
		if !ok {
			return
		}
		var body contributionBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.Contributions.Create(r.Context(), body.input(), memberID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toContributionView(created))
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

type contributionBody struct {
	DocumentID            int64   `json:"documentId"`
	Title                 string  `json:"title"`
	Description           string  `json:"description"`
	AfterDocumentTitle    *string `json:"afterDocumentTitle"`
	AfterParentDocumentID *int64  `json:"afterParentDocumentId"`
	Amendments            []struct {
		Type          store.AmendmentType `json:"type"`
		SectionID     int64               `json:"sectionId"`
		Heading       store.Heading       `json:"heading"`
		Title         string              `json:"title"`
		Content       string              `json:"content"`
		CreatingOrder int                 `json:"creatingOrder"`
	} `json:"amendments"`
}

func (b contributionBody) input() contribution.CreateInput {
	input := contribution.CreateInput{
		DocumentID:            b.DocumentID,
		Title:                 b.Title,
		Description:           b.Description,
		AfterDocumentTitle:    b.AfterDocumentTitle,
		AfterParentDocumentID: b.AfterParentDocumentID,
	}
	for _, a := range b.Amendments {
		input.Amendments = append(input.Amendments, contribution.AmendmentInput{
			Type:          a.Type,
			SectionID:     a.SectionID,
			Heading:       a.Heading,
			Title:         a.Title,
			Content:       a.Content,
			CreatingOrder: a.CreatingOrder,
		})
	}
	return input
}

func (s *HTTPServer) handleContribution(w http.ResponseWriter, r *http.Request, contributionID int64, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		item, err := s.service.Contributions.Get(r.Context(), contributionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toContributionView(item))
	case len(rest) == 0 && r.Method == http.MethodDelete:
		memberID, ok := requireMember(w, r)
		if !ok {
			return
		}
		if err := s.service.Contributions.Delete(r.Context(), contributionID, memberID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(rest) == 1 && rest[0] == "preview" && r.Method == http.MethodGet:
		previews, err := s.service.Contributions.Preview(r.Context(), contributionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": previews})
	case len(rest) == 1 && rest[0] == "tally" && r.Method == http.MethodGet:
		tally, err := s.service.Votes.GetTally(r.Context(), contributionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tally)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDebates(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	query := r.URL.Query()
	items, total, err := s.service.Debates.List(r.Context(), store.DebateFilter{
		Status: store.DebateStatus(strings.ToUpper(strings.TrimSpace(query.Get("status")))),
		Order:  store.DebateOrder(strings.ToUpper(strings.TrimSpace(query.Get("order")))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toDebateViews(items), "total": total})
}

func (s *HTTPServer) handleDebate(w http.ResponseWriter, r *http.Request, debateID int64, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		item, err := s.service.Debates.Get(r.Context(), debateID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDebateView(item))
	case len(rest) == 1 && rest[0] == "comments" && r.Method == http.MethodGet:
		comments, err := s.service.Debates.ListComments(r.Context(), debateID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": toCommentViews(comments)})
	case len(rest) == 1 && rest[0] == "comments" && r.Method == http.MethodPost:
		memberID, ok := requireMember(w, r)
		if !ok {
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comments, err := s.service.Debates.AddComment(r.Context(), debateID, memberID, body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"items": toCommentViews(comments)})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleComment(w http.ResponseWriter, r *http.Request, commentID int64) {
	memberID, ok := requireMember(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPatch, http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.Debates.UpdateComment(r.Context(), commentID, memberID, body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toCommentView(updated))
	case http.MethodDelete:
		if err := s.service.Debates.DeleteComment(r.Context(), commentID, memberID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// fail maps err to a response and logs server errors.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.WithFields(logrus.Fields{
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+MemberHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func requireMember(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(MemberHeader))
	id, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil || id <= 0 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", MemberHeader+" header is required", nil)
		return 0, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid id", nil)
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
