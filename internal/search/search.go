package search

import (
	"strings"

	"stelligence/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID int64  `json:"documentId"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Revision   int    `json:"revision"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push documents into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
	DeleteDocument(id int64) error
}

// DocumentRecord is the data we index for a document: its title and the
// text of every section at the latest revision.
type DocumentRecord struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	ParentID *int64 `json:"parentId,omitempty"`
	Revision int    `json:"revision"`
}

func NewDocumentRecord(doc store.Document, sections []store.Section) DocumentRecord {
	parts := make([]string, 0, len(sections)*2)
	for _, section := range sections {
		parts = append(parts, section.Title, section.Content)
	}
	return DocumentRecord{
		ID:       doc.ID,
		Title:    doc.Title,
		Body:     strings.Join(parts, "\n"),
		ParentID: doc.ParentID,
		Revision: doc.LatestRevision,
	}
}
