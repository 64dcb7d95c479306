package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated tsvector columns of
// documents and sections. Only sections of the latest revision count.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgftsQuery = `
	SELECT d.id, d.title, d.latest_revision,
		ts_headline('simple', coalesce(string_agg(s.content, ' ' ORDER BY s.section_order), ''),
			plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
		greatest(ts_rank(d.fts, plainto_tsquery('simple', $1)),
			coalesce(max(ts_rank(s.fts, plainto_tsquery('simple', $1))), 0)) AS rank,
		count(*) OVER () AS total
	FROM documents d
	LEFT JOIN sections s ON s.document_id = d.id AND s.revision = d.latest_revision
	GROUP BY d.id
	HAVING d.fts @@ plainto_tsquery('simple', $1)
		OR bool_or(s.fts @@ plainto_tsquery('simple', $1))
	ORDER BY rank DESC, d.id
	LIMIT $2 OFFSET $3`

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := p.db.QueryContext(context.Background(), pgftsQuery, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var (
		results []Result
		total   int
	)
	for rows.Next() {
		var (
			r    Result
			rank float64
		)
		if err := rows.Scan(&r.DocumentID, &r.Title, &r.Revision, &r.Snippet, &rank, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every document at its latest revision for a full
// reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.parent_document_id, d.latest_revision,
			coalesce(string_agg(s.title || E'\n' || s.content, E'\n' ORDER BY s.section_order), '')
		FROM documents d
		LEFT JOIN sections s ON s.document_id = d.id AND s.revision = d.latest_revision
		GROUP BY d.id
		ORDER BY d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var (
			d        DocumentRecord
			parentID sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.Title, &parentID, &d.Revision, &d.Body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if parentID.Valid {
			id := parentID.Int64
			d.ParentID = &id
		}
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}
