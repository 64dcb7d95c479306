package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, nil, fn)
}

// ReadTx runs fn in a read-only REPEATABLE READ transaction so every read
// inside fn observes the same snapshot.
func (s *PostgresStore) ReadTx(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts *sql.TxOptions, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func requireAffected(result sql.Result, what string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", what, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetMember(ctx context.Context, memberID int64) (Member, error) {
	var item Member
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, nickname, email, created_at FROM members WHERE id=$1
	`, memberID).Scan(&item.ID, &item.Nickname, &item.Email, &item.CreatedAt)
	if err != nil {
		return Member{}, notFound(err, "get member")
	}
	return item, nil
}

func (t *pgTx) InsertMember(ctx context.Context, member Member) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO members (nickname, email) VALUES ($1, $2) RETURNING id
	`, member.Nickname, member.Email).Scan(&id)
	if err != nil {
		return 0, notFound(err, "insert member")
	}
	return id, nil
}

const documentColumns = `id, title, parent_document_id, latest_revision, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var item Document
	var parentID sql.NullInt64
	if err := row.Scan(&item.ID, &item.Title, &parentID, &item.LatestRevision, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Document{}, err
	}
	if parentID.Valid {
		id := parentID.Int64
		item.ParentID = &id
	}
	return item, nil
}

func (t *pgTx) GetDocument(ctx context.Context, documentID int64) (Document, error) {
	item, err := scanDocument(t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
	if err != nil {
		return Document{}, notFound(err, "get document")
	}
	return item, nil
}

func (t *pgTx) LockDocument(ctx context.Context, documentID int64) (Document, error) {
	item, err := scanDocument(t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 FOR UPDATE`, documentID))
	if err != nil {
		return Document{}, notFound(err, "lock document")
	}
	return item, nil
}

func (t *pgTx) FindDocumentByTitle(ctx context.Context, title string) (Document, error) {
	item, err := scanDocument(t.tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE title=$1`, title))
	if err != nil {
		return Document{}, notFound(err, "find document by title")
	}
	return item, nil
}

func (t *pgTx) InsertDocument(ctx context.Context, document Document) (int64, error) {
	revision := document.LatestRevision
	if revision <= 0 {
		revision = 1
	}
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO documents (title, parent_document_id, latest_revision)
		VALUES ($1, $2, $3)
		RETURNING id
	`, document.Title, nullableID(document.ParentID), revision).Scan(&id)
	if err != nil {
		return 0, notFound(err, "insert document")
	}
	return id, nil
}

func (t *pgTx) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (t *pgTx) UpdateDocumentTitle(ctx context.Context, documentID int64, title string) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE documents SET title=$2, updated_at=NOW() WHERE id=$1`, documentID, title)
	if err != nil {
		return notFound(err, "update document title")
	}
	return requireAffected(result, "update document title")
}

func (t *pgTx) UpdateDocumentParent(ctx context.Context, documentID int64, parentID *int64) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE documents SET parent_document_id=$2, updated_at=NOW() WHERE id=$1
	`, documentID, nullableID(parentID))
	if err != nil {
		return fmt.Errorf("update document parent: %w", err)
	}
	return requireAffected(result, "update document parent")
}

func (t *pgTx) SetLatestRevision(ctx context.Context, documentID int64, revision int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE documents SET latest_revision=$2, updated_at=NOW() WHERE id=$1
	`, documentID, revision)
	if err != nil {
		return fmt.Errorf("set latest revision: %w", err)
	}
	return requireAffected(result, "set latest revision")
}

const sectionColumns = `section_id, revision, document_id, heading, title, content, section_order`

func scanSection(row interface{ Scan(...any) error }) (Section, error) {
	var item Section
	var heading string
	if err := row.Scan(&item.ID, &item.Revision, &item.DocumentID, &heading, &item.Title, &item.Content, &item.Order); err != nil {
		return Section{}, err
	}
	item.Heading = Heading(heading)
	return item, nil
}

func (t *pgTx) ListSections(ctx context.Context, documentID int64, revision int) ([]Section, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+sectionColumns+`
		FROM sections
		WHERE document_id=$1 AND revision=$2
		ORDER BY section_order ASC, section_id ASC
	`, documentID, revision)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0)
	for rows.Next() {
		item, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

func (t *pgTx) GetSection(ctx context.Context, sectionID int64, revision int) (Section, error) {
	item, err := scanSection(t.tx.QueryRowContext(ctx, `
		SELECT `+sectionColumns+` FROM sections WHERE section_id=$1 AND revision=$2
	`, sectionID, revision))
	if err != nil {
		return Section{}, notFound(err, "get section")
	}
	return item, nil
}

func (t *pgTx) InsertSection(ctx context.Context, section Section) (int64, error) {
	id := section.ID
	if id == 0 {
		if err := t.tx.QueryRowContext(ctx, `SELECT nextval('section_id_seq')`).Scan(&id); err != nil {
			return 0, fmt.Errorf("next section id: %w", err)
		}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sections (section_id, revision, document_id, heading, title, content, section_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, section.Revision, section.DocumentID, string(section.Heading), section.Title, section.Content, section.Order)
	if err != nil {
		return 0, notFound(err, "insert section")
	}
	return id, nil
}

func (t *pgTx) UpdateSection(ctx context.Context, section Section) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE sections
		SET heading=$3, title=$4, content=$5, section_order=$6
		WHERE section_id=$1 AND revision=$2
	`, section.ID, section.Revision, string(section.Heading), section.Title, section.Content, section.Order)
	if err != nil {
		return fmt.Errorf("update section: %w", err)
	}
	return requireAffected(result, "update section")
}

func (t *pgTx) DeleteSection(ctx context.Context, sectionID int64, revision int) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM sections WHERE section_id=$1 AND revision=$2`, sectionID, revision)
	if err != nil {
		return fmt.Errorf("delete section: %w", err)
	}
	return requireAffected(result, "delete section")
}

func (t *pgTx) ShiftSectionOrders(ctx context.Context, documentID int64, revision, afterOrder, by int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sections
		SET section_order = section_order + $4
		WHERE document_id=$1 AND revision=$2 AND section_order > $3
	`, documentID, revision, afterOrder, by)
	if err != nil {
		return fmt.Errorf("shift section orders: %w", err)
	}
	return nil
}

func (t *pgTx) CopySectionsForward(ctx context.Context, documentID int64, from, to int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sections (section_id, revision, document_id, heading, title, content, section_order)
		SELECT section_id, $3, document_id, heading, title, content, section_order
		FROM sections
		WHERE document_id=$1 AND revision=$2
	`, documentID, from, to)
	if err != nil {
		return notFound(err, "copy sections forward")
	}
	return nil
}

func (t *pgTx) ContributionDocumentID(ctx context.Context, contributionID int64) (int64, error) {
	var documentID int64
	err := t.tx.QueryRowContext(ctx, `SELECT document_id FROM contributions WHERE id=$1`, contributionID).Scan(&documentID)
	if err != nil {
		return 0, notFound(err, "contribution document")
	}
	return documentID, nil
}

const contributionColumns = `
	c.id, c.member_id, c.document_id, c.title, c.description, c.status,
	c.before_document_title, c.after_document_title,
	c.before_parent_document_id, c.after_parent_document_id,
	c.created_at, c.updated_at`

func scanContribution(row interface{ Scan(...any) error }, extra ...any) (Contribution, error) {
	var item Contribution
	var status string
	var afterTitle sql.NullString
	var beforeParent, afterParent sql.NullInt64
	dest := []any{
		&item.ID, &item.ProposerID, &item.DocumentID, &item.Title, &item.Description, &status,
		&item.BeforeDocumentTitle, &afterTitle,
		&beforeParent, &afterParent,
		&item.CreatedAt, &item.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Contribution{}, err
	}
	item.Status = ContributionStatus(status)
	if afterTitle.Valid {
		title := afterTitle.String
		item.AfterDocumentTitle = &title
	}
	item.BeforeParentDocumentID = fromNullID(beforeParent)
	item.AfterParentDocumentID = fromNullID(afterParent)
	return item, nil
}

// LoadContribution fetches the contribution with its proposer and every
// amendment in insertion order. Amendment targets are joined against the
// document's latest revision.
func (t *pgTx) LoadContribution(ctx context.Context, contributionID int64) (Contribution, error) {
	var proposer Member
	item, err := scanContribution(t.tx.QueryRowContext(ctx, `
		SELECT `+contributionColumns+`, m.id, m.nickname, m.email, m.created_at
		FROM contributions c
		JOIN members m ON m.id = c.member_id
		WHERE c.id=$1
	`, contributionID), &proposer.ID, &proposer.Nickname, &proposer.Email, &proposer.CreatedAt)
	if err != nil {
		return Contribution{}, notFound(err, "load contribution")
	}
	item.Proposer = proposer

	rows, err := t.tx.QueryContext(ctx, `
		SELECT a.id, a.contribution_id, a.type, a.target_section_id, COALESCE(a.heading, ''), a.title, a.content, a.creating_order,
			s.section_id, s.revision, s.document_id, s.heading, s.title, s.content, s.section_order
		FROM amendments a
		JOIN contributions c ON c.id = a.contribution_id
		JOIN documents d ON d.id = c.document_id
		LEFT JOIN sections s ON s.section_id = a.target_section_id AND s.revision = d.latest_revision AND s.document_id = d.id
		WHERE a.contribution_id=$1
		ORDER BY a.id ASC
	`, contributionID)
	if err != nil {
		return Contribution{}, fmt.Errorf("load amendments: %w", err)
	}
	defer rows.Close()

	item.Amendments = make([]Amendment, 0)
	for rows.Next() {
		var amendment Amendment
		var amendmentType, heading string
		var sectionID sql.NullInt64
		var sectionRevision sql.NullInt32
		var sectionDocumentID sql.NullInt64
		var sectionHeading, sectionTitle, sectionContent sql.NullString
		var sectionOrder sql.NullInt32
		if err := rows.Scan(
			&amendment.ID,
			&amendment.ContributionID,
			&amendmentType,
			&amendment.TargetSectionID,
			&heading,
			&amendment.Title,
			&amendment.Content,
			&amendment.CreatingOrder,
			&sectionID,
			&sectionRevision,
			&sectionDocumentID,
			&sectionHeading,
			&sectionTitle,
			&sectionContent,
			&sectionOrder,
		); err != nil {
			return Contribution{}, fmt.Errorf("scan amendment: %w", err)
		}
		amendment.Type = AmendmentType(amendmentType)
		amendment.Heading = Heading(heading)
		if sectionID.Valid {
			amendment.TargetSection = &Section{
				ID:         sectionID.Int64,
				Revision:   int(sectionRevision.Int32),
				DocumentID: sectionDocumentID.Int64,
				Heading:    Heading(sectionHeading.String),
				Title:      sectionTitle.String,
				Content:    sectionContent.String,
				Order:      int(sectionOrder.Int32),
			}
		}
		item.Amendments = append(item.Amendments, amendment)
	}
	if err := rows.Err(); err != nil {
		return Contribution{}, fmt.Errorf("iterate amendments: %w", err)
	}
	return item, nil
}

func (t *pgTx) InsertContribution(ctx context.Context, contribution Contribution) (int64, error) {
	status := contribution.Status
	if status == "" {
		status = ContributionVoting
	}
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO contributions (
			member_id, document_id, title, description, status,
			before_document_title, after_document_title,
			before_parent_document_id, after_parent_document_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		contribution.ProposerID,
		contribution.DocumentID,
		contribution.Title,
		contribution.Description,
		string(status),
		contribution.BeforeDocumentTitle,
		nullableString(contribution.AfterDocumentTitle),
		nullableID(contribution.BeforeParentDocumentID),
		nullableID(contribution.AfterParentDocumentID),
	).Scan(&id)
	if err != nil {
		return 0, notFound(err, "insert contribution")
	}
	return id, nil
}

func (t *pgTx) InsertAmendment(ctx context.Context, amendment Amendment) (int64, error) {
	var heading any
	if amendment.Heading != "" {
		heading = string(amendment.Heading)
	}
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO amendments (contribution_id, type, target_section_id, heading, title, content, creating_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, amendment.ContributionID, string(amendment.Type), amendment.TargetSectionID, heading, amendment.Title, amendment.Content, amendment.CreatingOrder).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert amendment: %w", err)
	}
	return id, nil
}

func (t *pgTx) UpdateContributionStatus(ctx context.Context, contributionID int64, status ContributionStatus) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE contributions SET status=$2, updated_at=NOW() WHERE id=$1
	`, contributionID, string(status))
	if err != nil {
		return notFound(err, "update contribution status")
	}
	return requireAffected(result, "update contribution status")
}

func (t *pgTx) DeleteContribution(ctx context.Context, contributionID int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM contributions WHERE id=$1`, contributionID)
	if err != nil {
		return fmt.Errorf("delete contribution: %w", err)
	}
	return requireAffected(result, "delete contribution")
}

func (t *pgTx) ExistsContributionWithStatus(ctx context.Context, documentID int64, status ContributionStatus) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM contributions WHERE document_id=$1 AND status=$2)
	`, documentID, string(status)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check contribution status: %w", err)
	}
	return exists, nil
}

// ExistsRequestedTitle reports whether a VOTING contribution already asks to
// rename some document to title.
func (t *pgTx) ExistsRequestedTitle(ctx context.Context, title string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM contributions
			WHERE status='VOTING' AND after_document_title=$1 AND after_document_title <> before_document_title
		)
	`, title).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check requested title: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ListContributions(ctx context.Context, filter ContributionFilter) ([]Contribution, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var where []string
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("c.status = $%d", len(args)))
	}
	if filter.DocumentID != 0 {
		args = append(args, filter.DocumentID)
		where = append(where, fmt.Sprintf("c.document_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)

	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER()
		FROM contributions c
		%s
		ORDER BY c.created_at ASC, c.id ASC
		LIMIT $%d OFFSET $%d
	`, contributionColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	items := make([]Contribution, 0)
	total := 0
	for rows.Next() {
		item, err := scanContribution(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan contribution: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate contributions: %w", err)
	}
	return items, total, nil
}

func (t *pgTx) GetVote(ctx context.Context, contributionID, memberID int64) (Vote, error) {
	var item Vote
	err := t.tx.QueryRowContext(ctx, `
		SELECT contribution_id, member_id, agree, created_at
		FROM votes
		WHERE contribution_id=$1 AND member_id=$2
	`, contributionID, memberID).Scan(&item.ContributionID, &item.MemberID, &item.Agree, &item.CreatedAt)
	if err != nil {
		return Vote{}, notFound(err, "get vote")
	}
	return item, nil
}

func (t *pgTx) UpsertVote(ctx context.Context, vote Vote) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO votes (contribution_id, member_id, agree)
		VALUES ($1, $2, $3)
		ON CONFLICT (contribution_id, member_id) DO UPDATE SET agree=EXCLUDED.agree, created_at=NOW()
	`, vote.ContributionID, vote.MemberID, vote.Agree)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteVote(ctx context.Context, contributionID, memberID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM votes WHERE contribution_id=$1 AND member_id=$2`, contributionID, memberID)
	if err != nil {
		return fmt.Errorf("delete vote: %w", err)
	}
	return nil
}

// VoteSummary counts both sides in a single statement so the pair comes
// from one snapshot.
func (t *pgTx) VoteSummary(ctx context.Context, contributionID int64) (VoteSummary, error) {
	summary := VoteSummary{ContributionID: contributionID}
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE agree)::int,
			COUNT(*) FILTER (WHERE NOT agree)::int
		FROM votes
		WHERE contribution_id=$1
	`, contributionID).Scan(&summary.AgreeCount, &summary.DisagreeCount)
	if err != nil {
		return VoteSummary{}, fmt.Errorf("vote summary: %w", err)
	}
	return summary, nil
}

const debateColumns = `id, contribution_id, status, comment_sequence, created_at, end_at`

func scanDebate(row interface{ Scan(...any) error }, extra ...any) (Debate, error) {
	var item Debate
	var status string
	var endAt sql.NullTime
	dest := []any{&item.ID, &item.ContributionID, &status, &item.CommentSequence, &item.CreatedAt, &endAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Debate{}, err
	}
	item.Status = DebateStatus(status)
	if endAt.Valid {
		value := endAt.Time
		item.EndAt = &value
	}
	return item, nil
}

func (t *pgTx) InsertDebate(ctx context.Context, debate Debate) (int64, error) {
	status := debate.Status
	if status == "" {
		status = DebateOpen
	}
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO debates (contribution_id, status, end_at) VALUES ($1, $2, $3) RETURNING id
	`, debate.ContributionID, string(status), debate.EndAt).Scan(&id)
	if err != nil {
		return 0, notFound(err, "insert debate")
	}
	return id, nil
}

func (t *pgTx) GetDebate(ctx context.Context, debateID int64) (Debate, error) {
	item, err := scanDebate(t.tx.QueryRowContext(ctx, `SELECT `+debateColumns+` FROM debates WHERE id=$1`, debateID))
	if err != nil {
		return Debate{}, notFound(err, "get debate")
	}
	return item, nil
}

func (t *pgTx) LockDebate(ctx context.Context, debateID int64) (Debate, error) {
	item, err := scanDebate(t.tx.QueryRowContext(ctx, `SELECT `+debateColumns+` FROM debates WHERE id=$1 FOR UPDATE`, debateID))
	if err != nil {
		return Debate{}, notFound(err, "lock debate")
	}
	return item, nil
}

func (t *pgTx) UpdateDebate(ctx context.Context, debate Debate) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE debates SET status=$2, comment_sequence=$3, end_at=$4 WHERE id=$1
	`, debate.ID, string(debate.Status), debate.CommentSequence, debate.EndAt)
	if err != nil {
		return fmt.Errorf("update debate: %w", err)
	}
	return requireAffected(result, "update debate")
}

func (t *pgTx) ListDebates(ctx context.Context, filter DebateFilter) ([]Debate, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	orderBy := "d.created_at DESC, d.id DESC"
	if filter.Order == DebateOrderRecent {
		orderBy = "COALESCE(lc.last_comment_at, d.created_at) DESC, d.id DESC"
	}
	clause := ""
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clause = "WHERE d.status = $1"
	}
	args = append(args, limit, offset)

	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, d.contribution_id, d.status, d.comment_sequence, d.created_at, d.end_at, COUNT(*) OVER()
		FROM debates d
		LEFT JOIN LATERAL (
			SELECT MAX(c.created_at) AS last_comment_at FROM comments c WHERE c.debate_id = d.id
		) lc ON TRUE
		%s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, clause, orderBy, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list debates: %w", err)
	}
	defer rows.Close()

	items := make([]Debate, 0)
	total := 0
	for rows.Next() {
		item, err := scanDebate(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan debate: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate debates: %w", err)
	}
	return items, total, nil
}

func (t *pgTx) ListExpiredDebates(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM debates WHERE status='OPEN' AND end_at IS NOT NULL AND end_at <= $1 ORDER BY id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired debates: %w", err)
	}
	defer rows.Close()
	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired debate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const commentColumns = `id, debate_id, commenter_id, sequence, content, created_at, updated_at`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var item Comment
	err := row.Scan(&item.ID, &item.DebateID, &item.CommenterID, &item.Sequence, &item.Content, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (t *pgTx) InsertComment(ctx context.Context, comment Comment) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO comments (debate_id, commenter_id, sequence, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, comment.DebateID, comment.CommenterID, comment.Sequence, comment.Content).Scan(&id)
	if err != nil {
		return 0, notFound(err, "insert comment")
	}
	return id, nil
}

func (t *pgTx) GetComment(ctx context.Context, commentID int64) (Comment, error) {
	item, err := scanComment(t.tx.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID))
	if err != nil {
		return Comment{}, notFound(err, "get comment")
	}
	return item, nil
}

func (t *pgTx) UpdateCommentContent(ctx context.Context, commentID int64, content string) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE comments SET content=$2, updated_at=NOW() WHERE id=$1`, commentID, content)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return requireAffected(result, "update comment")
}

func (t *pgTx) DeleteComment(ctx context.Context, commentID int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return requireAffected(result, "delete comment")
}

func (t *pgTx) ListComments(ctx context.Context, debateID int64) ([]Comment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments WHERE debate_id=$1 ORDER BY sequence ASC
	`, debateID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func fromNullID(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	id := value.Int64
	return &id
}
