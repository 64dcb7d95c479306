// Package revision archives every merged document revision in a git
// repository per document, so past revisions can be read back after the
// database has moved on.
package revision

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"stelligence/internal/store"
)

var ErrRevisionNotFound = errors.New("revision not archived")

const snapshotFile = "sections.json"

type Section struct {
	ID      int64         `json:"id"`
	Heading store.Heading `json:"heading"`
	Title   string        `json:"title"`
	Content string        `json:"content"`
	Order   int           `json:"order"`
}

type Snapshot struct {
	DocumentID     int64     `json:"document_id"`
	Title          string    `json:"title"`
	ParentID       *int64    `json:"parent_id,omitempty"`
	Revision       int       `json:"revision"`
	ContributionID int64     `json:"contribution_id,omitempty"`
	Sections       []Section `json:"sections"`
}

// NewSnapshot captures doc at its latest revision.
func NewSnapshot(doc store.Document, sections []store.Section, contributionID int64) Snapshot {
	snapshot := Snapshot{
		DocumentID:     doc.ID,
		Title:          doc.Title,
		ParentID:       doc.ParentID,
		Revision:       doc.LatestRevision,
		ContributionID: contributionID,
		Sections:       make([]Section, 0, len(sections)),
	}
	for _, section := range sections {
		snapshot.Sections = append(snapshot.Sections, Section{
			ID:      section.ID,
			Heading: section.Heading,
			Title:   section.Title,
			Content: section.Content,
			Order:   section.Order,
		})
	}
	return snapshot
}

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Revision  int       `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
}

type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[int64]*sync.Mutex),
	}
}

func TagName(revision int) string {
	return "rev-" + strconv.Itoa(revision)
}

// Record commits the snapshot and tags it with its revision. Recording a
// revision that is already tagged returns the existing commit.
func (a *Archive) Record(snapshot Snapshot, author, message string) (Commit, error) {
	lock := a.documentLock(snapshot.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(snapshot.DocumentID)
	if err != nil {
		return Commit{}, err
	}
	if existing, err := commitForRevision(repo, snapshot.Revision); err == nil {
		return toCommit(existing, snapshot.Revision), nil
	} else if !errors.Is(err, ErrRevisionNotFound) {
		return Commit{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Commit{}, fmt.Errorf("git add snapshot: %w", err)
	}
	signature := &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@stelligence.local", sanitizeEmail(author)),
		When:  time.Now(),
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{AllowEmptyCommits: true, Author: signature})
	if err != nil {
		return Commit{}, fmt.Errorf("commit snapshot: %w", err)
	}
	_, err = repo.CreateTag(TagName(snapshot.Revision), hash, &git.CreateTagOptions{
		Tagger:  signature,
		Message: TagName(snapshot.Revision),
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return Commit{}, fmt.Errorf("tag revision %d: %w", snapshot.Revision, err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj, snapshot.Revision), nil
}

// Snapshot reads back the archived content of one revision.
func (a *Archive) Snapshot(documentID int64, revision int) (Snapshot, error) {
	lock := a.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(documentID)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := commitForRevision(repo, revision)
	if err != nil {
		return Snapshot{}, err
	}
	return readSnapshot(commitObj)
}

// History lists archived commits newest first. A limit of zero returns all.
func (a *Archive) History(documentID int64, limit int) ([]Commit, error) {
	lock := a.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		snapshot, err := readSnapshot(commitObj)
		if err != nil {
			return err
		}
		items = append(items, toCommit(commitObj, snapshot.Revision))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (a *Archive) repoPath(documentID int64) string {
	return filepath.Join(a.baseDir, strconv.FormatInt(documentID, 10))
}

func (a *Archive) documentLock(documentID int64) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[documentID] = lock
	return lock
}

func (a *Archive) open(documentID int64) (*git.Repository, error) {
	repo, err := git.PlainOpen(a.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("document %d: %w", documentID, ErrRevisionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (a *Archive) openOrInit(documentID int64) (*git.Repository, error) {
	path := a.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return a.open(documentID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	main := plumbing.NewBranchReferenceName("main")
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, main)); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func commitForRevision(repo *git.Repository, revision int) (*object.Commit, error) {
	ref, err := repo.Tag(TagName(revision))
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, fmt.Errorf("revision %d: %w", revision, ErrRevisionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", TagName(revision), err)
	}
	tagObj, err := repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		return tagObj.Commit()
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return repo.CommitObject(ref.Hash())
	default:
		return nil, fmt.Errorf("read tag object: %w", err)
	}
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func toCommit(commitObj *object.Commit, revision int) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		Revision:  revision,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "member"
	}
	return string(out)
}
