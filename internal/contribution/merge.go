package contribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"stelligence/internal/logging"
	"stelligence/internal/revision"
	"stelligence/internal/search"
	"stelligence/internal/store"
)

// DocumentStructure changes the title and parent of a document inside the
// merge transaction. Implementations mirror the change to the hierarchy
// graph and must be idempotent.
type DocumentStructure interface {
	ChangeTitle(ctx context.Context, tx store.Tx, documentID int64, title string) error
	ChangeParent(ctx context.Context, tx store.Tx, documentID int64, parentID *int64) error
}

// resyncer is implemented by structures that can rebuild their external
// state after a rolled back merge.
type resyncer interface {
	Resync(ctx context.Context, documentID int64) error
}

// Evictor drops the cached rendering of the revision a merge superseded.
type Evictor interface {
	Evict(ctx context.Context, documentID int64, revision int) error
}

type Archiver interface {
	Record(snapshot revision.Snapshot, author, message string) (revision.Commit, error)
}

type Indexer interface {
	IndexDocument(doc search.DocumentRecord)
}

// Merger applies a contribution's amendments as one new document revision.
// Merges of the same document are serialized twice: by an in-process mutex
// and by a row lock on the document held for the whole transaction.
type Merger struct {
	store      store.Runner
	structure  DocumentStructure
	cache      Evictor
	archive    Archiver
	index      Indexer
	strategies map[store.AmendmentType]Strategy
	logger     logrus.FieldLogger

	lockMu sync.Mutex
	locks  map[int64]*documentLock
}

func NewMerger(runner store.Runner, structure DocumentStructure, cache Evictor, logger logrus.FieldLogger) *Merger {
	return &Merger{
		store:      runner,
		structure:  structure,
		cache:      cache,
		strategies: DefaultStrategies(),
		logger:     logging.OrStandard(logger),
		locks:      make(map[int64]*documentLock),
	}
}

// WithArchive records every merged revision in archive.
func (m *Merger) WithArchive(archive Archiver) *Merger {
	m.archive = archive
	return m
}

// WithIndex reindexes the document after every merge.
func (m *Merger) WithIndex(index Indexer) *Merger {
	m.index = index
	return m
}

// documentLock is dropped from the map when its last waiter releases it.
type documentLock struct {
	mu      sync.Mutex
	waiters int
}

func (m *Merger) lockDocument(documentID int64) func() {
	m.lockMu.Lock()
	lock, ok := m.locks[documentID]
	if !ok {
		lock = &documentLock{}
		m.locks[documentID] = lock
	}
	lock.waiters++
	m.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.lockMu.Lock()
		lock.waiters--
		if lock.waiters == 0 {
			delete(m.locks, documentID)
		}
		m.lockMu.Unlock()
	}
}

type mergeResult struct {
	contribution store.Contribution
	document     store.Document
	sections     []store.Section
	// structural is set once a title or parent change was sent out, so a
	// rollback knows the hierarchy graph may need repair.
	structural bool
}

// Merge applies the contribution. On any error nothing is committed and the
// contribution stays in VOTING.
func (m *Merger) Merge(ctx context.Context, contributionID int64) error {
	log := m.logger.WithField("contribution_id", contributionID)

	var documentID int64
	err := m.store.ReadTx(ctx, func(tx store.Tx) error {
		var err error
		documentID, err = tx.ContributionDocumentID(ctx, contributionID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("merge contribution %d: %w", contributionID, ErrContributionNotFound)
	}
	if err != nil {
		return fmt.Errorf("merge contribution %d: %w", contributionID, err)
	}
	log = log.WithField("document_id", documentID)

	unlock := m.lockDocument(documentID)
	defer unlock()

	var result mergeResult
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		doc, err := tx.LockDocument(ctx, documentID)
		if err != nil {
			return fmt.Errorf("lock document: %w", err)
		}
		contribution, err := tx.LoadContribution(ctx, contributionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrContributionNotFound
		}
		if err != nil {
			return fmt.Errorf("load contribution: %w", err)
		}
		if !contribution.IsVoting() {
			return fmt.Errorf("%w: status %s", ErrContributionNotVoting, contribution.Status)
		}
		result.contribution = contribution
		return m.apply(ctx, tx, doc, contribution, &result)
	})
	if err != nil {
		if result.structural {
			if resync, ok := m.structure.(resyncer); ok {
				if rerr := resync.Resync(ctx, documentID); rerr != nil {
					log.WithError(rerr).Error("hierarchy resync after failed merge")
				}
			}
		}
		log.WithError(err).Error("merge failed, contribution left in voting")
		return fmt.Errorf("merge contribution %d: %w", contributionID, err)
	}

	log.WithField("revision", result.document.LatestRevision).Info("contribution merged")
	m.afterCommit(ctx, log, result)
	return nil
}

func (m *Merger) apply(ctx context.Context, tx store.Tx, doc store.Document, contribution store.Contribution, result *mergeResult) error {
	creates, others, err := partition(contribution.Amendments)
	if err != nil {
		return err
	}

	draft := newDraft(doc)
	if err := tx.CopySectionsForward(ctx, doc.ID, doc.LatestRevision, draft.Revision); err != nil {
		return fmt.Errorf("copy revision %d forward: %w", doc.LatestRevision, err)
	}
	for _, amendment := range append(creates, others...) {
		strategy, ok := m.strategies[amendment.Type]
		if !ok {
			return fmt.Errorf("amendment %d: %w: %q", amendment.ID, ErrUnknownAmendmentType, amendment.Type)
		}
		if err := strategy.Apply(ctx, tx, draft, amendment); err != nil {
			return fmt.Errorf("apply %s amendment %d: %w", amendment.Type, amendment.ID, err)
		}
	}
	if err := tx.SetLatestRevision(ctx, doc.ID, draft.Revision); err != nil {
		return fmt.Errorf("set revision %d: %w", draft.Revision, err)
	}

	if title := contribution.AfterDocumentTitle; title != nil && *title != doc.Title {
		result.structural = true
		if err := m.structure.ChangeTitle(ctx, tx, doc.ID, *title); err != nil {
			return fmt.Errorf("change title: %w", err)
		}
	}
	if parent := contribution.AfterParentDocumentID; parent != nil && !sameParent(parent, doc.ParentID) {
		result.structural = true
		if err := m.structure.ChangeParent(ctx, tx, doc.ID, parent); err != nil {
			return fmt.Errorf("change parent: %w", err)
		}
	}

	if err := tx.UpdateContributionStatus(ctx, contribution.ID, store.ContributionMerged); err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}

	merged, err := tx.GetDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	sections, err := tx.ListSections(ctx, doc.ID, draft.Revision)
	if err != nil {
		return err
	}
	result.document = merged
	result.sections = sections
	return nil
}

// afterCommit runs best-effort side effects; failures are logged only.
func (m *Merger) afterCommit(ctx context.Context, log logrus.FieldLogger, result mergeResult) {
	if m.cache != nil {
		if err := m.cache.Evict(ctx, result.document.ID, result.document.LatestRevision-1); err != nil {
			log.WithError(err).Warn("render cache eviction failed")
		}
	}
	if m.archive != nil {
		snapshot := revision.NewSnapshot(result.document, result.sections, result.contribution.ID)
		author := result.contribution.Proposer.Nickname
		if author == "" {
			author = "member-" + strconv.FormatInt(result.contribution.ProposerID, 10)
		}
		message := fmt.Sprintf("%s\n\ncontribution: %d", result.contribution.Title, result.contribution.ID)
		if _, err := m.archive.Record(snapshot, author, message); err != nil {
			log.WithError(err).Warn("revision archive failed")
		}
	}
	if m.index != nil {
		m.index.IndexDocument(search.NewDocumentRecord(result.document, result.sections))
	}
}

// partition splits amendments into CREATEs, ordered by anchor position and
// then creating order, and the rest in insertion order.
func partition(amendments []store.Amendment) ([]store.Amendment, []store.Amendment, error) {
	creates := make([]store.Amendment, 0)
	others := make([]store.Amendment, 0)
	for _, amendment := range amendments {
		if amendment.Type != store.AmendmentCreate {
			others = append(others, amendment)
			continue
		}
		if amendment.TargetSection == nil {
			return nil, nil, fmt.Errorf("amendment %d: anchor %d: %w", amendment.ID, amendment.TargetSectionID, ErrSectionNotFound)
		}
		creates = append(creates, amendment)
	}
	sort.SliceStable(creates, func(i, j int) bool {
		a, b := creates[i], creates[j]
		if a.TargetSection.Order != b.TargetSection.Order {
			return a.TargetSection.Order < b.TargetSection.Order
		}
		return a.CreatingOrder < b.CreatingOrder
	})
	return creates, others, nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
