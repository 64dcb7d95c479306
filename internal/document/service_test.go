package document

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stelligence/internal/cache"
	"stelligence/internal/hierarchy"
	"stelligence/internal/store"
	"stelligence/internal/store/storetest"
)

type fixture struct {
	mem    *storetest.MemStore
	graph  *hierarchy.Graph
	render *cache.RenderCache
	svc    *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := storetest.New()
	graph := hierarchy.NewGraphWithClient(client)
	render := cache.NewRenderCache(cache.NewMemoryCache(time.Minute, time.Minute), time.Minute)
	return fixture{mem: mem, graph: graph, render: render, svc: NewService(mem, graph, render, nil)}
}

func ptr(id int64) *int64 { return &id }

func (f fixture) create(t *testing.T, title string, parentID *int64) store.Document {
	t.Helper()
	doc, err := f.svc.Create(context.Background(), CreateInput{
		Title:    title,
		ParentID: parentID,
		Sections: []SectionInput{
			{Heading: store.H1, Title: "Overview", Content: "first"},
			{Heading: store.H2, Title: "Details", Content: "second"},
		},
	})
	require.NoError(t, err)
	return doc
}

func TestCreateSeedsRevisionOneAndHierarchy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, "Orion", nil)
	assert.Equal(t, 1, doc.LatestRevision)

	_, sections, err := f.svc.Latest(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, 1, sections[0].Order)
	assert.Equal(t, 2, sections[1].Order)

	node, err := f.graph.Node(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Orion", node.Title)
}

func TestCreateRejectsDuplicateTitle(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Orion", nil)
	_, err := f.svc.Create(context.Background(), CreateInput{Title: "Orion"})
	assert.ErrorIs(t, err, ErrTitleTaken)
}

func TestChangeTitleUpdatesRowAndGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, "Orion", nil)

	err := f.mem.InTx(ctx, func(tx store.Tx) error {
		return f.svc.ChangeTitle(ctx, tx, doc.ID, "Orion Nebula")
	})
	require.NoError(t, err)

	latest, _, err := f.svc.Latest(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Orion Nebula", latest.Title)
	node, err := f.graph.Node(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Orion Nebula", node.Title)
}

func TestChangeTitleToTakenTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Orion", nil)
	other := f.create(t, "Lyra", nil)

	err := f.mem.InTx(ctx, func(tx store.Tx) error {
		return f.svc.ChangeTitle(ctx, tx, other.ID, "Orion")
	})
	assert.ErrorIs(t, err, ErrTitleTaken)
}

func TestChangeParentRejectsCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "Stars", nil)
	child := f.create(t, "Orion", ptr(root.ID))
	grandchild := f.create(t, "Betelgeuse", ptr(child.ID))

	err := f.mem.InTx(ctx, func(tx store.Tx) error {
		return f.svc.ChangeParent(ctx, tx, root.ID, ptr(grandchild.ID))
	})
	assert.ErrorIs(t, err, ErrParentCycle)

	err = f.mem.InTx(ctx, func(tx store.Tx) error {
		return f.svc.ChangeParent(ctx, tx, root.ID, ptr(root.ID))
	})
	assert.ErrorIs(t, err, ErrParentCycle)

	err = f.mem.InTx(ctx, func(tx store.Tx) error {
		return f.svc.ChangeParent(ctx, tx, grandchild.ID, nil)
	})
	require.NoError(t, err)
	roots, err := f.graph.Children(ctx, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{root.ID, grandchild.ID}, roots)
}

func TestChangeParentWithoutGraphWalksRows(t *testing.T) {
	mem := storetest.New()
	svc := NewService(mem, nil, nil, nil)
	ctx := context.Background()
	root, err := svc.Create(ctx, CreateInput{Title: "Stars"})
	require.NoError(t, err)
	child, err := svc.Create(ctx, CreateInput{Title: "Orion", ParentID: &root.ID})
	require.NoError(t, err)

	err = mem.InTx(ctx, func(tx store.Tx) error {
		return svc.ChangeParent(ctx, tx, root.ID, &child.ID)
	})
	assert.ErrorIs(t, err, ErrParentCycle)
}

func TestResyncRestoresGraphAfterRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, "Orion", nil)

	boom := errors.New("later step failed")
	err := f.mem.InTx(ctx, func(tx store.Tx) error {
		if err := f.svc.ChangeTitle(ctx, tx, doc.ID, "Renamed"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	node, err := f.graph.Node(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", node.Title)

	require.NoError(t, f.svc.Resync(ctx, doc.ID))
	node, err = f.graph.Node(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Orion", node.Title)
}

func TestRenderCachesUntilEvicted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, "Orion <M42>", nil)

	first, err := f.svc.Render(ctx, doc.ID)
	require.NoError(t, err)
	html := string(first)
	assert.Contains(t, html, "Orion &lt;M42&gt;")
	assert.Less(t, strings.Index(html, "Overview"), strings.Index(html, "Details"))
	assert.Contains(t, html, "<h2>Overview</h2>")
	assert.Contains(t, html, "<h3>Details</h3>")

	_, cached := f.render.Get(ctx, doc.ID, 1)
	assert.True(t, cached)

	require.NoError(t, f.svc.Evict(ctx, doc.ID, 1))
	_, cached = f.render.Get(ctx, doc.ID, 1)
	assert.False(t, cached)
}

func TestRenderIgnoresRenderingOfSupersededRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t, "Orion", nil)

	_, err := f.svc.Render(ctx, doc.ID)
	require.NoError(t, err)

	// A merge commits revision 2 without evicting, and a slow reader then
	// stores what it rendered from revision 1.
	f.mem.Seed(func(tx store.Tx) error {
		if err := tx.CopySectionsForward(ctx, doc.ID, 1, 2); err != nil {
			return err
		}
		sections, err := tx.ListSections(ctx, doc.ID, 2)
		if err != nil {
			return err
		}
		sections[0].Content = "rewritten"
		if err := tx.UpdateSection(ctx, sections[0]); err != nil {
			return err
		}
		return tx.SetLatestRevision(ctx, doc.ID, 2)
	})
	require.NoError(t, f.render.Put(ctx, doc.ID, 1, []byte("stale")))

	rendered, err := f.svc.Render(ctx, doc.ID)
	require.NoError(t, err)
	assert.Contains(t, string(rendered), "rewritten")
	_, cached := f.render.Get(ctx, doc.ID, 2)
	assert.True(t, cached)
}

func TestRenderUnknownDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Render(context.Background(), 404)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
