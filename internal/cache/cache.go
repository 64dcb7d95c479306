// Package cache holds rendered documents. The in-process layer sits in front
// of an optional shared Redis layer.
package cache

import (
	"context"
	"strconv"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RenderKey is the cache key of one rendered revision of a document. A
// rendering stored under a superseded revision is never read again.
func RenderKey(documentID int64, revision int) string {
	return "stelligence:render:v2:" + strconv.FormatInt(documentID, 10) + ":" + strconv.Itoa(revision)
}

// RenderCache stores rendered documents keyed by document id and revision.
type RenderCache struct {
	backend Cache
	ttl     time.Duration
}

func NewRenderCache(backend Cache, ttl time.Duration) *RenderCache {
	return &RenderCache{backend: backend, ttl: ttl}
}

func (c *RenderCache) Get(ctx context.Context, documentID int64, revision int) ([]byte, bool) {
	return c.backend.Get(ctx, RenderKey(documentID, revision))
}

func (c *RenderCache) Put(ctx context.Context, documentID int64, revision int, rendered []byte) error {
	return c.backend.Set(ctx, RenderKey(documentID, revision), rendered, c.ttl)
}

// Evict drops the rendering of one revision, typically the one a merge just
// superseded.
func (c *RenderCache) Evict(ctx context.Context, documentID int64, revision int) error {
	return c.backend.Delete(ctx, RenderKey(documentID, revision))
}
