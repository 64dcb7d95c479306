// Package hierarchy mirrors the document tree into Redis so the title and
// parent of every document can be read without touching Postgres.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNodeNotFound = errors.New("hierarchy node not found")

// maxDepth bounds ancestor walks so a corrupted graph cannot loop forever.
const maxDepth = 256

type Node struct {
	ID       int64
	Title    string
	ParentID *int64
}

// Graph stores one hash per document plus a children set per parent. Root
// documents are members of the roots set. Every write is idempotent.
type Graph struct {
	client *redis.Client
	prefix string
}

func NewGraph(redisURL string) (*Graph, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewGraphWithClient(client), nil
}

func NewGraphWithClient(client *redis.Client) *Graph {
	return &Graph{client: client, prefix: "doc:"}
}

func (g *Graph) nodeKey(id int64) string {
	return g.prefix + strconv.FormatInt(id, 10)
}

func (g *Graph) childrenKey(parentID *int64) string {
	if parentID == nil {
		return g.prefix + "roots"
	}
	return g.nodeKey(*parentID) + ":children"
}

func formatParent(parentID *int64) string {
	if parentID == nil {
		return ""
	}
	return strconv.FormatInt(*parentID, 10)
}

func parseParent(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse parent %q: %w", raw, err)
	}
	return &id, nil
}

// UpsertDocument writes the node and moves it under parentID, replacing any
// previous placement.
func (g *Graph) UpsertDocument(ctx context.Context, id int64, title string, parentID *int64) error {
	previous, err := g.currentParent(ctx, id)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNodeNotFound) {
		return err
	}
	_, err = g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		member := strconv.FormatInt(id, 10)
		if exists {
			pipe.SRem(ctx, g.childrenKey(previous), member)
		}
		pipe.HSet(ctx, g.nodeKey(id), "title", title, "parent", formatParent(parentID))
		pipe.SAdd(ctx, g.childrenKey(parentID), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert hierarchy node %d: %w", id, err)
	}
	return nil
}

func (g *Graph) ChangeTitle(ctx context.Context, id int64, title string) error {
	if _, err := g.Node(ctx, id); err != nil {
		return err
	}
	if err := g.client.HSet(ctx, g.nodeKey(id), "title", title).Err(); err != nil {
		return fmt.Errorf("change hierarchy title %d: %w", id, err)
	}
	return nil
}

func (g *Graph) ChangeParent(ctx context.Context, id int64, parentID *int64) error {
	node, err := g.Node(ctx, id)
	if err != nil {
		return err
	}
	return g.UpsertDocument(ctx, id, node.Title, parentID)
}

func (g *Graph) currentParent(ctx context.Context, id int64) (*int64, error) {
	node, err := g.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	return node.ParentID, nil
}

func (g *Graph) Node(ctx context.Context, id int64) (Node, error) {
	values, err := g.client.HGetAll(ctx, g.nodeKey(id)).Result()
	if err != nil {
		return Node{}, fmt.Errorf("read hierarchy node %d: %w", id, err)
	}
	if len(values) == 0 {
		return Node{}, fmt.Errorf("node %d: %w", id, ErrNodeNotFound)
	}
	parentID, err := parseParent(values["parent"])
	if err != nil {
		return Node{}, err
	}
	return Node{ID: id, Title: values["title"], ParentID: parentID}, nil
}

// Ancestors returns the parent chain of id, nearest first.
func (g *Graph) Ancestors(ctx context.Context, id int64) ([]int64, error) {
	ancestors := make([]int64, 0)
	seen := map[int64]bool{id: true}
	current := id
	for depth := 0; depth < maxDepth; depth++ {
		parentID, err := g.currentParent(ctx, current)
		if err != nil {
			return nil, err
		}
		if parentID == nil {
			return ancestors, nil
		}
		if seen[*parentID] {
			return nil, fmt.Errorf("hierarchy cycle at document %d", *parentID)
		}
		seen[*parentID] = true
		ancestors = append(ancestors, *parentID)
		current = *parentID
	}
	return nil, fmt.Errorf("hierarchy deeper than %d at document %d", maxDepth, id)
}

// Children returns the direct children of parentID, or the roots when nil.
func (g *Graph) Children(ctx context.Context, parentID *int64) ([]int64, error) {
	members, err := g.client.SMembers(ctx, g.childrenKey(parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list hierarchy children: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse child %q: %w", member, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Client exposes the connection so other Redis-backed components can share it.
func (g *Graph) Client() *redis.Client {
	return g.client
}

func (g *Graph) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *Graph) Close() error {
	return g.client.Close()
}
