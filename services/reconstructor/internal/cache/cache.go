// Package cache keeps finished reconstructions keyed by post id.
//
// Primary backend: Redis with TTL (REDIS_URL). Without it an in-memory
// cache is used, which does not survive restarts or span instances.
package cache

import (
	"context"
	"time"

	"github.com/example/threadrecon/services/reconstructor/internal/forest"
	"github.com/example/threadrecon/services/reconstructor/internal/recon"
)

const keyPrefix = "threadrecon:forest:"

// Entry is the cached form of a recon.Result. The forest travels as trees.
type Entry struct {
	Post          forest.PostSummary `json:"post"`
	Trees         []forest.Tree      `json:"trees"`
	ResolvedCount int                `json:"resolved_count"`
	Query         forest.Query       `json:"query"`
	Supplemental  bool               `json:"supplemental"`
	Diagnostics   forest.Diagnostics `json:"diagnostics"`
	StoredAt      time.Time          `json:"stored_at"`
}

func FromResult(res *recon.Result) Entry {
	return Entry{
		Post:          res.Post,
		Trees:         res.Forest.Trees(),
		ResolvedCount: res.ResolvedCount,
		Query:         res.Query,
		Supplemental:  res.Supplemental,
		Diagnostics:   res.Forest.Diagnostics,
		StoredAt:      time.Now().UTC(),
	}
}

// Result rebuilds a result from the entry. Attempts are not cached.
func (e Entry) Result() *recon.Result {
	f := forest.FromTrees(e.Trees)
	f.Diagnostics = e.Diagnostics
	return &recon.Result{
		Post:          e.Post,
		Forest:        f,
		ResolvedCount: e.ResolvedCount,
		Query:         e.Query,
		Supplemental:  e.Supplemental,
	}
}

type Cache interface {
	Get(ctx context.Context, postID string) (Entry, bool, error)
	Set(ctx context.Context, postID string, e Entry) error
	Delete(ctx context.Context, postID string) error
}

// New returns a Redis cache when redisURL is set, otherwise an in-memory one.
func New(redisURL string, ttl time.Duration) (Cache, error) {
	if redisURL != "" {
		return NewRedisCache(redisURL, ttl)
	}
	return NewMemoryCache(ttl), nil
}

func key(postID string) string { return keyPrefix + postID }
