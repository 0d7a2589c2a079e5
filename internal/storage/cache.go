package storage

import (
	"context"
	"sync"
	"time"

	"snapvault/internal/ledger"
)

// ReferenceCache answers "is this stored file referenced by a live backup
// record" from a time-boxed snapshot of the ledger. It holds only weak
// references (path -> exists), never record lifecycle, and is rebuilt lazily
// once the TTL lapses.
type ReferenceCache struct {
	repo *ledger.Repository
	ttl  time.Duration

	mu        sync.Mutex
	paths     map[string]bool
	fetchedAt time.Time
}

// NewReferenceCache creates a cache over the ledger repository
func NewReferenceCache(repo *ledger.Repository, ttl time.Duration) *ReferenceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ReferenceCache{repo: repo, ttl: ttl}
}

// IsReferenced reports whether path belongs to a live backup artifact,
// rebuilding the snapshot when stale. Errors from the rebuild propagate so a
// broken ledger never reads as "nothing is referenced".
func (c *ReferenceCache) IsReferenced(ctx context.Context, path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paths == nil || time.Since(c.fetchedAt) > c.ttl {
		paths, err := c.repo.ReferencedArtifactPaths(ctx)
		if err != nil {
			return false, err
		}
		c.paths = paths
		c.fetchedAt = time.Now()
	}

	return c.paths[path], nil
}

// Invalidate drops the snapshot so the next lookup rebuilds it. Callers that
// just created or deleted a backup record use this to avoid the TTL window.
func (c *ReferenceCache) Invalidate() {
	c.mu.Lock()
	c.paths = nil
	c.mu.Unlock()
}
