package rowstore

import (
	"context"
	"sync"

	"github.com/canopyhq/canopy/internal/tree"
)

// TreeCache memoizes the reconstructed internal tree keyed by the
// generation token. Invalidation is implicit: any writer that changes
// data bumps the token, so a cached tree tagged with a stale token is
// simply never returned again. No explicit eviction is needed and a
// racing writer at worst costs one extra load.
type TreeCache struct {
	mu    sync.Mutex
	valid bool
	gen   int64
	tree  tree.Tree
}

// NewTreeCache creates an empty cache.
func NewTreeCache() *TreeCache {
	return &TreeCache{}
}

// Load returns the internal tree at the store's current generation,
// reading through the cache. The returned tree is shared and must be
// treated as read-only; callers that mutate must Clone first.
func (c *TreeCache) Load(ctx context.Context, s *Store) (tree.Tree, int64, error) {
	gen, err := s.Generation(ctx)
	if err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.gen == gen {
		return c.tree, gen, nil
	}

	t, err := s.LoadTree(ctx)
	if err != nil {
		return nil, 0, err
	}
	c.tree = t
	c.gen = gen
	c.valid = true
	return t, gen, nil
}

// Invalidate drops the cached tree regardless of generation.
func (c *TreeCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.tree = nil
}
