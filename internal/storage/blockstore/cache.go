package blockstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"

	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
)

// Cached wraps a Store with an LRU read cache. Blocks are immutable, so
// cached data never goes stale and no TTL is needed.
type Cached struct {
	inner Store
	cache *lru.Cache[string, []byte]
}

var _ Store = (*Cached)(nil)

// WithCache wraps inner with a read cache of the given entry count.
func WithCache(inner Store, entries int) *Cached {
	cache, err := lru.New[string, []byte](entries)
	if err != nil {
		panic(err)
	}
	return &Cached{inner: inner, cache: cache}
}

func (c *Cached) Put(ctx context.Context, id cid.Cid, data []byte) error {
	if err := c.inner.Put(ctx, id, data); err != nil {
		return err
	}
	c.cache.Add(cidutil.Format(id), data)
	return nil
}

func (c *Cached) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if data, ok := c.cache.Get(cidutil.Format(id)); ok {
		return data, nil
	}
	data, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(cidutil.Format(id), data)
	return data, nil
}

func (c *Cached) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if c.cache.Contains(cidutil.Format(id)) {
		return true, nil
	}
	return c.inner.Has(ctx, id)
}

func (c *Cached) Delete(ctx context.Context, id cid.Cid) error {
	c.cache.Remove(cidutil.Format(id))
	return c.inner.Delete(ctx, id)
}

func (c *Cached) IterPrefix(ctx context.Context, prefix string, fn func(cid.Cid) error) error {
	return c.inner.IterPrefix(ctx, prefix, fn)
}
