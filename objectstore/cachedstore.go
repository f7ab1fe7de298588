package objectstore

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/coreimage/libimage/xmetrics"
)

// CachedBackend wraps a Backend with a fastcache-backed read cache in
// front of Read, following the primary/secondary fallthrough shape of
// the teacher's relaydb.Database.Get: the cache is tried first, and a
// miss falls through to the wrapped backend and restocks the cache.
// Writes, truncates, and removes drop the whole cache (see invalidate)
// and then go straight through to the wrapped backend; nothing is
// buffered, so this is a read cache, not a write-back cache.
type CachedBackend struct {
	Backend
	cache *fastcache.Cache
}

// NewCachedBackend wraps backend with an in-memory read cache sized to
// maxBytes.
func NewCachedBackend(backend Backend, maxBytes int) *CachedBackend {
	return &CachedBackend{Backend: backend, cache: fastcache.New(maxBytes)}
}

func cacheKey(pool, name string, snap SnapID, off int64, n int) []byte {
	k := make([]byte, 0, len(pool)+len(name)+24)
	k = append(k, pool...)
	k = append(k, 0)
	k = append(k, name...)
	k = append(k, 0)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(snap))
	k = append(k, b[:]...)
	binary.BigEndian.PutUint64(b[:], uint64(off))
	k = append(k, b[:]...)
	return append(k, []byte(fmt.Sprintf("%d", n))...)
}

func (c *CachedBackend) Read(ctx context.Context, pool, name string, snap SnapID, off int64, buf []byte) (int, error) {
	key := cacheKey(pool, name, snap, off, len(buf))
	if v, ok := c.cache.HasGet(nil, key); ok {
		xmetrics.ObjectMapCacheHitMeter.Mark(1)
		return copy(buf, v), nil
	}
	xmetrics.ObjectMapCacheMissMeter.Mark(1)
	n, err := c.Backend.Read(ctx, pool, name, snap, off, buf)
	if err != nil {
		return n, err
	}
	c.cache.Set(key, buf[:n])
	return n, nil
}

func (c *CachedBackend) Write(ctx context.Context, pool, name string, off int64, data []byte, pre *Precondition) error {
	c.invalidate(pool, name)
	return c.Backend.Write(ctx, pool, name, off, data, pre)
}

func (c *CachedBackend) Truncate(ctx context.Context, pool, name string, size int64) error {
	c.invalidate(pool, name)
	return c.Backend.Truncate(ctx, pool, name, size)
}

func (c *CachedBackend) Remove(ctx context.Context, pool, name string) error {
	c.invalidate(pool, name)
	return c.Backend.Remove(ctx, pool, name)
}

// invalidate drops the whole cache. The reference cache keys on
// (pool,name,snap,off,len) tuples with no reverse index, so a precise
// per-object eviction would require bookkeeping this optional cache
// isn't meant to carry; a global reset keeps correctness simple, which
// is what matters for the external-collaborator boundary here.
func (c *CachedBackend) invalidate(pool, name string) {
	c.cache.Reset()
}
