package objectmap

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
	"github.com/coreimage/libimage/xmetrics"
)

// Cache holds the resident bitmaps for every snapshot (head included)
// of the images this process has opened, bounded by a fixed entry
// count via hashicorp/golang-lru the same way the teacher bounds its
// trie-node and account caches.
type Cache struct {
	backend objectstore.Backend
	lru     *lru.Cache
}

type cacheKey struct {
	pool   string
	id     string
	snapID objectstore.SnapID
}

// NewCache returns a Cache that evicts the least-recently-used bitmap
// once more than maxEntries are resident.
func NewCache(backend objectstore.Backend, maxEntries int) (*Cache, error) {
	l, err := lru.New(maxEntries)
	if err != nil {
		return nil, fmt.Errorf("objectmap: new lru: %w", err)
	}
	return &Cache{backend: backend, lru: l}, nil
}

// Get returns the resident bitmap for (pool,id,snap) if present.
func (c *Cache) Get(pool, id string, snap objectstore.SnapID) (*Bitmap, bool) {
	v, ok := c.lru.Get(cacheKey{pool, id, snap})
	if !ok {
		xmetrics.ObjectMapCacheMissMeter.Mark(1)
		return nil, false
	}
	xmetrics.ObjectMapCacheHitMeter.Mark(1)
	return v.(*Bitmap), true
}

// Put installs a bitmap, possibly evicting the least-recently-used
// entry for a different image.
func (c *Cache) Put(pool, id string, snap objectstore.SnapID, b *Bitmap) {
	c.lru.Add(cacheKey{pool, id, snap}, b)
}

// Invalidate drops one snapshot's cached bitmap, forcing the next Load
// to re-read it from the backend.
func (c *Cache) Invalidate(pool, id string, snap objectstore.SnapID) {
	c.lru.Remove(cacheKey{pool, id, snap})
}

// Load reads (or returns the cached) bitmap for (pool,id,snap), sized
// to objectCount. A missing object-map object (the "store reports
// unsupported" case from spec.md §4.2 step 3) yields a fresh all-NONEXISTENT
// bitmap rather than an error — the caller is expected to also set
// OBJECT_MAP_INVALID on the image in that case.
func (c *Cache) Load(ctx context.Context, pool, id string, snap objectstore.SnapID, objectCount uint64) (*Bitmap, error) {
	if b, ok := c.Get(pool, id, snap); ok {
		b.Resize(objectCount)
		return b, nil
	}
	name := imagemeta.ObjectMapName(id, snap)
	st, err := c.backend.Stat(ctx, pool, name)
	if err == objectstore.ErrNotFound {
		b := NewBitmap(objectCount)
		c.Put(pool, id, snap, b)
		return b, nil
	}
	if err != nil {
		return nil, xerrors.FromBackend("load_object_map", err)
	}
	buf := make([]byte, st.Size)
	if _, err := c.backend.Read(ctx, pool, name, objectstore.HeadSnapID, 0, buf); err != nil {
		return nil, xerrors.FromBackend("load_object_map", err)
	}
	b := DecodeBitmap(buf, objectCount)
	c.Put(pool, id, snap, b)
	return b, nil
}

// Store persists b as the object-map object for (pool,id,snap).
func (c *Cache) Store(ctx context.Context, pool, id string, snap objectstore.SnapID, b *Bitmap) error {
	name := imagemeta.ObjectMapName(id, snap)
	if err := c.backend.Write(ctx, pool, name, 0, b.Encode(), nil); err != nil {
		return xerrors.FromBackend("store_object_map", err)
	}
	c.Put(pool, id, snap, b)
	return nil
}

// Remove deletes the persisted object-map object for (pool,id,snap) and
// evicts it from the cache. A missing object is not an error: object-map
// removal on an already-cleaned-up snapshot is a cleanup path, swallowed
// per spec.md §7's NOT_FOUND-on-cleanup policy.
func (c *Cache) Remove(ctx context.Context, pool, id string, snap objectstore.SnapID) error {
	c.Invalidate(pool, id, snap)
	name := imagemeta.ObjectMapName(id, snap)
	if err := c.backend.Remove(ctx, pool, name); err != nil && err != objectstore.ErrNotFound {
		return xerrors.FromBackend("remove_object_map", err)
	}
	return nil
}
