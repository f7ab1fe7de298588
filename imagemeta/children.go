package imagemeta

import (
	"context"
	"fmt"

	"github.com/golang/snappy"

	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
)

// ObjectMapName exposes the per-snapshot object-map object name to the
// objectmap package without leaking the rest of the naming scheme.
func ObjectMapName(id string, snap objectstore.SnapID) string { return objectMapName(id, snap) }

// HeaderObjectName exposes the header object name for use by packages
// (exclusivelock) that need to address the header object directly for
// omap-based locker bookkeeping rather than through Client methods.
func HeaderObjectName(format Format, id, name string) string { return headerObjectName(format, id, name) }

func childKey(p ParentSpec) string {
	return fmt.Sprintf("%s/%s/%d", p.Pool, p.ImageID, p.SnapID)
}

// AddChild registers childID as a child of parent spec p in p's pool,
// failing with ALREADY_EXISTS if already registered. The children set
// entry is snappy-compressed before persistence, following the
// teacher's own freezer-table precedent for compressing stored blobs.
func (c *Client) AddChild(ctx context.Context, p ParentSpec, childPool, childID string) error {
	existing, _ := c.backend.OmapGet(ctx, p.Pool, childrenObject, childKey(p))
	set := decodeChildSet(existing)
	for _, ch := range set {
		if ch.Pool == childPool && ch.ID == childID {
			return xerrors.AlreadyExists("add_child", fmt.Errorf("child %s/%s already registered", childPool, childID))
		}
	}
	set = append(set, childRef{Pool: childPool, ID: childID})
	encoded := encodeChildSet(set)
	if err := c.backend.OmapCompareAndSet(ctx, p.Pool, childrenObject, childKey(p), ifNonEmpty(existing), encoded); err != nil {
		return xerrors.FromBackend("add_child", err)
	}
	return nil
}

// RemoveChild deregisters childID from parent spec p's children set.
func (c *Client) RemoveChild(ctx context.Context, p ParentSpec, childPool, childID string) error {
	existing, err := c.backend.OmapGet(ctx, p.Pool, childrenObject, childKey(p))
	if err != nil {
		return xerrors.FromBackend("remove_child", err)
	}
	set := decodeChildSet(existing)
	out := set[:0]
	for _, ch := range set {
		if ch.Pool == childPool && ch.ID == childID {
			continue
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return c.backend.OmapRemove(ctx, p.Pool, childrenObject, childKey(p))
	}
	return c.backend.OmapCompareAndSet(ctx, p.Pool, childrenObject, childKey(p), existing, encodeChildSet(out))
}

// ListChildren returns every (pool,id) registered against parent spec p
// in p's pool. Snapshot unprotect calls it once, against the parent's
// own pool.
func (c *Client) ListChildren(ctx context.Context, p ParentSpec) ([]childRef, error) {
	v, err := c.backend.OmapGet(ctx, p.Pool, childrenObject, childKey(p))
	if err == objectstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.FromBackend("list_children", err)
	}
	return decodeChildSet(v), nil
}

type childRef struct {
	Pool string
	ID   string
}

func encodeChildSet(refs []childRef) []byte {
	var b []byte
	for _, r := range refs {
		b = append(b, []byte(r.Pool)...)
		b = append(b, 0)
		b = append(b, []byte(r.ID)...)
		b = append(b, '\n')
	}
	return snappy.Encode(nil, b)
}

func decodeChildSet(raw []byte) []childRef {
	if len(raw) == 0 {
		return nil
	}
	plain, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil
	}
	var refs []childRef
	line := []byte{}
	for _, b := range plain {
		if b == '\n' {
			parts := splitOnce(line, 0)
			refs = append(refs, childRef{Pool: string(parts[0]), ID: string(parts[1])})
			line = nil
			continue
		}
		line = append(line, b)
	}
	return refs
}

func splitOnce(s []byte, sep byte) [2][]byte {
	for i, b := range s {
		if b == sep {
			return [2][]byte{s[:i], s[i+1:]}
		}
	}
	return [2][]byte{s, nil}
}

func ifNonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
