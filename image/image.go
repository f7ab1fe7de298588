// Package image is the public API: it wires the metadata codec,
// image context, refresh engine, exclusive lock, async-op dispatcher,
// snapshot/parent manager, structural ops, and I/O front-end into
// Open/Create/Remove/Rename/Clone and the per-image operations.
package image

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/coreimage/libimage/asyncop"
	"github.com/coreimage/libimage/exclusivelock"
	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/ioengine"
	"github.com/coreimage/libimage/objectmap"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/ops"
	"github.com/coreimage/libimage/refresh"
	"github.com/coreimage/libimage/snaplifecycle"
	"github.com/coreimage/libimage/striping"
	"github.com/coreimage/libimage/xerrors"
	"github.com/coreimage/libimage/xlog"
)

// Client is the entry point: one per process (or per object-store
// connection), shared across every Image it opens.
type Client struct {
	backend    objectstore.Backend
	meta       *imagemeta.Client
	objectMaps *objectmap.Cache
	refreshEng *refresh.Engine
	snapMgr    *snaplifecycle.Manager
	clientID   string
	opts       Options
	log        xlog.Logger
}

// NewClient wires a Client against backend using opts (DefaultOptions()
// if unset) and clientID as this process's lock-owner identity.
func NewClient(backend objectstore.Backend, clientID string, opts Options, log xlog.Logger) (*Client, error) {
	if log == nil {
		log = xlog.New()
	}
	if opts == (Options{}) {
		opts = DefaultOptions()
	}
	meta := imagemeta.NewClient(backend, opts.MetadataCacheBytes)
	objectMaps, err := objectmap.NewCache(backend, opts.ObjectMapCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("image: new object map cache: %w", err)
	}
	c := &Client{
		backend:    backend,
		meta:       meta,
		objectMaps: objectMaps,
		snapMgr:    snaplifecycle.New(meta, backend, objectMaps, log),
		clientID:   clientID,
		opts:       opts,
		log:        log,
	}
	c.refreshEng = refresh.NewEngine(meta, c, log)
	return c, nil
}

// OpenParentReadOnly implements refresh.ParentOpener.
func (c *Client) OpenParentReadOnly(ctx context.Context, spec imagemeta.ParentSpec) (*imgctx.Context, error) {
	h, err := c.meta.ReadHeader(ctx, spec.Pool, spec.ImageID)
	if err != nil {
		return nil, err
	}
	mapper := mapperFor(h)
	ic := imgctx.New(spec.Pool, spec.ImageID, "", imagemeta.FormatModern, c.backend, c.meta, mapper, c.objectMaps, c.log)
	ic.BumpRefreshSeq()
	ic.ApplyRefreshedState(h.Size, h.Features, h.Flags, h.Snaps, h.StripeUnit, h.StripeCount)
	if !ic.SetSnapSelection(snapNameForID(h, spec.SnapID)) {
		return nil, xerrors.Corrupt("open_parent_read_only", fmt.Errorf("parent snapshot id %d not found", spec.SnapID))
	}
	return ic, nil
}

func snapNameForID(h imagemeta.Header, id objectstore.SnapID) string {
	for _, s := range h.Snaps {
		if s.ID == id {
			return s.Name
		}
	}
	return ""
}

func mapperFor(h imagemeta.Header) striping.Mapper {
	if h.Features.Has(imagemeta.FeatureStripingV2) && h.StripeUnit != 0 && h.StripeCount != 0 {
		return striping.StripeV2{Order: h.Order, StripeUnit: h.StripeUnit, StripeCount: h.StripeCount}
	}
	return striping.NoStriping{Order: h.Order}
}

func generateID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Image is one open image: its context, I/O front-end, and (if
// EXCLUSIVE_LOCK is enabled) its lock state machine.
type Image struct {
	client *Client
	ctx    *imgctx.Context
	io     *ioengine.Engine
	lock   *exclusivelock.Lock
	opsMgr *ops.Manager
}

// CreateOptions carries the striping parameters Create needs beyond
// size/order/features; StripeUnit/StripeCount are ignored unless
// features has STRIPINGV2 set.
type CreateOptions struct {
	StripeUnit  uint64
	StripeCount uint64
}

// Create allocates a new modern-format image's directory entry, id, and
// header, validates feature implications, and returns it already open.
func (c *Client) Create(ctx context.Context, pool, name string, size uint64, order uint32, features imagemeta.Feature, opts CreateOptions) (*Image, error) {
	if !imagemeta.ValidateImplications(features) {
		return nil, xerrors.Invalid("create", "feature set violates FAST_DIFF/OBJECT_MAP/EXCLUSIVE_LOCK implications")
	}
	if features&^imagemeta.Supported != 0 {
		return nil, xerrors.UnsupportedIncompatible("create")
	}

	id, err := generateID()
	if err != nil {
		return nil, xerrors.IO("create", err)
	}

	if err := c.meta.RegisterDirectoryEntry(ctx, pool, name, id); err != nil {
		return nil, err
	}
	h := imagemeta.Header{Size: size, Order: order, Features: features}
	if features.Has(imagemeta.FeatureStripingV2) {
		h.StripeUnit = opts.StripeUnit
		h.StripeCount = opts.StripeCount
	}
	if err := c.meta.CreateHeader(ctx, pool, id, h); err != nil {
		c.meta.RemoveDirectoryEntry(ctx, pool, name, id)
		return nil, err
	}

	return c.Open(ctx, pool, name)
}

// Open resolves name to its id, reads its header, runs an initial
// refresh, and wires up the I/O front-end and (if enabled) the
// exclusive lock.
func (c *Client) Open(ctx context.Context, pool, name string) (*Image, error) {
	id, err := c.meta.LookupID(ctx, pool, name)
	if err != nil {
		return nil, err
	}
	h, err := c.meta.ReadHeader(ctx, pool, id)
	if err != nil {
		return nil, err
	}

	mapper := mapperFor(h)
	ic := imgctx.New(pool, id, name, imagemeta.FormatModern, c.backend, c.meta, mapper, c.objectMaps, c.log)
	ic.BumpRefreshSeq()
	if err := c.refreshEng.Check(ctx, ic); err != nil {
		return nil, err
	}

	opsMgr := &ops.Manager{
		Meta:                    c.meta,
		DataIO:                  c.backend,
		ObjectMaps:              c.objectMaps,
		Mapper:                  mapper,
		Log:                     c.log,
		ConcurrentManagementOps: c.opts.ConcurrentManagementOps,
	}

	img := &Image{client: c, ctx: ic, opsMgr: opsMgr}

	var parentIO ioengine.ParentIO
	if parent := ic.Parent(); parent != nil {
		parentIO = &parentReadAdapter{parent: parent, backend: c.backend}
	}
	img.io = ioengine.New(ic, c.backend, nil, parentIO, c.opts.SkipPartialDiscard)
	if h.Features.Has(imagemeta.FeatureExclusiveLock) {
		img.lock = exclusivelock.New(ic, c.backend, c.meta, c.clientID, img.io, c.log)
		img.io = ioengine.New(ic, c.backend, img.lock, parentIO, c.opts.SkipPartialDiscard)
	}
	return img, nil
}

// OpenLegacy opens a legacy-format image addressed directly by name (no
// directory entry, no feature bits, no parent, no exclusive lock).
func (c *Client) OpenLegacy(ctx context.Context, pool, name string) (*Image, error) {
	h, err := c.meta.ReadLegacyHeader(ctx, pool, name)
	if err != nil {
		return nil, err
	}
	mapper := striping.NoStriping{Order: h.Order}
	ic := imgctx.New(pool, name, name, imagemeta.FormatLegacy, c.backend, c.meta, mapper, c.objectMaps, c.log)
	ic.BumpRefreshSeq()
	if err := c.refreshEng.Check(ctx, ic); err != nil {
		return nil, err
	}
	opsMgr := &ops.Manager{
		Meta:                    c.meta,
		DataIO:                  c.backend,
		ObjectMaps:              c.objectMaps,
		Mapper:                  mapper,
		Log:                     c.log,
		ConcurrentManagementOps: c.opts.ConcurrentManagementOps,
	}
	img := &Image{client: c, ctx: ic, opsMgr: opsMgr}
	img.io = ioengine.New(ic, c.backend, nil, nil, c.opts.SkipPartialDiscard)
	return img, nil
}

type parentReadAdapter struct {
	parent  *imgctx.Context
	backend objectstore.Backend
}

func (p *parentReadAdapter) Read(ctx context.Context, off, length uint64) ([]byte, error) {
	eng := ioengine.New(p.parent, p.backend, nil, nil, false)
	return eng.Read(ctx, off, length)
}

// Remove deletes name's header, object maps, id object, and directory
// entry. NOT_FOUND on any individual sub-object removal is swallowed
// with a warning, per spec.md §7's clean-up policy.
func (c *Client) Remove(ctx context.Context, pool, name string) error {
	id, err := c.meta.LookupID(ctx, pool, name)
	if err != nil {
		return err
	}
	h, err := c.meta.ReadHeader(ctx, pool, id)
	if err != nil {
		return err
	}
	for _, s := range h.Snaps {
		if s.Protection == imagemeta.ProtectionProtected {
			return xerrors.Busy("remove")
		}
	}

	if err := c.objectMaps.Remove(ctx, pool, id, objectstore.HeadSnapID); err != nil {
		c.log.Warn("remove head object map failed", "image", id, "err", err)
	}
	for _, s := range h.Snaps {
		if err := c.objectMaps.Remove(ctx, pool, id, s.ID); err != nil {
			c.log.Warn("remove snapshot object map failed", "image", id, "snap", s.Name, "err", err)
		}
	}
	if err := c.backend.Remove(ctx, pool, imagemeta.HeaderObjectName(imagemeta.FormatModern, id, "")); err != nil && err != objectstore.ErrNotFound {
		return xerrors.FromBackend("remove", err)
	}
	if err := c.meta.RemoveDirectoryEntry(ctx, pool, name, id); err != nil {
		return err
	}
	return nil
}

// Rename moves name to newName within pool, preserving id. Per spec.md
// §9's open question, this does not notify watchers of the new name.
func (c *Client) Rename(ctx context.Context, pool, name, newName string) error {
	id, err := c.meta.LookupID(ctx, pool, name)
	if err != nil {
		return err
	}
	return c.meta.RenameDirectoryEntry(ctx, pool, name, newName, id)
}

// Stat returns a read-only snapshot of img's size/order/features/flags/parent.
func (img *Image) Stat() imgctx.Stat { return img.ctx.Stat() }

// Close tears img's context down, recursively closing its parent.
func (img *Image) Close() { img.ctx.Close() }

func (img *Image) dispatch(ctx context.Context, permitSnapshot bool, local func(context.Context) error) error {
	return asyncop.Invoke(ctx, img.ctx, asyncop.Request{
		PermitSnapshot: permitSnapshot,
		FeatureOn:      img.ctx.Features().Has(imagemeta.FeatureExclusiveLock),
		Lock:           img.lock,
		Local:          local,
	})
}

// Read reads length bytes starting at off from the currently selected view.
func (img *Image) Read(ctx context.Context, off, length uint64) ([]byte, error) {
	img.ctx.RLockOwner()
	defer img.ctx.RUnlockOwner()
	if err := img.client.refreshEng.Check(ctx, img.ctx); err != nil {
		return nil, err
	}
	return img.io.Read(ctx, off, length)
}

// Write submits data at off against the currently selected view.
func (img *Image) Write(ctx context.Context, off uint64, data []byte) error {
	return img.dispatch(ctx, false, func(ctx context.Context) error {
		return img.io.Write(ctx, off, data)
	})
}

// Discard discards [off, off+length) against the currently selected view.
func (img *Image) Discard(ctx context.Context, off, length uint64) error {
	return img.dispatch(ctx, false, func(ctx context.Context) error {
		return img.io.Discard(ctx, off, length)
	})
}

// Flush drains in-flight writes; it issues no flush call to the backend.
func (img *Image) Flush(ctx context.Context) error { return img.io.Flush(ctx) }

// SetSnapSelection switches img's view to name ("" for head).
func (img *Image) SetSnapSelection(name string) bool { return img.ctx.SetSnapSelection(name) }

// SnapCreate creates a new snapshot named name.
func (img *Image) SnapCreate(ctx context.Context, name string) error {
	return img.dispatch(ctx, true, func(ctx context.Context) error {
		return img.client.snapMgr.Create(ctx, img.ctx, img.io, name)
	})
}

// SnapRemove removes snapshot name.
func (img *Image) SnapRemove(ctx context.Context, name string) error {
	return img.dispatch(ctx, true, func(ctx context.Context) error {
		return img.client.snapMgr.Remove(ctx, img.ctx, name)
	})
}

// SnapProtect protects snapshot name against removal/unprotect while
// children exist.
func (img *Image) SnapProtect(ctx context.Context, name string) error {
	return img.dispatch(ctx, true, func(ctx context.Context) error {
		return img.client.snapMgr.Protect(ctx, img.ctx, name)
	})
}

// SnapUnprotect reverses SnapProtect, failing with BUSY while any child
// references the snapshot.
func (img *Image) SnapUnprotect(ctx context.Context, name string) error {
	return img.dispatch(ctx, true, func(ctx context.Context) error {
		return img.client.snapMgr.Unprotect(ctx, img.ctx, name)
	})
}

// Resize changes img's size, trimming trailing objects on shrink.
func (img *Image) Resize(ctx context.Context, newSize uint64, progress ops.Progress) error {
	return img.dispatch(ctx, false, func(ctx context.Context) error {
		return img.opsMgr.Resize(ctx, img.ctx, newSize, progress)
	})
}

// Flatten copies every referenced parent object into img and clears its
// parent edge. Idempotent: returns INVALID on an already-flattened image.
func (img *Image) Flatten(ctx context.Context, progress ops.Progress) error {
	return img.dispatch(ctx, false, func(ctx context.Context) error {
		parent := img.ctx.Parent()
		if parent == nil {
			return xerrors.Invalid("flatten", "image has no parent")
		}
		reader := &parentReadAdapter{parent: parent, backend: img.client.backend}
		return img.opsMgr.Flatten(ctx, img.ctx, parentExtentReader{reader, img.ctx}, progress)
	})
}

type parentExtentReader struct {
	read *parentReadAdapter
	ic   *imgctx.Context
}

func (r parentExtentReader) ReadParentExtent(ctx context.Context, objectNumber uint64, buf []byte) (int, error) {
	off := objectNumber << r.ic.Order()
	data, err := r.read.Read(ctx, off, uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	return copy(buf, data), nil
}

// RebuildObjectMap walks every object for head and each snapshot and
// writes a fresh object map, clearing OBJECT_MAP_INVALID/FAST_DIFF_INVALID.
func (img *Image) RebuildObjectMap(ctx context.Context) error {
	return img.dispatch(ctx, true, func(ctx context.Context) error {
		return img.opsMgr.RebuildObjectMap(ctx, img.ctx, img.client.backend)
	})
}

// Clone creates a child image from a PROTECTED snapshot of img. If
// req.ChildID is unset, one is generated.
func (img *Image) Clone(ctx context.Context, parentSnapName string, req snaplifecycle.CloneRequest) (*Image, error) {
	if req.ChildID == "" {
		id, err := generateID()
		if err != nil {
			return nil, xerrors.IO("clone", err)
		}
		req.ChildID = id
	}
	if err := img.client.snapMgr.Clone(ctx, img.ctx, parentSnapName, req); err != nil {
		return nil, err
	}
	return img.client.Open(ctx, req.ChildPool, req.ChildName)
}

// SnapRollback resets img's head content and size to snapshot name,
// rolling every object back and rebuilding the head object map. Dirty
// writes are flushed and the cache invalidated before rollback begins,
// per spec.md §4.4.
func (img *Image) SnapRollback(ctx context.Context, name string, progress snaplifecycle.ProgressFn) error {
	return img.dispatch(ctx, true, func(ctx context.Context) error {
		if err := img.io.Flush(ctx); err != nil {
			return err
		}
		img.ctx.InvalidateCache()
		return img.client.snapMgr.Rollback(ctx, img.ctx, img.io, img.ctx.Mapper(), name, img.client.opts.ConcurrentManagementOps, progress)
	})
}
