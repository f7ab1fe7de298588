// Package imgctx implements the image context (C2): the in-memory
// mirror of one open image, guarded by the four-lock discipline the
// rest of the control plane depends on — owner_lock, md_lock, snap_lock,
// and parent_lock, plus refresh_lock and cache_lock for narrower state.
//
// Lock order (must never be violated): owner_lock -> md_lock ->
// cache_lock -> snap_lock -> parent_lock -> refresh_lock. The only
// permitted downgrade of owner_lock (read -> write -> read) happens in
// exclusivelock's prepare_image_update; every other site acquires
// forward-only.
package imgctx

import (
	"sync"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/objectmap"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/striping"
	"github.com/coreimage/libimage/xlog"
)

// SnapSelection is the currently selected view of an image: either the
// mutable head, or a specific named snapshot.
type SnapSelection struct {
	IsHead bool
	Name   string
	ID     objectstore.SnapID
}

var HeadSelection = SnapSelection{IsHead: true}

// Context is one open image's full in-memory state.
type Context struct {
	// Immutable for the lifetime of the context.
	Pool    string
	ID      string
	Name    string
	Format  imagemeta.Format
	Backend objectstore.Backend
	Meta    *imagemeta.Client
	Log     xlog.Logger

	ownerLock sync.RWMutex // acquire first
	owner     bool         // true iff this client holds the exclusive lock

	mdLock sync.RWMutex // second
	lockers []imagemeta.Locker
	lockTag string

	cacheLock  sync.Mutex // third
	objectMaps *objectmap.Cache
	mapper     striping.Mapper

	snapLock      sync.RWMutex // fourth
	size          uint64
	order         uint32
	features      imagemeta.Feature
	flags         imagemeta.Flag
	snaps         []imagemeta.SnapInfo
	selection     SnapSelection
	snapExists    bool
	readOnly      bool
	stripeUnit    uint64
	stripeCount   uint64

	parentLock sync.RWMutex // fifth
	parentSpec imagemeta.ParentSpec
	parent     *Context

	refreshLock sync.Mutex // sixth, counters only
	refreshSeq  uint64
	lastRefresh uint64
}

// New constructs a closed-state Context; callers must call a refresh
// before using it for I/O or admin operations.
func New(pool, id, name string, format imagemeta.Format, backend objectstore.Backend, meta *imagemeta.Client, mapper striping.Mapper, objectMaps *objectmap.Cache, log xlog.Logger) *Context {
	var order uint32
	switch m := mapper.(type) {
	case striping.NoStriping:
		order = m.Order
	case striping.StripeV2:
		order = m.Order
	}
	return &Context{
		Pool:       pool,
		ID:         id,
		Name:       name,
		Format:     format,
		Backend:    backend,
		Meta:       meta,
		Log:        log,
		mapper:     mapper,
		order:      order,
		objectMaps: objectMaps,
		selection:  HeadSelection,
		snapExists: true,
	}
}

// --- owner_lock ---

// RLockOwner acquires owner_lock for read, held for the duration of any
// user I/O so lock ownership cannot change mid-operation.
func (c *Context) RLockOwner()   { c.ownerLock.RLock() }
func (c *Context) RUnlockOwner() { c.ownerLock.RUnlock() }

// LockOwner acquires owner_lock for write; used only to acquire/release
// the exclusive lock or to tear the context down.
func (c *Context) LockOwner()   { c.ownerLock.Lock() }
func (c *Context) UnlockOwner() { c.ownerLock.Unlock() }

func (c *Context) IsOwner() bool { return c.owner }

// SetOwner is called only by exclusivelock while owner_lock is
// write-held.
func (c *Context) SetOwner(v bool) { c.owner = v }

// --- md_lock ---

func (c *Context) RLockMeta()   { c.mdLock.RLock() }
func (c *Context) RUnlockMeta() { c.mdLock.RUnlock() }
func (c *Context) LockMeta()    { c.mdLock.Lock() }
func (c *Context) UnlockMeta()  { c.mdLock.Unlock() }

func (c *Context) Lockers() []imagemeta.Locker {
	c.mdLock.RLock()
	defer c.mdLock.RUnlock()
	out := make([]imagemeta.Locker, len(c.lockers))
	copy(out, c.lockers)
	return out
}

func (c *Context) SetLockers(l []imagemeta.Locker, tag string) {
	c.mdLock.Lock()
	defer c.mdLock.Unlock()
	c.lockers = l
	c.lockTag = tag
}

func (c *Context) LockTag() string {
	c.mdLock.RLock()
	defer c.mdLock.RUnlock()
	return c.lockTag
}

// --- cache_lock ---

func (c *Context) ObjectMaps() *objectmap.Cache {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()
	return c.objectMaps
}

func (c *Context) InvalidateCache() {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()
	if c.objectMaps != nil {
		c.objectMaps.Invalidate(c.Pool, c.ID, c.currentSnapID())
	}
}

func (c *Context) Mapper() striping.Mapper { return c.mapper }

// --- snap_lock ---

func (c *Context) RLockSnap()   { c.snapLock.RLock() }
func (c *Context) RUnlockSnap() { c.snapLock.RUnlock() }
func (c *Context) LockSnap()    { c.snapLock.Lock() }
func (c *Context) UnlockSnap()  { c.snapLock.Unlock() }

// Stat is a read-only snapshot of size/order/features/flags/parent,
// mirroring go-ceph's ImageInfo.
type Stat struct {
	Size       uint64
	Order      uint32
	Features   imagemeta.Feature
	Flags      imagemeta.Flag
	Parent     imagemeta.ParentSpec
	ReadOnly   bool
	Selection  SnapSelection
	SnapExists bool
}

func (c *Context) Stat() Stat {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	c.parentLock.RLock()
	defer c.parentLock.RUnlock()
	return Stat{
		Size:       c.size,
		Order:      c.order,
		Features:   c.features,
		Flags:      c.flags,
		Parent:     c.parentSpec,
		ReadOnly:   c.readOnly,
		Selection:  c.selection,
		SnapExists: c.snapExists,
	}
}

func (c *Context) Size() uint64 {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.size
}

func (c *Context) Order() uint32 {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.order
}

func (c *Context) Features() imagemeta.Feature {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.features
}

func (c *Context) Flags() imagemeta.Flag {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.flags
}

func (c *Context) Snapshots() []imagemeta.SnapInfo {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.snapshotsLocked()
}

func (c *Context) snapshotsLocked() []imagemeta.SnapInfo {
	out := make([]imagemeta.SnapInfo, len(c.snaps))
	copy(out, c.snaps)
	return out
}

// SnapshotsLocked returns a copy of the snapshot table without
// acquiring snap_lock. Callers must already hold it (read or write);
// used by code that needs to read snaps while already holding the
// write lock, where calling Snapshots would self-deadlock.
func (c *Context) SnapshotsLocked() []imagemeta.SnapInfo {
	return c.snapshotsLocked()
}

// SizeLocked returns size without acquiring snap_lock. Callers must
// already hold it (read or write).
func (c *Context) SizeLocked() uint64 {
	return c.size
}

// SetSnapSelection switches the current view to name, or to head when
// name=="". Fails if name doesn't exist in the current snapshot table.
func (c *Context) SetSnapSelection(name string) bool {
	c.snapLock.Lock()
	defer c.snapLock.Unlock()
	if name == "" {
		c.selection = HeadSelection
		c.snapExists = true
		c.readOnly = false
		return true
	}
	for _, s := range c.snaps {
		if s.Name == name {
			c.selection = SnapSelection{Name: name, ID: s.ID}
			c.snapExists = true
			c.readOnly = true
			return true
		}
	}
	return false
}

func (c *Context) Selection() SnapSelection {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.selection
}

func (c *Context) ReadOnly() bool {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.readOnly
}

func (c *Context) currentSnapID() objectstore.SnapID {
	if c.selection.IsHead {
		return objectstore.HeadSnapID
	}
	return c.selection.ID
}

func (c *Context) CurrentSnapID() objectstore.SnapID {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.currentSnapID()
}

// ApplyRefreshedState installs the reconciled metadata from a refresh
// pass. Called by the refresh engine, by snaplifecycle after it
// rewrites the header, and by image when opening a parent; it takes
// snap_lock write itself as spec.md §4.1 requires.
func (c *Context) ApplyRefreshedState(size uint64, features imagemeta.Feature, flags imagemeta.Flag, snaps []imagemeta.SnapInfo, stripeUnit, stripeCount uint64) {
	c.snapLock.Lock()
	defer c.snapLock.Unlock()
	c.size = size
	c.features = features
	c.flags = flags
	c.stripeUnit = stripeUnit
	c.stripeCount = stripeCount

	if !c.selection.IsHead {
		found := false
		for _, s := range snaps {
			if s.Name == c.selection.Name {
				found = true
				c.selection.ID = s.ID
				break
			}
		}
		c.snapExists = found
	}
	c.snaps = snaps
}

func (c *Context) SetFlags(f imagemeta.Flag) {
	c.snapLock.Lock()
	defer c.snapLock.Unlock()
	c.flags = f
}

func (c *Context) SetSize(size uint64) {
	c.snapLock.Lock()
	defer c.snapLock.Unlock()
	c.size = size
}

// --- parent_lock ---

func (c *Context) RLockParent()   { c.parentLock.RLock() }
func (c *Context) RUnlockParent() { c.parentLock.RUnlock() }
func (c *Context) LockParent()    { c.parentLock.Lock() }
func (c *Context) UnlockParent()  { c.parentLock.Unlock() }

func (c *Context) ParentSpec() imagemeta.ParentSpec {
	c.parentLock.RLock()
	defer c.parentLock.RUnlock()
	return c.parentSpec
}

func (c *Context) Parent() *Context {
	c.parentLock.RLock()
	defer c.parentLock.RUnlock()
	return c.parent
}

// SetParent installs the parent edge and (owns, via caller-pins-keeps-alive)
// the child's reference to the parent Context. Closing this Context
// closes parent too (see Close).
func (c *Context) SetParent(spec imagemeta.ParentSpec, parent *Context) {
	c.parentLock.Lock()
	defer c.parentLock.Unlock()
	c.parentSpec = spec
	c.parent = parent
}

// ClearParent removes the parent edge, returning the previously-open
// parent Context so the caller (refresh_parent) can close it.
func (c *Context) ClearParent() *Context {
	c.parentLock.Lock()
	defer c.parentLock.Unlock()
	old := c.parent
	c.parent = nil
	c.parentSpec = imagemeta.ParentSpec{}
	return old
}

// --- refresh_lock ---

func (c *Context) RefreshSeq() uint64 {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()
	return c.refreshSeq
}

func (c *Context) LastRefresh() uint64 {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()
	return c.lastRefresh
}

// BumpRefreshSeq is called by the watch-event inbox handler on every
// external notification.
func (c *Context) BumpRefreshSeq() uint64 {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()
	c.refreshSeq++
	return c.refreshSeq
}

// SnapshotRefreshSeq reads refresh_seq for use as the new last_refresh
// value, taken *before* the refresh body reads persisted state so a
// concurrent notification during the refresh forces another pass.
func (c *Context) SnapshotRefreshSeq() uint64 {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()
	return c.refreshSeq
}

func (c *Context) SetLastRefresh(v uint64) {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()
	c.lastRefresh = v
}

func (c *Context) NeedsRefresh() bool {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()
	return c.lastRefresh != c.refreshSeq
}

// Close tears the context down, recursively closing the parent it
// exclusively owns.
func (c *Context) Close() {
	c.ownerLock.Lock()
	defer c.ownerLock.Unlock()
	if p := c.ClearParent(); p != nil {
		p.Close()
	}
}
