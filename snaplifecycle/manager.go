// Package snaplifecycle implements the snapshot and parent manager
// (C7): create/remove/rollback/protect/unprotect and clone child-set
// bookkeeping across pools; flatten lives in package ops. Its methods are the Local phase
// asyncop.Invoke dispatches into once ownership (when required) has
// been established.
package snaplifecycle

import (
	"context"
	"fmt"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectmap"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
	"github.com/coreimage/libimage/xlog"
)

// Manager holds the collaborators snapshot/parent operations need.
type Manager struct {
	Meta       *imagemeta.Client
	Backend    objectstore.Backend
	ObjectMaps *objectmap.Cache
	Log        xlog.Logger
}

// Flusher drains in-flight writes, implemented by ioengine against the
// real I/O path.
type Flusher interface {
	FlushInFlight(ctx context.Context) error
}

// New returns a Manager.
func New(meta *imagemeta.Client, backend objectstore.Backend, objectMaps *objectmap.Cache, log xlog.Logger) *Manager {
	return &Manager{Meta: meta, Backend: backend, ObjectMaps: objectMaps, Log: log}
}

// Create allocates a new snapshot id at the object store and registers
// (id,name) on ic's header. On success, and if ic currently owns the
// exclusive lock, the new snap context becomes the current write
// context immediately; otherwise the next refresh picks it up.
func (m *Manager) Create(ctx context.Context, ic *imgctx.Context, flusher Flusher, name string) error {
	ic.LockMeta()
	defer ic.UnlockMeta()

	// Drain writes submitted before this call while still holding
	// md_lock, so add_snap can't race a write landing against the old
	// snap context (spec.md §5's create ordering guarantee).
	if flusher != nil {
		if err := flusher.FlushInFlight(ctx); err != nil {
			return err
		}
	}

	for _, s := range ic.Snapshots() {
		if s.Name == name {
			return xerrors.AlreadyExists("snap_create", fmt.Errorf("snapshot %q already exists", name))
		}
	}

	id, err := m.Backend.AllocateSnapID(ctx, ic.Pool)
	if err != nil {
		return xerrors.FromBackend("snap_create", err)
	}

	h, err := m.Meta.ReadHeader(ctx, ic.Pool, ic.ID)
	if err != nil {
		return err
	}
	info := imagemeta.SnapInfo{
		ID:     id,
		Name:   name,
		Size:   ic.Size(),
		Parent: ic.ParentSpec(),
	}
	h.Snaps = append(h.Snaps, info)
	if err := m.Meta.WriteHeader(ctx, ic.Pool, ic.ID, h); err != nil {
		return err
	}

	snaps := ic.Snapshots()
	snaps = append(snaps, info)
	ic.ApplyRefreshedState(ic.Size(), ic.Features(), ic.Flags(), snaps, h.StripeUnit, h.StripeCount)

	if ic.IsOwner() {
		count := objectCountForSize(ic)
		bitmap, err := m.ObjectMaps.Load(ctx, ic.Pool, ic.ID, objectstore.HeadSnapID, count)
		if err != nil {
			return err
		}
		if err := m.ObjectMaps.Store(ctx, ic.Pool, ic.ID, id, bitmap.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Remove deregisters name from ic's header, releasing its object-store
// id and clearing its object map. If this snapshot held the only
// reference to the image's parent edge, it deregisters from the
// parent's children set too.
func (m *Manager) Remove(ctx context.Context, ic *imgctx.Context, name string) error {
	ic.LockSnap()

	var target *imagemeta.SnapInfo
	snaps := ic.SnapshotsLocked()
	remaining := snaps[:0]
	for i := range snaps {
		if snaps[i].Name == name {
			s := snaps[i]
			target = &s
			continue
		}
		remaining = append(remaining, snaps[i])
	}
	if target == nil {
		ic.UnlockSnap()
		return xerrors.NotFound("snap_remove", fmt.Errorf("snapshot %q not found", name))
	}
	if target.Protection == imagemeta.ProtectionProtected {
		ic.UnlockSnap()
		return xerrors.Busy("snap_remove")
	}

	if err := m.ObjectMaps.Remove(ctx, ic.Pool, ic.ID, target.ID); err != nil {
		ic.UnlockSnap()
		return err
	}

	onlyRef := true
	for _, s := range remaining {
		if s.Parent == target.Parent && !target.Parent.IsZero() {
			onlyRef = false
			break
		}
	}
	if current := ic.ParentSpec(); current == target.Parent && !target.Parent.IsZero() {
		onlyRef = false
	}
	ic.UnlockSnap()

	if onlyRef && !target.Parent.IsZero() {
		if err := m.Meta.RemoveChild(ctx, target.Parent, ic.Pool, ic.ID); err != nil && !xerrors.Is(err, xerrors.KindNotFound) {
			return err
		}
	}

	h, err := m.Meta.ReadHeader(ctx, ic.Pool, ic.ID)
	if err != nil {
		return err
	}
	filtered := h.Snaps[:0]
	for _, s := range h.Snaps {
		if s.Name != name {
			filtered = append(filtered, s)
		}
	}
	h.Snaps = filtered
	if err := m.Meta.WriteHeader(ctx, ic.Pool, ic.ID, h); err != nil {
		return err
	}

	if err := m.Backend.ReleaseSnapID(ctx, ic.Pool, target.ID); err != nil {
		m.Log.Warn("release snap id failed", "image", ic.ID, "snap", name, "err", err)
	}

	ic.ApplyRefreshedState(ic.Size(), ic.Features(), ic.Flags(), remaining, 0, 0)
	return nil
}

// Protect requires LAYERING and transitions name from UNPROTECTED to
// PROTECTED.
func (m *Manager) Protect(ctx context.Context, ic *imgctx.Context, name string) error {
	if !ic.Features().Has(imagemeta.FeatureLayering) {
		return xerrors.Unsupported("snap_protect", "LAYERING not enabled")
	}
	return m.setProtection(ctx, ic, name, func(cur imagemeta.Protection) (imagemeta.Protection, error) {
		if cur == imagemeta.ProtectionProtected {
			return cur, xerrors.AlreadyExists("snap_protect", fmt.Errorf("snapshot %q already protected", name))
		}
		if cur != imagemeta.ProtectionUnprotected {
			return cur, xerrors.Busy("snap_protect")
		}
		return imagemeta.ProtectionProtected, nil
	})
}

// Unprotect transitions name PROTECTED -> UNPROTECTING -> UNPROTECTED
// iff no child references it, per the children set registered against
// ic's own pool; otherwise it reverts to PROTECTED and fails with BUSY.
func (m *Manager) Unprotect(ctx context.Context, ic *imgctx.Context, name string) error {
	ic.LockSnap()
	var target imagemeta.SnapInfo
	found := false
	snaps := ic.SnapshotsLocked()
	for _, s := range snaps {
		if s.Name == name {
			target = s
			found = true
			break
		}
	}
	ic.UnlockSnap()
	if !found {
		return xerrors.NotFound("snap_unprotect", fmt.Errorf("snapshot %q not found", name))
	}
	if target.Protection != imagemeta.ProtectionProtected {
		return xerrors.Invalid("snap_unprotect", "snapshot is not PROTECTED")
	}

	if err := m.setProtectionByID(ctx, ic, target.ID, imagemeta.ProtectionUnprotecting); err != nil {
		return err
	}

	// Children always register against the parent's own pool (see
	// imagemeta.AddChild), regardless of which pool the child image
	// itself lives in, so a single ListChildren call against ic.Pool
	// already covers every reachable child; there is no per-pool scan
	// to perform (DESIGN.md's Open-Q3 decision).
	parentSpec := imagemeta.ParentSpec{Pool: ic.Pool, ImageID: ic.ID, SnapID: target.ID}
	children, err := m.Meta.ListChildren(ctx, parentSpec)
	if err != nil {
		m.setProtectionByID(ctx, ic, target.ID, imagemeta.ProtectionProtected)
		return err
	}
	if len(children) > 0 {
		m.setProtectionByID(ctx, ic, target.ID, imagemeta.ProtectionProtected)
		return xerrors.Busy("snap_unprotect")
	}

	return m.setProtectionByID(ctx, ic, target.ID, imagemeta.ProtectionUnprotected)
}

func (m *Manager) setProtection(ctx context.Context, ic *imgctx.Context, name string, transition func(imagemeta.Protection) (imagemeta.Protection, error)) error {
	h, err := m.Meta.ReadHeader(ctx, ic.Pool, ic.ID)
	if err != nil {
		return err
	}
	idx := -1
	for i, s := range h.Snaps {
		if s.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return xerrors.NotFound("set_protection", fmt.Errorf("snapshot %q not found", name))
	}
	next, err := transition(h.Snaps[idx].Protection)
	if err != nil {
		return err
	}
	h.Snaps[idx].Protection = next
	if err := m.Meta.WriteHeader(ctx, ic.Pool, ic.ID, h); err != nil {
		return err
	}
	ic.ApplyRefreshedState(ic.Size(), ic.Features(), ic.Flags(), h.Snaps, h.StripeUnit, h.StripeCount)
	return nil
}

func (m *Manager) setProtectionByID(ctx context.Context, ic *imgctx.Context, id objectstore.SnapID, p imagemeta.Protection) error {
	h, err := m.Meta.ReadHeader(ctx, ic.Pool, ic.ID)
	if err != nil {
		return err
	}
	for i := range h.Snaps {
		if h.Snaps[i].ID == id {
			h.Snaps[i].Protection = p
		}
	}
	if err := m.Meta.WriteHeader(ctx, ic.Pool, ic.ID, h); err != nil {
		return err
	}
	ic.ApplyRefreshedState(ic.Size(), ic.Features(), ic.Flags(), h.Snaps, h.StripeUnit, h.StripeCount)
	return nil
}

func objectCountForSize(ic *imgctx.Context) uint64 {
	objSize := uint64(1) << ic.Order()
	size := ic.Size()
	return (size + objSize - 1) / objSize
}
