package snaplifecycle

import (
	"context"
	"fmt"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/xerrors"
)

// CloneRequest describes the child image to create from a protected
// parent snapshot.
type CloneRequest struct {
	ChildPool string
	ChildID   string
	ChildName string
	Features  imagemeta.Feature
}

// Clone requires a PROTECTED parent snapshot on a modern-format parent
// with LAYERING, and registers the child in the parent's children set.
// After registering, it re-refreshes the parent and re-checks that the
// snapshot is still PROTECTED; on a detected race it rolls back the
// child's creation and registration.
func (m *Manager) Clone(ctx context.Context, parent *imgctx.Context, parentSnapName string, req CloneRequest) error {
	if parent.Format != imagemeta.FormatLegacy && !parent.Features().Has(imagemeta.FeatureLayering) {
		return xerrors.Unsupported("clone", "parent does not have LAYERING")
	}

	var snap imagemeta.SnapInfo
	found := false
	for _, s := range parent.Snapshots() {
		if s.Name == parentSnapName {
			snap = s
			found = true
			break
		}
	}
	if !found {
		return xerrors.NotFound("clone", fmt.Errorf("parent snapshot %q not found", parentSnapName))
	}
	if snap.Protection != imagemeta.ProtectionProtected {
		return xerrors.Invalid("clone", "parent snapshot is not PROTECTED")
	}

	parentSpec := imagemeta.ParentSpec{
		Pool:    parent.Pool,
		ImageID: parent.ID,
		SnapID:  snap.ID,
		Overlap: snap.Size,
	}

	if err := m.Meta.RegisterDirectoryEntry(ctx, req.ChildPool, req.ChildName, req.ChildID); err != nil {
		return err
	}
	childHeader := imagemeta.Header{
		Size:     snap.Size,
		Order:    parent.Order(),
		Features: req.Features,
		Parent:   parentSpec,
	}
	if err := m.Meta.CreateHeader(ctx, req.ChildPool, req.ChildID, childHeader); err != nil {
		m.Meta.RemoveDirectoryEntry(ctx, req.ChildPool, req.ChildName, req.ChildID)
		return err
	}
	if err := m.Meta.AddChild(ctx, parentSpec, req.ChildPool, req.ChildID); err != nil {
		m.Meta.RemoveDirectoryEntry(ctx, req.ChildPool, req.ChildName, req.ChildID)
		m.Backend.Remove(ctx, req.ChildPool, imagemeta.HeaderObjectName(imagemeta.FormatModern, req.ChildID, ""))
		return err
	}

	h, err := m.Meta.ReadHeader(ctx, parent.Pool, parent.ID)
	if err != nil {
		m.rollbackClone(ctx, parentSpec, req)
		return err
	}
	stillProtected := false
	for _, s := range h.Snaps {
		if s.ID == snap.ID && s.Protection == imagemeta.ProtectionProtected {
			stillProtected = true
			break
		}
	}
	if !stillProtected {
		m.rollbackClone(ctx, parentSpec, req)
		return xerrors.Invalid("clone", "parent snapshot protection changed during clone")
	}
	return nil
}

func (m *Manager) rollbackClone(ctx context.Context, parentSpec imagemeta.ParentSpec, req CloneRequest) {
	m.Meta.RemoveChild(ctx, parentSpec, req.ChildPool, req.ChildID)
	m.Meta.RemoveDirectoryEntry(ctx, req.ChildPool, req.ChildName, req.ChildID)
	m.Backend.Remove(ctx, req.ChildPool, imagemeta.HeaderObjectName(imagemeta.FormatModern, req.ChildID, ""))
}
