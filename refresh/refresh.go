// Package refresh implements the refresh engine (C4): it reconciles an
// image context against persisted metadata on demand, and manages
// opening/closing the parent context when the parent edge changes.
package refresh

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
	"github.com/coreimage/libimage/xlog"
	"github.com/coreimage/libimage/xmetrics"
)

// ParentOpener opens (recursively refreshing) the parent image named by
// spec, always read-only, per spec.md §4.2. It is implemented by
// package image; refresh only depends on it through this
// interface to avoid a package cycle.
type ParentOpener interface {
	OpenParentReadOnly(ctx context.Context, spec imagemeta.ParentSpec) (*imgctx.Context, error)
}

// Engine runs refresh passes for image contexts sharing one metadata
// client and object store backend.
type Engine struct {
	Meta    *imagemeta.Client
	Opener  ParentOpener
	Log     xlog.Logger
	group   singleflight.Group
}

// NewEngine returns a refresh Engine.
func NewEngine(meta *imagemeta.Client, opener ParentOpener, log xlog.Logger) *Engine {
	return &Engine{Meta: meta, Opener: opener, Log: log}
}

// Check ensures ic's in-memory state reflects at least the metadata
// version observed when Check was called: if last_refresh != refresh_seq,
// it runs a refresh pass under owner_lock read. Concurrent Check calls
// racing against the same stale state collapse into one in-flight
// refresh via singleflight, so a burst of operations arriving after one
// notification doesn't each trigger a redundant metadata read.
func (e *Engine) Check(ctx context.Context, ic *imgctx.Context) error {
	if !ic.NeedsRefresh() {
		return nil
	}
	key := ic.Pool + "/" + ic.ID
	_, err, shared := e.group.Do(key, func() (interface{}, error) {
		return nil, e.refresh(ctx, ic)
	})
	if shared {
		xmetrics.RefreshCollapsedMeter.Mark(1)
	}
	return err
}

// refresh runs one reconciliation pass, following spec.md §4.2's
// numbered steps for the modern format.
func (e *Engine) refresh(ctx context.Context, ic *imgctx.Context) error {
	xmetrics.RefreshMeter.Mark(1)
	seq := ic.SnapshotRefreshSeq()

	if ic.Format == imagemeta.FormatLegacy {
		return e.refreshLegacy(ctx, ic, seq)
	}

	h, err := e.Meta.ReadHeader(ctx, ic.Pool, ic.ID)
	if err != nil {
		return err
	}

	oldSnaps := ic.Snapshots()
	newByID := make(map[objectstore.SnapID]imagemeta.SnapInfo, len(h.Snaps))
	for _, s := range h.Snaps {
		newByID[s.ID] = s
	}
	var newSnaps []imagemeta.SnapInfo
	for _, s := range oldSnaps {
		if ns, ok := newByID[s.ID]; ok {
			newSnaps = append(newSnaps, ns)
		}
	}
	for _, s := range h.Snaps {
		found := false
		for _, old := range oldSnaps {
			if old.ID == s.ID {
				found = true
				break
			}
		}
		if !found {
			newSnaps = append(newSnaps, s)
			e.Log.Debug("new snapshot observed on refresh", "image", ic.ID, "snap", s.Name)
		}
	}
	if !wellFormed(newSnaps) {
		return xerrors.Corrupt("refresh", fmt.Errorf("malformed snap context for image %q", ic.ID))
	}

	ic.ApplyRefreshedState(h.Size, h.Features, h.Flags, newSnaps, h.StripeUnit, h.StripeCount)
	ic.SetLockers(h.Lockers, h.LockTag)

	if err := e.refreshParent(ctx, ic, h.Parent); err != nil {
		return err
	}

	if sel := ic.Selection(); !sel.IsHead {
		found := false
		for _, s := range newSnaps {
			if s.Name == sel.Name {
				found = true
				break
			}
		}
		if !found {
			ic.SetSnapSelection(sel.Name) // records snapExists=false via ApplyRefreshedState path
		}
	}

	ic.SetLastRefresh(seq)
	return nil
}

func wellFormed(snaps []imagemeta.SnapInfo) bool {
	seen := make(map[objectstore.SnapID]bool, len(snaps))
	for _, s := range snaps {
		if s.ID == objectstore.HeadSnapID || seen[s.ID] {
			return false
		}
		seen[s.ID] = true
	}
	return true
}

// refreshParent closes the current parent context if the edge changed
// and opens the new one if needed, per spec.md §4.2.
func (e *Engine) refreshParent(ctx context.Context, ic *imgctx.Context, newSpec imagemeta.ParentSpec) error {
	cur := ic.ParentSpec()
	if cur == newSpec {
		return nil
	}
	if old := ic.ClearParent(); old != nil {
		old.Close()
	}
	if newSpec.IsZero() {
		return nil
	}
	parent, err := e.Opener.OpenParentReadOnly(ctx, newSpec)
	if err != nil {
		return err
	}
	if err := e.Check(ctx, parent); err != nil {
		parent.Close()
		return err
	}
	ic.SetParent(newSpec, parent)
	return nil
}

// refreshLegacy reconciles a legacy-format image context: fixed header
// blob plus a flat snapshot list, no feature bits, flags, or parent.
func (e *Engine) refreshLegacy(ctx context.Context, ic *imgctx.Context, seq uint64) error {
	h, err := e.Meta.ReadLegacyHeader(ctx, ic.Pool, ic.Name)
	if err != nil {
		return err
	}
	snaps, err := e.Meta.ReadLegacySnapList(ctx, ic.Pool, ic.Name)
	if err != nil {
		return err
	}
	ic.ApplyRefreshedState(h.Size, 0, 0, snaps, 0, 0)
	ic.SetLastRefresh(seq)
	return nil
}
