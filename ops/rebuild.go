package ops

import (
	"context"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectmap"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
)

// existenceProber adapts Backend.Stat into objectmap.Prober.
type existenceProber struct {
	backend objectstore.Backend
}

func (p existenceProber) ObjectExists(ctx context.Context, pool, objectName string) (bool, error) {
	_, err := p.backend.Stat(ctx, pool, objectName)
	if err == objectstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RebuildObjectMap walks every object for head and each snapshot,
// queries real existence, and writes a fresh map; then clears
// OBJECT_MAP_INVALID (and FAST_DIFF_INVALID if applicable). Requires
// OBJECT_MAP to be enabled.
func (m *Manager) RebuildObjectMap(ctx context.Context, ic *imgctx.Context, backend objectstore.Backend) error {
	if !ic.Features().Has(imagemeta.FeatureObjectMap) {
		return xerrors.Unsupported("rebuild_object_map", "OBJECT_MAP not enabled")
	}

	prober := existenceProber{backend: backend}
	selections := []objectstore.SnapID{objectstore.HeadSnapID}
	for _, s := range ic.Snapshots() {
		selections = append(selections, s.ID)
	}

	for _, snap := range selections {
		count := m.Mapper.ObjectCount(ic.Size())
		bitmap, err := objectmap.Rebuild(ctx, prober, ic.Pool, func(n uint64) string {
			return m.Mapper.ObjectName(ic.ID, n)
		}, count, m.concurrency())
		if err != nil {
			return xerrors.IO("rebuild_object_map", err)
		}
		if err := m.ObjectMaps.Store(ctx, ic.Pool, ic.ID, snap, bitmap); err != nil {
			return err
		}
	}

	flags := ic.Flags() &^ (imagemeta.FlagObjectMapInvalid | imagemeta.FlagFastDiffInvalid)
	ic.SetFlags(flags)
	h, err := m.Meta.ReadHeader(ctx, ic.Pool, ic.ID)
	if err != nil {
		return err
	}
	h.Flags = flags
	return m.Meta.WriteHeader(ctx, ic.Pool, ic.ID, h)
}
