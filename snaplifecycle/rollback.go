package snaplifecycle

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/striping"
	"github.com/coreimage/libimage/xerrors"
)

// ObjectRoller issues a "rollback to snapshot id" op against one data
// object, implemented by ioengine against the real object store.
type ObjectRoller interface {
	RollbackObject(ctx context.Context, pool, objectName string, snap objectstore.SnapID) error
}

// ProgressFn reports rollback progress, object_count-based per
// spec.md §4.5.
type ProgressFn func(done, total uint64)

// Rollback resizes ic to the snapshot's recorded size, then rolls every
// object in [0, numObjects) back to that snapshot id, then rolls back
// the object map. Callers must have already flushed dirty writes and
// invalidated the cache, since writes may have produced their own
// snapshots in flight.
func (m *Manager) Rollback(ctx context.Context, ic *imgctx.Context, roller ObjectRoller, mapper striping.Mapper, name string, concurrency int, progress ProgressFn) error {
	var targetID objectstore.SnapID
	var targetSize uint64
	found := false
	for _, s := range ic.Snapshots() {
		if s.Name == name {
			targetID = s.ID
			targetSize = s.Size
			found = true
			break
		}
	}
	if !found {
		return xerrors.NotFound("snap_rollback", fmt.Errorf("snapshot %q not found", name))
	}

	ic.SetSize(targetSize)

	numObjects := mapper.ObjectCount(targetSize)
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)
	var done uint64
	for i := uint64(0); i < numObjects; i++ {
		i := i
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			objName := mapper.ObjectName(ic.ID, i)
			err := roller.RollbackObject(gctx, ic.Pool, objName, targetID)
			n := atomic.AddUint64(&done, 1)
			if progress != nil {
				progress(n, numObjects)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return xerrors.IO("snap_rollback", err)
	}

	bitmap, err := m.ObjectMaps.Load(ctx, ic.Pool, ic.ID, targetID, numObjects)
	if err != nil {
		return err
	}
	if err := m.ObjectMaps.Store(ctx, ic.Pool, ic.ID, objectstore.HeadSnapID, bitmap.Clone()); err != nil {
		return err
	}
	return nil
}
