package ops

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
)

// Trim removes every object in (new_last_object, old_last_object] and
// truncates the partial boundary object if needed, bounded by
// ConcurrentManagementOps. Failures other than NOT_FOUND abort the op.
func (m *Manager) Trim(ctx context.Context, ic *imgctx.Context, oldSize, newSize uint64, progress Progress) error {
	oldCount := m.Mapper.ObjectCount(oldSize)
	newCount := m.Mapper.ObjectCount(newSize)
	if oldCount <= newCount {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, m.concurrency())
	total := oldCount - newCount
	var done uint64

	for objNum := newCount; objNum < oldCount; objNum++ {
		objNum := objNum
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			name := m.Mapper.ObjectName(ic.ID, objNum)
			err := m.DataIO.Remove(gctx, ic.Pool, name)
			if err != nil && err != objectstore.ErrNotFound {
				return xerrors.IO("trim", err)
			}
			n := atomic.AddUint64(&done, 1)
			if progress != nil {
				progress(n, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if newCount > 0 {
		objSize := uint64(1) << ic.Order()
		boundary := newCount - 1
		boundaryOff := newSize - boundary*objSize
		if boundaryOff < objSize {
			name := m.Mapper.ObjectName(ic.ID, boundary)
			if err := m.DataIO.Truncate(ctx, ic.Pool, name, int64(boundaryOff)); err != nil && err != objectstore.ErrNotFound {
				return xerrors.IO("trim", err)
			}
		}
	}
	return nil
}
