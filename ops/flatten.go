package ops

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
)

// ParentReader reads an extent of the parent image for copy-up.
type ParentReader interface {
	ReadParentExtent(ctx context.Context, objectNumber uint64, buf []byte) (int, error)
}

// Flatten copies every referenced parent object into ic (breaking
// sharing), then clears ic's parent spec and removes it from the
// parent's children set. Idempotent: re-running on an already-flattened
// image returns INVALID with no side effects.
func (m *Manager) Flatten(ctx context.Context, ic *imgctx.Context, parent ParentReader, progress Progress) error {
	spec := ic.ParentSpec()
	if spec.IsZero() {
		return xerrors.Invalid("flatten", "image has no parent")
	}

	overlapObjects := m.Mapper.ObjectCount(spec.Overlap)
	objSize := uint64(1) << ic.Order()

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, m.concurrency())
	var done uint64

	for objNum := uint64(0); objNum < overlapObjects; objNum++ {
		objNum := objNum
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			buf := make([]byte, objSize)
			n, err := parent.ReadParentExtent(gctx, objNum, buf)
			if err != nil {
				return xerrors.IO("flatten", err)
			}
			if n > 0 {
				name := m.Mapper.ObjectName(ic.ID, objNum)
				if err := m.DataIO.Write(gctx, ic.Pool, name, 0, buf[:n], nil); err != nil {
					return xerrors.IO("flatten", err)
				}
			}
			d := atomic.AddUint64(&done, 1)
			if progress != nil {
				progress(d, overlapObjects)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	h, err := m.Meta.ReadHeader(ctx, ic.Pool, ic.ID)
	if err != nil {
		return err
	}
	h.Parent = imagemeta.ParentSpec{}
	if err := m.Meta.WriteHeader(ctx, ic.Pool, ic.ID, h); err != nil {
		return err
	}

	if err := m.Meta.RemoveChild(ctx, spec, ic.Pool, ic.ID); err != nil && err != objectstore.ErrNotFound {
		return err
	}

	ic.ClearParent()
	return nil
}
