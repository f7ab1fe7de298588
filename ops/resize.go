package ops

import (
	"context"

	"github.com/coreimage/libimage/imgctx"
)

// Resize changes ic's size. Shrinking trims every object past the new
// tail first, then persists the new size; growing persists the new
// size first and leaves the new region reading as zero until written.
func (m *Manager) Resize(ctx context.Context, ic *imgctx.Context, newSize uint64, progress Progress) error {
	oldSize := ic.Size()
	if newSize == oldSize {
		return nil
	}

	h, err := m.Meta.ReadHeader(ctx, ic.Pool, ic.ID)
	if err != nil {
		return err
	}

	if newSize < oldSize {
		if err := m.Trim(ctx, ic, oldSize, newSize, progress); err != nil {
			return err
		}
		h.Size = newSize
		if err := m.Meta.WriteHeader(ctx, ic.Pool, ic.ID, h); err != nil {
			return err
		}
		ic.SetSize(newSize)
		return nil
	}

	h.Size = newSize
	if err := m.Meta.WriteHeader(ctx, ic.Pool, ic.ID, h); err != nil {
		return err
	}
	ic.SetSize(newSize)
	return nil
}
