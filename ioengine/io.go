// Package ioengine implements the I/O front-end (C9): clipping, extent
// mapping, request-lock gating, and submission to the object store or
// an optional cache.
package ioengine

import (
	"context"
	"sync"

	"github.com/coreimage/libimage/exclusivelock"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/striping"
	"github.com/coreimage/libimage/xerrors"
	"github.com/coreimage/libimage/xmetrics"
)

// ParentIO is the read path into a parent image context, used for
// copy-on-write reads of unallocated child extents.
type ParentIO interface {
	Read(ctx context.Context, off, length uint64) ([]byte, error)
}

// Engine is one open image's I/O front-end.
type Engine struct {
	ic      *imgctx.Context
	backend objectstore.Backend // the object store, or a CachedBackend wrapping it
	lock    *exclusivelock.Lock // nil when EXCLUSIVE_LOCK is not enabled
	parent  ParentIO            // nil when the image has no parent

	skipPartialDiscard bool

	mu       sync.Mutex
	inflight int
}

// New returns an Engine for ic. lock may be nil (feature off); parent
// may be nil (no parent edge).
func New(ic *imgctx.Context, backend objectstore.Backend, lock *exclusivelock.Lock, parent ParentIO, skipPartialDiscard bool) *Engine {
	return &Engine{ic: ic, backend: backend, lock: lock, parent: parent, skipPartialDiscard: skipPartialDiscard}
}

// Clip bounds [off, off+length) to the currently selected view's size,
// per spec.md §4.6: off >= size is INVALID, off+length > size truncates
// length, length == 0 is always a valid no-op.
func (e *Engine) Clip(off, length uint64) (uint64, error) {
	e.ic.RLockSnap()
	defer e.ic.RUnlockSnap()
	size := e.ic.SizeLocked()

	if length == 0 {
		return 0, nil
	}
	if off >= size {
		return 0, xerrors.Invalid("clip", "offset at or past image size")
	}
	if off+length > size {
		return size - off, nil
	}
	return length, nil
}

func (e *Engine) beginInflight() {
	e.mu.Lock()
	e.inflight++
	e.mu.Unlock()
}

func (e *Engine) endInflight() {
	e.mu.Lock()
	e.inflight--
	e.mu.Unlock()
}

// HasActiveMutatingRequests implements exclusivelock.Flusher.
func (e *Engine) HasActiveMutatingRequests() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight > 0
}

// FlushInFlight implements exclusivelock.Flusher: it blocks until every
// write/discard submitted before this call completes, the ordering
// guarantee spec.md §5 requires of aio_flush.
func (e *Engine) FlushInFlight(ctx context.Context) error {
	for {
		e.mu.Lock()
		n := e.inflight
		e.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return xerrors.Timeout("flush_in_flight")
		default:
		}
	}
}

// Read satisfies a read against the current selection, zero-filling
// holes and unallocated regions. Bytes this image's objects do not
// hold are read from the parent when they lie below the parent
// overlap; at or past the overlap they stay zero.
func (e *Engine) Read(ctx context.Context, off, length uint64) ([]byte, error) {
	clipped, err := e.Clip(off, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, clipped)
	if clipped == 0 {
		return out, nil
	}

	mapper := e.ic.Mapper()
	snap := e.ic.CurrentSnapID()
	extents := mapper.Map(off, clipped)

	for _, ext := range extents {
		name := mapper.ObjectName(e.ic.ID, ext.ObjectNumber)
		buf := make([]byte, ext.Length)
		n, err := e.backend.Read(ctx, e.ic.Pool, name, snap, int64(ext.ObjectOffset), buf)
		if err != nil && err != objectstore.ErrNotFound {
			return nil, xerrors.FromBackend("read", err)
		}
		if n < len(buf) && e.parent != nil {
			parentSpec := e.ic.ParentSpec()
			missing := uint64(len(buf) - n)
			parentOff := ext.ObjectOffset + uint64(n) + ext.ObjectNumber*objectSizeFromMapper(mapper)
			if parentOff < parentSpec.Overlap {
				toRead := missing
				if parentOff+toRead > parentSpec.Overlap {
					toRead = parentSpec.Overlap - parentOff
				}
				pbuf, perr := e.parent.Read(ctx, parentOff, toRead)
				if perr == nil {
					copy(buf[n:], pbuf)
					n += len(pbuf)
				}
			}
		}
		// Remaining unfilled bytes in buf (n onward) stay zero:
		// handle_sparse_read's hole/tail zero-fill.
		copy(out[ext.BufferOffset:], buf)
		xmetrics.ReadBytesMeter.Mark(int64(n))
	}
	return out, nil
}

func objectSizeFromMapper(m striping.Mapper) uint64 {
	// 1<<Order for the two mappers in package striping; any other
	// Mapper is assumed to use 4 MiB objects.
	if ns, ok := m.(striping.NoStriping); ok {
		return uint64(1) << ns.Order
	}
	if sv, ok := m.(striping.StripeV2); ok {
		return uint64(1) << sv.Order
	}
	return 1 << 22
}

// Write submits data at off. Rejected with READONLY on a snapshot
// selection or a read-only image. If EXCLUSIVE_LOCK is on and this
// client isn't the owner, the request suspends pending lock acquisition
// — the sole suspension point on the write path.
func (e *Engine) Write(ctx context.Context, off uint64, data []byte) error {
	if e.ic.ReadOnly() {
		return xerrors.ReadOnly("write")
	}
	if err := e.awaitOwnershipIfNeeded(ctx); err != nil {
		return err
	}

	clipped, err := e.Clip(off, uint64(len(data)))
	if err != nil {
		return err
	}
	data = data[:clipped]

	e.beginInflight()
	defer e.endInflight()

	mapper := e.ic.Mapper()
	for _, ext := range mapper.Map(off, clipped) {
		name := mapper.ObjectName(e.ic.ID, ext.ObjectNumber)
		chunk := data[ext.BufferOffset : ext.BufferOffset+ext.Length]
		if err := e.backend.Write(ctx, e.ic.Pool, name, int64(ext.ObjectOffset), chunk, nil); err != nil {
			return xerrors.FromBackend("write", err)
		}
		xmetrics.WriteBytesMeter.Mark(int64(len(chunk)))
	}
	return nil
}

// Discard chooses per-extent between remove (whole object), truncate
// (suffix), or zero-fill (middle); skip_partial_discard suppresses the
// zero-fill case.
func (e *Engine) Discard(ctx context.Context, off, length uint64) error {
	if e.ic.ReadOnly() {
		return xerrors.ReadOnly("discard")
	}
	if err := e.awaitOwnershipIfNeeded(ctx); err != nil {
		return err
	}

	clipped, err := e.Clip(off, length)
	if err != nil {
		return err
	}

	e.beginInflight()
	defer e.endInflight()

	mapper := e.ic.Mapper()
	objSize := objectSizeFromMapper(mapper)
	for _, ext := range mapper.Map(off, clipped) {
		name := mapper.ObjectName(e.ic.ID, ext.ObjectNumber)
		switch {
		case ext.ObjectOffset == 0 && ext.Length == objSize:
			if err := e.backend.Remove(ctx, e.ic.Pool, name); err != nil && err != objectstore.ErrNotFound {
				return xerrors.FromBackend("discard", err)
			}
		case ext.ObjectOffset+ext.Length == objSize:
			if err := e.backend.Truncate(ctx, e.ic.Pool, name, int64(ext.ObjectOffset)); err != nil && err != objectstore.ErrNotFound {
				return xerrors.FromBackend("discard", err)
			}
		default:
			if e.skipPartialDiscard {
				continue
			}
			zeros := make([]byte, ext.Length)
			if err := e.backend.Write(ctx, e.ic.Pool, name, int64(ext.ObjectOffset), zeros, nil); err != nil {
				return xerrors.FromBackend("discard", err)
			}
		}
		xmetrics.DiscardMeter.Mark(int64(ext.Length))
	}
	return nil
}

// Flush drains locally queued async operations. It issues no cache or
// object-store flush: Backend has no flush call, and a write counts as
// complete once Backend.Write returns. aio_flush ordering: every write
// submitted before this call completes before Flush returns.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.FlushInFlight(ctx); err != nil {
		return err
	}
	xmetrics.FlushMeter.Mark(1)
	return nil
}

// RollbackObject implements snaplifecycle.ObjectRoller: it overwrites
// the head version of name with its content at snap, or removes the
// head object entirely if it didn't exist at snap.
func (e *Engine) RollbackObject(ctx context.Context, pool, name string, snap objectstore.SnapID) error {
	buf := make([]byte, 1<<22)
	n, err := e.backend.Read(ctx, pool, name, snap, 0, buf)
	if err != nil && err != objectstore.ErrNotFound {
		return xerrors.FromBackend("rollback_object", err)
	}
	if err == objectstore.ErrNotFound || n == 0 {
		if rerr := e.backend.Remove(ctx, pool, name); rerr != nil && rerr != objectstore.ErrNotFound {
			return xerrors.FromBackend("rollback_object", rerr)
		}
		return nil
	}
	if err := e.backend.Write(ctx, pool, name, 0, buf[:n], nil); err != nil {
		return xerrors.FromBackend("rollback_object", err)
	}
	return e.backend.Truncate(ctx, pool, name, int64(n))
}

func (e *Engine) awaitOwnershipIfNeeded(ctx context.Context) error {
	if e.lock == nil {
		return nil
	}
	if e.ic.IsOwner() {
		return nil
	}
	return e.lock.TryLock(ctx)
}
