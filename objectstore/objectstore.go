// Package objectstore defines the narrow interface the control plane
// uses to talk to the underlying object store, plus a handful of
// reference implementations used by tests and by callers that don't
// already have a production backend wired in.
//
// The shape mirrors the external-collaborator boundary: per-object
// read/write/remove/truncate, compare-and-swap on omap entries,
// self-managed snapshot ids scoped to a pool, a watch/notify primitive,
// and pool enumeration with cache-tier detection. None of the striping
// math, wire encoding, or RPC transport lives here — only this contract.
package objectstore

import (
	"context"
	"errors"
)

// SnapID is an object-store-assigned, monotonically increasing
// identifier for a snapshot, scoped to one pool.
type SnapID uint64

// HeadSnapID is the sentinel used to address the mutable head view of
// an object, as opposed to a specific snapshot.
const HeadSnapID SnapID = 0

// WatchEvent is delivered to a Watcher when another client notifies the
// object a Watch was placed on.
type WatchEvent struct {
	Notifier string
	Payload  []byte
}

// Watcher receives notifications for one watched object until Close is
// called.
type Watcher interface {
	Events() <-chan WatchEvent
	Close() error
}

// Backend is the full external-collaborator surface. A production
// adapter wraps a real RPC client; the reference implementations in
// this package wrap memory, goleveldb, or a fastcache read cache in
// front of another Backend.
type Backend interface {
	// Read returns up to len(buf) bytes starting at off from object
	// name as it appeared under snap (HeadSnapID for the mutable view).
	// Returns the number of bytes read; short reads signal the object
	// ends before off+len(buf).
	Read(ctx context.Context, pool, name string, snap SnapID, off int64, buf []byte) (int, error)

	// Write stores data at off, extending the object if necessary.
	// Write is rejected with a precondition error if precondition is
	// non-nil and does not match the object's current assert-version.
	Write(ctx context.Context, pool, name string, off int64, data []byte, precondition *Precondition) error

	// Remove deletes the object entirely. Removing an absent object
	// returns a NotFound-classified error.
	Remove(ctx context.Context, pool, name string) error

	// Truncate shrinks or zero-extends the object to size bytes.
	Truncate(ctx context.Context, pool, name string, size int64) error

	// Stat reports the object's current size and assert-version, or a
	// NotFound-classified error if it does not exist.
	Stat(ctx context.Context, pool, name string) (Stat, error)

	// OmapGet reads one key from an object's omap side-channel (used
	// for directory entries, id objects, and legacy tmaps).
	OmapGet(ctx context.Context, pool, name, key string) ([]byte, error)

	// OmapCompareAndSet sets key to newVal iff its current value equals
	// oldVal (oldVal == nil means "key must be absent").
	OmapCompareAndSet(ctx context.Context, pool, name, key string, oldVal, newVal []byte) error

	// OmapRemove deletes a key from an object's omap.
	OmapRemove(ctx context.Context, pool, name, key string) error

	// OmapList enumerates all omap keys under a prefix.
	OmapList(ctx context.Context, pool, name, prefix string) (map[string][]byte, error)

	// AllocateSnapID assigns the next monotonic snapshot id in pool.
	AllocateSnapID(ctx context.Context, pool string) (SnapID, error)

	// ReleaseSnapID retires a snapshot id once its header entry is gone.
	ReleaseSnapID(ctx context.Context, pool string, id SnapID) error

	// Watch registers for notifications on name.
	Watch(ctx context.Context, pool, name string) (Watcher, error)

	// Notify sends payload to every current watcher of name. Watchers
	// have no acknowledgement channel, so Notify does not wait for them
	// to consume the event; the reference backends drop the event for a
	// watcher whose buffer is full.
	Notify(ctx context.Context, pool, name string, payload []byte) error

	// Pools enumerates all pools reachable from this client. Snapshot
	// unprotect does not call it: it checks the children set in the
	// parent's own pool only.
	Pools(ctx context.Context) ([]string, error)

	// BaseTier returns the name of pool's base tier. A pool whose base
	// tier is itself is not a cache tier; callers skip any pool where
	// BaseTier(p) != p when enumerating for children-set scans.
	BaseTier(ctx context.Context, pool string) (string, error)
}

// Precondition gates a Write on the object's current assert-version,
// giving the header-write and children-set paths compare-and-swap
// semantics without a separate transaction API.
type Precondition struct {
	AssertVersion uint64
}

// Stat is the subset of object metadata the control plane needs.
type Stat struct {
	Size          int64
	AssertVersion uint64
}

var (
	// ErrNotFound is returned (wrapped) by reference backends for a
	// missing object or key. Callers classify through xerrors.FromBackend
	// or their own errors.Is checks against this sentinel.
	ErrNotFound = errors.New("objectstore: not found")
	// ErrPrecondition is returned when a compare-and-set or conditional
	// write's precondition does not hold.
	ErrPrecondition = errors.New("objectstore: precondition failed")
)
