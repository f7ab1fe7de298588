// Package exclusivelock implements the cooperative exclusive-lock
// protocol (C5): an advisory lock on an image's header object, with
// notify-based hand-off between peers. It exists only when
// imagemeta.FeatureExclusiveLock is enabled on the image.
package exclusivelock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
	"github.com/coreimage/libimage/xlog"
	"github.com/coreimage/libimage/xmetrics"
)

// State is one client's view of the lock subsystem for one image.
type State int

const (
	StateUnlocked State = iota
	StateTryLock
	StateLocked
	StateReleasing
	StateRequestPending
)

func (s State) String() string {
	switch s {
	case StateTryLock:
		return "TRY_LOCK"
	case StateLocked:
		return "LOCKED"
	case StateReleasing:
		return "RELEASING"
	case StateRequestPending:
		return "REQUEST_PENDING"
	default:
		return "UNLOCKED"
	}
}

// Flusher drains in-flight writes tagged with the current snap context,
// implemented by ioengine. Exclusivelock depends on it only through
// this interface to avoid a package cycle.
type Flusher interface {
	FlushInFlight(ctx context.Context) error
	HasActiveMutatingRequests() bool
}

const lockCookiePrefix = "libimage-lock-"

// Lock drives the exclusive-lock state machine for one image context.
type Lock struct {
	ic      *imgctx.Context
	backend objectstore.Backend
	meta    *imagemeta.Client
	clientID string
	flusher Flusher
	log     xlog.Logger

	mu    sync.Mutex
	state State

	retryBackoff   time.Duration
	requestTimeout time.Duration
}

// New returns a Lock bound to ic, identified to peers as clientID.
func New(ic *imgctx.Context, backend objectstore.Backend, meta *imagemeta.Client, clientID string, flusher Flusher, log xlog.Logger) *Lock {
	return &Lock{
		ic:             ic,
		backend:        backend,
		meta:           meta,
		clientID:       clientID,
		flusher:        flusher,
		log:            log,
		state:          StateUnlocked,
		retryBackoff:   50 * time.Millisecond,
		requestTimeout: 2 * time.Second,
	}
}

func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func lockOmapKey() string { return "lock" }

// TryLock attempts to become the owner of ic's exclusive lock. If
// another locker currently holds it, a request-lock notification is
// sent and TryLock retries (bounded) before giving up with BUSY.
func (l *Lock) TryLock(ctx context.Context) error {
	l.mu.Lock()
	l.state = StateTryLock
	l.mu.Unlock()

	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cookie := fmt.Sprintf("%s%s-%d", lockCookiePrefix, l.clientID, attempt)
		err := l.backend.OmapCompareAndSet(ctx, l.ic.Pool, headerObject(l.ic), lockOmapKey(), nil, []byte(cookie))
		if err == nil {
			l.ic.LockOwner()
			l.ic.SetOwner(true)
			l.ic.UnlockOwner()
			l.mu.Lock()
			l.state = StateLocked
			l.mu.Unlock()
			xmetrics.ExclusiveLockAcquireMeter.Mark(1)
			return nil
		}
		if err != objectstore.ErrPrecondition {
			return xerrors.FromBackend("try_lock", err)
		}

		l.mu.Lock()
		l.state = StateRequestPending
		l.mu.Unlock()
		if notifyErr := l.backend.Notify(ctx, l.ic.Pool, headerObject(l.ic), []byte("request-lock:"+l.clientID)); notifyErr != nil {
			l.log.Warn("request-lock notify failed", "image", l.ic.ID, "err", notifyErr)
		}
		select {
		case <-time.After(l.retryBackoff):
		case <-ctx.Done():
			return xerrors.Timeout("try_lock")
		}
	}
	l.mu.Lock()
	l.state = StateUnlocked
	l.mu.Unlock()
	return xerrors.Busy("try_lock")
}

// Release flushes in-flight writes tagged with the current snap context
// and then releases the advisory lock, per spec.md §4.3's RELEASING
// semantics.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	l.state = StateReleasing
	l.mu.Unlock()

	if l.flusher != nil {
		if err := l.flusher.FlushInFlight(ctx); err != nil {
			return err
		}
	}

	if err := l.backend.OmapRemove(ctx, l.ic.Pool, headerObject(l.ic), lockOmapKey()); err != nil && err != objectstore.ErrNotFound {
		return xerrors.FromBackend("release", err)
	}
	l.ic.LockOwner()
	l.ic.SetOwner(false)
	l.ic.UnlockOwner()

	l.mu.Lock()
	l.state = StateUnlocked
	l.mu.Unlock()
	xmetrics.ExclusiveLockBreakMeter.Mark(1)
	return nil
}

// HandleRequestLock responds to a peer's request-lock notification. If
// this client has active mutating requests in flight it defers ("not
// now"; the peer retries with backoff); otherwise it releases.
func (l *Lock) HandleRequestLock(ctx context.Context) error {
	if l.flusher != nil && l.flusher.HasActiveMutatingRequests() {
		l.log.Debug("deferring request-lock, mutating requests active", "image", l.ic.ID)
		return nil
	}
	return l.Release(ctx)
}

// PrepareImageUpdate is invoke_async_request's single permitted
// downgrade-upgrade of owner_lock: it releases the read lock, takes the
// write lock to attempt becoming the owner, and reacquires the read
// lock before returning. On success it flushes any writes that had been
// queued waiting on ownership.
func (l *Lock) PrepareImageUpdate(ctx context.Context) (becameOwner bool, err error) {
	l.ic.RUnlockOwner()
	defer l.ic.RLockOwner()

	l.ic.LockOwner()
	alreadyOwner := l.ic.IsOwner()
	l.ic.UnlockOwner()
	if alreadyOwner {
		return true, nil
	}

	if err := l.TryLock(ctx); err != nil {
		if xerrors.Is(err, xerrors.KindBusy) {
			return false, nil
		}
		return false, err
	}
	if l.flusher != nil {
		if err := l.flusher.FlushInFlight(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

func headerObject(ic *imgctx.Context) string {
	return imagemeta.HeaderObjectName(ic.Format, ic.ID, ic.Name)
}
