// Package asyncop implements the async-op dispatch framework (C6): the
// uniform "local vs. remote" invoke_async_request envelope every
// mutating admin operation goes through, plus its RESTART retry
// semantics.
package asyncop

import (
	"context"

	"github.com/coreimage/libimage/exclusivelock"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/xerrors"
	"github.com/coreimage/libimage/xmetrics"
)

// maxRestarts bounds invoke_async_request's outer loop, per spec.md
// §9's "a single counter prevents infinite retry".
const maxRestarts = 16

// LocalFn runs the operation's local phase once this client is
// confirmed to either not need ownership or already hold it. It
// enqueues the work and returns once it completes (or observes
// RESTART).
type LocalFn func(ctx context.Context) error

// RemoteFn notifies the current lock owner to perform the operation on
// this client's behalf, returning TIMEOUT if the owner doesn't respond
// within a bounded deadline.
type RemoteFn func(ctx context.Context) error

// Request describes one mutating admin operation's dispatch.
type Request struct {
	// PermitSnapshot allows the operation to proceed even when the
	// context's current selection is a snapshot (e.g. snapshot
	// metadata reads); false means READONLY is returned immediately.
	PermitSnapshot bool
	FeatureOn      bool // true iff EXCLUSIVE_LOCK is enabled on this image
	Lock           *exclusivelock.Lock
	Local          LocalFn
	Remote         RemoteFn
}

// Invoke runs Request's dispatch loop against ic, following spec.md
// §4.3's invoke_async_request pseudocode: while the exclusive-lock
// feature is on and this client isn't the owner, try to become the
// owner or delegate to the current owner; once either this client owns
// the lock or the feature is off, run the local phase. A RESTART
// anywhere in the loop is retried from the top, bounded by maxRestarts.
func Invoke(ctx context.Context, ic *imgctx.Context, req Request) error {
	for attempt := 0; attempt < maxRestarts; attempt++ {
		err := invokeOnce(ctx, ic, req)
		if err == nil {
			return nil
		}
		if xerrors.Is(err, xerrors.KindRestart) {
			xmetrics.AsyncOpRestartMeter.Mark(1)
			continue
		}
		return err
	}
	return xerrors.Restart("invoke_async_request: exceeded max restarts")
}

func invokeOnce(ctx context.Context, ic *imgctx.Context, req Request) error {
	ic.RLockOwner()
	defer ic.RUnlockOwner()

	if sel := ic.Selection(); !sel.IsHead && !req.PermitSnapshot {
		return xerrors.ReadOnly("invoke_async_request")
	}

	for req.FeatureOn && !ic.IsOwner() {
		becameOwner, err := req.Lock.PrepareImageUpdate(ctx)
		if err != nil {
			return err
		}
		if becameOwner {
			break
		}
		if req.Remote == nil {
			return xerrors.WouldBlockOnLock("invoke_async_request")
		}
		err = req.Remote(ctx)
		if err == nil {
			return nil
		}
		if xerrors.Is(err, xerrors.KindTimeout) || xerrors.Is(err, xerrors.KindRestart) {
			continue
		}
		return err
	}

	return req.Local(ctx)
}
