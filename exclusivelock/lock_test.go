package exclusivelock

import (
	"context"
	"testing"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectmap"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/striping"
	"github.com/coreimage/libimage/xlog"
)

type noopFlusher struct{ active bool }

func (f *noopFlusher) FlushInFlight(ctx context.Context) error { return nil }
func (f *noopFlusher) HasActiveMutatingRequests() bool         { return f.active }

func newLockTestContext(t *testing.T) *imgctx.Context {
	t.Helper()
	backend := objectstore.NewMemBackend("rbd")
	meta := imagemeta.NewClient(backend, 1<<20)
	om, err := objectmap.NewCache(backend, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return imgctx.New("rbd", "img1", "myimg", imagemeta.FormatModern, backend, meta, striping.NoStriping{Order: 22}, om, xlog.NewNop())
}

func TestTryLockThenRelease(t *testing.T) {
	ic := newLockTestContext(t)
	l := New(ic, ic.Backend, ic.Meta, "client.a", &noopFlusher{}, xlog.NewNop())
	ctx := context.Background()

	if err := l.TryLock(ctx); err != nil {
		t.Fatalf("try lock: %v", err)
	}
	if !ic.IsOwner() {
		t.Fatal("expected context to be owner after lock")
	}
	if l.State() != StateLocked {
		t.Fatalf("got state %v", l.State())
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ic.IsOwner() {
		t.Fatal("expected context to not be owner after release")
	}
}

func TestHandleRequestLockDefersWhenActive(t *testing.T) {
	ic := newLockTestContext(t)
	flusher := &noopFlusher{active: true}
	l := New(ic, ic.Backend, ic.Meta, "client.a", flusher, xlog.NewNop())
	ctx := context.Background()

	if err := l.TryLock(ctx); err != nil {
		t.Fatalf("try lock: %v", err)
	}
	if err := l.HandleRequestLock(ctx); err != nil {
		t.Fatalf("handle request lock: %v", err)
	}
	if !ic.IsOwner() {
		t.Fatal("expected to remain owner while mutating requests are active")
	}

	flusher.active = false
	if err := l.HandleRequestLock(ctx); err != nil {
		t.Fatalf("handle request lock: %v", err)
	}
	if ic.IsOwner() {
		t.Fatal("expected ownership released once no longer active")
	}
}
