package snaplifecycle

import (
	"context"
	"testing"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/imgctx"
	"github.com/coreimage/libimage/objectmap"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/striping"
	"github.com/coreimage/libimage/xerrors"
	"github.com/coreimage/libimage/xlog"
)

func newTestSetup(t *testing.T) (*objectstore.MemBackend, *imagemeta.Client, *objectmap.Cache) {
	t.Helper()
	backend := objectstore.NewMemBackend("rbd")
	meta := imagemeta.NewClient(backend, 1<<20)
	om, err := objectmap.NewCache(backend, 64)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return backend, meta, om
}

func openImage(t *testing.T, backend *objectstore.MemBackend, meta *imagemeta.Client, om *objectmap.Cache, pool, id, name string, features imagemeta.Feature, size uint64) *imgctx.Context {
	t.Helper()
	ctx := context.Background()
	h := imagemeta.Header{Size: size, Order: 22, Features: features}
	if err := meta.CreateHeader(ctx, pool, id, h); err != nil {
		t.Fatalf("create header: %v", err)
	}
	if err := meta.RegisterDirectoryEntry(ctx, pool, name, id); err != nil {
		t.Fatalf("register dir: %v", err)
	}
	ic := imgctx.New(pool, id, name, imagemeta.FormatModern, backend, meta, striping.NoStriping{Order: 22}, om, xlog.NewNop())
	ic.ApplyRefreshedState(size, features, 0, nil, 0, 0)
	return ic
}

func TestCreateRemoveSnapshotRoundTrip(t *testing.T) {
	backend, meta, om := newTestSetup(t)
	ic := openImage(t, backend, meta, om, "rbd", "img1", "myimg", imagemeta.FeatureLayering, 1<<20)
	mgr := New(meta, backend, om, xlog.NewNop())
	ctx := context.Background()

	if err := mgr.Create(ctx, ic, nil, "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(ic.Snapshots()) != 1 {
		t.Fatalf("got %d snapshots", len(ic.Snapshots()))
	}
	if err := mgr.Remove(ctx, ic, "s1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(ic.Snapshots()) != 0 {
		t.Fatalf("got %d snapshots after remove", len(ic.Snapshots()))
	}
}

func TestProtectUnprotectLifecycle(t *testing.T) {
	backend, meta, om := newTestSetup(t)
	ic := openImage(t, backend, meta, om, "rbd", "parent1", "parent", imagemeta.FeatureLayering, 1<<30)
	mgr := New(meta, backend, om, xlog.NewNop())
	ctx := context.Background()

	if err := mgr.Create(ctx, ic, nil, "s"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.Protect(ctx, ic, "s"); err != nil {
		t.Fatalf("protect: %v", err)
	}

	var prot imagemeta.Protection
	for _, s := range ic.Snapshots() {
		if s.Name == "s" {
			prot = s.Protection
		}
	}
	if prot != imagemeta.ProtectionProtected {
		t.Fatalf("got %v, want PROTECTED", prot)
	}

	if err := mgr.Unprotect(ctx, ic, "s"); err != nil {
		t.Fatalf("unprotect: %v", err)
	}
	for _, s := range ic.Snapshots() {
		if s.Name == "s" && s.Protection != imagemeta.ProtectionUnprotected {
			t.Fatalf("got %v, want UNPROTECTED", s.Protection)
		}
	}
}

func TestCloneRequiresProtectedSnapshot(t *testing.T) {
	backend, meta, om := newTestSetup(t)
	ic := openImage(t, backend, meta, om, "rbd", "parent1", "parent", imagemeta.FeatureLayering, 1<<30)
	mgr := New(meta, backend, om, xlog.NewNop())
	ctx := context.Background()

	if err := mgr.Create(ctx, ic, nil, "s"); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := mgr.Clone(ctx, ic, "s", CloneRequest{
		ChildPool: "rbd",
		ChildID:   "child1",
		ChildName: "child",
		Features:  imagemeta.FeatureLayering,
	})
	if !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("got %v, want INVALID for unprotected parent snapshot", err)
	}

	if err := mgr.Protect(ctx, ic, "s"); err != nil {
		t.Fatalf("protect: %v", err)
	}
	if err := mgr.Clone(ctx, ic, "s", CloneRequest{
		ChildPool: "rbd",
		ChildID:   "child1",
		ChildName: "child",
		Features:  imagemeta.FeatureLayering,
	}); err != nil {
		t.Fatalf("clone: %v", err)
	}

	if err := mgr.Unprotect(ctx, ic, "s"); !xerrors.Is(err, xerrors.KindBusy) {
		t.Fatalf("got %v, want BUSY while child exists", err)
	}
}
