package ioengine

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

func newTestEngine(t *testing.T, size uint64) (*Engine, *imgctx.Context) {
	t.Helper()
	backend := objectstore.NewMemBackend("rbd")
	meta := imagemeta.NewClient(backend, 1<<20)
	om, err := objectmap.NewCache(backend, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	mapper := striping.NoStriping{Order: 12}
	ic := imgctx.New("rbd", "img1", "myimg", imagemeta.FormatModern, backend, meta, mapper, om, xlog.NewNop())
	ic.ApplyRefreshedState(size, imagemeta.FeatureLayering, 0, nil, 0, 0)
	return New(ic, backend, nil, nil, false), ic
}

func TestReadZeroFillsUnallocated(t *testing.T) {
	e, _ := newTestEngine(t, 4096)
	buf, err := e.Read(context.Background(), 0, 4096)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zero", i)
		}
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, 4096)
	ctx := context.Background()
	if err := e.Write(ctx, 0, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := e.Read(ctx, 0, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestClipBoundary(t *testing.T) {
	e, _ := newTestEngine(t, 4096)
	if n, err := e.Clip(4096, 0); err != nil || n != 0 {
		t.Fatalf("off==size len==0: got %d, %v", n, err)
	}
	if _, err := e.Clip(4096, 1); !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("off==size len>0: got %v, want INVALID", err)
	}
	if n, err := e.Clip(4000, 200); err != nil || n != 96 {
		t.Fatalf("spanning end: got %d, %v, want 96", n, err)
	}
}

func TestWriteRejectedOnSnapshotSelection(t *testing.T) {
	e, ic := newTestEngine(t, 4096)
	ic.ApplyRefreshedState(4096, imagemeta.FeatureLayering, 0, []imagemeta.SnapInfo{{ID: 1, Name: "s"}}, 0, 0)
	ic.SetSnapSelection("s")

	if err := e.Write(context.Background(), 0, []byte("x")); !xerrors.Is(err, xerrors.KindReadOnly) {
		t.Fatalf("got %v, want READONLY", err)
	}
}

func TestDiscardWholeObjectRemoves(t *testing.T) {
	e, ic := newTestEngine(t, 4096)
	ctx := context.Background()
	if err := e.Write(ctx, 0, []byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := e.Discard(ctx, 0, 4096); err != nil {
		t.Fatalf("discard: %v", err)
	}
	name := ic.Mapper().ObjectName(ic.ID, 0)
	if _, err := e.backend.Stat(ctx, "rbd", name); err != objectstore.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound after whole-object discard", err)
	}
}
