package ops

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

func newTestManager(t *testing.T) (*Manager, *imgctx.Context, *objectstore.MemBackend) {
	t.Helper()
	backend := objectstore.NewMemBackend("rbd")
	meta := imagemeta.NewClient(backend, 1<<20)
	om, err := objectmap.NewCache(backend, 64)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	mapper := striping.NoStriping{Order: 12} // 4096-byte objects

	ctx := context.Background()
	h := imagemeta.Header{Size: 4096 * 4, Order: 12, Features: imagemeta.FeatureLayering}
	if err := meta.CreateHeader(ctx, "rbd", "img1", h); err != nil {
		t.Fatalf("create header: %v", err)
	}
	ic := imgctx.New("rbd", "img1", "myimg", imagemeta.FormatModern, backend, meta, mapper, om, xlog.NewNop())
	ic.ApplyRefreshedState(h.Size, h.Features, 0, nil, 0, 0)

	for i := 0; i < 4; i++ {
		name := mapper.ObjectName("img1", uint64(i))
		if err := backend.Write(ctx, "rbd", name, 0, []byte("data"), nil); err != nil {
			t.Fatalf("seed write: %v", err)
		}
	}

	mgr := &Manager{Meta: meta, DataIO: backend, ObjectMaps: om, Mapper: mapper, ConcurrentManagementOps: 2, Log: xlog.NewNop()}
	return mgr, ic, backend
}

func TestTrimRemovesTrailingObjects(t *testing.T) {
	mgr, ic, backend := newTestManager(t)
	ctx := context.Background()

	if err := mgr.Trim(ctx, ic, 4096*4, 4096*2, nil); err != nil {
		t.Fatalf("trim: %v", err)
	}
	for i := 2; i < 4; i++ {
		name := mgr.Mapper.ObjectName("img1", uint64(i))
		if _, err := backend.Stat(ctx, "rbd", name); err != objectstore.ErrNotFound {
			t.Fatalf("object %d: got %v, want ErrNotFound", i, err)
		}
	}
}

func TestResizeGrowDoesNotTouchObjects(t *testing.T) {
	mgr, ic, _ := newTestManager(t)
	ctx := context.Background()

	if err := mgr.Resize(ctx, ic, 4096*8, nil); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if ic.Size() != 4096*8 {
		t.Fatalf("got size %d", ic.Size())
	}
}

func TestResizeNoopOnSameSize(t *testing.T) {
	mgr, ic, _ := newTestManager(t)
	if err := mgr.Resize(context.Background(), ic, ic.Size(), nil); err != nil {
		t.Fatalf("resize: %v", err)
	}
}
