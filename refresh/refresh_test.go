package refresh

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

type noParents struct{}

func (noParents) OpenParentReadOnly(ctx context.Context, spec imagemeta.ParentSpec) (*imgctx.Context, error) {
	panic("no parent expected in this test")
}

func TestCheckRunsRefreshOnStaleState(t *testing.T) {
	backend := objectstore.NewMemBackend("rbd")
	meta := imagemeta.NewClient(backend, 1<<20)
	ctx := context.Background()

	h := imagemeta.Header{Size: 4 << 20, Order: 22, Features: imagemeta.FeatureLayering}
	if err := meta.CreateHeader(ctx, "rbd", "img1", h); err != nil {
		t.Fatalf("create header: %v", err)
	}

	om, err := objectmap.NewCache(backend, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ic := imgctx.New("rbd", "img1", "myimg", imagemeta.FormatModern, backend, meta, striping.NoStriping{Order: 22}, om, xlog.NewNop())
	ic.BumpRefreshSeq()

	engine := NewEngine(meta, noParents{}, xlog.NewNop())
	if err := engine.Check(ctx, ic); err != nil {
		t.Fatalf("check: %v", err)
	}
	if ic.Size() != 4<<20 {
		t.Fatalf("got size %d", ic.Size())
	}
	if ic.NeedsRefresh() {
		t.Fatal("expected refresh satisfied after check")
	}
}

func TestCheckNoopWhenFresh(t *testing.T) {
	backend := objectstore.NewMemBackend("rbd")
	meta := imagemeta.NewClient(backend, 1<<20)
	om, _ := objectmap.NewCache(backend, 16)
	ic := imgctx.New("rbd", "img1", "myimg", imagemeta.FormatModern, backend, meta, striping.NoStriping{Order: 22}, om, xlog.NewNop())

	engine := NewEngine(meta, noParents{}, xlog.NewNop())
	if err := engine.Check(context.Background(), ic); err != nil {
		t.Fatalf("check: %v", err)
	}
}
