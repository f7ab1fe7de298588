package asyncop

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

func newTestContext(t *testing.T) *imgctx.Context {
	t.Helper()
	backend := objectstore.NewMemBackend("rbd")
	meta := imagemeta.NewClient(backend, 1<<20)
	om, err := objectmap.NewCache(backend, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return imgctx.New("rbd", "img1", "myimg", imagemeta.FormatModern, backend, meta, striping.NoStriping{Order: 22}, om, xlog.NewNop())
}

func TestInvokeFeatureOffRunsLocal(t *testing.T) {
	ic := newTestContext(t)
	ran := false
	err := Invoke(context.Background(), ic, Request{
		Local: func(ctx context.Context) error { ran = true; return nil },
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !ran {
		t.Fatal("expected local phase to run")
	}
}

func TestInvokeRejectsWriteOnSnapshotSelection(t *testing.T) {
	ic := newTestContext(t)
	ic.ApplyRefreshedState(1024, 0, 0, []imagemeta.SnapInfo{{ID: 1, Name: "s"}}, 0, 0)
	ic.SetSnapSelection("s")

	err := Invoke(context.Background(), ic, Request{
		Local: func(ctx context.Context) error { t.Fatal("should not run"); return nil },
	})
	if !xerrors.Is(err, xerrors.KindReadOnly) {
		t.Fatalf("got %v, want READONLY", err)
	}
}

func TestInvokeRetriesOnRestart(t *testing.T) {
	ic := newTestContext(t)
	attempts := 0
	err := Invoke(context.Background(), ic, Request{
		Local: func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return xerrors.Restart("local")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}
