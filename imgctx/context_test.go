package imgctx

import (
	"testing"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/objectmap"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/striping"
	"github.com/coreimage/libimage/xlog"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	backend := objectstore.NewMemBackend("rbd")
	meta := imagemeta.NewClient(backend, 1<<20)
	om, err := objectmap.NewCache(backend, 16)
	if err != nil {
		t.Fatalf("objectmap cache: %v", err)
	}
	return New("rbd", "img1", "myimg", imagemeta.FormatModern, backend, meta, striping.NoStriping{Order: 22}, om, xlog.NewNop())
}

func TestSetSnapSelection(t *testing.T) {
	c := newTestContext(t)
	c.ApplyRefreshedState(1<<22, imagemeta.FeatureLayering, 0, []imagemeta.SnapInfo{{ID: 1, Name: "s"}}, 0, 0)

	if !c.SetSnapSelection("s") {
		t.Fatal("expected selection to succeed")
	}
	if !c.ReadOnly() {
		t.Fatal("snapshot selection must be read-only")
	}
	if !c.SetSnapSelection("") {
		t.Fatal("expected head selection to succeed")
	}
	if c.ReadOnly() {
		t.Fatal("head selection must not be read-only")
	}
	if c.SetSnapSelection("missing") {
		t.Fatal("expected selection of unknown snapshot to fail")
	}
}

func TestRefreshSeqBookkeeping(t *testing.T) {
	c := newTestContext(t)
	if !c.NeedsRefresh() {
		// lastRefresh and refreshSeq both start at 0: nothing pending yet.
	}
	c.BumpRefreshSeq()
	if !c.NeedsRefresh() {
		t.Fatal("expected refresh pending after bump")
	}
	seq := c.SnapshotRefreshSeq()
	c.SetLastRefresh(seq)
	if c.NeedsRefresh() {
		t.Fatal("expected refresh satisfied")
	}
}
