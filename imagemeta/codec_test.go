package imagemeta

import (
	"context"
	"testing"

	"github.com/coreimage/libimage/objectstore"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Size:     4 << 20,
		Order:    22,
		Features: FeatureLayering | FeatureExclusiveLock | FeatureObjectMap,
		Snaps: []SnapInfo{
			{ID: 1, Name: "s", Size: 1 << 30, Protection: ProtectionProtected},
		},
		Lockers: []Locker{
			{ClientID: "client.1", Cookie: "cookie", Mode: LockModeExclusive},
		},
	}
	raw := encodeHeader(h)
	got, ok := decodeHeader(raw)
	if !ok {
		t.Fatal("decode failed")
	}
	if got.Size != h.Size || got.Order != h.Order || got.Features != h.Features {
		t.Fatalf("got %+v, want %+v", got, h)
	}
	if len(got.Snaps) != 1 || got.Snaps[0].Name != "s" || got.Snaps[0].Protection != ProtectionProtected {
		t.Fatalf("snaps mismatch: %+v", got.Snaps)
	}
	if len(got.Lockers) != 1 || got.Lockers[0].ClientID != "client.1" {
		t.Fatalf("lockers mismatch: %+v", got.Lockers)
	}
}

func TestClientCreateAndReadHeader(t *testing.T) {
	backend := objectstore.NewMemBackend("rbd")
	c := NewClient(backend, 1<<20)
	ctx := context.Background()

	h := Header{Size: 1024, Order: 12, Features: FeatureLayering}
	if err := c.CreateHeader(ctx, "rbd", "img1", h); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.CreateHeader(ctx, "rbd", "img1", h); err == nil {
		t.Fatal("expected ALREADY_EXISTS on duplicate create")
	}

	got, err := c.ReadHeader(ctx, "rbd", "img1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Size != 1024 {
		t.Fatalf("got size %d", got.Size)
	}

	got.Size = 2048
	if err := c.WriteHeader(ctx, "rbd", "img1", got); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Stale write must restart.
	if err := c.WriteHeader(ctx, "rbd", "img1", got); err == nil {
		t.Fatal("expected RESTART on stale write")
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	backend := objectstore.NewMemBackend("rbd")
	c := NewClient(backend, 1<<20)
	ctx := context.Background()

	if err := c.RegisterDirectoryEntry(ctx, "rbd", "myimg", "abc123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	id, err := c.LookupID(ctx, "rbd", "myimg")
	if err != nil || id != "abc123" {
		t.Fatalf("lookup got %q, %v", id, err)
	}
	if err := c.RemoveDirectoryEntry(ctx, "rbd", "myimg", "abc123"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := c.LookupID(ctx, "rbd", "myimg"); err == nil {
		t.Fatal("expected NOT_FOUND after remove")
	}
}

func TestChildrenSet(t *testing.T) {
	backend := objectstore.NewMemBackend("rbd")
	c := NewClient(backend, 1<<20)
	ctx := context.Background()

	p := ParentSpec{Pool: "rbd", ImageID: "parent1", SnapID: 1}
	if err := c.AddChild(ctx, p, "rbd", "child1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	children, err := c.ListChildren(ctx, p)
	if err != nil || len(children) != 1 || children[0].ID != "child1" {
		t.Fatalf("got %+v, %v", children, err)
	}
	if err := c.RemoveChild(ctx, p, "rbd", "child1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	children, err = c.ListChildren(ctx, p)
	if err != nil || len(children) != 0 {
		t.Fatalf("got %+v after remove, %v", children, err)
	}
}
