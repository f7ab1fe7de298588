package image

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/snaplifecycle"
	"github.com/coreimage/libimage/xerrors"
	"github.com/coreimage/libimage/xlog"
)

func newTestClient(t *testing.T, clientID string) *Client {
	t.Helper()
	backend := objectstore.NewMemBackend("rbd")
	c, err := NewClient(backend, clientID, DefaultOptions(), xlog.NewNop())
	require.NoError(t, err, "new client")
	return c
}

func TestCreateOpenWriteRead(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "client-a")

	img, err := c.Create(ctx, "rbd", "disk1", 1<<20, 22, imagemeta.FeatureLayering, CreateOptions{})
	require.NoError(t, err, "create")
	defer img.Close()

	require.NoError(t, img.Write(ctx, 0, []byte("hello world")))
	got, err := img.Read(ctx, 0, 11)
	require.NoError(t, err, "read")
	require.True(t, bytes.Equal(got, []byte("hello world")), "got %q", got)

	reopened, err := c.Open(ctx, "rbd", "disk1")
	require.NoError(t, err, "reopen")
	defer reopened.Close()
	require.Equal(t, uint64(1<<20), reopened.Stat().Size)
}

func TestSnapshotCloneFlatten(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "client-a")

	parent, err := c.Create(ctx, "rbd", "base", 4096*4, 12, imagemeta.FeatureLayering, CreateOptions{})
	require.NoError(t, err, "create parent")
	defer parent.Close()

	require.NoError(t, parent.Write(ctx, 0, []byte("parent-data")))
	require.NoError(t, parent.SnapCreate(ctx, "snap1"))
	require.NoError(t, parent.SnapProtect(ctx, "snap1"))

	child, err := parent.Clone(ctx, "snap1", snaplifecycle.CloneRequest{
		ChildPool: "rbd",
		ChildName: "clone1",
		Features:  imagemeta.FeatureLayering,
	})
	require.NoError(t, err, "clone")
	defer child.Close()

	got, err := child.Read(ctx, 0, 11)
	require.NoError(t, err, "read cloned data")
	require.True(t, bytes.Equal(got, []byte("parent-data")), "want copy-on-write read from parent, got %q", got)

	err = parent.SnapUnprotect(ctx, "snap1")
	require.True(t, xerrors.Is(err, xerrors.KindBusy), "unprotect with live child: got %v, want BUSY", err)

	require.NoError(t, child.Flatten(ctx, nil))
	require.NoError(t, parent.SnapUnprotect(ctx, "snap1"), "unprotect after flatten")

	got, err = child.Read(ctx, 0, 11)
	require.NoError(t, err, "read after flatten")
	require.True(t, bytes.Equal(got, []byte("parent-data")), "got %q after flatten", got)
}

func TestUnsupportedIncompatibleFeatureRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "client-a")

	_, err := c.Create(ctx, "rbd", "bad", 4096, 12, imagemeta.Feature(1<<63), CreateOptions{})
	require.True(t, xerrors.Is(err, xerrors.KindUnsupportedIncompatible), "got %v, want UNSUPPORTED_INCOMPATIBLE", err)
}

func TestExclusiveLockHandoffBetweenClients(t *testing.T) {
	ctx := context.Background()
	backend := objectstore.NewMemBackend("rbd")
	a, err := NewClient(backend, "client-a", DefaultOptions(), xlog.NewNop())
	require.NoError(t, err, "new client a")
	b, err := NewClient(backend, "client-b", DefaultOptions(), xlog.NewNop())
	require.NoError(t, err, "new client b")

	imgA, err := a.Create(ctx, "rbd", "shared", 4096, 12, imagemeta.FeatureLayering|imagemeta.FeatureExclusiveLock, CreateOptions{})
	require.NoError(t, err, "create")
	defer imgA.Close()

	require.NoError(t, imgA.Write(ctx, 0, []byte("from-a")), "write from a")

	imgB, err := b.Open(ctx, "rbd", "shared")
	require.NoError(t, err, "open from b")
	defer imgB.Close()

	require.NoError(t, imgA.lock.Release(ctx), "release from a")
	require.NoError(t, imgB.Write(ctx, 0, []byte("from-b")), "write from b after handoff")
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, "client-a")

	img, err := c.Create(ctx, "rbd", "disk1", 4096, 12, imagemeta.FeatureLayering, CreateOptions{})
	require.NoError(t, err, "create")
	defer img.Close()

	require.NoError(t, img.Write(ctx, 0, []byte("version-one")), "write v1")
	require.NoError(t, img.SnapCreate(ctx, "v1"))
	require.NoError(t, img.Write(ctx, 0, []byte("version-two-diff")), "write v2")

	require.NoError(t, img.SnapRollback(ctx, "v1", nil))
	got, err := img.Read(ctx, 0, 11)
	require.NoError(t, err, "read after rollback")
	require.True(t, bytes.Equal(got, []byte("version-one")), "got %q after rollback", got)
}
