package objectstore

import (
	"context"
	"testing"
)

func TestMemBackendWriteRead(t *testing.T) {
	b := NewMemBackend("rbd")
	ctx := context.Background()

	if err := b.Write(ctx, "rbd", "obj.0", 0, []byte("hello"), nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	n, err := b.Read(ctx, "rbd", "obj.0", HeadSnapID, 0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("got %q, want hello", buf[:n])
	}
}

func TestMemBackendRemoveNotFound(t *testing.T) {
	b := NewMemBackend("rbd")
	if err := b.Remove(context.Background(), "rbd", "missing"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemBackendOmapCompareAndSet(t *testing.T) {
	b := NewMemBackend("rbd")
	ctx := context.Background()

	if err := b.OmapCompareAndSet(ctx, "rbd", "dir", "img1", nil, []byte("id1")); err != nil {
		t.Fatalf("initial set: %v", err)
	}
	if err := b.OmapCompareAndSet(ctx, "rbd", "dir", "img1", nil, []byte("id2")); err != ErrPrecondition {
		t.Fatalf("got %v, want ErrPrecondition on absent-required set", err)
	}
	if err := b.OmapCompareAndSet(ctx, "rbd", "dir", "img1", []byte("id1"), []byte("id2")); err != nil {
		t.Fatalf("cas update: %v", err)
	}
	v, err := b.OmapGet(ctx, "rbd", "dir", "img1")
	if err != nil || string(v) != "id2" {
		t.Fatalf("got %q, %v; want id2", v, err)
	}
}

func TestMemBackendWatchNotify(t *testing.T) {
	b := NewMemBackend("rbd")
	ctx := context.Background()

	w, err := b.Watch(ctx, "rbd", "header.id1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := b.Notify(ctx, "rbd", "header.id1", []byte("request-lock")); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case ev := <-w.Events():
		if string(ev.Payload) != "request-lock" {
			t.Fatalf("got %q", ev.Payload)
		}
	default:
		t.Fatal("expected buffered event")
	}
}
