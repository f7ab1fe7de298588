package objectmap

import "testing"

func TestBitmapEncodeDecodeRoundTrip(t *testing.T) {
	b := NewBitmap(10)
	b.Set(0, StateExistsClean)
	b.Set(3, StatePending)
	b.Set(9, StateExists)

	raw := b.Encode()
	got := DecodeBitmap(raw, 10)

	for i := uint64(0); i < 10; i++ {
		if got.Get(i) != b.Get(i) {
			t.Fatalf("object %d: got %v, want %v", i, got.Get(i), b.Get(i))
		}
	}
}

func TestBitmapResize(t *testing.T) {
	b := NewBitmap(4)
	b.Set(2, StateExists)
	b.Resize(8)
	if b.Len() != 8 {
		t.Fatalf("got len %d", b.Len())
	}
	if b.Get(2) != StateExists {
		t.Fatal("existing state lost on grow")
	}
	b.Resize(2)
	if b.Len() != 2 {
		t.Fatalf("got len %d after shrink", b.Len())
	}
}
