package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemBackend is an in-process Backend over plain maps, in the spirit of
// the teacher's memorydb: no persistence, snapshot reads as described
// on AllocateSnapID, used by unit tests and by examples that don't
// need a real object store. All operations are serialized by a single
// RWMutex; this package favors clarity over the production backend's
// per-object concurrency.
type MemBackend struct {
	mu sync.RWMutex

	objects map[objKey]*memObject
	omaps   map[objKey]map[string][]byte
	snapIDs map[string]SnapID
	pools   map[string]bool

	watchers map[objKey][]*memWatcher
}

type objKey struct{ pool, name string }

type memObject struct {
	data    map[SnapID][]byte
	version uint64
}

// NewMemBackend returns an empty backend with the given pools already
// known to Pools/BaseTier.
func NewMemBackend(pools ...string) *MemBackend {
	b := &MemBackend{
		objects:  make(map[objKey]*memObject),
		omaps:    make(map[objKey]map[string][]byte),
		snapIDs:  make(map[string]SnapID),
		pools:    make(map[string]bool),
		watchers: make(map[objKey][]*memWatcher),
	}
	for _, p := range pools {
		b.pools[p] = true
	}
	return b
}

func (b *MemBackend) Read(_ context.Context, pool, name string, snap SnapID, off int64, buf []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.objects[objKey{pool, name}]
	if !ok {
		return 0, ErrNotFound
	}
	data := o.data[HeadSnapID]
	if snap != HeadSnapID {
		if d, ok := o.data[snap]; ok {
			data = d
		}
	}
	if off >= int64(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[off:])
	return n, nil
}

func (b *MemBackend) Write(_ context.Context, pool, name string, off int64, data []byte, pre *Precondition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := objKey{pool, name}
	o, ok := b.objects[k]
	if !ok {
		if pre != nil && pre.AssertVersion != 0 {
			return ErrPrecondition
		}
		o = &memObject{data: map[SnapID][]byte{HeadSnapID: nil}}
		b.objects[k] = o
	}
	if pre != nil && pre.AssertVersion != o.version {
		return ErrPrecondition
	}
	cur := o.data[HeadSnapID]
	need := int(off) + len(data)
	if need > len(cur) {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[off:], data)
	o.data[HeadSnapID] = cur
	o.version++
	return nil
}

func (b *MemBackend) Remove(_ context.Context, pool, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := objKey{pool, name}
	if _, ok := b.objects[k]; !ok {
		return ErrNotFound
	}
	delete(b.objects, k)
	delete(b.omaps, k)
	return nil
}

func (b *MemBackend) Truncate(_ context.Context, pool, name string, size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := objKey{pool, name}
	o, ok := b.objects[k]
	if !ok {
		if size == 0 {
			return nil
		}
		return ErrNotFound
	}
	cur := o.data[HeadSnapID]
	if int64(len(cur)) == size {
		return nil
	}
	if size < int64(len(cur)) {
		o.data[HeadSnapID] = cur[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, cur)
		o.data[HeadSnapID] = grown
	}
	o.version++
	return nil
}

func (b *MemBackend) Stat(_ context.Context, pool, name string) (Stat, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.objects[objKey{pool, name}]
	if !ok {
		return Stat{}, ErrNotFound
	}
	return Stat{Size: int64(len(o.data[HeadSnapID])), AssertVersion: o.version}, nil
}

func (b *MemBackend) OmapGet(_ context.Context, pool, name, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.omaps[objKey{pool, name}]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *MemBackend) OmapCompareAndSet(_ context.Context, pool, name, key string, oldVal, newVal []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := objKey{pool, name}
	m, ok := b.omaps[k]
	if !ok {
		m = make(map[string][]byte)
		b.omaps[k] = m
		if _, objOK := b.objects[k]; !objOK {
			b.objects[k] = &memObject{data: map[SnapID][]byte{HeadSnapID: nil}}
		}
	}
	cur, exists := m[key]
	switch {
	case oldVal == nil && exists:
		return ErrPrecondition
	case oldVal != nil && (!exists || string(cur) != string(oldVal)):
		return ErrPrecondition
	}
	m[key] = append([]byte(nil), newVal...)
	return nil
}

func (b *MemBackend) OmapRemove(_ context.Context, pool, name, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.omaps[objKey{pool, name}]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m[key]; !ok {
		return ErrNotFound
	}
	delete(m, key)
	return nil
}

func (b *MemBackend) OmapList(_ context.Context, pool, name, prefix string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]byte)
	for k, v := range b.omaps[objKey{pool, name}] {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// AllocateSnapID assigns the next snapshot id in pool and records the
// current head content of every object in pool under that id, so a
// later Read at the id returns what the object held at allocation. An
// object first written after the allocation has no copy for the id and
// reads its head content; a removed object is gone at every id.
func (b *MemBackend) AllocateSnapID(_ context.Context, pool string) (SnapID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.snapIDs[pool]++
	id := b.snapIDs[pool]
	for k, o := range b.objects {
		if k.pool == pool {
			o.data[id] = append([]byte(nil), o.data[HeadSnapID]...)
		}
	}
	return id, nil
}

func (b *MemBackend) ReleaseSnapID(_ context.Context, pool string, id SnapID) error {
	return nil
}

type memWatcher struct {
	ch     chan WatchEvent
	closed bool
}

func (w *memWatcher) Events() <-chan WatchEvent { return w.ch }
func (w *memWatcher) Close() error {
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	return nil
}

func (b *MemBackend) Watch(_ context.Context, pool, name string) (Watcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := &memWatcher{ch: make(chan WatchEvent, 16)}
	k := objKey{pool, name}
	b.watchers[k] = append(b.watchers[k], w)
	return w, nil
}

func (b *MemBackend) Notify(_ context.Context, pool, name string, payload []byte) error {
	b.mu.RLock()
	ws := append([]*memWatcher(nil), b.watchers[objKey{pool, name}]...)
	b.mu.RUnlock()

	for _, w := range ws {
		select {
		case w.ch <- WatchEvent{Payload: payload}:
		default:
		}
	}
	return nil
}

func (b *MemBackend) Pools(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.pools))
	for p := range b.pools {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemBackend) BaseTier(_ context.Context, pool string) (string, error) {
	return pool, nil
}
