package objectstore

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBBackend is a disk-resident reference Backend over goleveldb,
// a durable alternative to MemBackend; this module's own tests run
// against MemBackend only. Object data is stored under a "d:" key
// prefix, omap entries under "m:", one leveldb key per omap key so
// OmapList can use a prefix range scan the way the teacher's
// core/rawdb package range-scans its own key namespaces.
type LevelDBBackend struct {
	db *leveldb.DB

	mu      sync.Mutex
	snapIDs map[string]SnapID
	pools   map[string]bool

	watchMu  sync.Mutex
	watchers map[objKey][]*memWatcher
}

// OpenLevelDBBackend opens (creating if absent) a goleveldb database at
// dir to back a Backend.
func OpenLevelDBBackend(dir string, pools ...string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	poolSet := make(map[string]bool, len(pools))
	for _, p := range pools {
		poolSet[p] = true
	}
	return &LevelDBBackend{
		db:       db,
		snapIDs:  make(map[string]SnapID),
		pools:    poolSet,
		watchers: make(map[objKey][]*memWatcher),
	}, nil
}

func (b *LevelDBBackend) Close() error { return b.db.Close() }

func dataKey(pool, name string) []byte {
	return []byte("d:" + pool + "\x00" + name)
}

func versionKey(pool, name string) []byte {
	return []byte("v:" + pool + "\x00" + name)
}

func omapKey(pool, name, key string) []byte {
	return []byte("m:" + pool + "\x00" + name + "\x00" + key)
}

func omapPrefix(pool, name string) []byte {
	return []byte("m:" + pool + "\x00" + name + "\x00")
}

func (b *LevelDBBackend) Read(_ context.Context, pool, name string, snap SnapID, off int64, buf []byte) (int, error) {
	data, err := b.db.Get(dataKey(pool, name), nil)
	if err == leveldb.ErrNotFound {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, err
	}
	if off >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[off:]), nil
}

func (b *LevelDBBackend) Write(_ context.Context, pool, name string, off int64, data []byte, pre *Precondition) error {
	key := dataKey(pool, name)
	cur, err := b.db.Get(key, nil)
	if err != nil && err != leveldb.ErrNotFound {
		return err
	}
	if pre != nil {
		v, _ := b.readVersion(pool, name)
		if pre.AssertVersion != v {
			return ErrPrecondition
		}
	}
	need := int(off) + len(data)
	if need > len(cur) {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[off:], data)
	batch := new(leveldb.Batch)
	batch.Put(key, cur)
	batch.Put(versionKey(pool, name), b.nextVersionBytes(pool, name))
	return b.db.Write(batch, nil)
}

func (b *LevelDBBackend) readVersion(pool, name string) (uint64, error) {
	v, err := b.db.Get(versionKey(pool, name), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func (b *LevelDBBackend) nextVersionBytes(pool, name string) []byte {
	v, _ := b.readVersion(pool, name)
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v+1)
	return out
}

func (b *LevelDBBackend) Remove(_ context.Context, pool, name string) error {
	key := dataKey(pool, name)
	if ok, _ := b.db.Has(key, nil); !ok {
		return ErrNotFound
	}
	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Delete(versionKey(pool, name))
	it := b.db.NewIterator(util.BytesPrefix(omapPrefix(pool, name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	return b.db.Write(batch, nil)
}

func (b *LevelDBBackend) Truncate(_ context.Context, pool, name string, size int64) error {
	key := dataKey(pool, name)
	cur, err := b.db.Get(key, nil)
	if err != nil && err != leveldb.ErrNotFound {
		return err
	}
	if size < int64(len(cur)) {
		cur = cur[:size]
	} else if size > int64(len(cur)) {
		grown := make([]byte, size)
		copy(grown, cur)
		cur = grown
	}
	return b.db.Put(key, cur, nil)
}

func (b *LevelDBBackend) Stat(_ context.Context, pool, name string) (Stat, error) {
	data, err := b.db.Get(dataKey(pool, name), nil)
	if err == leveldb.ErrNotFound {
		return Stat{}, ErrNotFound
	} else if err != nil {
		return Stat{}, err
	}
	v, _ := b.readVersion(pool, name)
	return Stat{Size: int64(len(data)), AssertVersion: v}, nil
}

func (b *LevelDBBackend) OmapGet(_ context.Context, pool, name, key string) ([]byte, error) {
	v, err := b.db.Get(omapKey(pool, name, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (b *LevelDBBackend) OmapCompareAndSet(_ context.Context, pool, name, key string, oldVal, newVal []byte) error {
	k := omapKey(pool, name, key)
	cur, err := b.db.Get(k, nil)
	exists := err == nil
	if err != nil && err != leveldb.ErrNotFound {
		return err
	}
	switch {
	case oldVal == nil && exists:
		return ErrPrecondition
	case oldVal != nil && (!exists || string(cur) != string(oldVal)):
		return ErrPrecondition
	}
	return b.db.Put(k, newVal, nil)
}

func (b *LevelDBBackend) OmapRemove(_ context.Context, pool, name, key string) error {
	k := omapKey(pool, name, key)
	if ok, _ := b.db.Has(k, nil); !ok {
		return ErrNotFound
	}
	return b.db.Delete(k, nil)
}

func (b *LevelDBBackend) OmapList(_ context.Context, pool, name, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	base := omapPrefix(pool, name)
	it := b.db.NewIterator(util.BytesPrefix(append(base, prefix...)), nil)
	defer it.Release()
	for it.Next() {
		k := string(it.Key()[len(base):])
		out[k] = append([]byte(nil), it.Value()...)
	}
	return out, it.Error()
}

func (b *LevelDBBackend) AllocateSnapID(_ context.Context, pool string) (SnapID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapIDs[pool]++
	return b.snapIDs[pool], nil
}

func (b *LevelDBBackend) ReleaseSnapID(_ context.Context, pool string, id SnapID) error { return nil }

func (b *LevelDBBackend) Watch(_ context.Context, pool, name string) (Watcher, error) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	w := &memWatcher{ch: make(chan WatchEvent, 16)}
	b.watchers[objKey{pool, name}] = append(b.watchers[objKey{pool, name}], w)
	return w, nil
}

func (b *LevelDBBackend) Notify(_ context.Context, pool, name string, payload []byte) error {
	b.watchMu.Lock()
	ws := append([]*memWatcher(nil), b.watchers[objKey{pool, name}]...)
	b.watchMu.Unlock()
	for _, w := range ws {
		select {
		case w.ch <- WatchEvent{Payload: payload}:
		default:
		}
	}
	return nil
}

func (b *LevelDBBackend) Pools(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pools))
	for p := range b.pools {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (b *LevelDBBackend) BaseTier(_ context.Context, pool string) (string, error) { return pool, nil }
