// Package imagemeta is the metadata codec client (C1): it reads and
// writes the header object, directory, children set, snapshot list,
// flags, feature bits, parent spec, and protection status, all via the
// narrow objectstore.Backend interface.
package imagemeta

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/golang/snappy"

	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
)

const (
	directoryObject = "directory"
	childrenObject  = "rbd_children"
	idPrefix        = "id_"
	headerPrefix    = "header."
	legacyHeaderSuffix = ".rbd"
	objectMapPrefix = "rbd_object_map."

	omapKeyID = "id"
)

// Client is the metadata codec: the only component in this module that
// knows the on-disk object naming scheme and wire layout of persisted
// image state.
type Client struct {
	backend Backend
	// headerCache holds recently-read header blobs keyed by object
	// name, cutting repeat re-reads within one refresh pass. It is a
	// plain byte cache, never a source of truth: each entry carries the
	// AssertVersion it was read at and is used only while a fresh Stat
	// still reports that version.
	headerCache *fastcache.Cache
}

// Backend is the subset of objectstore.Backend the codec uses; kept as
// its own name so call sites read as "talks to the metadata backend"
// rather than re-exporting the whole interface surface.
type Backend = objectstore.Backend

// NewClient returns a codec client with a bounded in-process read
// cache of cacheBytes for header blobs.
func NewClient(backend Backend, cacheBytes int) *Client {
	return &Client{backend: backend, headerCache: fastcache.New(cacheBytes)}
}

func headerObjectName(format Format, id, name string) string {
	if format == FormatLegacy {
		return name + legacyHeaderSuffix
	}
	return headerPrefix + id
}

func objectMapName(id string, snap objectstore.SnapID) string {
	if snap == objectstore.HeadSnapID {
		return objectMapPrefix + id + ".head"
	}
	return objectMapPrefix + id + "." + strconv.FormatUint(uint64(snap), 10)
}

// LookupID resolves name to its stable id via the directory object's
// forward omap entry.
func (c *Client) LookupID(ctx context.Context, pool, name string) (string, error) {
	v, err := c.backend.OmapGet(ctx, pool, directoryObject, "name_"+name)
	if err != nil {
		return "", xerrors.FromBackend("lookup_id", err)
	}
	return string(v), nil
}

// RegisterDirectoryEntry atomically creates the bidirectional
// name<->id mapping for a new image, failing with ALREADY_EXISTS if
// name is already registered.
func (c *Client) RegisterDirectoryEntry(ctx context.Context, pool, name, id string) error {
	if err := c.backend.OmapCompareAndSet(ctx, pool, directoryObject, "name_"+name, nil, []byte(id)); err != nil {
		if err == objectstore.ErrPrecondition {
			return xerrors.AlreadyExists("register_directory_entry", fmt.Errorf("name %q already exists", name))
		}
		return xerrors.FromBackend("register_directory_entry", err)
	}
	if err := c.backend.OmapCompareAndSet(ctx, pool, directoryObject, "id_"+id, nil, []byte(name)); err != nil {
		return xerrors.FromBackend("register_directory_entry", err)
	}
	return nil
}

// RemoveDirectoryEntry tears down both halves of the name<->id mapping.
// Matching the teacher's open question about remove ordering, the
// forward (name) entry is cleared first regardless of whether the
// reverse (id) removal succeeds — this reproduces an ordering the spec
// calls out as possibly-buggy rather than "fixing" it.
func (c *Client) RemoveDirectoryEntry(ctx context.Context, pool, name, id string) error {
	err1 := c.backend.OmapRemove(ctx, pool, directoryObject, "name_"+name)
	err2 := c.backend.OmapRemove(ctx, pool, directoryObject, "id_"+id)
	if err1 != nil && err1 != objectstore.ErrNotFound {
		return xerrors.FromBackend("remove_directory_entry", err1)
	}
	if err2 != nil && err2 != objectstore.ErrNotFound {
		return xerrors.FromBackend("remove_directory_entry", err2)
	}
	return nil
}

// RenameDirectoryEntry moves name from oldName to newName for the same
// id. Per spec.md §9's open question, this does not notify watchers of
// the new name.
func (c *Client) RenameDirectoryEntry(ctx context.Context, pool, oldName, newName, id string) error {
	if err := c.backend.OmapCompareAndSet(ctx, pool, directoryObject, "name_"+newName, nil, []byte(id)); err != nil {
		if err == objectstore.ErrPrecondition {
			return xerrors.AlreadyExists("rename_directory_entry", fmt.Errorf("name %q already exists", newName))
		}
		return xerrors.FromBackend("rename_directory_entry", err)
	}
	if err := c.backend.OmapRemove(ctx, pool, directoryObject, "name_"+oldName); err != nil && err != objectstore.ErrNotFound {
		return xerrors.FromBackend("rename_directory_entry", err)
	}
	return c.backend.OmapCompareAndSet(ctx, pool, directoryObject, "id_"+id, []byte(oldName), []byte(newName))
}

// CreateHeader persists a brand-new modern header object, failing with
// ALREADY_EXISTS if one is already present.
func (c *Client) CreateHeader(ctx context.Context, pool, id string, h Header) error {
	name := headerObjectName(FormatModern, id, "")
	payload := encodeHeader(h)
	if err := c.backend.Write(ctx, pool, name, 0, payload, &objectstore.Precondition{AssertVersion: 0}); err != nil {
		if err == objectstore.ErrPrecondition {
			return xerrors.AlreadyExists("create_header", fmt.Errorf("header for %q exists", id))
		}
		return xerrors.FromBackend("create_header", err)
	}
	return nil
}

// ReadHeader reads and decodes the modern header object for id,
// returning UNSUPPORTED_INCOMPATIBLE if it carries an incompatible
// feature bit.
func (c *Client) ReadHeader(ctx context.Context, pool, id string) (Header, error) {
	name := headerObjectName(FormatModern, id, "")
	key := []byte(pool + "/" + name)
	if cached, ok := c.headerCache.HasGet(nil, key); ok && len(cached) >= 8 {
		if st, err := c.backend.Stat(ctx, pool, name); err == nil && binary.BigEndian.Uint64(cached[:8]) == st.AssertVersion {
			if h, ok := decodeHeader(cached[8:]); ok {
				h.AssertVersion = st.AssertVersion
				return h, nil
			}
		}
	}

	st, err := c.backend.Stat(ctx, pool, name)
	if err != nil {
		return Header{}, xerrors.FromBackend("read_header", err)
	}
	buf := make([]byte, st.Size)
	if _, err := c.backend.Read(ctx, pool, name, objectstore.HeadSnapID, 0, buf); err != nil {
		return Header{}, xerrors.FromBackend("read_header", err)
	}
	h, ok := decodeHeader(buf)
	if !ok {
		return Header{}, xerrors.Corrupt("read_header", fmt.Errorf("malformed header object for %q", id))
	}
	h.AssertVersion = st.AssertVersion
	if h.IncompatFlags&^Supported != 0 {
		return Header{}, xerrors.UnsupportedIncompatible("read_header")
	}
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], st.AssertVersion)
	c.headerCache.Set(key, append(ver[:], buf...))
	return h, nil
}

// WriteHeader persists h back, compare-and-swapping on h.AssertVersion
// so concurrent writers detect staleness instead of clobbering.
func (c *Client) WriteHeader(ctx context.Context, pool, id string, h Header) error {
	name := headerObjectName(FormatModern, id, "")
	payload := encodeHeader(h)
	if err := c.backend.Write(ctx, pool, name, 0, payload, &objectstore.Precondition{AssertVersion: h.AssertVersion}); err != nil {
		if err == objectstore.ErrPrecondition {
			return xerrors.Restart("write_header")
		}
		return xerrors.FromBackend("write_header", err)
	}
	if err := c.backend.Truncate(ctx, pool, name, int64(len(payload))); err != nil {
		return xerrors.FromBackend("write_header", err)
	}
	c.headerCache.Del([]byte(pool + "/" + name))
	return nil
}

// encodeHeader renders Header as a simple tagged binary blob. Mirrors
// the teacher's own length-prefixed-field style in
// core/rawdb/freezer_table.go's index records rather than a generic
// reflection-based encoder.
func encodeHeader(h Header) []byte {
	var b strings.Builder
	writeUint(&b, h.Size)
	writeUint(&b, uint64(h.Order))
	writeUint(&b, uint64(h.Features))
	writeUint(&b, uint64(h.Flags))
	writeUint(&b, uint64(h.IncompatFlags))
	writeUint(&b, uint64(h.Parent.SnapID))
	writeString(&b, h.Parent.Pool)
	writeString(&b, h.Parent.ImageID)
	writeUint(&b, h.Parent.Overlap)
	writeUint(&b, h.StripeUnit)
	writeUint(&b, h.StripeCount)
	writeUint(&b, uint64(h.LockType))
	writeString(&b, h.LockTag)

	writeUint(&b, uint64(len(h.Snaps)))
	for _, s := range h.Snaps {
		writeUint(&b, uint64(s.ID))
		writeString(&b, s.Name)
		writeUint(&b, s.Size)
		writeUint(&b, uint64(s.Parent.SnapID))
		writeString(&b, s.Parent.Pool)
		writeString(&b, s.Parent.ImageID)
		writeUint(&b, s.Parent.Overlap)
		writeUint(&b, uint64(s.Protection))
		writeUint(&b, uint64(s.Flags))
		if s.FlagsUnsupported {
			writeUint(&b, 1)
		} else {
			writeUint(&b, 0)
		}
	}

	writeUint(&b, uint64(len(h.Lockers)))
	for _, l := range h.Lockers {
		writeString(&b, l.ClientID)
		writeString(&b, l.Cookie)
		writeString(&b, l.Address)
		writeString(&b, l.Tag)
		writeUint(&b, uint64(l.Mode))
	}

	return snappy.Encode(nil, []byte(b.String()))
}

func decodeHeader(raw []byte) (Header, bool) {
	plain, err := snappy.Decode(nil, raw)
	if err != nil {
		return Header{}, false
	}
	r := &reader{s: string(plain)}
	h := Header{}
	h.Size = r.uint()
	h.Order = uint32(r.uint())
	h.Features = Feature(r.uint())
	h.Flags = Flag(r.uint())
	h.IncompatFlags = Feature(r.uint())
	h.Parent.SnapID = objectstore.SnapID(r.uint())
	h.Parent.Pool = r.string()
	h.Parent.ImageID = r.string()
	h.Parent.Overlap = r.uint()
	h.StripeUnit = r.uint()
	h.StripeCount = r.uint()
	h.LockType = LockMode(r.uint())
	h.LockTag = r.string()

	n := r.uint()
	h.Snaps = make([]SnapInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		var s SnapInfo
		s.ID = objectstore.SnapID(r.uint())
		s.Name = r.string()
		s.Size = r.uint()
		s.Parent.SnapID = objectstore.SnapID(r.uint())
		s.Parent.Pool = r.string()
		s.Parent.ImageID = r.string()
		s.Parent.Overlap = r.uint()
		s.Protection = Protection(r.uint())
		s.Flags = Flag(r.uint())
		s.FlagsUnsupported = r.uint() == 1
		h.Snaps = append(h.Snaps, s)
	}

	nl := r.uint()
	h.Lockers = make([]Locker, 0, nl)
	for i := uint64(0); i < nl; i++ {
		var l Locker
		l.ClientID = r.string()
		l.Cookie = r.string()
		l.Address = r.string()
		l.Tag = r.string()
		l.Mode = LockMode(r.uint())
		h.Lockers = append(h.Lockers, l)
	}

	if r.failed {
		return Header{}, false
	}
	return h, true
}

func writeUint(b *strings.Builder, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	b.Write(buf[:])
}

func writeString(b *strings.Builder, s string) {
	writeUint(b, uint64(len(s)))
	b.WriteString(s)
}

type reader struct {
	s      string
	off    int
	failed bool
}

func (r *reader) uint() uint64 {
	if r.off+8 > len(r.s) {
		r.failed = true
		return 0
	}
	v := binary.BigEndian.Uint64([]byte(r.s[r.off : r.off+8]))
	r.off += 8
	return v
}

func (r *reader) string() string {
	n := int(r.uint())
	if r.failed || r.off+n > len(r.s) {
		r.failed = true
		return ""
	}
	s := r.s[r.off : r.off+n]
	r.off += n
	return s
}
