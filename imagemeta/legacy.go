package imagemeta

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/xerrors"
)

const legacyFixedHeaderLen = 19 + 8 + 24 + 8 + 4 + 4 + 4 + 8 + 4 + 4 + 4

// ReadLegacyHeader reads and validates the fixed-size legacy header
// blob for name. An unrecognized signature fails with CORRUPT, mirroring
// spec.md §6's UNRECOGNIZED_HEADER.
func (c *Client) ReadLegacyHeader(ctx context.Context, pool, name string) (LegacyHeader, error) {
	objName := headerObjectName(FormatLegacy, "", name)
	buf := make([]byte, legacyFixedHeaderLen)
	n, err := c.backend.Read(ctx, pool, objName, objectstore.HeadSnapID, 0, buf)
	if err != nil {
		return LegacyHeader{}, xerrors.FromBackend("read_legacy_header", err)
	}
	if n < legacyFixedHeaderLen {
		return LegacyHeader{}, xerrors.Corrupt("read_legacy_header", fmt.Errorf("short legacy header: %d bytes", n))
	}
	h, ok := decodeLegacyHeader(buf)
	if !ok {
		return LegacyHeader{}, xerrors.Corrupt("read_legacy_header", fmt.Errorf("unrecognized legacy header signature for %q", name))
	}
	return h, nil
}

// WriteLegacyHeader persists h as the fixed-size legacy header blob.
func (c *Client) WriteLegacyHeader(ctx context.Context, pool, name string, h LegacyHeader) error {
	objName := headerObjectName(FormatLegacy, "", name)
	buf := encodeLegacyHeader(h)
	if err := c.backend.Write(ctx, pool, objName, 0, buf, nil); err != nil {
		return xerrors.FromBackend("write_legacy_header", err)
	}
	return nil
}

func encodeLegacyHeader(h LegacyHeader) []byte {
	buf := make([]byte, legacyFixedHeaderLen)
	off := 0
	off += copy(buf[off:], padTo(legacySignature, 19))
	copy(buf[off:off+len(h.BlockName)], h.BlockName[:])
	off += 24
	binary.BigEndian.PutUint64(buf[off:], h.Size)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], h.Order)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], legacyCryptNone)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], legacyCompNone)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], h.SnapSeq)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], h.SnapCount)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], h.Reserved)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], h.SnapNamesLen)
	return buf
}

func decodeLegacyHeader(buf []byte) (LegacyHeader, bool) {
	sig := trimPad(string(buf[0:19]))
	if sig != legacySignature {
		return LegacyHeader{}, false
	}
	h := LegacyHeader{Signature: sig}
	off := 19
	copy(h.BlockName[:], buf[off:off+24])
	off += 24
	h.Size = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.Order = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.CryptType = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.CompType = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.SnapSeq = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.SnapCount = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.Reserved = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.SnapNamesLen = binary.BigEndian.Uint32(buf[off:])
	return h, true
}

func padTo(s string, n int) []byte {
	buf := make([]byte, n)
	copy(buf, s)
	return buf
}

func trimPad(s string) string {
	for i, r := range s {
		if r == 0 {
			return s[:i]
		}
	}
	return s
}

// ReadLegacySnapList reads the separate legacy snapshot-name list call
// named in spec.md §4.2: legacy refresh has no feature bits, flags, or
// parent, only a flat id/name/size vector.
func (c *Client) ReadLegacySnapList(ctx context.Context, pool, name string) ([]SnapInfo, error) {
	v, err := c.backend.OmapGet(ctx, pool, headerObjectName(FormatLegacy, "", name), "snaps")
	if err == objectstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.FromBackend("read_legacy_snap_list", err)
	}
	r := &reader{s: string(v)}
	n := r.uint()
	out := make([]SnapInfo, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, SnapInfo{ID: objectstore.SnapID(r.uint()), Name: r.string(), Size: r.uint()})
	}
	if r.failed {
		return nil, xerrors.Corrupt("read_legacy_snap_list", fmt.Errorf("malformed legacy snap list for %q", name))
	}
	return out, nil
}
