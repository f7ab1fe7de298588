package imagemeta

import "github.com/coreimage/libimage/objectstore"

// ParentSpec identifies the snapshot a child image was cloned from.
type ParentSpec struct {
	Pool    string
	ImageID string
	SnapID  objectstore.SnapID
	Overlap uint64
}

// IsZero reports whether the parent edge is absent.
func (p ParentSpec) IsZero() bool { return p == ParentSpec{} }

// SnapInfo is one entry of the header's snapshot context.
type SnapInfo struct {
	ID               objectstore.SnapID
	Name             string
	Size             uint64
	Parent           ParentSpec
	Protection       Protection
	Flags            Flag
	FlagsUnsupported bool // store reported "unsupported" for this snapshot's flags
}

// Locker is one entry of the header's lockers set (spec.md §3).
type Locker struct {
	ClientID string
	Cookie   string
	Address  string
	Tag      string
	Mode     LockMode
}

// LockMode is the granularity of one locker entry.
type LockMode int

const (
	LockModeShared LockMode = iota
	LockModeExclusive
)

// Header is the full decoded content of a modern image's header
// object: size, order, features, flags, snap context, parent spec,
// lockers, striping parameters.
type Header struct {
	Size          uint64
	Order         uint32
	Features      Feature
	Flags         Flag
	IncompatFlags Feature // feature bits outside Supported, preserved verbatim for error reporting
	Snaps         []SnapInfo
	Parent        ParentSpec
	Lockers       []Locker
	LockType      LockMode
	LockTag       string
	StripeUnit    uint64
	StripeCount   uint64

	// AssertVersion is the object-store version this Header was read
	// at, used as a compare-and-swap precondition on the next write.
	AssertVersion uint64
}

// LegacyHeader is the fixed-size on-disk layout of a legacy image's
// header blob (spec.md §6). Readers must verify Signature before
// trusting the rest of the struct.
type LegacyHeader struct {
	Signature  string // must equal legacySignature
	Version    string
	BlockName  [24]byte
	Size       uint64
	Order      uint32
	CryptType  uint32 // always legacyCryptNone
	CompType   uint32 // always legacyCompNone
	SnapSeq    uint64
	SnapCount  uint32
	Reserved   uint32
	SnapNamesLen uint32
}

const (
	legacySignature   = "RBD image v1.0 lib"
	legacyCryptNone   = 0
	legacyCompNone    = 0
)
