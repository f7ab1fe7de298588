// Package xerrors defines the typed error kinds used throughout libimage.
//
// Every kind satisfies the standard error interface and additionally
// supports classification via errors.Is, following the marker-interface
// pattern exercised by containerd/errdefs: a kind is never identified by
// string-matching an error message, only by walking the Unwrap/Is chain.
package xerrors

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/coreimage/libimage/objectstore"
)

// Kind identifies one of the error classes named in the control-plane
// error-handling design.
type Kind int

const (
	KindUnknown Kind = iota
	KindReadOnly
	KindNotFound
	KindAlreadyExists
	KindInvalid
	KindUnsupported
	KindBusy
	KindTimeout
	KindRestart
	KindCorrupt
	KindUnsupportedIncompatible
	KindIO
	KindWouldBlockOnLock
)

func (k Kind) String() string {
	switch k {
	case KindReadOnly:
		return "READONLY"
	case KindNotFound:
		return "NOT_FOUND"
	case KindAlreadyExists:
		return "ALREADY_EXISTS"
	case KindInvalid:
		return "INVALID"
	case KindUnsupported:
		return "UNSUPPORTED"
	case KindBusy:
		return "BUSY"
	case KindTimeout:
		return "TIMEOUT"
	case KindRestart:
		return "RESTART"
	case KindCorrupt:
		return "CORRUPT"
	case KindUnsupportedIncompatible:
		return "UNSUPPORTED_INCOMPATIBLE"
	case KindIO:
		return "IO"
	case KindWouldBlockOnLock:
		return "WOULD_BLOCK_ON_LOCK"
	default:
		return "UNKNOWN"
	}
}

// kindError is the concrete type every constructor below returns. It
// carries an optional wrapped cause so callers can still recover the
// underlying backend error with errors.Unwrap.
type kindError struct {
	kind  Kind
	op    string
	cause error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.op, e.kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.op, e.kind)
}

func (e *kindError) Unwrap() error { return e.cause }

// Is lets errors.Is(err, KindNotFoundErr) work without exposing kindError.
func (e *kindError) Is(target error) bool {
	k, ok := target.(kindMarker)
	if !ok {
		return false
	}
	return e.kind == k.kindValue()
}

type kindMarker interface{ kindValue() Kind }

// sentinel is the comparable value each KindXxxErr variable below is. It
// implements kindMarker so errors.Is(err, KindNotFoundErr) compares kinds,
// not pointer identity.
type sentinel Kind

func (s sentinel) kindValue() Kind  { return Kind(s) }
func (s sentinel) Error() string    { return Kind(s).String() }

var (
	KindReadOnlyErr                = sentinel(KindReadOnly)
	KindNotFoundErr                = sentinel(KindNotFound)
	KindAlreadyExistsErr           = sentinel(KindAlreadyExists)
	KindInvalidErr                 = sentinel(KindInvalid)
	KindUnsupportedErr             = sentinel(KindUnsupported)
	KindBusyErr                    = sentinel(KindBusy)
	KindTimeoutErr                 = sentinel(KindTimeout)
	KindRestartErr                 = sentinel(KindRestart)
	KindCorruptErr                 = sentinel(KindCorrupt)
	KindUnsupportedIncompatibleErr = sentinel(KindUnsupportedIncompatible)
	KindIOErr                      = sentinel(KindIO)
	KindWouldBlockOnLockErr        = sentinel(KindWouldBlockOnLock)
)

// New constructs an error of the given kind, attributed to op, optionally
// wrapping cause.
func New(kind Kind, op string, cause error) error {
	return &kindError{kind: kind, op: op, cause: cause}
}

func ReadOnly(op string) error     { return New(KindReadOnly, op, nil) }
func NotFound(op string, cause error) error      { return New(KindNotFound, op, cause) }
func AlreadyExists(op string, cause error) error { return New(KindAlreadyExists, op, cause) }
func Invalid(op, why string) error {
	return New(KindInvalid, op, errors.New(why))
}
func Unsupported(op, why string) error {
	return New(KindUnsupported, op, errors.New(why))
}
func Busy(op string) error   { return New(KindBusy, op, nil) }
func Timeout(op string) error { return New(KindTimeout, op, nil) }
func Restart(op string) error { return New(KindRestart, op, nil) }
func Corrupt(op string, cause error) error { return New(KindCorrupt, op, cause) }
func UnsupportedIncompatible(op string) error {
	return New(KindUnsupportedIncompatible, op, nil)
}
func IO(op string, cause error) error { return New(KindIO, op, cause) }
func WouldBlockOnLock(op string) error { return New(KindWouldBlockOnLock, op, nil) }

// Is reports whether err classifies as kind anywhere in its Unwrap/Join
// chain, delegating to the standard errors.Is machinery.
func Is(err error, kind Kind) bool {
	return errors.Is(err, sentinel(kind))
}

// FromBackend classifies an error surfaced by an objectstore.Backend
// implementation built on containerd/errdefs conventions (the shape real
// backend adapters in this pack return) into our local kinds, so callers
// above the objectstore boundary only ever see the kinds in this package.
// The reference backends' objectstore.ErrNotFound sentinel classifies as
// NOT_FOUND as well.
func FromBackend(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, objectstore.ErrNotFound), errdefs.IsNotFound(err):
		return NotFound(op, err)
	case errdefs.IsAlreadyExists(err):
		return AlreadyExists(op, err)
	case errdefs.IsInvalidArgument(err):
		return Invalid(op, err.Error())
	case errdefs.IsFailedPrecondition(err):
		return Busy(op)
	case errdefs.IsUnavailable(err):
		return IO(op, err)
	case errdefs.IsCanceled(err), errdefs.IsDeadlineExceeded(err):
		return Timeout(op)
	default:
		return IO(op, err)
	}
}
