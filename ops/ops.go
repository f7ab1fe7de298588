// Package ops implements the long-running structural operations (C8):
// resize, trim, flatten, and object-map rebuild. All four are driven
// through asyncop.Invoke by the caller and must tolerate RESTART by
// rebuilding their overlap/size snapshot of state from scratch.
package ops

import (
	"context"

	"github.com/coreimage/libimage/imagemeta"
	"github.com/coreimage/libimage/objectmap"
	"github.com/coreimage/libimage/objectstore"
	"github.com/coreimage/libimage/striping"
	"github.com/coreimage/libimage/xlog"
)

// DataIO is the subset of object-store operations structural ops issue
// directly against data objects, as opposed to metadata objects.
type DataIO interface {
	Read(ctx context.Context, pool, name string, snap objectstore.SnapID, off int64, buf []byte) (int, error)
	Write(ctx context.Context, pool, name string, off int64, data []byte, pre *objectstore.Precondition) error
	Remove(ctx context.Context, pool, name string) error
	Truncate(ctx context.Context, pool, name string, size int64) error
}

// Manager holds the collaborators resize/trim/flatten/rebuild share.
type Manager struct {
	Meta       *imagemeta.Client
	DataIO     DataIO
	ObjectMaps *objectmap.Cache
	Mapper     striping.Mapper
	Log        xlog.Logger

	// ConcurrentManagementOps bounds the per-object fan-out used by
	// trim, flatten, and rebuild.
	ConcurrentManagementOps int
}

func (m *Manager) concurrency() int {
	if m.ConcurrentManagementOps <= 0 {
		return 1
	}
	return m.ConcurrentManagementOps
}

// Progress reports object-count-based progress for trim/flatten/rebuild
// and byte-based progress for copy-heavy phases.
type Progress func(done, total uint64)
