// Package xmetrics wires the control plane's internal counters onto
// rcrowley/go-metrics, the same meter/counter library the teacher uses
// for its snapshot clean-cache hit/miss instrumentation
// (core/state/snapshot/snapshot.go's snapshotCleanHitMeter and friends).
//
// These meters are unexported plumbing consumed only by this module's
// own code paths; nothing here exposes a counters product surface.
package xmetrics

import "github.com/rcrowley/go-metrics"

var (
	ReadBytesMeter  = metrics.NewRegisteredMeter("libimage/io/read/bytes", nil)
	WriteBytesMeter = metrics.NewRegisteredMeter("libimage/io/write/bytes", nil)
	DiscardMeter    = metrics.NewRegisteredMeter("libimage/io/discard/bytes", nil)
	FlushMeter      = metrics.NewRegisteredMeter("libimage/io/flush/calls", nil)

	ObjectMapCacheHitMeter  = metrics.NewRegisteredMeter("libimage/objectmap/cache/hit", nil)
	ObjectMapCacheMissMeter = metrics.NewRegisteredMeter("libimage/objectmap/cache/miss", nil)

	RefreshMeter        = metrics.NewRegisteredMeter("libimage/refresh/count", nil)
	RefreshCollapsedMeter = metrics.NewRegisteredMeter("libimage/refresh/collapsed", nil)

	ExclusiveLockAcquireMeter = metrics.NewRegisteredMeter("libimage/lock/acquire", nil)
	ExclusiveLockBreakMeter   = metrics.NewRegisteredMeter("libimage/lock/break", nil)

	AsyncOpRestartMeter = metrics.NewRegisteredMeter("libimage/asyncop/restart", nil)
)
