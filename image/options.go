package image

import "time"

// Options configures a Client. Field names follow
// github.com/naoina/toml's default decoding convention (the teacher's
// own config package choice), so Options can be loaded straight from a
// config file in a production deployment of this library.
type Options struct {
	// ConcurrentManagementOps bounds the per-object fan-out used by
	// trim, flatten, rebuild, and rollback.
	ConcurrentManagementOps int `toml:"concurrent_management_ops"`

	// ObjectMapCacheEntries bounds the number of resident per-snapshot
	// object-map bitmaps kept in memory.
	ObjectMapCacheEntries int `toml:"object_map_cache_entries"`

	// MetadataCacheBytes bounds the in-process header/metadata read
	// cache inside imagemeta.
	MetadataCacheBytes int `toml:"metadata_cache_bytes"`

	// WriteBackCacheBytes is not read: NewClient and Open never wrap
	// the backend in a cache.
	WriteBackCacheBytes int `toml:"writeback_cache_bytes"`

	// RequestTimeout is not read: image operations pass no
	// remote_request handler to asyncop, and exclusivelock.New uses a
	// fixed timeout of its own.
	RequestTimeout time.Duration `toml:"request_timeout"`

	// RequestBackoff is not read: exclusivelock.New fixes the delay
	// between TryLock retries itself.
	RequestBackoff time.Duration `toml:"request_backoff"`

	// SkipPartialDiscard suppresses the zero-fill case of a discard
	// that only partially covers an object.
	SkipPartialDiscard bool `toml:"skip_partial_discard"`
}

// DefaultOptions returns the values used throughout this module's
// end-to-end scenarios.
func DefaultOptions() Options {
	return Options{
		ConcurrentManagementOps: 10,
		ObjectMapCacheEntries:   256,
		MetadataCacheBytes:      4 << 20,
		WriteBackCacheBytes:     0,
		RequestTimeout:          2 * time.Second,
		RequestBackoff:          50 * time.Millisecond,
		SkipPartialDiscard:      false,
	}
}
