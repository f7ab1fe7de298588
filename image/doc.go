// Package image is the entry point for applications: a Client manages
// one object-store connection and the metadata/object-map caches shared
// across every Image it opens, and an Image is one open block device,
// exposing create/remove/rename/resize/clone/flatten, the snapshot and
// protection lifecycle, and the read/write/discard/flush data path.
package image
