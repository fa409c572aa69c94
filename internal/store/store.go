// Package store implements the local content-addressed artifact cache.
//
// Artifacts are keyed by digest and written once. Every entry counts its
// stored (encoded) bytes against a byte budget; unpinned entries are
// evicted least recently used first when the budget is exceeded. Pinned
// entries are never evicted.
//
// On-disk layout:
//
//	dir/
//	  blobs/sha256/ab/cdef...  (codec tag byte + payload)
//	  index.cbor               (entry metadata)
package store

import (
	"context"
	"errors"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/depres/internal/compression"
)

var (
	ErrNotCached      = errors.New("store: not cached")
	ErrDigestMismatch = errors.New("store: digest mismatch")
	ErrPinned         = errors.New("store: entry is pinned")
	ErrClosed         = errors.New("store: closed")
)

// Store is the content cache used by population and the filesystem.
type Store interface {
	// Has reports whether content for d is cached.
	Has(d digest.Digest) bool

	// Get returns the cached content for d or ErrNotCached.
	Get(ctx context.Context, d digest.Digest) ([]byte, error)

	// Put stores data under d after verifying it hashes to d. An empty d
	// stores data under its sha256 digest.
	Put(ctx context.Context, d digest.Digest, data []byte) (digest.Digest, error)

	// Pin protects d from eviction until a matching Unpin.
	Pin(d digest.Digest)

	// Unpin releases one Pin of d.
	Unpin(d digest.Digest)
}

// Entry describes one cached artifact.
type Entry struct {
	Digest     digest.Digest
	Size       int64
	StoredSize int64
	Codec      compression.Codec
	LastAccess time.Time
	Pinned     bool
}

// Stats summarizes the cache.
type Stats struct {
	Entries int
	Pinned  int
	Size    int64
	Stored  int64
	Budget  int64
}
