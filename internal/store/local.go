package store

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/aweris/depres/internal/compression"
)

// LocalStore implements Store on the local filesystem. A single mutex
// guards the index and recency list; content I/O happens outside it.
type LocalStore struct {
	dir        string
	budget     int64
	compressor *compression.Compressor
	log        logrus.FieldLogger
	now        func() time.Time

	mu      sync.Mutex
	entries map[digest.Digest]*entry
	lru     *evictionList
	pins    map[digest.Digest]int
	writes  map[digest.Digest]*write
	stored  int64
	dirty   bool
	closed  bool

	syncMu sync.Mutex
}

type entry struct {
	size   int64
	stored int64
	codec  compression.Codec
	access time.Time
}

// write is an in-progress Put that later writers of the same digest wait on.
type write struct {
	done chan struct{}
	err  error
}

// Option configures Open.
type Option func(*options)

type options struct {
	budget int64
	codec  compression.Codec
	level  int
	log    logrus.FieldLogger
	now    func() time.Time
}

// WithByteBudget bounds stored bytes. Zero means unbounded.
func WithByteBudget(n int64) Option {
	return func(o *options) {
		if n >= 0 {
			o.budget = n
		}
	}
}

// WithCodec sets the codec new blobs are written with.
func WithCodec(c compression.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithCompressionLevel sets the zstd level (1 fastest, 3 best).
func WithCompressionLevel(level int) Option {
	return func(o *options) { o.level = level }
}

// WithLogger sets the store logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithClock overrides the time source used for access times.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens or creates a store rooted at dir.
func Open(dir string, opts ...Option) (*LocalStore, error) {
	o := &options{codec: compression.Zstd, level: 2, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.log = l
	}

	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0755); err != nil {
		return nil, fmt.Errorf("store: create blob dir: %w", err)
	}

	compressor, err := compression.NewCompressor(o.codec, o.level)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &LocalStore{
		dir:        dir,
		budget:     o.budget,
		compressor: compressor,
		log:        o.log.WithField("component", "store"),
		now:        o.now,
		entries:    make(map[digest.Digest]*entry),
		lru:        newEvictionList(),
		pins:       make(map[digest.Digest]int),
		writes:     make(map[digest.Digest]*write),
	}
	if err := s.load(); err != nil {
		compressor.Close()
		return nil, err
	}

	s.mu.Lock()
	s.evictLocked()
	s.mu.Unlock()
	return s, nil
}

// load restores entries from the index, or rebuilds them from the blob
// tree when the index is absent or unreadable.
func (s *LocalStore) load() error {
	data, err := os.ReadFile(s.indexPath())
	var records []record
	switch {
	case err == nil:
		records, err = decodeIndex(data)
		if err != nil {
			s.log.WithError(err).Warn("index unreadable, rebuilding from blobs")
			return s.rebuild()
		}
	case errors.Is(err, os.ErrNotExist):
		return s.rebuild()
	default:
		return fmt.Errorf("store: read index: %w", err)
	}

	slices.SortFunc(records, func(a, b record) int {
		switch {
		case a.Access < b.Access:
			return -1
		case a.Access > b.Access:
			return 1
		}
		return strings.Compare(string(a.Digest), string(b.Digest))
	})
	for _, r := range records {
		if r.Digest.Validate() != nil {
			s.dirty = true
			continue
		}
		info, err := os.Stat(s.blobPath(r.Digest))
		if err != nil {
			s.log.WithField("digest", r.Digest).Debug("dropping entry with missing blob")
			s.dirty = true
			continue
		}
		s.addLocked(r.Digest, &entry{
			size:   r.Size,
			stored: info.Size(),
			codec:  r.Codec,
			access: time.Unix(0, r.Access),
		})
	}
	return nil
}

func (s *LocalStore) rebuild() error {
	s.dirty = true
	return scanBlobs(filepath.Join(s.dir, "blobs"), func(d digest.Digest, path string) error {
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		data, err := s.compressor.Decode(blob)
		if err != nil || d.Algorithm().FromBytes(data) != d {
			s.log.WithField("digest", d).Warn("removing corrupt blob")
			os.Remove(path)
			return nil
		}
		codec, _ := compression.Tag(blob)
		s.addLocked(d, &entry{
			size:   int64(len(data)),
			stored: int64(len(blob)),
			codec:  codec,
			access: s.now(),
		})
		return nil
	})
}

// Has reports whether d is cached and its blob is present.
func (s *LocalStore) Has(d digest.Digest) bool {
	s.mu.Lock()
	_, ok := s.entries[d]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if _, err := os.Stat(s.blobPath(d)); err != nil {
		s.drop(d)
		return false
	}
	return true
}

// Get returns the content for d. A missing or corrupt blob is a miss and
// its entry is dropped.
func (s *LocalStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := s.entries[d]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotCached, d)
	}
	size := e.size
	s.touchLocked(d, e)
	s.mu.Unlock()

	blob, err := os.ReadFile(s.blobPath(d))
	if err != nil {
		s.drop(d)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotCached, d)
		}
		return nil, fmt.Errorf("store: read %s: %w", d, err)
	}
	data, err := s.compressor.Decode(blob)
	if err != nil {
		s.remove(d)
		return nil, fmt.Errorf("%w: %s: %v", ErrDigestMismatch, d, err)
	}
	if int64(len(data)) != size || d.Algorithm().FromBytes(data) != d {
		s.remove(d)
		return nil, fmt.Errorf("%w: %s: cached content does not verify", ErrDigestMismatch, d)
	}
	return data, nil
}

// PutBytes stores data under its sha256 digest.
func (s *LocalStore) PutBytes(ctx context.Context, data []byte) (digest.Digest, error) {
	return s.Put(ctx, "", data)
}

// Put verifies data against d and stores it. A mismatch fails with
// ErrDigestMismatch and changes nothing. Concurrent Puts of one digest
// are idempotent: later callers wait for the first writer.
func (s *LocalStore) Put(ctx context.Context, d digest.Digest, data []byte) (digest.Digest, error) {
	if d == "" {
		d = digest.FromBytes(data)
	} else {
		if err := d.Validate(); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrDigestMismatch, d, err)
		}
		if actual := d.Algorithm().FromBytes(data); actual != d {
			return "", fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, d, actual)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", ErrClosed
		}
		if e, ok := s.entries[d]; ok {
			s.touchLocked(d, e)
			s.mu.Unlock()
			return d, nil
		}
		if w, ok := s.writes[d]; ok {
			s.mu.Unlock()
			select {
			case <-w.done:
				if w.err == nil {
					return d, nil
				}
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		w := &write{done: make(chan struct{})}
		s.writes[d] = w
		s.mu.Unlock()

		w.err = s.write(ctx, d, data)

		s.mu.Lock()
		delete(s.writes, d)
		s.mu.Unlock()
		close(w.done)

		if w.err != nil {
			return "", w.err
		}
		return d, nil
	}
}

func (s *LocalStore) write(ctx context.Context, d digest.Digest, data []byte) error {
	blob := s.compressor.Encode(data)
	path := s.blobPath(d)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("store: create blob dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(blob)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("store: write %s: %w", d, err)
	}

	codec, _ := compression.Tag(blob)
	s.mu.Lock()
	s.addLocked(d, &entry{
		size:   int64(len(data)),
		stored: int64(len(blob)),
		codec:  codec,
		access: s.now(),
	})
	s.dirty = true
	s.evictLocked()
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"digest": d,
		"size":   len(data),
		"stored": len(blob),
		"codec":  codec,
	}).Debug("stored blob")
	return nil
}

// Pin protects d from eviction. Pins are counted and may precede the
// entry they protect.
func (s *LocalStore) Pin(d digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[d]++
	s.lru.Remove(d)
}

// Unpin releases one pin of d. When the last pin goes the entry becomes
// evictable and the budget is enforced.
func (s *LocalStore) Unpin(d digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.pins[d]
	if !ok {
		return
	}
	if n > 1 {
		s.pins[d] = n - 1
		return
	}
	delete(s.pins, d)
	if _, ok := s.entries[d]; ok {
		s.lru.Touch(d)
		s.evictLocked()
	}
}

// Evict enforces the byte budget and returns the number of evicted entries.
func (s *LocalStore) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked()
}

// EvictAll removes every unpinned entry.
func (s *LocalStore) EvictAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for {
		d, ok := s.lru.Oldest()
		if !ok {
			return n
		}
		s.deleteLocked(d)
		n++
	}
}

// Remove deletes d from the store. Pinned entries cannot be removed.
func (s *LocalStore) Remove(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[d]; !ok {
		return fmt.Errorf("%w: %s", ErrNotCached, d)
	}
	if s.pins[d] > 0 {
		return fmt.Errorf("%w: %s", ErrPinned, d)
	}
	s.lru.Remove(d)
	s.deleteLocked(d)
	return nil
}

// Verify re-hashes every entry and removes the ones that do not match
// their digest. It returns the removed digests.
func (s *LocalStore) Verify(ctx context.Context) ([]digest.Digest, error) {
	var bad []digest.Digest
	for e := range s.Entries() {
		if err := ctx.Err(); err != nil {
			return bad, err
		}
		if _, err := s.Get(ctx, e.Digest); err != nil {
			if errors.Is(err, ErrDigestMismatch) || errors.Is(err, ErrNotCached) {
				s.log.WithField("digest", e.Digest).Warn("removed corrupt entry")
				bad = append(bad, e.Digest)
				continue
			}
			return bad, err
		}
	}
	return bad, nil
}

// Entries yields a snapshot of all entries ordered by digest.
func (s *LocalStore) Entries() iter.Seq[Entry] {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for d, e := range s.entries {
		out = append(out, Entry{
			Digest:     d,
			Size:       e.size,
			StoredSize: e.stored,
			Codec:      e.codec,
			LastAccess: e.access,
			Pinned:     s.pins[d] > 0,
		})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(string(a.Digest), string(b.Digest)) })
	return slices.Values(out)
}

// Stats summarizes the store.
func (s *LocalStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Entries: len(s.entries), Stored: s.stored, Budget: s.budget}
	for d, e := range s.entries {
		st.Size += e.size
		if s.pins[d] > 0 {
			st.Pinned++
		}
	}
	return st
}

// Sync persists the index if it changed.
func (s *LocalStore) Sync() error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	records := make([]record, 0, len(s.entries))
	for d, e := range s.entries {
		records = append(records, record{
			Digest: d,
			Size:   e.size,
			Stored: e.stored,
			Codec:  e.codec,
			Access: e.access.UnixNano(),
		})
	}
	s.dirty = false
	s.mu.Unlock()

	slices.SortFunc(records, func(a, b record) int { return strings.Compare(string(a.Digest), string(b.Digest)) })
	data, err := encodeIndex(records)
	if err == nil {
		err = writeFileAtomic(s.indexPath(), data)
	}
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("store: sync index: %w", err)
	}
	return nil
}

// Close syncs the index and releases resources. Further calls fail with
// ErrClosed.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.Sync()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.compressor.Close()
	return err
}

// Dir returns the store root.
func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) addLocked(d digest.Digest, e *entry) {
	if old, ok := s.entries[d]; ok {
		s.stored -= old.stored
	}
	s.entries[d] = e
	s.stored += e.stored
	if s.pins[d] == 0 {
		s.lru.Touch(d)
	}
}

func (s *LocalStore) touchLocked(d digest.Digest, e *entry) {
	e.access = s.now()
	s.dirty = true
	if s.pins[d] == 0 {
		s.lru.Touch(d)
	}
}

// evictLocked removes least recently used unpinned entries until stored
// bytes fit the budget.
func (s *LocalStore) evictLocked() int {
	if s.budget <= 0 {
		return 0
	}
	n := 0
	for s.stored > s.budget {
		d, ok := s.lru.Oldest()
		if !ok {
			break
		}
		s.deleteLocked(d)
		n++
		s.log.WithField("digest", d).Debug("evicted")
	}
	return n
}

func (s *LocalStore) deleteLocked(d digest.Digest) {
	e, ok := s.entries[d]
	if !ok {
		return
	}
	delete(s.entries, d)
	s.stored -= e.stored
	s.dirty = true
	if err := os.Remove(s.blobPath(d)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.WithError(err).WithField("digest", d).Warn("remove blob")
	}
}

// drop forgets d without touching its blob.
func (s *LocalStore) drop(d digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[d]
	if !ok {
		return
	}
	delete(s.entries, d)
	s.lru.Remove(d)
	s.stored -= e.stored
	s.dirty = true
}

func (s *LocalStore) remove(d digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(d)
	s.deleteLocked(d)
}

func (s *LocalStore) blobPath(d digest.Digest) string {
	enc := d.Encoded()
	return filepath.Join(s.dir, "blobs", string(d.Algorithm()), enc[:2], enc[2:])
}

func (s *LocalStore) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}
