package depres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aweris/depres/internal/fsbridge"
	"github.com/aweris/depres/internal/populate"
	"github.com/aweris/depres/internal/remote"
	"github.com/aweris/depres/internal/resolve"
	"github.com/aweris/depres/internal/store"
)

const retryBase = 200 * time.Millisecond

// Controller runs sessions against one artifact store and one registry.
type Controller struct {
	store   store.Store
	fetcher remote.Fetcher
	mounter Mounter
	log     logrus.FieldLogger
	closer  io.Closer

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewController creates a Controller over an opened store and a fetcher.
func NewController(s store.Store, f remote.Fetcher, opts ...Option) *Controller {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newController(s, f, o)
}

func newController(s store.Store, f remote.Fetcher, o *options) *Controller {
	return &Controller{
		store:    s,
		fetcher:  f,
		mounter:  o.Mounter,
		log:      o.Log,
		sessions: make(map[string]*Session),
	}
}

// Open opens the local cache and connects to registry, which is a
// directory path or an oci:// repository prefix. The controller owns the
// cache and closes it on Close.
func Open(registry string, cfg Config, opts ...Option) (*Controller, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	f, err := newFetcher(registry, o)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ExpandPath(o.CacheDir),
		store.WithByteBudget(cfg.CacheByteBudget),
		store.WithCodec(o.Codec),
		store.WithLogger(o.Log.WithField("component", "store")),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	c := newController(s, f, o)
	c.closer = s
	return c, nil
}

// NewFetcher connects to a registry given as a directory path or an
// oci:// repository prefix.
func NewFetcher(registry string, opts ...Option) (remote.Fetcher, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newFetcher(registry, o)
}

func newFetcher(registry string, o *options) (remote.Fetcher, error) {
	switch {
	case registry == "":
		return nil, errors.New("no registry configured")
	case strings.HasPrefix(registry, "oci://"):
		ociOpts := []remote.OCIOption{
			remote.WithConcurrency(o.Concurrency),
			remote.WithLogger(o.Log.WithField("component", "oci")),
		}
		if o.Auth != nil {
			ociOpts = append(ociOpts, remote.WithAuthenticator(o.Auth))
		}
		return remote.NewOCIFetcher(registry, ociOpts...)
	default:
		return remote.NewDirFetcher(ExpandPath(registry))
	}
}

func (c *Controller) Store() store.Store      { return c.store }
func (c *Controller) Fetcher() remote.Fetcher { return c.fetcher }

// Resolve resolves roots without mounting.
func (c *Controller) Resolve(ctx context.Context, roots []Requirement, cfg Config) (*Graph, error) {
	meta := remote.WithRetry(remote.WithTimeout(c.fetcher, cfg.FetchTimeout), cfg.RetryAttempts, retryBase)
	r := resolve.New(remote.NewProvider(meta),
		resolve.WithNodeLimit(cfg.SearchNodeLimit),
		resolve.WithCycles(cfg.CycleDependenciesAllowed),
		resolve.WithLogger(c.log.WithField("component", "resolver")),
	)

	start := time.Now()
	g, err := r.Resolve(ctx, roots)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"roots":    len(roots),
		"packages": g.Len(),
		"duration": time.Since(start),
	}).Debug("resolved")
	return g, nil
}

// StartSession resolves roots, optionally populates every artifact, and
// mounts the result at cfg.Mountpoint. On any failure nothing stays
// mounted or pinned and the error is returned.
func (c *Controller) StartSession(ctx context.Context, roots []Requirement, cfg Config) (*Session, error) {
	if cfg.Mountpoint == "" {
		return nil, ErrNoMountpoint
	}
	s := newSession(c, roots, cfg)
	if err := c.register(s); err != nil {
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		c.unregister(s)
		return nil, err
	}
	return s, nil
}

// StopSession unmounts s and releases its pins.
func (c *Controller) StopSession(s *Session) error {
	return s.Stop()
}

// Sessions returns the mounted sessions.
func (c *Controller) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.cfg.Mountpoint, b.cfg.Mountpoint) })
	return out
}

// Close stops every session and closes the cache when the controller
// opened it.
func (c *Controller) Close() error {
	var errs []error
	for _, s := range c.Sessions() {
		errs = append(errs, s.Stop())
	}
	if c.closer != nil {
		errs = append(errs, c.closer.Close())
	}
	return errors.Join(errs...)
}

// populator bounds each content fetch attempt by the fetch timeout, so a
// timed out attempt is retried like any other transient failure.
func (c *Controller) populator(cfg Config) *populate.Populator {
	content := remote.WithRetry(remote.WithTimeout(c.fetcher, cfg.FetchTimeout), cfg.RetryAttempts, retryBase)
	return populate.New(c.store, content,
		populate.WithWorkers(cfg.Workers),
		populate.WithLogger(c.log.WithField("component", "populate")),
	)
}

func (c *Controller) register(s *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, other := range c.sessions {
		if other.cfg.Mountpoint == s.cfg.Mountpoint {
			return fmt.Errorf("%w: %s", ErrSessionActive, s.cfg.Mountpoint)
		}
	}
	c.sessions[s.id] = s
	return nil
}

func (c *Controller) unregister(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s.id)
}

// Mount is a live mount of a session view.
type Mount interface {
	Unmount() error
	Done() <-chan struct{}
}

// Mounter makes a view visible at cfg.Mountpoint.
type Mounter interface {
	Mount(view *fsbridge.View, cfg Config, log logrus.FieldLogger) (Mount, error)
}

// FUSEMounter mounts views with FUSE.
type FUSEMounter struct{}

func (FUSEMounter) Mount(view *fsbridge.View, cfg Config, log logrus.FieldLogger) (Mount, error) {
	srv, err := fsbridge.Mount(fsbridge.Options{
		Mountpoint: ExpandPath(cfg.Mountpoint),
		View:       view,
		AllowOther: cfg.AllowOther,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	return srv, nil
}
