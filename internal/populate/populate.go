// Package populate fills the artifact store on demand.
//
// Concurrent requests for the same missing digest share one fetch (a
// flight). The flight is detached from the requester that started it and
// lives while anyone waits on it; when the last waiter leaves before the
// fetch completes, the fetch is cancelled and nothing is stored.
package populate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"github.com/aweris/depres/internal/remote"
	"github.com/aweris/depres/internal/store"
)

const DefaultWorkers = 4

// Store is the part of the artifact store population needs.
type Store interface {
	Get(ctx context.Context, d digest.Digest) ([]byte, error)
	Put(ctx context.Context, d digest.Digest, data []byte) (digest.Digest, error)
}

// ContentFetcher downloads artifact bytes.
type ContentFetcher interface {
	FetchContent(ctx context.Context, d digest.Digest) ([]byte, error)
}

type state int

const (
	statePending state = iota
	stateReady
	stateFailed
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// flight is the in-progress population of one digest. Fields other than
// done are guarded by Populator.mu until done is closed.
type flight struct {
	state   state
	waiters int
	done    chan struct{}
	cancel  context.CancelFunc
	data    []byte
	err     error
}

// Populator coalesces and bounds artifact fetches.
type Populator struct {
	store   Store
	fetcher ContentFetcher
	timeout time.Duration
	workers int
	sem     *semaphore.Weighted
	log     logrus.FieldLogger

	mu      sync.Mutex
	flights map[digest.Digest]*flight

	fetches atomic.Int64
}

// Option configures a Populator.
type Option func(*Populator)

// WithTimeout bounds each fetch. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Populator) { p.timeout = d }
}

// WithWorkers bounds concurrent fetches.
func WithWorkers(n int) Option {
	return func(p *Populator) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Populator) { p.log = log }
}

// New creates a Populator that caches into s and fetches from f.
func New(s Store, f ContentFetcher, opts ...Option) *Populator {
	p := &Populator{
		store:   s,
		fetcher: f,
		workers: DefaultWorkers,
		flights: make(map[digest.Digest]*flight),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		p.log = l
	}
	p.sem = semaphore.NewWeighted(int64(p.workers))
	return p
}

// Ensure returns the content of d, fetching and caching it on a miss.
// Leaving early through ctx does not cancel the fetch for other waiters.
func (p *Populator) Ensure(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, err := p.store.Get(ctx, d)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, store.ErrNotCached), errors.Is(err, store.ErrDigestMismatch):
	default:
		return nil, err
	}

	p.mu.Lock()
	f, ok := p.flights[d]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{state: statePending, done: make(chan struct{}), cancel: cancel}
		p.flights[d] = f
		go p.run(fctx, d, f)
	}
	f.waiters++
	p.mu.Unlock()

	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		p.leave(d, f)
		return nil, ctx.Err()
	}
}

func (p *Populator) leave(d digest.Digest, f *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.waiters--
	if f.waiters == 0 && f.state == statePending {
		f.cancel()
		if p.flights[d] == f {
			delete(p.flights, d)
		}
		p.log.WithField("digest", d).Debug("abandoned fetch")
	}
}

func (p *Populator) run(ctx context.Context, d digest.Digest, f *flight) {
	defer f.cancel()
	data, err := p.fetch(ctx, d)

	p.mu.Lock()
	if p.flights[d] == f {
		delete(p.flights, d)
	}
	if err != nil {
		f.state, f.err = stateFailed, err
	} else {
		f.state, f.data = stateReady, data
	}
	p.mu.Unlock()
	close(f.done)
}

func (p *Populator) fetch(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	fctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.fetches.Add(1)
	start := time.Now()
	data, err := p.fetcher.FetchContent(fctx, d)
	if err != nil {
		if ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded) && !errors.Is(err, remote.ErrFetchTimeout) {
			err = fmt.Errorf("%w: %s after %s", remote.ErrFetchTimeout, d, p.timeout)
		}
		p.log.WithError(err).WithField("digest", d).Debug("fetch failed")
		return nil, err
	}

	if _, err := p.store.Put(ctx, d, data); err != nil {
		if errors.Is(err, store.ErrDigestMismatch) || ctx.Err() != nil {
			return nil, err
		}
		p.log.WithError(err).WithField("digest", d).Warn("caching fetched artifact")
	}

	p.log.WithFields(logrus.Fields{
		"digest":   d,
		"size":     len(data),
		"duration": time.Since(start),
	}).Debug("populated")
	return data, nil
}

// Prefetch ensures every digest is cached, running up to the worker
// budget at once. It stops at the first failure.
func (p *Populator) Prefetch(ctx context.Context, digests []digest.Digest) error {
	if len(digests) == 0 {
		return nil
	}
	pl := pool.New().WithMaxGoroutines(p.workers).WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, d := range digests {
		pl.Go(func(ctx context.Context) error {
			if _, err := p.Ensure(ctx, d); err != nil {
				return fmt.Errorf("populate %s: %w", d, err)
			}
			return nil
		})
	}
	return pl.Wait()
}

// Fetches returns the number of fetches started.
func (p *Populator) Fetches() int64 { return p.fetches.Load() }

// Waiters returns the number of callers waiting on d's flight.
func (p *Populator) Waiters(d digest.Digest) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.flights[d]; ok {
		return f.waiters
	}
	return 0
}
