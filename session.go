package depres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/aweris/depres/internal/fsbridge"
)

// State is the lifecycle stage of a Session.
type State int

const (
	StateIdle State = iota
	StateResolving
	StatePopulating
	StateMounted
	StateUnmounting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StatePopulating:
		return "populating"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is one resolution mounted at one mount point.
type Session struct {
	id    string
	roots []Requirement
	cfg   Config
	ctrl  *Controller
	log   logrus.FieldLogger

	mu     sync.Mutex
	state  State
	graph  *Graph
	view   *fsbridge.View
	mount  Mount
	pins   []digest.Digest
	cancel context.CancelFunc

	// Set by Stop while the session is still starting.
	stopRequested bool
	startCancel   context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(c *Controller, roots []Requirement, cfg Config) *Session {
	id := uuid.NewString()
	return &Session{
		id:    id,
		roots: roots,
		cfg:   cfg,
		ctrl:  c,
		log: c.log.WithFields(logrus.Fields{
			"session":    id,
			"mountpoint": cfg.Mountpoint,
		}),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Config() Config        { return s.cfg }
func (s *Session) Roots() []Requirement  { return s.roots }
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session stops serving.
func (s *Session) Wait() { <-s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Graph returns the resolved graph, or nil before resolution finished.
func (s *Session) Graph() *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// View returns the mounted namespace, or nil when not mounted.
func (s *Session) View() *fsbridge.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.WithField("from", s.state).WithField("to", st).Debug("session state")
	s.state = st
}

func (s *Session) start(ctx context.Context) error {
	start := time.Now()

	ctx, startCancel := context.WithCancel(ctx)
	defer startCancel()
	s.mu.Lock()
	s.startCancel = startCancel
	s.state = StateResolving
	s.mu.Unlock()

	g, err := s.ctrl.Resolve(ctx, s.roots, s.cfg)
	if err != nil {
		return s.abort(fmt.Errorf("resolve: %w", err))
	}

	digests := g.Digests()
	for _, d := range digests {
		s.ctrl.store.Pin(d)
	}
	s.mu.Lock()
	s.graph, s.pins = g, digests
	s.mu.Unlock()

	pop := s.ctrl.populator(s.cfg)
	if !s.cfg.LazyPopulation {
		s.setState(StatePopulating)
		if err := pop.Prefetch(ctx, digests); err != nil {
			return s.abort(fmt.Errorf("populate: %w", err))
		}
	}
	if s.stopping() {
		return s.abort(nil)
	}

	vctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	view := fsbridge.NewView(g, s.cfg.Layout, pop, fsbridge.WithContext(vctx))
	m, err := s.ctrl.mounter.Mount(view, s.cfg, s.log)
	if err != nil {
		cancel()
		return s.abort(fmt.Errorf("mount: %w", err))
	}

	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		if err := m.Unmount(); err != nil {
			s.log.WithError(err).Warn("unmounting stopped session")
		}
		cancel()
		return s.abort(nil)
	}
	s.view, s.mount, s.cancel = view, m, cancel
	s.state = StateMounted
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"packages": g.Len(),
		"lazy":     s.cfg.LazyPopulation,
		"duration": time.Since(start),
	}).Info("session mounted")

	go s.watch(m)
	return nil
}

// watch stops the session when the mount goes away on its own.
func (s *Session) watch(m Mount) {
	select {
	case <-m.Done():
		if s.State() == StateMounted {
			s.log.Warn("mount detached externally")
			if err := s.Stop(); err != nil {
				s.log.WithError(err).Warn("stopping detached session")
			}
		}
	case <-s.done:
	}
}

func (s *Session) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// abort undoes a partial start. A start cut short by Stop reports
// ErrSessionStopped instead of err.
func (s *Session) abort(err error) error {
	stopped := s.stopping()
	s.fail()
	if stopped {
		s.log.Info("session stopped while starting")
		return ErrSessionStopped
	}
	return err
}

func (s *Session) fail() {
	s.mu.Lock()
	s.releaseLocked()
	s.graph = nil
	s.state = StateIdle
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Stop unmounts the session, closing open handles, and releases its pins.
// It is idempotent; a mount point that was detached externally is not an
// error. Stopping a session that is still starting cancels the start and
// waits for it to unwind; the start then fails with ErrSessionStopped.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateMounted:
	case StateUnmounting:
		s.mu.Unlock()
		<-s.done
		return nil
	case StateResolving, StatePopulating:
		s.stopRequested = true
		s.startCancel()
		s.mu.Unlock()
		<-s.done
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
	s.state = StateUnmounting
	m := s.mount
	s.mu.Unlock()

	err := m.Unmount()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.releaseLocked()
	s.view, s.mount = nil, nil
	s.state = StateIdle
	s.mu.Unlock()

	s.ctrl.unregister(s)
	s.doneOnce.Do(func() { close(s.done) })
	if err != nil {
		return fmt.Errorf("unmount %s: %w", s.cfg.Mountpoint, err)
	}
	s.log.Info("session stopped")
	return nil
}

func (s *Session) releaseLocked() {
	for _, d := range s.pins {
		s.ctrl.store.Unpin(d)
	}
	s.pins = nil
}
