package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/sirupsen/logrus"
)

// DefaultNodeLimit bounds the number of candidate evaluations per Resolve.
const DefaultNodeLimit = 10000

// Resolver selects one version per required package such that every
// requirement of every selected candidate holds.
type Resolver struct {
	provider    Provider
	nodeLimit   int
	allowCycles bool
	log         logrus.FieldLogger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithNodeLimit bounds the search. Zero or negative means DefaultNodeLimit.
func WithNodeLimit(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.nodeLimit = n
		}
	}
}

// WithCycles allows dependency cycles in the resolved graph.
func WithCycles(allow bool) Option {
	return func(r *Resolver) { r.allowCycles = allow }
}

// WithLogger sets the logger used to trace the search.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Resolver) { r.log = log }
}

// New creates a Resolver over provider.
func New(provider Provider, opts ...Option) *Resolver {
	r := &Resolver{
		provider:  provider,
		nodeLimit: DefaultNodeLimit,
		log:       discardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes a dependency graph satisfying roots.
//
// Candidates are tried newest first, so among valid solutions the search
// prefers newer versions of packages decided earlier. On failure the error
// is a *ConflictError, *NotFoundError or *CycleError describing the last
// dead end, ErrResolutionTimeout when the node limit is hit, or the
// context or provider error.
func (r *Resolver) Resolve(ctx context.Context, roots []Requirement) (*Graph, error) {
	s := &solver{
		Resolver:    r,
		ctx:         ctx,
		constraints: make(map[Name][]Dependency),
		selected:    make(map[Name]*frame),
		previous:    make(map[Name]Candidate),
		cache:       make(map[string][]Candidate),
	}
	return s.solve(roots)
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// frame is one decision on the selection stack.
type frame struct {
	name  Name
	queue []Candidate
	idx   int
}

func (f *frame) current() *Candidate { return &f.queue[f.idx] }

type solver struct {
	*Resolver
	ctx context.Context

	constraints map[Name][]Dependency
	introduced  []Name
	selected    map[Name]*frame
	stack       []*frame
	previous    map[Name]Candidate
	cache       map[string][]Candidate

	nodes   int
	lastErr error
}

func (s *solver) solve(roots []Requirement) (*Graph, error) {
	var rootNames []Name
	for _, req := range roots {
		s.constrain(Dependency{Requirement: req})
		if !slices.Contains(rootNames, req.Name) {
			rootNames = append(rootNames, req.Name)
		}
	}
	for _, name := range rootNames {
		if reqs := s.constraints[name]; intersectAll(reqs).IsEmpty() {
			return nil, &ConflictError{Package: name, Requirements: minimizeConflict(reqs)}
		}
	}

	for {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}

		name, ok := s.next()
		if !ok {
			break
		}

		f, err := s.newFrame(name)
		if err != nil {
			if !isDeadEnd(err) {
				return nil, err
			}
			s.lastErr = err
		} else {
			ok, err = s.advance(f)
			if err != nil {
				return nil, err
			}
			if ok {
				s.push(f)
				continue
			}
		}

		if err := s.backtrack(); err != nil {
			return nil, err
		}
	}

	selected := make([]Candidate, 0, len(s.stack))
	for _, f := range s.stack {
		selected = append(selected, *f.current())
	}
	g, err := NewGraph(selected, rootNames)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"packages": g.Len(),
		"nodes":    s.nodes,
	}).Debug("resolution complete")
	return g, nil
}

func isDeadEnd(err error) bool {
	var (
		conflict *ConflictError
		notFound *NotFoundError
		cycle    *CycleError
	)
	return errors.As(err, &conflict) || errors.As(err, &notFound) || errors.As(err, &cycle)
}

// next returns the first required package, in order of introduction, that
// has no selection yet.
func (s *solver) next() (Name, bool) {
	for _, name := range s.introduced {
		if _, done := s.selected[name]; done {
			continue
		}
		if len(s.constraints[name]) > 0 {
			return name, true
		}
	}
	return "", false
}

func (s *solver) constrain(d Dependency) {
	if _, seen := s.constraints[d.Name]; !seen {
		s.introduced = append(s.introduced, d.Name)
	}
	s.constraints[d.Name] = append(s.constraints[d.Name], d)
}

// newFrame fetches and orders the candidates of name that satisfy every
// active constraint.
func (s *solver) newFrame(name Name) (*frame, error) {
	reqs := s.constraints[name]
	spec := intersectAll(reqs)

	key := string(name) + "\x00" + spec.String()
	cands, ok := s.cache[key]
	if !ok {
		fetched, err := s.provider.Candidates(s.ctx, name, spec)
		if err != nil {
			return nil, fmt.Errorf("fetching candidates of %s: %w", name, err)
		}
		cands = make([]Candidate, 0, len(fetched))
		for _, c := range fetched {
			if c.Name == name && spec.Allows(c.Version) {
				cands = append(cands, c)
			}
		}
		s.order(name, cands)
		s.cache[key] = cands
	}

	if len(cands) == 0 {
		return nil, &NotFoundError{Package: name, Spec: spec, Requirements: slices.Clone(reqs)}
	}
	s.log.WithFields(logrus.Fields{
		"package":    name,
		"spec":       spec.String(),
		"candidates": len(cands),
	}).Debug("queued candidates")
	return &frame{name: name, queue: cands}, nil
}

// order sorts candidates newest first. Among equal versions the one
// selected last time for the same package goes first, then provider order.
func (s *solver) order(name Name, cands []Candidate) {
	prev, hasPrev := s.previous[name]
	slices.SortStableFunc(cands, func(a, b Candidate) int {
		if c := b.Version.Compare(a.Version); c != 0 {
			return c
		}
		if hasPrev {
			aPrev := a.Digest == prev.Digest
			bPrev := b.Digest == prev.Digest
			switch {
			case aPrev && !bPrev:
				return -1
			case bPrev && !aPrev:
				return 1
			}
		}
		return 0
	})
}

// advance moves f to the first acceptable candidate at or after its
// current position.
func (s *solver) advance(f *frame) (bool, error) {
	for ; f.idx < len(f.queue); f.idx++ {
		s.nodes++
		if s.nodes > s.nodeLimit {
			return false, fmt.Errorf("%w after %d nodes", ErrResolutionTimeout, s.nodeLimit)
		}
		if err := s.ctx.Err(); err != nil {
			return false, err
		}

		c := f.current()
		err := s.check(c)
		if err == nil {
			return true, nil
		}
		s.log.WithFields(logrus.Fields{
			"candidate": c.ID(),
			"reason":    err.Error(),
		}).Debug("rejected candidate")
		s.lastErr = err
	}
	return false, nil
}

// check validates c against the current partial selection.
func (s *solver) check(c *Candidate) error {
	for _, dep := range c.Dependencies {
		d := Dependency{Requirement: dep, From: c.Name, FromVersion: c.Version}

		if dep.Name == c.Name {
			if !s.allowCycles {
				return &CycleError{Cycle: []Name{c.Name, c.Name}}
			}
			if !dep.Spec.Allows(c.Version) {
				return &ConflictError{Package: c.Name, Requirements: []Dependency{d}, Selected: c}
			}
			continue
		}

		if sel, ok := s.selected[dep.Name]; ok {
			target := sel.current()
			if !dep.Spec.Allows(target.Version) {
				reqs := append([]Dependency{d}, s.constraints[dep.Name]...)
				if intersectAll(reqs).IsEmpty() {
					return &ConflictError{Package: dep.Name, Requirements: minimizeConflict(reqs)}
				}
				return &ConflictError{Package: dep.Name, Requirements: []Dependency{d}, Selected: target}
			}
			if !s.allowCycles {
				if path := s.pathTo(dep.Name, c.Name); path != nil {
					return &CycleError{Cycle: append([]Name{c.Name}, path...)}
				}
			}
			continue
		}

		reqs := append([]Dependency{d}, s.constraints[dep.Name]...)
		if intersectAll(reqs).IsEmpty() {
			return &ConflictError{Package: dep.Name, Requirements: minimizeConflict(reqs)}
		}
	}
	return nil
}

// pathTo returns a dependency path from the selected package start to
// target through selected packages, or nil.
func (s *solver) pathTo(start, target Name) []Name {
	parent := map[Name]Name{start: ""}
	queue := []Name{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		f, ok := s.selected[cur]
		if !ok {
			continue
		}
		for _, dep := range f.current().Dependencies {
			if dep.Name == target {
				path := []Name{target}
				for n := cur; n != ""; n = parent[n] {
					path = append(path, n)
				}
				slices.Reverse(path)
				return path
			}
			if _, seen := parent[dep.Name]; !seen {
				parent[dep.Name] = cur
				queue = append(queue, dep.Name)
			}
		}
	}
	return nil
}

func (s *solver) push(f *frame) {
	c := f.current()
	s.stack = append(s.stack, f)
	s.selected[f.name] = f
	s.previous[f.name] = *c
	for _, dep := range c.Dependencies {
		s.constrain(Dependency{Requirement: dep, From: c.Name, FromVersion: c.Version})
	}
	s.log.WithFields(logrus.Fields{
		"candidate": c.ID(),
		"depth":     len(s.stack),
	}).Debug("selected")
}

func (s *solver) pop() *frame {
	f := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	delete(s.selected, f.name)
	for name, reqs := range s.constraints {
		s.constraints[name] = slices.DeleteFunc(reqs, func(d Dependency) bool { return d.From == f.name })
	}
	return f
}

// backtrack undoes decisions until one can move to another candidate.
// When every decision is exhausted it returns the last dead end seen.
func (s *solver) backtrack() error {
	for len(s.stack) > 0 {
		f := s.pop()
		s.log.WithField("package", f.name).Debug("backtracking")
		f.idx++
		ok, err := s.advance(f)
		if err != nil {
			return err
		}
		if ok {
			s.push(f)
			return nil
		}
	}
	if s.lastErr == nil {
		return errors.New("resolve: no solution")
	}
	return s.lastErr
}
