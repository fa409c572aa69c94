package resolve

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/aweris/depres/internal/version"
)

var ErrResolutionTimeout = errors.New("resolve: search node limit exceeded")

// Dependency is a Requirement attributed to whoever declared it: a
// selected candidate, or the root requirement set.
type Dependency struct {
	Requirement
	From        Name
	FromVersion version.Version
}

// IsRoot reports whether the requirement came from the root set.
func (d Dependency) IsRoot() bool { return d.From == "" }

func (d Dependency) String() string {
	if d.IsRoot() {
		return fmt.Sprintf("%s %s (root)", d.Name, d.Spec)
	}
	return fmt.Sprintf("%s %s (from %s@%s)", d.Name, d.Spec, d.From, d.FromVersion)
}

// ConflictError reports a minimal set of requirements on Package that
// cannot hold together. Removing any one of them removes the conflict.
type ConflictError struct {
	Package      Name
	Requirements []Dependency

	// Selected is set when the conflict is with an already selected
	// version rather than between the requirements alone.
	Selected *Candidate
}

func (e *ConflictError) Error() string {
	var buf bytes.Buffer
	if e.Selected != nil {
		fmt.Fprintf(&buf, "conflict on %s: selected %s does not satisfy:", e.Package, e.Selected.Version)
	} else {
		fmt.Fprintf(&buf, "conflict on %s: no version satisfies all of:", e.Package)
	}
	for _, d := range e.Requirements {
		fmt.Fprintf(&buf, "\n\t%s", d)
	}
	return buf.String()
}

// Packages lists every package named by the conflict: the contested
// package and each depender, without duplicates.
func (e *ConflictError) Packages() []Name {
	seen := map[Name]bool{e.Package: true}
	names := []Name{e.Package}
	add := func(n Name) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, d := range e.Requirements {
		add(d.From)
	}
	if e.Selected != nil {
		add(e.Selected.Name)
	}
	return names
}

// NotFoundError reports a package with no candidate satisfying the active
// constraints.
type NotFoundError struct {
	Package      Name
	Spec         version.Spec
	Requirements []Dependency
}

func (e *NotFoundError) Error() string {
	if len(e.Requirements) == 0 {
		return fmt.Sprintf("no versions of %s match %s", e.Package, e.Spec)
	}
	reqs := make([]string, len(e.Requirements))
	for i, d := range e.Requirements {
		reqs[i] = d.String()
	}
	return fmt.Sprintf("no versions of %s match %s; required by: %s", e.Package, e.Spec, strings.Join(reqs, ", "))
}

// CycleError reports a dependency cycle. Cycle starts and ends with the
// same package.
type CycleError struct {
	Cycle []Name
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, n := range e.Cycle {
		parts[i] = string(n)
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

// minimizeConflict shrinks reqs, whose specs intersect to the empty set,
// to an irreducible subset that is still empty. reqs[0] is always kept;
// callers put the requirement that triggered the check first.
func minimizeConflict(reqs []Dependency) []Dependency {
	kept := append([]Dependency(nil), reqs...)
	for i := len(kept) - 1; i >= 1; i-- {
		trial := append(append([]Dependency(nil), kept[:i]...), kept[i+1:]...)
		if intersectAll(trial).IsEmpty() {
			kept = trial
		}
	}
	return kept
}

func intersectAll(reqs []Dependency) version.Spec {
	s := version.Any()
	for _, d := range reqs {
		s = s.Intersect(d.Spec)
	}
	return s
}
