package resolve

import (
	"context"
	_ "crypto/sha256"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/depres/internal/version"
)

// Name identifies a package within one resolution universe.
type Name string

// Requirement asks for a version of Name that satisfies Spec.
type Requirement struct {
	Name Name
	Spec version.Spec
}

func (r Requirement) String() string {
	return fmt.Sprintf("%s %s", r.Name, r.Spec)
}

// ParseRequirement builds a Requirement from a name and spec text.
func ParseRequirement(name, spec string) (Requirement, error) {
	s, err := version.ParseSpec(spec)
	if err != nil {
		return Requirement{}, fmt.Errorf("requirement %s: %w", name, err)
	}
	return Requirement{Name: Name(name), Spec: s}, nil
}

// Candidate is one concrete, resolvable version of a package. Size is the
// exact artifact length; it is part of the metadata so the filesystem can
// report it without fetching content.
type Candidate struct {
	Name         Name
	Version      version.Version
	Dependencies []Requirement
	Digest       digest.Digest
	Size         int64
}

// ID returns "name@version".
func (c Candidate) ID() string {
	return fmt.Sprintf("%s@%s", c.Name, c.Version)
}

func (c Candidate) String() string { return c.ID() }

// Provider supplies candidate metadata. Implementations must not download
// artifact content to answer.
type Provider interface {
	// Candidates returns the known candidates of name that may satisfy
	// spec. An empty result means the package has no matching versions.
	Candidates(ctx context.Context, name Name, spec version.Spec) ([]Candidate, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, name Name, spec version.Spec) ([]Candidate, error)

func (f ProviderFunc) Candidates(ctx context.Context, name Name, spec version.Spec) ([]Candidate, error) {
	return f(ctx, name, spec)
}
