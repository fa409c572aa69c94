package depres

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"
)

// Lock is the serializable result of a resolution.
type Lock struct {
	Packages []LockedPackage `yaml:"packages"`
}

// LockedPackage is one selected candidate.
type LockedPackage struct {
	Name         string            `yaml:"name"`
	Version      string            `yaml:"version"`
	Digest       string            `yaml:"digest"`
	Size         int64             `yaml:"size"`
	Dependencies map[string]string `yaml:"dependencies,omitempty"`
}

// NewLock lists the packages of g, shorter names first and equal lengths
// in lexical order.
func NewLock(g *Graph) *Lock {
	l := &Lock{Packages: make([]LockedPackage, 0, g.Len())}
	for _, n := range g.Nodes() {
		p := LockedPackage{
			Name:    string(n.Name),
			Version: n.Version.String(),
			Digest:  n.Digest.String(),
			Size:    n.Size,
		}
		if len(n.Dependencies) > 0 {
			p.Dependencies = make(map[string]string, len(n.Dependencies))
			for _, dep := range n.Dependencies {
				p.Dependencies[string(dep.Name)] = dep.Spec.String()
			}
		}
		l.Packages = append(l.Packages, p)
	}
	slices.SortFunc(l.Packages, func(a, b LockedPackage) int {
		if c := cmp.Compare(len(a.Name), len(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return l
}

// Encode writes l as YAML.
func (l *Lock) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(l); err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	return enc.Close()
}

// DecodeLock reads a lock written by Encode.
func DecodeLock(r io.Reader) (*Lock, error) {
	var l Lock
	if err := yaml.NewDecoder(r).Decode(&l); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	return &l, nil
}

// Requirements pins every locked package to its exact version.
func (l *Lock) Requirements() ([]Requirement, error) {
	reqs := make([]Requirement, 0, len(l.Packages))
	for _, p := range l.Packages {
		r, err := ParseRequirement(p.Name + "@=" + p.Version)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}
