// Package remote fetches package metadata and artifact content.
//
// A Fetcher answers two questions: which candidates exist for a package,
// and what bytes belong to a digest. Two implementations ship here: a
// directory registry described by a registry.yaml manifest, and an OCI
// registry where each package is an image whose config carries the
// candidate list and whose layers are the artifacts.
package remote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/depres/internal/resolve"
	"github.com/aweris/depres/internal/version"
)

var (
	ErrNetwork      = errors.New("remote: network error")
	ErrNotFound     = errors.New("remote: not found")
	ErrAuth         = errors.New("remote: authentication failed")
	ErrFetchTimeout = errors.New("remote: fetch timed out")
)

// Fetcher retrieves metadata and content from a registry.
type Fetcher interface {
	// FetchMetadata returns the candidates of name. The spec is a hint;
	// callers filter the result themselves. Unknown packages fail with
	// ErrNotFound.
	FetchMetadata(ctx context.Context, name resolve.Name, spec version.Spec) ([]resolve.Candidate, error)

	// FetchContent returns the artifact bytes for d.
	FetchContent(ctx context.Context, d digest.Digest) ([]byte, error)
}

// Record is the serialized form of a candidate, shared by the directory
// manifest and the OCI config label.
type Record struct {
	Version      string            `json:"version" yaml:"version"`
	Digest       digest.Digest     `json:"digest,omitempty" yaml:"digest,omitempty"`
	Size         int64             `json:"size" yaml:"size,omitempty"`
	File         string            `json:"-" yaml:"file,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Candidate converts r into a candidate of name.
func (r Record) Candidate(name resolve.Name) (resolve.Candidate, error) {
	v, err := version.Parse(r.Version)
	if err != nil {
		return resolve.Candidate{}, fmt.Errorf("%s: %w", name, err)
	}
	if err := r.Digest.Validate(); err != nil {
		return resolve.Candidate{}, fmt.Errorf("%s@%s: digest %q: %w", name, v, r.Digest, err)
	}

	c := resolve.Candidate{Name: name, Version: v, Digest: r.Digest, Size: r.Size}
	deps := make([]string, 0, len(r.Dependencies))
	for dep := range r.Dependencies {
		deps = append(deps, dep)
	}
	slices.Sort(deps)
	for _, dep := range deps {
		req, err := resolve.ParseRequirement(dep, r.Dependencies[dep])
		if err != nil {
			return resolve.Candidate{}, fmt.Errorf("%s@%s: %w", name, v, err)
		}
		c.Dependencies = append(c.Dependencies, req)
	}
	return c, nil
}

// RecordOf converts a candidate to its serialized form.
func RecordOf(c resolve.Candidate) Record {
	r := Record{Version: c.Version.String(), Digest: c.Digest, Size: c.Size}
	if len(c.Dependencies) > 0 {
		r.Dependencies = make(map[string]string, len(c.Dependencies))
		for _, dep := range c.Dependencies {
			r.Dependencies[string(dep.Name)] = dep.Spec.String()
		}
	}
	return r
}

// IsRetryable reports whether err is a transient fetch failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrFetchTimeout)
}

func validName(name resolve.Name) error {
	if name == "" || strings.ContainsAny(string(name), "/\\@:") || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid package name %q", ErrNotFound, name)
	}
	return nil
}
