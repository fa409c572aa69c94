package depres

import (
	"fmt"
	"strings"
	"time"

	"github.com/aweris/depres/internal/fsbridge"
	"github.com/aweris/depres/internal/populate"
	"github.com/aweris/depres/internal/resolve"
)

type (
	Name        = resolve.Name
	Requirement = resolve.Requirement
	Candidate   = resolve.Candidate
	Graph       = resolve.Graph
	Layout      = fsbridge.Layout
)

const (
	LayoutFlat   = fsbridge.LayoutFlat
	LayoutNested = fsbridge.LayoutNested
)

// Config controls one session.
type Config struct {
	// LazyPopulation mounts right after resolution and fetches artifacts
	// on first read. When false every artifact is fetched before mounting.
	LazyPopulation bool

	// CacheByteBudget bounds the stored bytes of the artifact cache. It is
	// applied when the cache is opened. Zero means unbounded.
	CacheByteBudget int64

	// SearchNodeLimit bounds the resolver search. Zero uses the default.
	SearchNodeLimit int

	// FetchTimeout bounds each metadata call and each artifact fetch.
	FetchTimeout time.Duration

	CycleDependenciesAllowed bool

	Mountpoint    string
	Layout        Layout
	Workers       int
	RetryAttempts int
	AllowOther    bool
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		LazyPopulation:  true,
		SearchNodeLimit: resolve.DefaultNodeLimit,
		FetchTimeout:    30 * time.Second,
		Layout:          LayoutFlat,
		Workers:         populate.DefaultWorkers,
		RetryAttempts:   3,
	}
}

// ParseRequirement parses "name@spec". A bare name accepts any version.
func ParseRequirement(s string) (Requirement, error) {
	s = strings.TrimSpace(s)
	name, spec, ok := strings.Cut(s, "@")
	if !ok {
		spec = "*"
	}
	if name == "" {
		return Requirement{}, fmt.Errorf("requirement %q: missing package name", s)
	}
	return resolve.ParseRequirement(name, spec)
}

// ParseRequirements parses every entry of list.
func ParseRequirements(list []string) ([]Requirement, error) {
	reqs := make([]Requirement, 0, len(list))
	for _, s := range list {
		r, err := ParseRequirement(s)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}
