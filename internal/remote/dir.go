package remote

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/aweris/depres/internal/resolve"
	"github.com/aweris/depres/internal/version"
)

// ManifestFile is the registry description read by DirFetcher.
const ManifestFile = "registry.yaml"

// Manifest lists the packages of a directory registry. Record.File is
// relative to the registry root; digest and size are computed at load.
type Manifest struct {
	Packages map[string][]Record `yaml:"packages"`
}

// DirFetcher serves a registry from a local directory.
type DirFetcher struct {
	root       string
	candidates map[resolve.Name][]resolve.Candidate
	files      map[digest.Digest]string
}

// NewDirFetcher loads root/registry.yaml and hashes every artifact file.
func NewDirFetcher(root string) (*DirFetcher, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read registry manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse registry manifest: %w", err)
	}

	f := &DirFetcher{
		root:       root,
		candidates: make(map[resolve.Name][]resolve.Candidate, len(m.Packages)),
		files:      make(map[digest.Digest]string),
	}
	for pkg, records := range m.Packages {
		name := resolve.Name(pkg)
		if err := validName(name); err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.File == "" {
				return nil, fmt.Errorf("%s@%s: no file", pkg, r.Version)
			}
			path := filepath.Join(root, filepath.FromSlash(r.File))
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("%s@%s: %w", pkg, r.Version, err)
			}
			r.Digest = digest.FromBytes(content)
			r.Size = int64(len(content))

			c, err := r.Candidate(name)
			if err != nil {
				return nil, err
			}
			f.candidates[name] = append(f.candidates[name], c)
			f.files[c.Digest] = path
		}
	}
	return f, nil
}

// FetchMetadata returns every candidate of name.
func (f *DirFetcher) FetchMetadata(ctx context.Context, name resolve.Name, _ version.Spec) ([]resolve.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cands, ok := f.candidates[name]
	if !ok {
		return nil, fmt.Errorf("%w: package %s", ErrNotFound, name)
	}
	return slices.Clone(cands), nil
}

// FetchContent reads the artifact file for d.
func (f *DirFetcher) FetchContent(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, ok := f.files[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, d, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return data, nil
}

// Packages returns the known package names, sorted.
func (f *DirFetcher) Packages() []resolve.Name {
	names := make([]resolve.Name, 0, len(f.candidates))
	for n := range f.candidates {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Content returns the artifact bytes of every candidate of name, keyed by
// digest.
func (f *DirFetcher) Content(ctx context.Context, name resolve.Name) (map[digest.Digest][]byte, error) {
	out := make(map[digest.Digest][]byte)
	for _, c := range f.candidates[name] {
		data, err := f.FetchContent(ctx, c.Digest)
		if err != nil {
			return nil, err
		}
		out[c.Digest] = data
	}
	return out, nil
}
