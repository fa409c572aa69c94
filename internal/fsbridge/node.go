package fsbridge

import (
	"io/fs"
	"path"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/depres/internal/resolve"
)

// Node is one entry of a View: the root, a package directory or an
// artifact file. Nodes are immutable once created except for the lazily
// filled children of directories, which the owning View guards.
type Node struct {
	name    string
	mode    fs.FileMode
	modTime time.Time
	size    int64
	digest  digest.Digest

	// pkg is the package a directory stands for or a file holds.
	pkg    *resolve.Node
	parent *Node

	loaded   bool
	children map[string]*Node
}

var (
	_ fs.FileInfo = (*Node)(nil)
	_ fs.DirEntry = (*Node)(nil)
)

func (n *Node) Name() string       { return n.name }
func (n *Node) Mode() fs.FileMode  { return n.mode }
func (n *Node) ModTime() time.Time { return n.modTime }
func (n *Node) IsDir() bool        { return n.mode.IsDir() }
func (n *Node) Type() fs.FileMode  { return n.mode.Type() }
func (n *Node) Sys() any           { return nil }

func (n *Node) Info() (fs.FileInfo, error) { return n, nil }

// Size is the artifact size from metadata; directories report zero.
func (n *Node) Size() int64 {
	if n.IsDir() {
		return 0
	}
	return n.size
}

// Digest is the artifact digest of a file node.
func (n *Node) Digest() digest.Digest { return n.digest }

// Package returns the package behind n, or nil for the root.
func (n *Node) Package() *resolve.Node { return n.pkg }

// Path returns the slash-separated path of n relative to the root.
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	if len(parts) == 0 {
		return "."
	}
	slices.Reverse(parts)
	return path.Join(parts...)
}

// onPath reports whether a directory for pkg exists between n and the root.
func (n *Node) onPath(pkg resolve.Name) bool {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.pkg != nil && cur.IsDir() && cur.pkg.Name == pkg {
			return true
		}
	}
	return false
}
