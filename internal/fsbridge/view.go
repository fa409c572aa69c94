// Package fsbridge exposes a resolved dependency graph as a read-only
// filesystem, both as an io/fs.FS and as a FUSE mount.
//
// Two layouts are supported. The flat layout has one regular file per
// package, named <name>@<version>. The nested layout has one directory per
// root package; each package directory holds a "content" file and one
// subdirectory per dependency. Package directories are materialized on
// first access, and a dependency already on the path from the root is
// left out so that cyclic graphs still produce a finite tree.
package fsbridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/depres/internal/resolve"
)

var (
	ErrReadOnly  = errors.New("read-only filesystem")
	ErrIntegrity = errors.New("artifact size does not match metadata")
)

// ContentFile is the name of the artifact file inside a nested package
// directory.
const ContentFile = "content"

// Layout selects how packages are arranged in the namespace.
type Layout string

const (
	LayoutFlat   Layout = "flat"
	LayoutNested Layout = "nested"
)

// ParseLayout parses a layout name. The empty string means flat.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(s)) {
	case "", LayoutFlat:
		return LayoutFlat, nil
	case LayoutNested:
		return LayoutNested, nil
	}
	return "", fmt.Errorf("unknown layout %q", s)
}

// Reader returns artifact bytes by digest, populating the local store on a
// miss.
type Reader interface {
	Ensure(ctx context.Context, d digest.Digest) ([]byte, error)
}

// View is the read-only namespace of one resolution.
type View struct {
	graph   *resolve.Graph
	layout  Layout
	reader  Reader
	ctx     context.Context
	modTime time.Time

	mu   sync.Mutex
	root *Node
}

// ViewOption configures a View.
type ViewOption func(*View)

// WithContext sets the context every artifact read runs under, whether it
// comes through io/fs or the FUSE server. Cancelling it fails reads still
// in progress.
func WithContext(ctx context.Context) ViewOption {
	return func(v *View) { v.ctx = ctx }
}

// WithModTime sets the modification time reported for every entry.
func WithModTime(t time.Time) ViewOption {
	return func(v *View) { v.modTime = t }
}

var (
	_ fs.FS         = (*View)(nil)
	_ fs.StatFS     = (*View)(nil)
	_ fs.ReadDirFS  = (*View)(nil)
	_ fs.ReadFileFS = (*View)(nil)
)

// NewView builds the namespace of g. Content is read through r.
func NewView(g *resolve.Graph, layout Layout, r Reader, opts ...ViewOption) *View {
	v := &View{
		graph:   g,
		layout:  layout,
		reader:  r,
		ctx:     context.Background(),
		modTime: time.Now(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.root = &Node{name: ".", mode: fs.ModeDir | 0555, modTime: v.modTime}
	return v
}

func (v *View) Layout() Layout { return v.layout }

// Root returns the root directory node.
func (v *View) Root() *Node { return v.root }

func (v *View) Open(name string) (fs.File, error) {
	n, err := v.lookup("open", name)
	if err != nil {
		return nil, err
	}
	return newFile(n, v, name), nil
}

func (v *View) Stat(name string) (fs.FileInfo, error) {
	n, err := v.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (v *View) ReadDir(name string) ([]fs.DirEntry, error) {
	n, err := v.lookup("readdir", name)
	if err != nil {
		return nil, err
	}
	if !n.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: errors.New("not a directory")}
	}
	children := v.Children(n)
	entries := make([]fs.DirEntry, len(children))
	for i, c := range children {
		entries[i] = c
	}
	return entries, nil
}

func (v *View) ReadFile(name string) ([]byte, error) {
	n, err := v.lookup("readfile", name)
	if err != nil {
		return nil, err
	}
	if n.IsDir() {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: errors.New("is a directory")}
	}
	data, err := v.Content(v.ctx, n)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	return slices.Clone(data), nil
}

func (v *View) lookup(op, name string) (*Node, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	n := v.root
	if name == "." {
		return n, nil
	}
	for _, part := range strings.Split(name, "/") {
		child, ok := v.Child(n, part)
		if !ok {
			return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
		}
		n = child
	}
	return n, nil
}

// Child returns the entry called name inside directory n.
func (v *View) Child(n *Node, name string) (*Node, bool) {
	if !n.IsDir() {
		return nil, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loadLocked(n)
	child, ok := n.children[name]
	return child, ok
}

// Children lists directory n sorted by name.
func (v *View) Children(n *Node) []*Node {
	if !n.IsDir() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loadLocked(n)
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(a.name, b.name) })
	return out
}

// Content returns the artifact bytes of file node n. The read ends when
// either ctx or the view context is done. The length must match the size
// advertised by metadata.
func (v *View) Content(ctx context.Context, n *Node) ([]byte, error) {
	if n.IsDir() {
		return nil, fs.ErrInvalid
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(v.ctx, cancel)()
	data, err := v.reader.Ensure(ctx, n.digest)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != n.size {
		return nil, fmt.Errorf("%w: %s is %d bytes, expected %d", ErrIntegrity, n.pkg.ID(), len(data), n.size)
	}
	return data, nil
}

func (v *View) loadLocked(n *Node) {
	if n.loaded {
		return
	}
	n.children = make(map[string]*Node)
	n.loaded = true

	if n == v.root {
		switch v.layout {
		case LayoutNested:
			for _, r := range v.graph.Roots() {
				v.addPackageDir(n, r)
			}
		default:
			for _, p := range v.graph.Nodes() {
				n.children[p.ID()] = v.fileNode(n, p.ID(), p)
			}
		}
		return
	}

	n.children[ContentFile] = v.fileNode(n, ContentFile, n.pkg)
	for _, dep := range v.graph.Dependencies(n.pkg.Name) {
		if n.onPath(dep.Name) {
			continue
		}
		v.addPackageDir(n, dep)
	}
}

func (v *View) addPackageDir(parent *Node, p *resolve.Node) {
	parent.children[p.ID()] = &Node{
		name:    p.ID(),
		mode:    fs.ModeDir | 0555,
		modTime: v.modTime,
		pkg:     p,
		parent:  parent,
	}
}

func (v *View) fileNode(parent *Node, name string, p *resolve.Node) *Node {
	return &Node{
		name:    name,
		mode:    0444,
		modTime: v.modTime,
		size:    p.Size,
		digest:  p.Digest,
		pkg:     p,
		parent:  parent,
	}
}
