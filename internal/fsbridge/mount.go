package fsbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Options configures a FUSE mount of a View.
type Options struct {
	// Mountpoint is created when missing.
	Mountpoint string
	View       *View

	// AllowOther lets other users read the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool
	Debug      bool
	Logger     logrus.FieldLogger
}

// Server is a live FUSE mount.
type Server struct {
	server     *fuse.Server
	mountpoint string
	view       *View
	handles    *handleTable
	log        logrus.FieldLogger

	mu        sync.Mutex
	unmounted bool
	done      chan struct{}
}

// Mount serves opts.View at opts.Mountpoint. The caller must Unmount the
// returned server.
func Mount(opts Options) (*Server, error) {
	if opts.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if opts.View == nil {
		return nil, errors.New("view is required")
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	s := &Server{
		mountpoint: opts.Mountpoint,
		view:       opts.View,
		handles:    newHandleTable(),
		log:        opts.Logger.WithField("mountpoint", opts.Mountpoint),
		done:       make(chan struct{}),
	}

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond
	root := &dirNode{srv: s, node: opts.View.Root()}
	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "depres",
			Name:       "depres",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting at %s: %w", opts.Mountpoint, err)
	}
	s.server = server

	go func() {
		server.Wait()
		close(s.done)
	}()

	s.log.WithField("layout", opts.View.Layout()).Info("mounted")
	return s, nil
}

func (s *Server) Mountpoint() string { return s.mountpoint }

// Done is closed when the FUSE server stops serving, whether through
// Unmount or an external unmount.
func (s *Server) Done() <-chan struct{} { return s.done }

// OpenHandles returns the number of open file handles.
func (s *Server) OpenHandles() int { return s.handles.len() }

// Unmount closes every open handle and unmounts. It is safe to call more
// than once, and a mount point that was already detached is not an error.
func (s *Server) Unmount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unmounted {
		return nil
	}

	if n := s.handles.closeAll(); n > 0 {
		s.log.WithField("handles", n).Debug("closed open handles")
	}

	if err := s.server.Unmount(); err != nil {
		s.log.WithError(err).Debug("unmount failed, detaching")
		if derr := unix.Unmount(s.mountpoint, unix.MNT_DETACH); derr != nil && !notMounted(derr) {
			return fmt.Errorf("unmounting %s: %w", s.mountpoint, errors.Join(err, derr))
		}
	}
	s.unmounted = true
	s.log.Info("unmounted")
	return nil
}

func notMounted(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT)
}

// handle is an open artifact file. Its bytes are loaded on first read.
type handle struct {
	id   uint64
	node *Node

	mu   sync.Mutex
	data []byte
	read bool
}

type handleTable struct {
	mu   sync.Mutex
	next uint64
	open map[uint64]*handle
}

func newHandleTable() *handleTable {
	return &handleTable{open: make(map[uint64]*handle)}
}

func (t *handleTable) add(n *Node) *handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := &handle{id: t.next, node: n}
	t.open[h.id] = h
	return h
}

func (t *handleTable) remove(h *handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.open, h.id)
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

func (t *handleTable) closeAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.open)
	for id, h := range t.open {
		h.mu.Lock()
		h.data, h.read = nil, false
		h.mu.Unlock()
		delete(t.open, id)
	}
	return n
}

func setAttr(n *Node, out *fuse.Attr) {
	mt := n.ModTime()
	out.SetTimes(&mt, &mt, &mt)
	if n.IsDir() {
		out.Mode = syscall.S_IFDIR | 0o555
		out.Nlink = 2
		return
	}
	out.Mode = syscall.S_IFREG | 0o444
	out.Nlink = 1
	out.Size = uint64(n.Size())
	out.Blocks = (out.Size + 511) / 512
}

// dirNode is the root or a package directory.
type dirNode struct {
	gofuse.Inode
	srv  *Server
	node *Node
}

var (
	_ gofuse.NodeLookuper  = (*dirNode)(nil)
	_ gofuse.NodeReaddirer = (*dirNode)(nil)
	_ gofuse.NodeGetattrer = (*dirNode)(nil)
	_ gofuse.NodeSetattrer = (*dirNode)(nil)
	_ gofuse.NodeCreater   = (*dirNode)(nil)
	_ gofuse.NodeMkdirer   = (*dirNode)(nil)
	_ gofuse.NodeUnlinker  = (*dirNode)(nil)
	_ gofuse.NodeRmdirer   = (*dirNode)(nil)
	_ gofuse.NodeRenamer   = (*dirNode)(nil)
)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child, ok := d.srv.view.Child(d.node, name)
	if !ok {
		return nil, syscall.ENOENT
	}
	setAttr(child, &out.Attr)
	if existing := d.GetChild(name); existing != nil {
		return existing, 0
	}
	if child.IsDir() {
		return d.NewPersistentInode(ctx, &dirNode{srv: d.srv, node: child}, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	return d.NewPersistentInode(ctx, &fileNode{srv: d.srv, node: child}, gofuse.StableAttr{Mode: syscall.S_IFREG}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	children := d.srv.view.Children(d.node)
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		mode := uint32(syscall.S_IFREG)
		if c.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: c.Name(), Mode: mode})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setAttr(d.node, &out.Attr)
	return 0
}

func (d *dirNode) Setattr(context.Context, gofuse.FileHandle, *fuse.SetAttrIn, *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}

func (d *dirNode) Create(context.Context, string, uint32, uint32, *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (d *dirNode) Mkdir(context.Context, string, uint32, *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (d *dirNode) Unlink(context.Context, string) syscall.Errno { return syscall.EROFS }
func (d *dirNode) Rmdir(context.Context, string) syscall.Errno  { return syscall.EROFS }

func (d *dirNode) Rename(context.Context, string, gofuse.InodeEmbedder, string, uint32) syscall.Errno {
	return syscall.EROFS
}

// fileNode is an artifact file.
type fileNode struct {
	gofuse.Inode
	srv  *Server
	node *Node
}

var (
	_ gofuse.NodeGetattrer = (*fileNode)(nil)
	_ gofuse.NodeSetattrer = (*fileNode)(nil)
	_ gofuse.NodeOpener    = (*fileNode)(nil)
	_ gofuse.NodeReader    = (*fileNode)(nil)
	_ gofuse.NodeWriter    = (*fileNode)(nil)
	_ gofuse.NodeReleaser  = (*fileNode)(nil)
)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setAttr(f.node, &out.Attr)
	return 0
}

func (f *fileNode) Setattr(context.Context, gofuse.FileHandle, *fuse.SetAttrIn, *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_APPEND|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	h := f.srv.handles.add(f.node)
	// Artifacts are immutable, so the kernel page cache stays valid.
	return h, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.content(ctx, fh)
	if err != nil {
		f.srv.log.WithError(err).WithFields(logrus.Fields{
			"path":   f.node.Path(),
			"digest": f.node.Digest(),
		}).Warn("read failed")
		return nil, Errno(err)
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := min(off+int64(len(dest)), int64(len(data)))
	return fuse.ReadResultData(data[off:end]), 0
}

func (f *fileNode) content(ctx context.Context, fh gofuse.FileHandle) ([]byte, error) {
	h, ok := fh.(*handle)
	if !ok {
		return f.srv.view.Content(ctx, f.node)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.read {
		return h.data, nil
	}
	data, err := f.srv.view.Content(ctx, f.node)
	if err != nil {
		return nil, err
	}
	h.data, h.read = data, true
	return data, nil
}

func (f *fileNode) Write(context.Context, gofuse.FileHandle, []byte, int64) (uint32, syscall.Errno) {
	return 0, syscall.EROFS
}

func (f *fileNode) Release(ctx context.Context, fh gofuse.FileHandle) syscall.Errno {
	if h, ok := fh.(*handle); ok {
		f.srv.handles.remove(h)
	}
	return 0
}
