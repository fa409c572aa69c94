package fsbridge

import (
	"errors"
	"io"
	"io/fs"
	"sync"
)

// file is an open View entry. Artifact bytes are loaded on the first read
// and kept for the life of the handle.
type file struct {
	node *Node
	view *View
	path string

	mu     sync.Mutex
	data   []byte
	loaded bool
	offset int64
	dirPos int
	closed bool
}

var (
	_ fs.ReadDirFile = (*file)(nil)
	_ io.Seeker      = (*file)(nil)
	_ io.ReaderAt    = (*file)(nil)
	_ io.Writer      = (*file)(nil)
)

func newFile(node *Node, view *View, path string) *file {
	return &file{node: node, view: view, path: path}
}

func (f *file) Stat() (fs.FileInfo, error) {
	return f.node, nil
}

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.loadLocked("read")
	if err != nil {
		return 0, err
	}
	if f.offset >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &fs.PathError{Op: "readat", Path: f.path, Err: fs.ErrInvalid}
	}
	f.mu.Lock()
	data, err := f.loadLocked("readat")
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &fs.PathError{Op: "seek", Path: f.path, Err: fs.ErrClosed}
	}
	if f.node.IsDir() {
		return 0, &fs.PathError{Op: "seek", Path: f.path, Err: fs.ErrInvalid}
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		offset += f.node.Size()
	default:
		return 0, &fs.PathError{Op: "seek", Path: f.path, Err: fs.ErrInvalid}
	}
	if offset < 0 {
		return 0, &fs.PathError{Op: "seek", Path: f.path, Err: fs.ErrInvalid}
	}
	f.offset = offset
	return offset, nil
}

func (f *file) Write([]byte) (int, error) {
	return 0, &fs.PathError{Op: "write", Path: f.path, Err: ErrReadOnly}
}

// ReadDir follows fs.ReadDirFile: with n > 0 it returns at most n entries
// and io.EOF once the directory is exhausted.
func (f *file) ReadDir(n int) ([]fs.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, &fs.PathError{Op: "readdir", Path: f.path, Err: fs.ErrClosed}
	}
	if !f.node.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: f.path, Err: errors.New("not a directory")}
	}

	children := f.view.Children(f.node)
	rest := children[min(f.dirPos, len(children)):]
	if n > 0 && len(rest) == 0 {
		return nil, io.EOF
	}
	if n > 0 && n < len(rest) {
		rest = rest[:n]
	}
	f.dirPos += len(rest)

	entries := make([]fs.DirEntry, len(rest))
	for i, c := range rest {
		entries[i] = c
	}
	return entries, nil
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &fs.PathError{Op: "close", Path: f.path, Err: fs.ErrClosed}
	}
	f.closed = true
	f.data, f.loaded = nil, false
	return nil
}

func (f *file) loadLocked(op string) ([]byte, error) {
	if f.closed {
		return nil, &fs.PathError{Op: op, Path: f.path, Err: fs.ErrClosed}
	}
	if f.node.IsDir() {
		return nil, &fs.PathError{Op: op, Path: f.path, Err: fs.ErrInvalid}
	}
	if f.loaded {
		return f.data, nil
	}
	data, err := f.view.Content(f.view.ctx, f.node)
	if err != nil {
		return nil, &fs.PathError{Op: op, Path: f.path, Err: err}
	}
	f.data, f.loaded = data, true
	return data, nil
}
