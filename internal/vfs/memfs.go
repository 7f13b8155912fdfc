package vfs

import (
	"fmt"
	"path"
	"sync"
)

// MemFS is a minimal in-memory filesystem used by tests to
// exercise the VFS contract without a real block device backing it.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string]bool
}

type memFile struct {
	data []byte
}

// NewMemFS creates an empty in-memory filesystem with a root directory.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string]*memFile),
		dirs:  map[string]bool{"/": true},
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// Open implements [FileSystem].
func (fs *MemFS) Open(p string, flags OpenFlags) (File, error) {
	p = clean(p)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.dirs[p] {
		if flags&OpenDirectory == 0 {
			return nil, fmt.Errorf("vfs: open %q: %w", p, ErrIsDir)
		}

		return &memDirHandle{fs: fs, path: p}, nil
	}

	f, ok := fs.files[p]
	if !ok {
		if flags&OpenCreate == 0 {
			return nil, fmt.Errorf("vfs: open %q: %w", p, ErrNotFound)
		}

		f = &memFile{}
		fs.files[p] = f
	} else if flags&OpenTrunc != 0 {
		f.data = nil
	}

	pos := int64(0)
	if flags&OpenAppend != 0 {
		pos = int64(len(f.data))
	}

	return &memFileHandle{fs: fs, file: f, pos: pos}, nil
}

// Stat implements [FileSystem].
func (fs *MemFS) Stat(p string) (Stat, error) {
	p = clean(p)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.dirs[p] {
		return Stat{Dir: true}, nil
	}

	if f, ok := fs.files[p]; ok {
		return Stat{Size: int64(len(f.data))}, nil
	}

	return Stat{}, fmt.Errorf("vfs: stat %q: %w", p, ErrNotFound)
}

// Mkdir implements [FileSystem].
func (fs *MemFS) Mkdir(p string) error {
	p = clean(p)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.dirs[p] || fs.files[p] != nil {
		return fmt.Errorf("vfs: mkdir %q: %w", p, ErrExists)
	}

	fs.dirs[p] = true

	return nil
}

// Rmdir implements [FileSystem].
func (fs *MemFS) Rmdir(p string) error {
	p = clean(p)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.dirs[p] {
		return fmt.Errorf("vfs: rmdir %q: %w", p, ErrNotFound)
	}

	delete(fs.dirs, p)

	return nil
}

// Unlink implements [FileSystem].
func (fs *MemFS) Unlink(p string) error {
	p = clean(p)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.files[p]; !ok {
		return fmt.Errorf("vfs: unlink %q: %w", p, ErrNotFound)
	}

	delete(fs.files, p)

	return nil
}

type memFileHandle struct {
	fs   *MemFS
	file *memFile
	pos  int64
}

func (h *memFileHandle) Read(buf []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.pos >= int64(len(h.file.data)) {
		return 0, nil
	}

	n := copy(buf, h.file.data[h.pos:])
	h.pos += int64(n)

	return n, nil
}

func (h *memFileHandle) Write(buf []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	end := h.pos + int64(len(buf))
	if end > int64(len(h.file.data)) {
		grown := make([]byte, end)
		copy(grown, h.file.data)
		h.file.data = grown
	}

	n := copy(h.file.data[h.pos:end], buf)
	h.pos += int64(n)

	return n, nil
}

func (h *memFileHandle) Seek(offset int64, whence int) (int64, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	switch whence {
	case SeekSet:
		h.pos = offset
	case SeekCur:
		h.pos += offset
	case SeekEnd:
		h.pos = int64(len(h.file.data)) + offset
	}

	if h.pos < 0 {
		h.pos = 0
	}

	return h.pos, nil
}

func (h *memFileHandle) Readdir() ([]DirEntry, error) {
	return nil, fmt.Errorf("vfs: readdir: %w", ErrNotDir)
}

func (h *memFileHandle) Stat() (Stat, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	return Stat{Size: int64(len(h.file.data))}, nil
}

func (h *memFileHandle) Close() error { return nil }

type memDirHandle struct {
	fs   *MemFS
	path string
}

func (h *memDirHandle) Read([]byte) (int, error)  { return 0, fmt.Errorf("vfs: read: %w", ErrIsDir) }
func (h *memDirHandle) Write([]byte) (int, error) { return 0, fmt.Errorf("vfs: write: %w", ErrIsDir) }
func (h *memDirHandle) Seek(int64, int) (int64, error) {
	return 0, fmt.Errorf("vfs: seek: %w", ErrIsDir)
}

func (h *memDirHandle) Readdir() ([]DirEntry, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	prefix := h.path
	if prefix != "/" {
		prefix += "/"
	}

	var entries []DirEntry

	for p := range h.fs.dirs {
		if p != h.path && path.Dir(p) == h.path {
			entries = append(entries, DirEntry{Name: path.Base(p), Dir: true})
		}
	}

	for p := range h.fs.files {
		if path.Dir(p) == h.path {
			entries = append(entries, DirEntry{Name: path.Base(p)})
		}
	}

	return entries, nil
}

func (h *memDirHandle) Stat() (Stat, error) { return Stat{Dir: true}, nil }
func (h *memDirHandle) Close() error        { return nil }
