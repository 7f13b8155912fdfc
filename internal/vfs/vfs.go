// Package vfs defines the VFS contract surface the kernel core consumes.
// Concrete filesystems (FAT, ramfs, devfs, procfs) are external
// collaborators, out of scope per spec.md §1; this package only specifies
// the interface and a minimal in-memory filesystem used by tests, the
// same role elsie's Driver/DeviceReader interfaces play
// for devices external to the CPU core.
package vfs

import (
	"errors"
	"fmt"
	"sync"
)

// Whence values for Seek, matching the syscall ABI's lseek semantics.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// OpenFlags mirror the O_* flags a real open(2) would accept.
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenTrunc
	OpenAppend
	OpenDirectory
)

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Name string
	Dir  bool
}

// Stat describes a file or directory's metadata.
type Stat struct {
	Size  int64
	Dir   bool
	Mode  uint32
}

var (
	ErrNotFound    = errors.New("vfs: not found")
	ErrExists      = errors.New("vfs: already exists")
	ErrNotDir      = errors.New("vfs: not a directory")
	ErrIsDir       = errors.New("vfs: is a directory")
	ErrBadFD       = errors.New("vfs: bad file descriptor")
	ErrReadOnly    = errors.New("vfs: read-only filesystem")
)

// File is an open file handle, the object referenced by a process's file
// descriptor table entry.
type File interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Readdir() ([]DirEntry, error)
	Stat() (Stat, error)
	Close() error
}

// FileSystem is the contract a concrete filesystem implements and the VFS
// layer dispatches to by mount point.
type FileSystem interface {
	Open(path string, flags OpenFlags) (File, error)
	Stat(path string) (Stat, error)
	Mkdir(path string) error
	Rmdir(path string) error
	Unlink(path string) error
}

// MountTable resolves a path to the filesystem mounted at the longest
// matching prefix, the standard VFS mount-point dispatch.
type MountTable struct {
	mu     sync.RWMutex
	mounts map[string]FileSystem
}

// NewMountTable creates an empty mount table.
func NewMountTable() *MountTable {
	return &MountTable{mounts: make(map[string]FileSystem)}
}

// Mount attaches fs at path. Mounting over an existing exact path replaces
// it (remount).
func (mt *MountTable) Mount(path string, fs FileSystem) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.mounts[path] = fs
}

// Unmount detaches the filesystem mounted at path.
func (mt *MountTable) Unmount(path string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	delete(mt.mounts, path)
}

// Resolve returns the filesystem mounted at the longest prefix of path and
// the remaining path relative to that mount point.
func (mt *MountTable) Resolve(p string) (FileSystem, string, error) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	best := ""

	for mount := range mt.mounts {
		if len(mount) > len(best) && hasPrefix(p, mount) {
			best = mount
		}
	}

	if best == "" {
		return nil, "", fmt.Errorf("vfs: resolve %q: %w", p, ErrNotFound)
	}

	rel := p[len(best):]
	if rel == "" {
		rel = "/"
	}

	return mt.mounts[best], rel, nil
}

func hasPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}

	return len(p) >= len(prefix) && p[:len(prefix)] == prefix
}
