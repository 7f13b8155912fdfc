// Package sandbox implements the cage: the per-process sandbox
// configuration that gates syscalls and bounds resource use, per spec.md
// §3 and §4.5.
package sandbox

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// CageLevel is the overall strictness of a process's sandbox.
type CageLevel uint8

const (
	CageNone CageLevel = iota
	CageLight
	CageStandard
	CageStrict
	CageLocked
)

func (c CageLevel) String() string {
	switch c {
	case CageNone:
		return "NONE"
	case CageLight:
		return "LIGHT"
	case CageStandard:
		return "STANDARD"
	case CageStrict:
		return "STRICT"
	case CageLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Category is a bit in the 32-bit syscall-category filter mask.
type Category uint32

const (
	AllowIORead Category = 1 << iota
	AllowIOWrite
	AllowProcess
	AllowTime
	AllowNetwork
	AllowFilesystem
	AllowIPC
	AllowMemory
	AllowModule
)

// Flags are boolean process-wide sandbox attributes.
type Flags uint32

const (
	FlagReadOnly Flags = 1 << iota
	FlagNoExec
	FlagNoNet
	FlagImmutable
)

// Limits are resource ceilings; zero means unlimited, per spec.md §3.
type Limits struct {
	MaxMemory  uint64 // Bytes.
	MaxFiles   uint32
	MaxProcs   uint32
	MaxCPUTime uint64 // Ticks.
}

func (l Limits) exceeded(used, max uint64) bool {
	return max != 0 && used >= max
}

// ErrImmutable is returned when a caller attempts to change any field of a
// sandbox after its IMMUTABLE flag was set.
var ErrImmutable = errors.New("sandbox: configuration is immutable")

// ErrEscape is returned when a path escapes the cage root via "..".
var ErrEscape = errors.New("sandbox: path escapes cage root")

// Sandbox is the per-process cage configuration.
type Sandbox struct {
	Level    CageLevel
	Filter   Category
	CageRoot string // Empty means no virtual root.
	Limits   Limits
	Flags    Flags
}

// New creates a sandbox at the given cage level with no syscalls allowed
// and no resource limits (unlimited). Callers build up the filter and
// limits before handing the sandbox to a process; immutability, once set,
// is permanent for the PID's remaining lifetime.
func New(level CageLevel) *Sandbox {
	return &Sandbox{Level: level}
}

// SetFilter replaces the syscall category filter. Fails if the sandbox is
// immutable.
func (s *Sandbox) SetFilter(cat Category) error {
	if s.Flags&FlagImmutable != 0 {
		return ErrImmutable
	}

	s.Filter = cat

	return nil
}

// Allow adds categories to the filter.
func (s *Sandbox) Allow(cat Category) error {
	if s.Flags&FlagImmutable != 0 {
		return ErrImmutable
	}

	s.Filter |= cat

	return nil
}

// SetLimits replaces the resource limits.
func (s *Sandbox) SetLimits(l Limits) error {
	if s.Flags&FlagImmutable != 0 {
		return ErrImmutable
	}

	s.Limits = l

	return nil
}

// SetCageRoot sets the virtual root bounding path resolution.
func (s *Sandbox) SetCageRoot(root string) error {
	if s.Flags&FlagImmutable != 0 {
		return ErrImmutable
	}

	s.CageRoot = root

	return nil
}

// Lock sets the IMMUTABLE flag. After Lock, every Set* method fails.
func (s *Sandbox) Lock() {
	s.Flags |= FlagImmutable
}

// Allowed reports whether every bit in required is present in the
// sandbox's filter.
func (s *Sandbox) Allowed(required Category) bool {
	return s.Filter&required == required
}

// MemoryExceeded reports whether used bytes exceeds the memory limit.
func (s *Sandbox) MemoryExceeded(used uint64) bool {
	return s.Limits.exceeded(used, s.Limits.MaxMemory)
}

// FilesExceeded reports whether the open-file count exceeds the limit.
func (s *Sandbox) FilesExceeded(open uint32) bool {
	return s.Limits.exceeded(uint64(open), uint64(s.Limits.MaxFiles))
}

// ProcsExceeded reports whether the child-process count exceeds the limit.
func (s *Sandbox) ProcsExceeded(children uint32) bool {
	return s.Limits.exceeded(uint64(children), uint64(s.Limits.MaxProcs))
}

// CPUExceeded reports whether accumulated CPU ticks exceeds the limit.
func (s *Sandbox) CPUExceeded(ticks uint64) bool {
	return s.Limits.exceeded(ticks, s.Limits.MaxCPUTime)
}

// ResolvePath prepends the cage root (if any) to a path-accepting
// syscall's argument and rejects any attempt to escape it via "..". The
// returned path is always rooted at "/" relative to CageRoot.
func (s *Sandbox) ResolvePath(p string) (string, error) {
	clean := path.Clean("/" + p)

	if s.CageRoot != "" && strings.Contains(p, "..") {
		// clean has its ".." segments clamped at "/", which hides a climb
		// above CageRoot; joining the raw input onto the root exposes it.
		root := path.Clean(s.CageRoot)
		joined := path.Join(root, p)
		if joined != root && !strings.HasPrefix(joined, strings.TrimSuffix(root, "/")+"/") {
			return "", fmt.Errorf("sandbox: resolve %q: %w", p, ErrEscape)
		}
	}

	if s.CageRoot == "" {
		return clean, nil
	}

	return path.Join(s.CageRoot, clean), nil
}
