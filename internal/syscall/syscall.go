// Package syscall implements the trap-128 syscall gate: dispatch table,
// sandbox category enforcement, resource-limit checks, and cage-rooted
// path resolution, per spec.md §4.5.
package syscall

import (
	"fmt"

	"github.com/axrxvm/aos/internal/log"
	"github.com/axrxvm/aos/internal/proc"
	"github.com/axrxvm/aos/internal/sandbox"
)

// Number identifies a syscall in the dispatch table.
type Number uint32

// SyscallCount bounds the dispatch table, per spec.md §3.
const SyscallCount = 64

// Negative error codes returned in the trap return register. Success is
// any value >= 0.
const (
	ErrInvalid    = -1
	ErrDenied     = -2
	ErrLimit      = -3
	ErrFault      = -4
	ErrNotFound   = -5
)

// Args are the up to five register-passed arguments of a syscall.
type Args [5]uint32

// Handler implements one syscall's behavior. It returns a nonnegative
// result on success, or one of the Err* constants.
type Handler func(caller *proc.PCB, args Args) int64

// spec defines a single entry in the dispatch table: its handler and the
// sandbox category required to invoke it.
type spec struct {
	name     string
	required sandbox.Category
	handler  Handler
}

// Gate is the syscall dispatch table plus the sandbox/resource-limit
// enforcement wrapped around every call.
type Gate struct {
	table [SyscallCount]*spec
	log   *log.Logger
}

// NewGate creates an empty dispatch table.
func NewGate() *Gate {
	return &Gate{log: log.Component("SYSCALL")}
}

// Register installs handler at number, requiring the given sandbox
// category to invoke it.
func (g *Gate) Register(number Number, name string, required sandbox.Category, handler Handler) error {
	if int(number) >= SyscallCount {
		return fmt.Errorf("syscall: register %q: number %d out of range", name, number)
	}

	g.table[number] = &spec{name: name, required: required, handler: handler}

	return nil
}

// Dispatch performs the full syscall-gate sequence of spec.md §4.5: bounds
// check, sandbox category check, CPU-time limit check, then invokes the
// handler. A caller over its CPU-time limit gets ErrLimit and the handler
// is not run; Dispatch does not terminate the caller. Path resolution for path-accepting syscalls is the individual
// handler's responsibility, via caller.Sandbox.ResolvePath.
func (g *Gate) Dispatch(caller *proc.PCB, number Number, args Args) int64 {
	if int(number) >= SyscallCount || g.table[number] == nil {
		return ErrInvalid
	}

	s := g.table[number]

	if caller.Sandbox != nil && !caller.Sandbox.Allowed(s.required) {
		g.log.Warn("syscall denied",
			log.String("name", s.name),
			log.Int("pid", caller.PID),
		)

		return ErrDenied
	}

	if caller.Sandbox != nil && caller.Sandbox.CPUExceeded(caller.TotalTime) {
		return ErrLimit
	}

	return s.handler(caller, args)
}
