package syscall

import (
	"io"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/proc"
	"github.com/axrxvm/aos/internal/sandbox"
	"github.com/axrxvm/aos/internal/vfs"
	"github.com/axrxvm/aos/internal/vmm"
)

// registerExecve installs execve. A real ELF loader is out of scope (the
// non-goal is dynamic linking of native user binaries, not static
// loading); the file at path is read whole and mapped flat as a single
// RWX VMA at proc.UserBase, which is as much of a "loader" as a
// simulator with no per-frame byte content to fault in can meaningfully
// do. On success the caller's old address space is destroyed and its
// context reset to the new entry point; on failure the caller is left
// untouched, per spec.md.
func registerExecve(g *Gate, mounts *vfs.MountTable, vmgr *vmm.Manager) {
	_ = g.Register(SysExecve, "execve", sandbox.AllowProcess, func(caller *proc.PCB, args Args) int64 {
		if caller.Sandbox != nil && caller.Sandbox.Level == sandbox.CageLocked {
			return ErrDenied
		}

		path := pathArg(caller, args)

		resolved := path
		if caller.Sandbox != nil {
			var err error

			resolved, err = caller.Sandbox.ResolvePath(path)
			if err != nil {
				return ErrDenied
			}
		}

		fs, rel, err := mounts.Resolve(resolved)
		if err != nil {
			return ErrNotFound
		}

		f, err := fs.Open(rel, vfs.OpenRead)
		if err != nil {
			return ErrNotFound
		}
		defer f.Close()

		image, err := io.ReadAll(f)
		if err != nil {
			return ErrFault
		}

		if len(image) == 0 {
			return ErrInvalid
		}

		next := vmgr.CreateAddressSpace(proc.UserBase, proc.UserStackTop)

		pages := (uint32(len(image)) + uint32(arch.PageSize) - 1) / uint32(arch.PageSize)
		if err := next.AllocPages(proc.UserBase, pages, vmm.VMARead|vmm.VMAWrite|vmm.VMAExec|vmm.VMAUser); err != nil {
			vmgr.DestroyAddressSpace(next)
			return ErrFault
		}

		old := caller.AddressSpace
		caller.AddressSpace = next
		caller.Context = arch.CPUContext{EIP: uint32(proc.UserBase), ESP: uint32(proc.UserStackTop)}

		if old != nil {
			vmgr.DestroyAddressSpace(old)
		}

		return 0
	})
}
