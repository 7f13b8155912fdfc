package syscall

import (
	"github.com/axrxvm/aos/internal/ipc"
	"github.com/axrxvm/aos/internal/proc"
	"github.com/axrxvm/aos/internal/sandbox"
	"github.com/axrxvm/aos/internal/vfs"
	"github.com/axrxvm/aos/internal/vmm"
)

// Standard syscall numbers. The exact numbering is kernel-internal ABI;
// spec.md leaves it unspecified beyond "bounded by SYSCALL_COUNT", so this
// table fixes one reviewable assignment.
const (
	SysRead Number = iota
	SysWrite
	SysOpen
	SysClose
	SysFork
	SysExecve
	SysExit
	SysWaitpid
	SysSleep
	SysYield
	SysKill
	SysMsgSend
	SysMsgReceive
	SysChannelCreate
	SysChannelWrite
	SysChannelRead
)

// RegisterStandard installs the standard syscall table onto g, resolving
// paths through mounts, serving message/channel operations through
// msgboxes and channels, and process-lifecycle operations through sched.
// initPID is the reparenting target [proc.Scheduler.Exit] hands orphaned
// children to.
func RegisterStandard(g *Gate, mounts *vfs.MountTable, msgboxes func(pid int) *ipc.Mailbox, channels *ipc.ChannelTable, sched *proc.Scheduler, vmgr *vmm.Manager, initPID int) {
	_ = g.Register(SysRead, "read", sandbox.AllowIORead, func(caller *proc.PCB, args Args) int64 {
		fd := int(args[0])

		f, err := caller.FD(fd)
		if err != nil {
			return ErrInvalid
		}

		buf := make([]byte, args[2])

		n, err := f.Read(buf)
		if err != nil {
			return ErrFault
		}

		return int64(n)
	})

	_ = g.Register(SysWrite, "write", sandbox.AllowIOWrite, func(caller *proc.PCB, args Args) int64 {
		fd := int(args[0])

		f, err := caller.FD(fd)
		if err != nil {
			return ErrInvalid
		}

		buf := make([]byte, args[2])

		n, err := f.Write(buf)
		if err != nil {
			return ErrFault
		}

		return int64(n)
	})

	_ = g.Register(SysOpen, "open", sandbox.AllowFilesystem, func(caller *proc.PCB, args Args) int64 {
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

		f, err := fs.Open(rel, vfs.OpenFlags(args[1]))
		if err != nil {
			return ErrNotFound
		}

		fd, err := caller.AllocFD(f)
		if err != nil {
			return ErrLimit
		}

		return int64(fd)
	})

	_ = g.Register(SysClose, "close", sandbox.AllowIORead, func(caller *proc.PCB, args Args) int64 {
		if err := caller.CloseFD(int(args[0])); err != nil {
			return ErrInvalid
		}

		return 0
	})

	_ = g.Register(SysMsgSend, "msg_send", sandbox.AllowIPC, func(caller *proc.PCB, args Args) int64 {
		target := int(args[0])

		mb := msgboxes(target)
		if mb == nil {
			return ErrNotFound
		}

		err := mb.Send(ipc.Message{Num: args[1], SenderPID: caller.PID, Data: args[2]})
		if err != nil {
			return ErrLimit
		}

		// A target blocked in msg_receive on an empty queue is woken here;
		// harmless if it was not blocked.
		_ = sched.Unblock(target)

		return 0
	})

	_ = g.Register(SysMsgReceive, "msg_receive", sandbox.AllowIPC, func(caller *proc.PCB, args Args) int64 {
		mb := msgboxes(caller.PID)
		if mb == nil {
			return ErrNotFound
		}

		msg, ok := mb.TryReceive()
		if !ok {
			if err := sched.Block(caller.PID); err != nil {
				return ErrInvalid
			}

			return ErrLimit
		}

		caller.LastMessage = msg

		return 0
	})

	_ = g.Register(SysChannelCreate, "channel_create", sandbox.AllowIPC, func(caller *proc.PCB, args Args) int64 {
		id, _ := channels.Create()
		return int64(id)
	})

	_ = g.Register(SysChannelWrite, "channel_write", sandbox.AllowIPC, func(caller *proc.PCB, args Args) int64 {
		ch := channels.Lookup(int(args[0]))
		if ch == nil {
			return ErrNotFound
		}

		buf := make([]byte, args[2])

		return int64(ch.Write(buf))
	})

	_ = g.Register(SysChannelRead, "channel_read", sandbox.AllowIPC, func(caller *proc.PCB, args Args) int64 {
		ch := channels.Lookup(int(args[0]))
		if ch == nil {
			return ErrNotFound
		}

		buf := make([]byte, args[2])

		return int64(ch.Read(buf))
	})

	_ = g.Register(SysExit, "exit", sandbox.AllowProcess, func(caller *proc.PCB, args Args) int64 {
		if err := sched.Exit(caller.PID, int(int32(args[0])), initPID); err != nil {
			return ErrInvalid
		}

		return 0
	})

	_ = g.Register(SysFork, "fork", sandbox.AllowProcess, func(caller *proc.PCB, args Args) int64 {
		child, err := sched.Fork(caller.PID)
		if err != nil {
			return ErrLimit
		}

		return int64(child.PID)
	})

	_ = g.Register(SysWaitpid, "waitpid", sandbox.AllowProcess, func(caller *proc.PCB, args Args) int64 {
		target := int(int32(args[0]))

		children, err := sched.Children(caller.PID)
		if err != nil {
			return ErrInvalid
		}

		for _, pid := range children {
			if target != -1 && pid != target {
				continue
			}

			status, err := sched.Reap(pid)
			if err != nil {
				continue
			}

			return int64(status)
		}

		return ErrLimit
	})

	_ = g.Register(SysSleep, "sleep", sandbox.AllowTime, func(caller *proc.PCB, args Args) int64 {
		if err := sched.Sleep(caller.PID, uint64(args[0])); err != nil {
			return ErrInvalid
		}

		return 0
	})

	_ = g.Register(SysYield, "yield", sandbox.AllowProcess, func(caller *proc.PCB, args Args) int64 {
		sched.Yield()
		return 0
	})

	// kill posts a signal as an IPC message rather than forcing the target's
	// state directly; the target decides how to react the next time it
	// dispatches pending messages (or ignores it, if it has no handler for
	// the signal number).
	_ = g.Register(SysKill, "kill", sandbox.AllowProcess, func(caller *proc.PCB, args Args) int64 {
		target := int(int32(args[0]))
		signal := args[1]

		if _, err := sched.Lookup(target); err != nil {
			return ErrNotFound
		}

		mb := msgboxes(target)
		if mb == nil {
			return ErrNotFound
		}

		if err := mb.Send(ipc.Message{Num: signal, SenderPID: caller.PID}); err != nil {
			return ErrLimit
		}

		_ = sched.Unblock(target)

		return 0
	})

	registerExecve(g, mounts, vmgr)
}

// pathArg supplies the path for a path-accepting syscall. The gate has no
// copy-in from user memory: args is not read, and the path used is the
// caller's process name.
func pathArg(caller *proc.PCB, args Args) string {
	return caller.Name
}
