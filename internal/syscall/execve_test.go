package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axrxvm/aos/internal/proc"
	"github.com/axrxvm/aos/internal/sandbox"
	"github.com/axrxvm/aos/internal/vfs"
)

func TestExecveReplacesAddressSpaceAndResetsContext(t *testing.T) {
	g, sched, _, mounts := testKernel(t)

	fs, _, err := mounts.Resolve("/")
	require.NoError(t, err)

	f, err := fs.Open("/bin/echo", vfs.OpenWrite|vfs.OpenCreate)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x90, 0x90, 0x90, 0x90, 0x90})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	pcb, err := sched.Create("/bin/echo", 0, proc.PriorityNormal, proc.TaskShell)
	require.NoError(t, err)
	allowed(t, pcb, sandbox.AllowProcess, sandbox.AllowFilesystem)

	oldAS := pcb.AddressSpace

	got := g.Dispatch(pcb, SysExecve, Args{})
	require.EqualValues(t, 0, got)
	require.NotSame(t, oldAS, pcb.AddressSpace)
	require.EqualValues(t, proc.UserBase, pcb.Context.EIP)
	require.EqualValues(t, proc.UserStackTop, pcb.Context.ESP)
}

func TestExecveMissingFileReturnsNotFound(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	pcb, err := sched.Create("/bin/nonexistent", 0, proc.PriorityNormal, proc.TaskShell)
	require.NoError(t, err)
	allowed(t, pcb, sandbox.AllowProcess, sandbox.AllowFilesystem)

	got := g.Dispatch(pcb, SysExecve, Args{})
	require.EqualValues(t, ErrNotFound, got)
}

func TestExecveDeniedUnderLockedCage(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	pcb, err := sched.Create("/bin/echo", 0, proc.PriorityNormal, proc.TaskShell)
	require.NoError(t, err)
	pcb.Sandbox = sandbox.New(sandbox.CageLocked)

	got := g.Dispatch(pcb, SysExecve, Args{})
	require.EqualValues(t, ErrDenied, got)
}
