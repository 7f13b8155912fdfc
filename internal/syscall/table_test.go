package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/ipc"
	"github.com/axrxvm/aos/internal/pmm"
	"github.com/axrxvm/aos/internal/proc"
	"github.com/axrxvm/aos/internal/sandbox"
	"github.com/axrxvm/aos/internal/vfs"
	"github.com/axrxvm/aos/internal/vmm"
)

const testInitPID = 1

func testKernel(t *testing.T) (*Gate, *proc.Scheduler, *vmm.Manager, *vfs.MountTable) {
	t.Helper()

	frames := pmm.New()
	require.NoError(t, frames.Init(0, []pmm.MemoryRegion{{Base: 0, Length: 16 * 1024 * 1024, Usable: true}}, false))

	mgr := vmm.NewManager(frames, arch.NopTLB{})
	sched := proc.NewScheduler(mgr)
	mounts := vfs.NewMountTable()
	mounts.Mount("/", vfs.NewMemFS())

	g := NewGate()
	channels := ipc.NewChannelTable()
	mailboxes := map[int]*ipc.Mailbox{}

	mailbox := func(pid int) *ipc.Mailbox {
		if mb, ok := mailboxes[pid]; ok {
			return mb
		}

		mb := ipc.NewMailbox()
		mailboxes[pid] = mb

		return mb
	}

	RegisterStandard(g, mounts, mailbox, channels, sched, mgr, testInitPID)

	return g, sched, mgr, mounts
}

func allowed(t *testing.T, pcb *proc.PCB, cats ...sandbox.Category) {
	t.Helper()

	pcb.Sandbox = sandbox.New(sandbox.CageStandard)

	for _, c := range cats {
		require.NoError(t, pcb.Sandbox.Allow(c))
	}
}

func TestExitTransitionsCallerToZombie(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	pcb, err := sched.Create("task", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, pcb, sandbox.AllowProcess)

	got := g.Dispatch(pcb, SysExit, Args{7})
	require.EqualValues(t, 0, got)
	require.Equal(t, proc.StateZombie, pcb.State)
	require.Equal(t, 7, pcb.ExitCode)
}

func TestForkCreatesChildWithClonedAddressSpace(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	parent, err := sched.Create("parent", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, parent, sandbox.AllowProcess)

	require.NoError(t, parent.AddressSpace.AllocPages(proc.UserBase, 1, vmm.VMARead|vmm.VMAWrite|vmm.VMAUser))

	got := g.Dispatch(parent, SysFork, Args{})
	require.Greater(t, got, int64(0))

	child, err := sched.Lookup(int(got))
	require.NoError(t, err)
	require.Equal(t, parent.PID, child.ParentPID)
	require.NotSame(t, parent.AddressSpace, child.AddressSpace)
}

func TestWaitpidReapsZombieChild(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	parent, err := sched.Create("parent", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, parent, sandbox.AllowProcess)

	child, err := sched.Create("child", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	child.ParentPID = parent.PID
	parent.Children = append(parent.Children, child.PID)

	require.NoError(t, sched.Exit(child.PID, 3, testInitPID))

	got := g.Dispatch(parent, SysWaitpid, Args{uint32(int32(-1))})
	require.EqualValues(t, 3, got)
	require.Equal(t, proc.StateDead, child.State)
}

func TestWaitpidWithNoZombieChildReturnsLimit(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	parent, err := sched.Create("parent", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, parent, sandbox.AllowProcess)

	got := g.Dispatch(parent, SysWaitpid, Args{uint32(int32(-1))})
	require.EqualValues(t, ErrLimit, got)
}

func TestSleepTransitionsCallerToSleeping(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	pcb, err := sched.Create("task", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, pcb, sandbox.AllowTime)

	got := g.Dispatch(pcb, SysSleep, Args{50})
	require.EqualValues(t, 0, got)
	require.Equal(t, proc.StateSleeping, pcb.State)
	require.EqualValues(t, 50, pcb.WakeTime)
}

func TestYieldRequeuesCaller(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	pcb, err := sched.Create("task", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, pcb, sandbox.AllowProcess)
	sched.Schedule()

	got := g.Dispatch(pcb, SysYield, Args{})
	require.EqualValues(t, 0, got)
	require.Equal(t, proc.StateReady, pcb.State)
}

func TestKillPostsSignalMessageWithoutAlteringTargetState(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	killer, err := sched.Create("killer", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, killer, sandbox.AllowProcess)

	target, err := sched.Create("target", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)

	const sigTerm = 15

	got := g.Dispatch(killer, SysKill, Args{uint32(target.PID), sigTerm})
	require.EqualValues(t, 0, got)
	require.Equal(t, proc.StateReady, target.State, "kill must not asynchronously alter the target's user state")

	recv := g.Dispatch(target, SysMsgReceive, Args{})
	require.EqualValues(t, 0, recv)
	require.EqualValues(t, sigTerm, target.LastMessage.Num)
	require.Equal(t, killer.PID, target.LastMessage.SenderPID)
}

func TestKillUnknownTargetReturnsNotFound(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	killer, err := sched.Create("killer", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, killer, sandbox.AllowProcess)

	got := g.Dispatch(killer, SysKill, Args{9999, 9})
	require.EqualValues(t, ErrNotFound, got)
}

func TestMsgReceiveBlocksOnEmptyQueueAndDeliversOnSend(t *testing.T) {
	g, sched, _, _ := testKernel(t)

	sender, err := sched.Create("sender", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, sender, sandbox.AllowIPC)

	receiver, err := sched.Create("receiver", 0, proc.PriorityNormal, proc.TaskService)
	require.NoError(t, err)
	allowed(t, receiver, sandbox.AllowIPC)

	got := g.Dispatch(receiver, SysMsgReceive, Args{})
	require.EqualValues(t, ErrLimit, got)
	require.Equal(t, proc.StateBlocked, receiver.State)

	sent := g.Dispatch(sender, SysMsgSend, Args{uint32(receiver.PID), 42, 7})
	require.EqualValues(t, 0, sent)
	require.Equal(t, proc.StateReady, receiver.State)

	recv := g.Dispatch(receiver, SysMsgReceive, Args{})
	require.EqualValues(t, 0, recv)
	require.EqualValues(t, 42, receiver.LastMessage.Num)
	require.EqualValues(t, 7, receiver.LastMessage.Data)
	require.Equal(t, sender.PID, receiver.LastMessage.SenderPID)
}
