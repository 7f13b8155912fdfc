package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/pmm"
	"github.com/axrxvm/aos/internal/vmm"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()

	frames := pmm.New()
	require.NoError(t, frames.Init(0, []pmm.MemoryRegion{{Base: 0, Length: 16 * 1024 * 1024, Usable: true}}, false))

	mgr := vmm.NewManager(frames, arch.NopTLB{})

	return NewScheduler(mgr)
}

func TestCreateEnqueuesReady(t *testing.T) {
	s := testScheduler(t)

	pcb, err := s.Create("init", 0x1000, PriorityNormal, TaskKernel)
	require.NoError(t, err)
	require.Equal(t, StateReady, pcb.State)

	next := s.Schedule()
	require.NotNil(t, next)
	require.Equal(t, pcb.PID, next.PID)
	require.Equal(t, StateRunning, next.State)
}

func TestHigherPriorityPreemptsAtNextSchedule(t *testing.T) {
	s := testScheduler(t)

	low, err := s.Create("low", 0, PriorityNormal, TaskKernel)
	require.NoError(t, err)

	high, err := s.Create("high", 0, PriorityHigh, TaskKernel)
	require.NoError(t, err)

	first := s.Schedule()
	require.Equal(t, high.PID, first.PID, "expected high-priority task scheduled first")

	_ = low
}

func TestTimeSliceExpiryRequeuesAtTail(t *testing.T) {
	s := testScheduler(t)

	a, err := s.Create("a", 0, PriorityNormal, TaskKernel)
	require.NoError(t, err)

	b, err := s.Create("b", 0, PriorityNormal, TaskKernel)
	require.NoError(t, err)

	cur := s.Schedule()
	require.Equal(t, a.PID, cur.PID, "expected a scheduled first (FIFO)")

	for i := 0; i < DefaultTimeSlice; i++ {
		s.Tick()
	}

	require.True(t, s.TimeSliceExpired())

	next := s.Schedule()
	require.Equal(t, b.PID, next.PID, "expected b scheduled next")

	third := s.Schedule()
	require.Equal(t, a.PID, third.PID, "expected a requeued at tail and scheduled third")
}

func TestSleepAndWake(t *testing.T) {
	s := testScheduler(t)

	p, err := s.Create("sleeper", 0, PriorityNormal, TaskKernel)
	require.NoError(t, err)

	_ = s.Schedule()

	require.NoError(t, s.Sleep(p.PID, 100))
	require.Equal(t, StateSleeping, p.State)

	s.WakeSleepers(50)
	require.Equal(t, StateSleeping, p.State, "woke too early")

	s.WakeSleepers(100)
	require.Equal(t, StateReady, p.State)
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	s := testScheduler(t)

	init, err := s.Create("init", 0, PriorityNormal, TaskKernel)
	require.NoError(t, err)

	_ = s.Schedule()

	parent, err := s.Create("parent", 0, PriorityNormal, TaskKernel)
	require.NoError(t, err)

	child, err := s.Create("child", 0, PriorityNormal, TaskKernel)
	require.NoError(t, err)

	parent.Children = append(parent.Children, child.PID)

	require.NoError(t, s.Exit(parent.PID, 0, init.PID))
	require.Equal(t, init.PID, child.ParentPID)
	require.Equal(t, StateZombie, parent.State)
}

func TestReapTransitionsZombieToDead(t *testing.T) {
	s := testScheduler(t)

	init, err := s.Create("init", 0, PriorityNormal, TaskKernel)
	require.NoError(t, err)

	p, err := s.Create("p", 0, PriorityNormal, TaskKernel)
	require.NoError(t, err)

	require.NoError(t, s.Exit(p.PID, 7, init.PID))

	status, err := s.Reap(p.PID)
	require.NoError(t, err)
	require.Equal(t, 7, status)
	require.Equal(t, StateDead, p.State)

	_, err = s.Reap(p.PID)
	require.Error(t, err, "expected second Reap to fail")
}
