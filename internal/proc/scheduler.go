package proc

import (
	"fmt"
	"sync"

	"github.com/axrxvm/aos/internal/log"
	"github.com/axrxvm/aos/internal/vfs"
	"github.com/axrxvm/aos/internal/vmm"
)

var schedLog = log.Component("sched")

// band is a single FIFO queue of ready PIDs for one priority level.
type band struct {
	pids []int
}

func (b *band) pushBack(pid int) { b.pids = append(b.pids, pid) }

func (b *band) popFront() (int, bool) {
	if len(b.pids) == 0 {
		return 0, false
	}

	pid := b.pids[0]
	b.pids = b.pids[1:]

	return pid, true
}

func (b *band) remove(pid int) {
	for i, p := range b.pids {
		if p == pid {
			b.pids = append(b.pids[:i], b.pids[i+1:]...)
			return
		}
	}
}

// Scheduler holds the process table and the five priority-band ready
// queues described in spec.md §4.4.
type Scheduler struct {
	mu sync.Mutex

	table   map[int]*PCB
	nextPID int
	bands   [priorityCount]band

	current *PCB
	ticks   uint64

	vmm *vmm.Manager
}

// NewScheduler creates an empty scheduler backed by the given VMM for
// address-space creation during process create/exit.
func NewScheduler(v *vmm.Manager) *Scheduler {
	return &Scheduler{
		table:   make(map[int]*PCB),
		nextPID: 1,
		vmm:     v,
	}
}

// Create allocates a PCB, a fresh address space, and enqueues it onto the
// tail of its priority band. Kernel tasks (TaskKernel) share the kernel
// address space rather than getting their own.
func (s *Scheduler) Create(name string, entry uint32, priority Priority, taskType TaskType) (*PCB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := s.nextPID
	s.nextPID++

	var as *vmm.AddressSpace

	if taskType == TaskKernel {
		as = s.vmm.KernelSpace()
	} else {
		as = s.vmm.CreateAddressSpace(UserBase, UserStackTop)
	}

	pcb := &PCB{
		PID:          pid,
		Name:         name,
		State:        StateReady,
		TaskType:     taskType,
		Priority:     priority,
		TimeSlice:    DefaultTimeSlice,
		AddressSpace: as,
	}
	pcb.Context.EIP = entry

	if s.current != nil {
		pcb.ParentPID = s.current.PID
		s.current.Children = append(s.current.Children, pid)
	}

	s.table[pid] = pcb
	s.bands[priority].pushBack(pid)

	schedLog.Debug("process created", log.String("name", name), log.Int("pid", pid))

	return pcb, nil
}

// Fork creates a child of parentPID: a deep copy of its user address space
// (see [vmm.Manager.CloneAddressSpace]), an inherited file-descriptor
// table, and a fresh context resuming at the same instruction pointer.
// Kernel tasks cannot be forked; they share the kernel address space by
// construction.
func (s *Scheduler) Fork(parentPID int) (*PCB, error) {
	s.mu.Lock()

	parent, ok := s.table[parentPID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("proc: pid %d: %w", parentPID, ErrNoSuchProcess)
	}

	if parent.TaskType == TaskKernel {
		s.mu.Unlock()
		return nil, fmt.Errorf("proc: pid %d: kernel tasks cannot fork", parentPID)
	}

	pid := s.nextPID
	s.nextPID++

	child := &PCB{
		PID:       pid,
		Name:      parent.Name,
		State:     StateReady,
		TaskType:  parent.TaskType,
		Priority:  parent.Priority,
		TimeSlice: DefaultTimeSlice,
		ParentPID: parentPID,
		Context:   parent.Context,
		FDs:       parent.FDs,
		Sandbox:   parent.Sandbox,
	}

	parent.Children = append(parent.Children, pid)
	s.table[pid] = child
	s.bands[child.Priority].pushBack(pid)

	s.mu.Unlock()

	as, err := s.vmm.CloneAddressSpace(parent.AddressSpace)
	if err != nil {
		s.mu.Lock()
		delete(s.table, pid)
		s.bands[child.Priority].remove(pid)
		s.mu.Unlock()

		return nil, fmt.Errorf("proc: fork pid %d: %w", parentPID, err)
	}

	child.AddressSpace = as

	schedLog.Debug("process forked", log.Int("parent", parentPID), log.Int("child", pid))

	return child, nil
}

// Lookup returns the PCB for pid.
func (s *Scheduler) Lookup(pid int) (*PCB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.table[pid]
	if !ok {
		return nil, fmt.Errorf("proc: pid %d: %w", pid, ErrNoSuchProcess)
	}

	return pcb, nil
}

// Current returns the currently running PCB, or nil if none is running.
func (s *Scheduler) Current() *PCB {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

// pickNext selects the head of the highest nonempty band. Caller must hold
// s.mu.
func (s *Scheduler) pickNext() (int, bool) {
	for p := int(priorityCount) - 1; p >= 0; p-- {
		if pid, ok := s.bands[p].popFront(); ok {
			return pid, true
		}
	}

	return 0, false
}

// Schedule selects and returns the next task to run, transitioning it to
// RUNNING and the previously running task (if still READY-eligible) back
// into its band. Returns nil if no task is ready (caller should idle).
func (s *Scheduler) Schedule() *PCB {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.State == StateRunning {
		s.current.State = StateReady
		s.current.TimeSlice = DefaultTimeSlice
		s.bands[s.current.Priority].pushBack(s.current.PID)
	}

	pid, ok := s.pickNext()
	if !ok {
		s.current = nil
		return nil
	}

	next := s.table[pid]
	next.State = StateRunning
	s.current = next

	return next
}

// Tick advances the scheduler's notion of time by one tick, decrementing
// the running task's time-slice. Tick itself requeues nothing; Schedule
// puts the running task back at the tail of its band and picks from the
// highest non-empty band, so a runnable REALTIME task never loses the CPU
// to a lower band.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.ticks++

	cur := s.current
	if cur != nil && cur.State == StateRunning {
		cur.TotalTime++
		cur.TimeSlice--
	}

	s.mu.Unlock()
}

// TimeSliceExpired reports whether the running task has exhausted its
// quantum and should be requeued at the next suspension point.
func (s *Scheduler) TimeSliceExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current != nil && s.current.TimeSlice <= 0
}

// Ticks returns the total number of ticks observed.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ticks
}

// Yield voluntarily relinquishes the CPU, requeuing the current task at
// the tail of its band with a fresh time-slice.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	if s.current != nil && s.current.State == StateRunning {
		s.current.State = StateReady
		s.current.TimeSlice = DefaultTimeSlice
		s.bands[s.current.Priority].pushBack(s.current.PID)
		s.current = nil
	}
	s.mu.Unlock()
}

// Sleep transitions pid to SLEEPING until wakeTime (in ticks).
func (s *Scheduler) Sleep(pid int, wakeTime uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.table[pid]
	if !ok {
		return fmt.Errorf("proc: pid %d: %w", pid, ErrNoSuchProcess)
	}

	pcb.State = StateSleeping
	pcb.WakeTime = wakeTime

	if s.current == pcb {
		s.current = nil
	}

	return nil
}

// WakeSleepers moves every SLEEPING task whose wake_time has elapsed back
// to READY. Safe to call from an IRQ handler context per spec.md §4.9.
func (s *Scheduler) WakeSleepers(now uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pcb := range s.table {
		if pcb.State == StateSleeping && now >= pcb.WakeTime {
			pcb.State = StateReady
			s.bands[pcb.Priority].pushBack(pcb.PID)
		}
	}
}

// Block transitions pid to BLOCKED, removing it from its ready band.
func (s *Scheduler) Block(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.table[pid]
	if !ok {
		return fmt.Errorf("proc: pid %d: %w", pid, ErrNoSuchProcess)
	}

	pcb.State = StateBlocked
	s.bands[pcb.Priority].remove(pid)

	if s.current == pcb {
		s.current = nil
	}

	return nil
}

// Unblock transitions pid from BLOCKED back to READY.
func (s *Scheduler) Unblock(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.table[pid]
	if !ok {
		return fmt.Errorf("proc: pid %d: %w", pid, ErrNoSuchProcess)
	}

	if pcb.State != StateBlocked {
		return nil
	}

	pcb.State = StateReady
	s.bands[pcb.Priority].pushBack(pid)

	return nil
}

// Exit transitions pid RUNNING/READY→ZOMBIE, recording status and
// reparenting its children to initPID, per spec.md §4.4 and DESIGN.md's
// resolution of the ZOMBIE-reaping open question.
func (s *Scheduler) Exit(pid, status, initPID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.table[pid]
	if !ok {
		return fmt.Errorf("proc: pid %d: %w", pid, ErrNoSuchProcess)
	}

	pcb.State = StateZombie
	pcb.ExitCode = status

	for _, childPID := range pcb.Children {
		if child, ok := s.table[childPID]; ok {
			child.ParentPID = initPID

			if initPCB, ok := s.table[initPID]; ok {
				initPCB.Children = append(initPCB.Children, childPID)
			}
		}
	}

	pcb.Children = nil

	if s.current == pcb {
		s.current = nil
	}

	schedLog.Info("process exited", log.Int("pid", pid), log.Int("status", status))

	return nil
}

// Reap transitions a ZOMBIE pid to DEAD, releasing its address space and
// descriptor table, and returns its exit status.
func (s *Scheduler) Reap(pid int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.table[pid]
	if !ok {
		return 0, fmt.Errorf("proc: pid %d: %w", pid, ErrNoSuchProcess)
	}

	if pcb.State != StateZombie {
		return 0, fmt.Errorf("proc: pid %d: %w", pid, ErrNotZombie)
	}

	if s.vmm != nil && pcb.AddressSpace != nil && pcb.TaskType != TaskKernel {
		s.vmm.DestroyAddressSpace(pcb.AddressSpace)
	}

	pcb.State = StateDead
	pcb.AddressSpace = nil
	pcb.FDs = [MaxOpenFiles]vfs.File{}

	return pcb.ExitCode, nil
}

// Kill forcibly terminates pid as if it called exit(-1). This is the
// kernel-internal forced-termination primitive used by module unload and
// the module capability context's proc_kill entry; the user-facing kill
// syscall does not call it, since spec.md's kill(pid, signal) only posts a
// signal message and leaves the target's state alone (see
// [internal/syscall.RegisterStandard]'s kill registration).
func (s *Scheduler) Kill(pid int, initPID int) error {
	return s.Exit(pid, -1, initPID)
}

// Children returns the PIDs of pid's children.
func (s *Scheduler) Children(pid int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcb, ok := s.table[pid]
	if !ok {
		return nil, fmt.Errorf("proc: pid %d: %w", pid, ErrNoSuchProcess)
	}

	return append([]int(nil), pcb.Children...), nil
}
