// Package proc implements the process control block and the priority-band
// scheduler described in spec.md §3 and §4.4.
package proc

import (
	"errors"
	"fmt"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/ipc"
	"github.com/axrxvm/aos/internal/sandbox"
	"github.com/axrxvm/aos/internal/vfs"
	"github.com/axrxvm/aos/internal/vmm"
)

// State is a PCB's lifecycle state.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateSleeping
	StateZombie
	StateDead
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateSleeping:
		return "SLEEPING"
	case StateZombie:
		return "ZOMBIE"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// TaskType classifies the kind of work a PCB represents.
type TaskType uint8

const (
	TaskProcess TaskType = iota
	TaskKernel
	TaskShell
	TaskCommand
	TaskService
	TaskDriver
	TaskModule
	TaskSubsystem
)

// Priority is one of the five scheduling bands, IDLE < LOW < NORMAL < HIGH
// < REALTIME.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime
	priorityCount
)

// DefaultTimeSlice is the number of ticks granted per scheduling turn,
// regardless of band; spec.md leaves the exact quantum unspecified so a
// single constant is used uniformly (see DESIGN.md open question 2).
const DefaultTimeSlice = 10

// MaxOpenFiles bounds a PCB's file-descriptor table, per spec.md §3.
const MaxOpenFiles = 32

// UserBase and UserStackTop bound the default user-mode virtual address
// window handed to every fresh address space.
const (
	UserBase     = arch.Addr(0x0040_0000)
	UserStackTop = arch.Addr(0xBFFF_F000)
)

var (
	ErrOutOfProcesses = errors.New("proc: out of process slots")
	ErrNoSuchProcess  = errors.New("proc: no such process")
	ErrNotZombie      = errors.New("proc: target is not a zombie")
	ErrBadFD          = errors.New("proc: bad file descriptor")
	ErrLimit          = errors.New("proc: resource limit exceeded")
)

// PCB is the runtime descriptor of a task, per spec.md §3.
type PCB struct {
	PID      int
	Name     string
	ParentPID int
	State    State
	TaskType TaskType
	Priority Priority

	TimeSlice int
	TotalTime uint64

	Context arch.CPUContext

	AddressSpace *vmm.AddressSpace
	KernelStack  arch.Addr
	UserStack    arch.Addr

	FDs     [MaxOpenFiles]vfs.File
	Sandbox *sandbox.Sandbox

	Owner string

	MemoryUsed     uint64
	FilesOpen      uint32
	ChildrenCount  uint32

	Children []int
	WakeTime uint64
	ExitCode int

	// LastMessage holds the message most recently dequeued by msg_receive,
	// standing in for the user-space pointer a real syscall ABI would copy
	// the message into.
	LastMessage ipc.Message
}

// AllocFD installs f in the lowest free descriptor slot, returning the fd.
func (p *PCB) AllocFD(f vfs.File) (int, error) {
	if p.Sandbox != nil && p.Sandbox.FilesExceeded(p.FilesOpen) {
		return -1, ErrLimit
	}

	for i, existing := range p.FDs {
		if existing == nil {
			p.FDs[i] = f
			p.FilesOpen++

			return i, nil
		}
	}

	return -1, fmt.Errorf("proc: pid %d: %w", p.PID, ErrLimit)
}

// FD returns the file installed at fd.
func (p *PCB) FD(fd int) (vfs.File, error) {
	if fd < 0 || fd >= len(p.FDs) || p.FDs[fd] == nil {
		return nil, ErrBadFD
	}

	return p.FDs[fd], nil
}

// CloseFD removes and closes the file at fd.
func (p *PCB) CloseFD(fd int) error {
	f, err := p.FD(fd)
	if err != nil {
		return err
	}

	p.FDs[fd] = nil
	p.FilesOpen--

	return f.Close()
}
