package syscall

import (
	"testing"

	"github.com/axrxvm/aos/internal/proc"
	"github.com/axrxvm/aos/internal/sandbox"
)

func TestDispatchDeniesWithoutCategory(t *testing.T) {
	g := NewGate()
	_ = g.Register(SysExit, "exit", sandbox.AllowProcess, func(*proc.PCB, Args) int64 { return 0 })

	caller := &proc.PCB{Sandbox: sandbox.New(sandbox.CageStandard)}

	if got := g.Dispatch(caller, SysExit, Args{}); got != ErrDenied {
		t.Fatalf("Dispatch = %d, want ErrDenied", got)
	}
}

func TestDispatchAllowsWithCategory(t *testing.T) {
	g := NewGate()
	_ = g.Register(SysExit, "exit", sandbox.AllowProcess, func(*proc.PCB, Args) int64 { return 42 })

	caller := &proc.PCB{Sandbox: sandbox.New(sandbox.CageStandard)}
	_ = caller.Sandbox.Allow(sandbox.AllowProcess)

	if got := g.Dispatch(caller, SysExit, Args{}); got != 42 {
		t.Fatalf("Dispatch = %d, want 42", got)
	}
}

func TestDispatchOutOfRangeReturnsInvalid(t *testing.T) {
	g := NewGate()
	caller := &proc.PCB{}

	if got := g.Dispatch(caller, Number(SyscallCount+1), Args{}); got != ErrInvalid {
		t.Fatalf("Dispatch = %d, want ErrInvalid", got)
	}
}

func TestDispatchUnregisteredReturnsInvalid(t *testing.T) {
	g := NewGate()
	caller := &proc.PCB{}

	if got := g.Dispatch(caller, SysRead, Args{}); got != ErrInvalid {
		t.Fatalf("Dispatch = %d, want ErrInvalid", got)
	}
}

func TestDispatchCPULimitReturnsLimit(t *testing.T) {
	g := NewGate()
	_ = g.Register(SysExit, "exit", sandbox.AllowProcess, func(*proc.PCB, Args) int64 { return 0 })

	caller := &proc.PCB{Sandbox: sandbox.New(sandbox.CageStandard), TotalTime: 1000}
	_ = caller.Sandbox.Allow(sandbox.AllowProcess)
	_ = caller.Sandbox.SetLimits(sandbox.Limits{MaxCPUTime: 500})

	if got := g.Dispatch(caller, SysExit, Args{}); got != ErrLimit {
		t.Fatalf("Dispatch = %d, want ErrLimit", got)
	}
}
