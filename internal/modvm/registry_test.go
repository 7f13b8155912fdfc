package modvm

import (
	"testing"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/pmm"
	"github.com/axrxvm/aos/internal/proc"
	"github.com/axrxvm/aos/internal/vmm"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	frames := pmm.New()
	if err := frames.Init(0, []pmm.MemoryRegion{{Base: 0, Length: 16 * 1024 * 1024, Usable: true}}, false); err != nil {
		t.Fatalf("pmm.Init: %v", err)
	}

	mgr := vmm.NewManager(frames, arch.NopTLB{})
	sched := proc.NewScheduler(mgr)

	return NewRegistry(sched)
}

func TestLoadVMRegistersModuleAndTask(t *testing.T) {
	r := testRegistry(t)

	raw := buildImage(t, []byte{byte(OpHalt)}, nil, nil, nil)

	mod, err := r.LoadVM(raw, 5, nil, nil)
	if err != nil {
		t.Fatalf("LoadVM: %v", err)
	}

	if mod.RefCount != 1 {
		t.Fatalf("refcount = %d, want 1", mod.RefCount)
	}

	if _, err := r.Lookup("testmod"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
}

func TestLoadVMRejectsDuplicateName(t *testing.T) {
	r := testRegistry(t)
	raw := buildImage(t, []byte{byte(OpHalt)}, nil, nil, nil)

	if _, err := r.LoadVM(raw, 5, nil, nil); err != nil {
		t.Fatalf("LoadVM: %v", err)
	}

	if _, err := r.LoadVM(raw, 5, nil, nil); err == nil {
		t.Fatal("expected ErrExists on duplicate load")
	}
}

func TestUnloadDrainsRefCountBeforeRemoving(t *testing.T) {
	r := testRegistry(t)
	raw := buildImage(t, []byte{byte(OpHalt)}, nil, nil, nil)

	if _, err := r.LoadVM(raw, 5, nil, nil); err != nil {
		t.Fatalf("LoadVM: %v", err)
	}

	if err := r.AddRef("testmod"); err != nil {
		t.Fatalf("AddRef: %v", err)
	}

	if err := r.Unload("testmod", 1); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	if _, err := r.Lookup("testmod"); err != nil {
		t.Fatal("module should still be registered after one of two releases")
	}

	if err := r.Unload("testmod", 1); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	if _, err := r.Lookup("testmod"); err == nil {
		t.Fatal("module should be gone after final release")
	}
}
