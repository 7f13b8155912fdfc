package pmm

import (
	"errors"
	"testing"

	"github.com/axrxvm/aos/internal/arch"
)

func testAllocator(t *testing.T) *Allocator {
	t.Helper()

	a := New()

	regions := []MemoryRegion{
		{Base: 0, Length: 1 * 1024 * 1024, Usable: false, Reserved: "low BIOS"},
		{Base: 1 * 1024 * 1024, Length: 31 * 1024 * 1024, Usable: true},
	}

	if err := a.Init(0, regions, true); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return a
}

func TestAllocFreeConserved(t *testing.T) {
	a := testAllocator(t)

	stats := a.Stats()
	if stats.FreeFrames+stats.UsedFrames != stats.TotalFrames {
		t.Fatalf("free(%d)+used(%d) != total(%d)", stats.FreeFrames, stats.UsedFrames, stats.TotalFrames)
	}

	addr, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	if !addr.Aligned() {
		t.Fatalf("frame %s is not page aligned", addr)
	}

	if !a.IsUsed(addr) {
		t.Fatalf("frame %s should be marked used", addr)
	}

	stats = a.Stats()
	if stats.FreeFrames+stats.UsedFrames != stats.TotalFrames {
		t.Fatalf("free+used != total after alloc")
	}

	if err := a.FreeFrame(addr); err != nil {
		t.Fatalf("FreeFrame: %v", err)
	}

	if a.IsUsed(addr) {
		t.Fatalf("frame %s should be free after FreeFrame", addr)
	}
}

func TestAllocReservedRegionNeverHandedOut(t *testing.T) {
	a := testAllocator(t)

	for i := 0; i < 1000; i++ {
		addr, err := a.AllocFrame()
		if err != nil {
			break
		}

		if addr < 1*1024*1024 {
			t.Fatalf("allocator handed out reserved frame %s", addr)
		}
	}
}

func TestAllocContiguous(t *testing.T) {
	a := testAllocator(t)

	base, err := a.AllocContiguous(8)
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}

	for i := arch.Addr(0); i < 8; i++ {
		if !a.IsUsed(base + i*arch.PageSize) {
			t.Fatalf("frame %d of contiguous run not marked used", i)
		}
	}
}

func TestOutOfMemory(t *testing.T) {
	a := testAllocator(t)

	var n int

	for {
		if _, err := a.AllocFrame(); err != nil {
			if !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("expected ErrOutOfMemory, got %v", err)
			}

			break
		}

		n++

		if n > 1_000_000 {
			t.Fatal("allocator never exhausted")
		}
	}
}

func TestDoubleFreePanicsInDebug(t *testing.T) {
	a := testAllocator(t)

	addr, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	if err := a.FreeFrame(addr); err != nil {
		t.Fatalf("FreeFrame: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double free in debug mode")
		}
	}()

	_ = a.FreeFrame(addr)
}

func TestFreeFrameUnalignedIsInvalid(t *testing.T) {
	a := testAllocator(t)

	if err := a.FreeFrame(arch.Addr(1*1024*1024 + 1)); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}
