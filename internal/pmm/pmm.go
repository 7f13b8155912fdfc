// Package pmm implements the physical frame allocator: the zoned bitmap
// that hands out and reclaims 4 KiB aligned physical frames.
//
// The allocator is a process-wide singleton (elsie's singleton [vm.LC3]
// owns its memory the same way; here, [Allocator] owns the frame bitmap)
// created once at boot from the bootloader-provided memory map and
// consulted by the VMM for every page it maps.
package pmm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/log"
)

// Zone partitions physical memory the way real x86 kernels must, since DMA
// hardware can only address the low 16 MiB and certain legacy devices need
// memory below 1 MiB.
type Zone int

const (
	ZoneDMA Zone = iota
	ZoneNormal
	ZoneHigh
	numZones
)

func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "NORMAL"
	case ZoneHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

const (
	dmaCeiling    = arch.Addr(16 * 1024 * 1024)
	normalCeiling = arch.Addr(896 * 1024 * 1024)
)

func zoneOf(addr arch.Addr) Zone {
	switch {
	case addr < dmaCeiling:
		return ZoneDMA
	case addr < normalCeiling:
		return ZoneNormal
	default:
		return ZoneHigh
	}
}

// frameState records the lifecycle state of a single physical frame.
type frameState uint8

const (
	stateFree frameState = iota
	stateAllocated
	stateReserved
)

// MemoryRegion describes one entry of the boot-provided memory map: a
// contiguous physical range that is either usable RAM or reserved
// (BIOS/ACPI, the kernel image, or a caller-specified hole).
type MemoryRegion struct {
	Base     arch.Addr
	Length   uint64
	Usable   bool
	Reserved string // Human-readable reason, for reserved regions; informational only.
}

// Stats reports allocator occupancy, overall and per zone.
type Stats struct {
	TotalFrames uint64
	UsedFrames  uint64
	FreeFrames  uint64
	PerZone     [numZones]struct {
		Total, Used, Free uint64
	}
}

// ErrOutOfMemory is returned when no frame (or no run of n contiguous
// frames) is available in the requested zone.
var ErrOutOfMemory = errors.New("pmm: out of memory")

// ErrInvalidFrame is returned when an address does not refer to a frame
// known to the allocator, or is not page-aligned.
var ErrInvalidFrame = errors.New("pmm: invalid frame")

// Allocator is the physical frame allocator: a bitmap keyed by frame
// index, partitioned into zones, with a next-fit cursor per zone to
// amortize repeated small allocations.
type Allocator struct {
	mu sync.Mutex

	base   arch.Addr // Physical address of frame index 0.
	nFrame uint32
	state  []frameState

	used  uint64
	free  uint64
	total uint64

	cursor [numZones]uint32 // Next-fit scan start, per zone.
	bounds [numZones]struct{ lo, hi uint32 }

	doubleFreeCount uint64 // Release builds count rather than panic.
	debug           bool

	log *log.Logger
}

// New creates an empty allocator. Call [Allocator.Init] with the boot
// memory map before use.
func New() *Allocator {
	return &Allocator{log: log.Component("PMM")}
}

// Init consumes the boot-provided memory map, marking usable RAM free and
// everything else (BIOS/ACPI holes, the kernel image, caller-reserved
// ranges) reserved, then partitions frames into DMA/NORMAL/HIGH zones.
//
// base is the physical address of the lowest frame the allocator manages
// (usually 0); debug enables panics on integrity violations such as
// double-free (see [Allocator.FreeFrame]).
func (a *Allocator) Init(base arch.Addr, regions []MemoryRegion, debug bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(regions) == 0 {
		return fmt.Errorf("pmm: init: %w: empty memory map", ErrInvalidFrame)
	}

	var highest arch.Addr

	for _, r := range regions {
		end := r.Base + arch.Addr(r.Length)
		if end > highest {
			highest = end
		}
	}

	a.base = base.PageAlignDown()
	a.nFrame = uint32((highest - a.base).PageAlignUp()) / arch.PageSize
	a.state = make([]frameState, a.nFrame)
	a.debug = debug

	for i := range a.state {
		a.state[i] = stateReserved
	}

	for _, r := range regions {
		if !r.Usable {
			continue
		}

		start := r.Base.PageAlignUp()
		end := (r.Base + arch.Addr(r.Length)).PageAlignDown()

		for addr := start; addr < end; addr += arch.PageSize {
			idx := a.indexOf(addr)
			if idx < uint32(len(a.state)) {
				a.state[idx] = stateFree
			}
		}
	}

	a.free = 0
	a.used = 0

	for _, s := range a.state {
		switch s {
		case stateFree:
			a.free++
		case stateAllocated:
			a.used++
		}
	}

	// Reserved frames are neither free nor used, so they are not counted in
	// total; this keeps free + used == total.
	a.total = a.free + a.used

	a.computeZoneBounds()

	a.log.Info("initialized",
		log.Uint64("total_frames", a.total),
		log.Uint64("free_frames", a.free),
	)

	return nil
}

// computeZoneBounds derives [lo, hi) frame-index ranges for each zone from
// the allocator's base address, independent of which frames are marked
// free or reserved.
func (a *Allocator) computeZoneBounds() {
	for z := Zone(0); z < numZones; z++ {
		a.bounds[z] = struct{ lo, hi uint32 }{0, 0}
	}

	for i := uint32(0); i < a.nFrame; i++ {
		z := zoneOf(a.base + arch.Addr(i)*arch.PageSize)
		if a.bounds[z].hi == 0 {
			a.bounds[z].lo = i
		}

		a.bounds[z].hi = i + 1
	}
}

func (a *Allocator) indexOf(addr arch.Addr) uint32 {
	return uint32((addr - a.base) / arch.PageSize)
}

func (a *Allocator) addrOf(idx uint32) arch.Addr {
	return a.base + arch.Addr(idx)*arch.PageSize
}

// AllocFrame returns one free frame, preferring the NORMAL zone.
func (a *Allocator) AllocFrame() (arch.Addr, error) {
	return a.AllocFrameInZone(ZoneNormal)
}

// AllocFrameInZone returns one free frame from the given zone. If that zone
// is exhausted, a HIGH or NORMAL request falls back to the other zones in
// the order given by zoneFallbackOrder; a DMA request has no fallback and
// fails once the DMA zone is exhausted.
func (a *Allocator) AllocFrameInZone(z Zone) (arch.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, try := range zoneFallbackOrder(z) {
		if idx, ok := a.scanZone(try); ok {
			a.state[idx] = stateAllocated
			a.used++
			a.free--

			return a.addrOf(idx), nil
		}
	}

	return 0, fmt.Errorf("pmm: alloc_frame: %w", ErrOutOfMemory)
}

func zoneFallbackOrder(preferred Zone) []Zone {
	switch preferred {
	case ZoneDMA:
		return []Zone{ZoneDMA}
	case ZoneHigh:
		return []Zone{ZoneHigh, ZoneNormal, ZoneDMA}
	default:
		return []Zone{ZoneNormal, ZoneHigh, ZoneDMA}
	}
}

// scanZone performs a next-fit scan of zone z starting from its remembered
// cursor, wrapping once. Caller holds a.mu.
func (a *Allocator) scanZone(z Zone) (uint32, bool) {
	b := a.bounds[z]
	if b.hi <= b.lo {
		return 0, false
	}

	start := a.cursor[z]
	if start < b.lo || start >= b.hi {
		start = b.lo
	}

	for i := start; i < b.hi; i++ {
		if a.state[i] == stateFree {
			a.cursor[z] = i + 1
			return i, true
		}
	}

	for i := b.lo; i < start; i++ {
		if a.state[i] == stateFree {
			a.cursor[z] = i + 1
			return i, true
		}
	}

	return 0, false
}

// AllocContiguous returns the base address of n contiguous free frames. The
// scan is linear, as permitted by the spec; callers needing this are rare
// (DMA buffers, module code/data sections) and correctness matters more
// than scan speed here.
func (a *Allocator) AllocContiguous(n uint32) (arch.Addr, error) {
	if n == 0 {
		return 0, fmt.Errorf("pmm: alloc_contiguous: %w: n=0", ErrInvalidFrame)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	run := uint32(0)
	var start uint32

	for i := uint32(0); i < a.nFrame; i++ {
		if a.state[i] == stateFree {
			if run == 0 {
				start = i
			}

			run++

			if run == n {
				for j := start; j < start+n; j++ {
					a.state[j] = stateAllocated
				}

				a.used += uint64(n)
				a.free -= uint64(n)

				return a.addrOf(start), nil
			}
		} else {
			run = 0
		}
	}

	return 0, fmt.Errorf("pmm: alloc_contiguous(%d): %w", n, ErrOutOfMemory)
}

// FreeFrame releases a frame previously returned by AllocFrame or
// AllocContiguous. Double-free and freeing a reserved/unknown frame are
// integrity violations: in debug builds this panics (escalated to KRM by
// the caller), in release builds it is silently ignored and counted.
func (a *Allocator) FreeFrame(addr arch.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !addr.Aligned() {
		return fmt.Errorf("pmm: free_frame(%s): %w: unaligned", addr, ErrInvalidFrame)
	}

	idx := a.indexOf(addr)
	if idx >= a.nFrame {
		return fmt.Errorf("pmm: free_frame(%s): %w: out of range", addr, ErrInvalidFrame)
	}

	switch a.state[idx] {
	case stateAllocated:
		a.state[idx] = stateFree
		a.used--
		a.free++

		return nil
	case stateFree:
		a.doubleFreeCount++

		if a.debug {
			panic(fmt.Sprintf("pmm: double free at %s", addr))
		}

		a.log.Warn("double free ignored", log.String("addr", addr.String()))

		return nil
	default: // stateReserved
		a.doubleFreeCount++

		if a.debug {
			panic(fmt.Sprintf("pmm: free of reserved frame at %s", addr))
		}

		a.log.Warn("free of reserved frame ignored", log.String("addr", addr.String()))

		return nil
	}
}

// IsValidFrame reports whether addr is a page-aligned address within the
// frame bitmap's managed range.
func (a *Allocator) IsValidFrame(addr arch.Addr) bool {
	if !addr.Aligned() {
		return false
	}

	idx := a.indexOf(addr)

	return idx < a.nFrame
}

// IsUsed reports whether the frame at addr is currently allocated.
func (a *Allocator) IsUsed(addr arch.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.indexOf(addr)
	if idx >= a.nFrame {
		return false
	}

	return a.state[idx] == stateAllocated
}

// Stats returns a snapshot of allocator occupancy.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{TotalFrames: a.total, UsedFrames: a.used, FreeFrames: a.free}

	for z := Zone(0); z < numZones; z++ {
		b := a.bounds[z]

		for i := b.lo; i < b.hi; i++ {
			s.PerZone[z].Total++

			switch a.state[i] {
			case stateAllocated:
				s.PerZone[z].Used++
			case stateFree:
				s.PerZone[z].Free++
			}
		}
	}

	return s
}

// DoubleFreeCount returns the number of double-free/reserved-free attempts
// observed since Init, useful for tests of the release-build failure path.
func (a *Allocator) DoubleFreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.doubleFreeCount
}
