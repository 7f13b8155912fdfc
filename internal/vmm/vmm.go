package vmm

// vmm.go implements address spaces: page mapping, VMA tracking, and the
// page-fault classifier. The kernel address space is a process-wide
// singleton; every user address space shares its high-half mappings by
// construction, following spec.md §3's AddressSpace invariants.

import (
	"errors"
	"fmt"
	"sync"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/log"
	"github.com/axrxvm/aos/internal/pmm"
)

var (
	ErrAlreadyMapped  = errors.New("vmm: already mapped")
	ErrNotMapped      = errors.New("vmm: not mapped")
	ErrOverlap        = errors.New("vmm: overlapping VMA")
	ErrNoRoom         = errors.New("vmm: no virtual address range large enough")
	ErrOutOfMemory    = pmm.ErrOutOfMemory
)

// KernelSpaceBase is the lowest address of the high-half kernel window,
// shared by every address space by construction.
const KernelSpaceBase = arch.Addr(0xC000_0000)

// VMAFlags describe the uniform permissions of a VMA.
type VMAFlags uint32

const (
	VMARead VMAFlags = 1 << iota
	VMAWrite
	VMAExec
	VMAUser
	VMAGuard
)

func (f VMAFlags) toPT() PTFlags {
	var p PTFlags

	p |= FlagPresent

	if f&VMAWrite != 0 {
		p |= FlagWrite
	}

	if f&VMAUser != 0 {
		p |= FlagUser
	}

	if f&VMAGuard != 0 {
		p |= FlagGuard
	}

	return p
}

// VMA is a contiguous run of virtual pages with uniform permissions.
type VMA struct {
	Start arch.Addr
	End   arch.Addr // Exclusive.
	Flags VMAFlags
}

func (v VMA) contains(addr arch.Addr) bool {
	return addr >= v.Start && addr < v.End
}

func (v VMA) overlaps(o VMA) bool {
	return v.Start < o.End && o.Start < v.End
}

// AddressSpace is the per-task virtual mapping: a page table, the ordered
// list of live VMAs, a heap region and a stack top.
type AddressSpace struct {
	mu sync.Mutex

	pt   *pageTable
	vmas []VMA

	HeapStart arch.Addr
	HeapEnd   arch.Addr
	StackTop  arch.Addr

	pmm *pmm.Allocator
	tlb arch.TLB
	log *log.Logger
}

// Manager owns the kernel address space singleton and creates/destroys
// user address spaces from it.
type Manager struct {
	pmm    *pmm.Allocator
	tlb    arch.TLB
	kernel *AddressSpace
	log    *log.Logger

	current *AddressSpace
	mu      sync.Mutex
}

// NewManager creates the VMM, wiring it to the physical frame allocator and
// the TLB-invalidation backend, and initializes the kernel address space.
func NewManager(frames *pmm.Allocator, tlb arch.TLB) *Manager {
	m := &Manager{
		pmm: frames,
		tlb: tlb,
		log: log.Component("VMM"),
	}

	m.kernel = &AddressSpace{
		pt:  newPageTable(),
		pmm: frames,
		tlb: tlb,
		log: m.log,
	}
	m.current = m.kernel

	return m
}

// KernelSpace returns the singleton kernel address space.
func (m *Manager) KernelSpace() *AddressSpace { return m.kernel }

// Current returns the address space active on the (single) CPU.
func (m *Manager) Current() *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// CreateAddressSpace allocates a fresh root table, copies all kernel
// mappings (including the high-half window) into it, and initializes an
// empty VMA list with default heap/stack addresses.
func (m *Manager) CreateAddressSpace(userBase, userTop arch.Addr) *AddressSpace {
	as := &AddressSpace{
		pt:        m.kernel.pt.clone(),
		HeapStart: userBase,
		HeapEnd:   userBase,
		StackTop:  userTop,
		pmm:       m.pmm,
		tlb:       m.tlb,
		log:       m.log,
	}

	return as
}

// CloneAddressSpace builds a new address space seeded with the same kernel
// mappings as src, then deep-copies every user VMA: a fresh frame is
// allocated for each page rather than sharing src's frames, satisfying
// spec.md's fork semantics choice of eager deep-copy over copy-on-write
// (this simulator tracks frame allocation state only, not per-frame byte
// content, so there is nothing further to copy than the mapping itself).
func (m *Manager) CloneAddressSpace(src *AddressSpace) (*AddressSpace, error) {
	src.mu.Lock()
	defer src.mu.Unlock()

	dst := &AddressSpace{
		pt:        m.kernel.pt.clone(),
		HeapStart: src.HeapStart,
		HeapEnd:   src.HeapEnd,
		StackTop:  src.StackTop,
		pmm:       m.pmm,
		tlb:       m.tlb,
		log:       m.log,
	}

	for _, v := range src.vmas {
		for addr := v.Start; addr < v.End; addr += arch.PageSize {
			e, ok := src.pt.lookup(addr)
			if !ok {
				continue
			}

			frame, err := m.pmm.AllocFrameInZone(pmm.ZoneNormal)
			if err != nil {
				m.DestroyAddressSpace(dst)
				return nil, fmt.Errorf("vmm: clone_address_space: %w", err)
			}

			dst.pt.set(addr, pte{frame: frame, flags: e.flags})
		}

		dst.vmas = append(dst.vmas, v)
	}

	return dst, nil
}

// DestroyAddressSpace walks every VMA freeing its frames, then discards the
// page table.
func (m *Manager) DestroyAddressSpace(as *AddressSpace) {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, v := range as.vmas {
		for addr := v.Start; addr < v.End; addr += arch.PageSize {
			if e, ok := as.pt.lookup(addr); ok {
				_ = as.pmm.FreeFrame(e.frame)
			}

			as.pt.clear(addr)
		}
	}

	as.vmas = nil
}

// SwitchAddressSpace loads as as the currently active address space and
// flushes the TLB fully, the way loading a new value into CR3 does.
func (m *Manager) SwitchAddressSpace(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == as {
		return
	}

	m.current = as
	m.tlb.FlushAll()
}

// Map installs a single-page mapping from va to pa with the given flags.
// Both addresses are aligned down to the page boundary; any missing
// intermediate page-table level is allocated (zeroed) lazily by
// [pageTable.ensureTable].
func (as *AddressSpace) Map(va, pa arch.Addr, flags VMAFlags) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	va = va.PageAlignDown()
	pa = pa.PageAlignDown()

	as.pt.set(va, pte{frame: pa, flags: flags.toPT()})

	return nil
}

// Unmap clears the leaf entry for va and invalidates the TLB entry if the
// mapped address space is the one currently active.
func (as *AddressSpace) Unmap(va arch.Addr, current bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	va = va.PageAlignDown()
	as.pt.clear(va)

	if current {
		as.tlb.Flush(va)
	}
}

// Translate returns the physical address mapped for va, or (0, false) if
// unmapped.
func (as *AddressSpace) Translate(va arch.Addr) (arch.Addr, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	e, ok := as.pt.lookup(va.PageAlignDown())
	if !ok {
		return 0, false
	}

	return e.frame + (va - va.PageAlignDown()), true
}

// AllocPages allocates n frames, maps them at va..va+n*PageSize with
// flags, zeroes writable pages, and records a new VMA. It fails if any
// requested page is already present, unwinding any frames it already
// allocated.
func (as *AddressSpace) AllocPages(va arch.Addr, n uint32, flags VMAFlags) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	va = va.PageAlignDown()
	newVMA := VMA{Start: va, End: va + arch.Addr(n)*arch.PageSize, Flags: flags}

	for _, v := range as.vmas {
		if v.overlaps(newVMA) {
			return fmt.Errorf("vmm: alloc_pages: %w: [%s,%s)", ErrOverlap, newVMA.Start, newVMA.End)
		}
	}

	for a := va; a < newVMA.End; a += arch.PageSize {
		if _, ok := as.pt.lookup(a); ok {
			return fmt.Errorf("vmm: alloc_pages: %w at %s", ErrAlreadyMapped, a)
		}
	}

	allocated := make([]arch.Addr, 0, n)

	unwind := func() {
		for _, f := range allocated {
			_ = as.pmm.FreeFrame(f)
		}

		for a := va; a < newVMA.End; a += arch.PageSize {
			as.pt.clear(a)
		}
	}

	addr := va
	for i := uint32(0); i < n; i++ {
		frame, err := as.pmm.AllocFrameInZone(pmm.ZoneNormal)
		if err != nil {
			unwind()
			return fmt.Errorf("vmm: alloc_pages: %w", err)
		}

		allocated = append(allocated, frame)
		as.pt.set(addr, pte{frame: frame, flags: flags.toPT()})
		addr += arch.PageSize
	}

	as.vmas = append(as.vmas, newVMA)

	return nil
}

// AllocAnywhere linear-scans the address space's heap window (kernel window
// for the kernel address space, user heap window otherwise) for the
// smallest free virtual range of size bytes (rounded up to whole pages),
// then delegates to AllocPages.
func (as *AddressSpace) AllocAnywhere(size uint32, flags VMAFlags, windowLo, windowHi arch.Addr) (arch.Addr, error) {
	n := (arch.Addr(size).PageAlignUp()) / arch.PageSize
	if n == 0 {
		n = 1
	}

	as.mu.Lock()
	occupied := make([]VMA, len(as.vmas))
	copy(occupied, as.vmas)
	as.mu.Unlock()

	for cand := windowLo; cand+arch.Addr(n)*arch.PageSize <= windowHi; cand += arch.PageSize {
		end := cand + arch.Addr(n)*arch.PageSize
		free := true

		for _, v := range occupied {
			if v.overlaps(VMA{Start: cand, End: end}) {
				free = false
				cand = v.End - arch.PageSize // Resume scan past this VMA.

				break
			}
		}

		if free {
			if err := as.AllocPages(cand, uint32(n), flags); err != nil {
				return 0, err
			}

			return cand, nil
		}
	}

	return 0, fmt.Errorf("vmm: alloc_anywhere: %w", ErrNoRoom)
}

// VMAs returns a copy of the address space's VMA list, in the order the
// VMAs were allocated (not sorted by address).
func (as *AddressSpace) VMAs() []VMA {
	as.mu.Lock()
	defer as.mu.Unlock()

	out := make([]VMA, len(as.vmas))
	copy(out, as.vmas)

	return out
}

// FaultCause classifies a page fault.
type FaultCause int

const (
	FaultNotPresent FaultCause = iota
	FaultProtection
	FaultUserToKernel
	FaultReservedBit
	FaultInstructionFetch
)

func (f FaultCause) String() string {
	switch f {
	case FaultNotPresent:
		return "not-present"
	case FaultProtection:
		return "protection-violation"
	case FaultUserToKernel:
		return "user-access-to-kernel"
	case FaultReservedBit:
		return "reserved-bit"
	case FaultInstructionFetch:
		return "instruction-fetch"
	default:
		return "unknown"
	}
}

// PageFault is raised by [AddressSpace.HandleFault] for every condition;
// none are currently recoverable (no demand paging), so every fault is
// fatal and must be escalated to KRM by the caller.
type PageFault struct {
	Addr    arch.Addr
	Cause   FaultCause
	Write   bool
	User    bool
	Fetch   bool
}

func (p *PageFault) Error() string {
	return fmt.Sprintf("page fault at %s: %s (write=%t user=%t fetch=%t)",
		p.Addr, p.Cause, p.Write, p.User, p.Fetch)
}

// HandleFault classifies a faulting access. Demand paging of a
// grow-down user stack is a documented future extension (§4.2); today
// every classification returns a fatal [*PageFault].
func (as *AddressSpace) HandleFault(addr arch.Addr, write, user, fetch bool) error {
	as.mu.Lock()
	e, present := as.pt.lookup(addr.PageAlignDown())
	as.mu.Unlock()

	pf := &PageFault{Addr: addr, Write: write, User: user, Fetch: fetch}

	switch {
	case !present:
		pf.Cause = FaultNotPresent
	case user && e.flags&FlagUser == 0:
		pf.Cause = FaultUserToKernel
	case write && e.flags&FlagWrite == 0:
		pf.Cause = FaultProtection
	case fetch:
		pf.Cause = FaultInstructionFetch
	default:
		pf.Cause = FaultProtection
	}

	return pf
}
