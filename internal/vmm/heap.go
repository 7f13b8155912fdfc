package vmm

// heap.go implements the kernel heap: slab caches for small allocations and
// a page-grained path for large ones, with guard words and an active bit on
// every slab object so kfree can detect corruption and double-free.

import (
	"errors"
	"fmt"
	"sync"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/log"
)

// slabSizes are the fixed object sizes served by the slab caches, smallest
// first.
var slabSizes = [...]uint32{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

const (
	guardStart = uint32(0xCAFEF00D)
	guardEnd   = uint32(0xF00DCAFE)

	// headerOverhead is the gap between an object's bookkeeping address and
	// the pointer handed back to the caller.
	headerOverhead = arch.Addr(32)
)

// objHeader precedes every slab object. Since the whole machine is
// simulated, the header has no backing memory cell of its own; extAddr is
// its synthetic address, used only so Kmalloc/Kfree can hand callers an
// opaque, stable arch.Addr the way a real pointer would behave.
type objHeader struct {
	startGuard uint32
	size       uint32
	active     bool
	checksum   uint32
	next       *objHeader // Free-list link; only meaningful while inactive.
	endGuard   uint32
	owner      *slabCache
	extAddr    arch.Addr
}

func (h *objHeader) computeChecksum() uint32 {
	active := uint32(0)
	if h.active {
		active = 1
	}

	return h.startGuard ^ h.size ^ active ^ h.endGuard
}

func (h *objHeader) ptr() arch.Addr {
	return h.extAddr + headerOverhead
}

// slabPage is one page carved into equal-sized objects on first use.
type slabPage struct {
	base    arch.Addr
	objSize uint32
	objs    []*objHeader
}

// slabCache is the per-size free list.
type slabCache struct {
	size      uint32
	freeList  *objHeader
	pages     []*slabPage
	allocated int
}

// Heap is the kernel allocator: a [slabCache] for each size in slabSizes,
// backed by whole pages obtained through [AddressSpace.AllocAnywhere] in
// the kernel's window; allocations at or above page size bypass the slabs
// entirely and are tracked in large.
type Heap struct {
	mu sync.Mutex

	as       *AddressSpace
	windowLo arch.Addr
	windowHi arch.Addr

	caches [len(slabSizes)]*slabCache
	large  map[arch.Addr]uint32 // base -> size in pages.
	byAddr map[arch.Addr]*objHeader

	nextAddr arch.Addr

	doubleFreeCount    uint64
	corruptionDetected uint64

	log *log.Logger
}

// NewHeap creates a kernel heap carved out of [windowLo, windowHi) of the
// given kernel address space.
func NewHeap(as *AddressSpace, windowLo, windowHi arch.Addr) *Heap {
	h := &Heap{
		as:       as,
		windowLo: windowLo,
		windowHi: windowHi,
		large:    make(map[arch.Addr]uint32),
		byAddr:   make(map[arch.Addr]*objHeader),
		nextAddr: windowLo,
		log:      log.Component("HEAP"),
	}

	for i, sz := range slabSizes {
		h.caches[i] = &slabCache{size: sz}
	}

	return h
}

var (
	ErrHeapCorrupt = errors.New("vmm: heap corruption detected")
	ErrDoubleFree  = errors.New("vmm: double free")
	ErrNotHeapAddr = errors.New("vmm: not a heap pointer")
)

func cacheFor(size uint32) (int, bool) {
	for i, s := range slabSizes {
		if size <= s {
			return i, true
		}
	}

	return 0, false
}

// headerFootprint is the synthetic address-space stride reserved per
// object, large enough that objects never alias.
func headerFootprint(objSize uint32) arch.Addr {
	return arch.Addr(objSize) + 2*headerOverhead
}

// Kmalloc allocates size bytes. Kmalloc(0) returns (0, nil) — a null
// result, matching the boundary behavior required by spec.md §8. Requests
// too large for the heap window fail with a resource-exhaustion error
// rather than undefined behavior.
func (h *Heap) Kmalloc(size uint32) (arch.Addr, error) {
	if size == 0 {
		return 0, nil
	}

	if idx, ok := cacheFor(size); ok {
		return h.allocSlab(idx)
	}

	return h.allocLarge(size)
}

func (h *Heap) allocSlab(idx int) (arch.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cache := h.caches[idx]

	if cache.freeList == nil {
		if err := h.growCache(cache); err != nil {
			return 0, err
		}
	}

	obj := cache.freeList
	cache.freeList = obj.next
	obj.next = nil
	obj.active = true
	obj.checksum = obj.computeChecksum()
	cache.allocated++

	return obj.ptr(), nil
}

// growCache carves a freshly allocated page into cache.size-byte objects
// and pushes them onto the cache's free list in address order, so a
// Kmalloc immediately following a Kfree reuses the same object (LIFO),
// matching scenario 1 of spec.md §8.
func (h *Heap) growCache(cache *slabCache) error {
	va, err := h.as.AllocAnywhere(arch.PageSize, VMAWrite, h.windowLo, h.windowHi)
	if err != nil {
		return fmt.Errorf("vmm: kmalloc: %w", err)
	}

	stride := headerFootprint(cache.size)
	count := int(arch.PageSize / stride)

	page := &slabPage{base: va, objSize: cache.size, objs: make([]*objHeader, 0, count)}

	newObjs := make([]objHeader, count)
	for i := 0; i < count; i++ {
		obj := &newObjs[i]
		obj.startGuard = guardStart
		obj.endGuard = guardEnd
		obj.size = cache.size
		obj.owner = cache
		obj.extAddr = h.nextAddr
		h.nextAddr += stride
		obj.checksum = obj.computeChecksum()

		h.byAddr[obj.extAddr] = obj
		page.objs = append(page.objs, obj)
	}

	for i := count - 1; i >= 0; i-- {
		newObjs[i].next = cache.freeList
		cache.freeList = &newObjs[i]
	}

	cache.pages = append(cache.pages, page)

	return nil
}

func (h *Heap) allocLarge(size uint32) (arch.Addr, error) {
	// Checked before rounding up, which wraps for sizes near 4 GiB.
	if arch.Addr(size) > h.windowHi-h.windowLo {
		return 0, fmt.Errorf("vmm: kmalloc(large): %w", ErrNoRoom)
	}

	n := arch.Addr(size).PageAlignUp() / arch.PageSize

	va, err := h.as.AllocAnywhere(uint32(n)*arch.PageSize, VMAWrite, h.windowLo, h.windowHi)
	if err != nil {
		return 0, fmt.Errorf("vmm: kmalloc(large): %w", err)
	}

	h.mu.Lock()
	h.large[va] = uint32(n)
	h.mu.Unlock()

	return va, nil
}

// Kfree returns an object to its owning slab after verifying its guards
// and active bit, or releases a large allocation's backing pages.
// Double-free is detected and logged; freeing a pointer this heap did not
// allocate is a no-op that increments a counter.
func (h *Heap) Kfree(ptr arch.Addr) error {
	if ptr == 0 {
		return nil
	}

	h.mu.Lock()
	if n, ok := h.large[ptr]; ok {
		delete(h.large, ptr)
		h.mu.Unlock()

		for i := arch.Addr(0); i < arch.Addr(n); i++ {
			h.as.Unmap(ptr+i*arch.PageSize, true)
		}

		return nil
	}

	obj, ok := h.byAddr[ptr-headerOverhead]
	if !ok {
		h.corruptionDetected++
		h.mu.Unlock()

		return fmt.Errorf("vmm: kfree: %w", ErrNotHeapAddr)
	}
	h.mu.Unlock()

	if err := h.checkGuards(obj); err != nil {
		h.mu.Lock()
		h.corruptionDetected++
		h.mu.Unlock()

		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !obj.active {
		h.doubleFreeCount++
		h.log.Warn("double free detected", log.String("ptr", ptr.String()))

		return fmt.Errorf("vmm: kfree: %w", ErrDoubleFree)
	}

	obj.active = false
	obj.checksum = obj.computeChecksum()
	obj.next = obj.owner.freeList
	obj.owner.freeList = obj
	obj.owner.allocated--

	return nil
}

func (h *Heap) checkGuards(obj *objHeader) error {
	if obj.startGuard != guardStart || obj.endGuard != guardEnd {
		return fmt.Errorf("vmm: %w: guard mismatch", ErrHeapCorrupt)
	}

	if obj.checksum != obj.computeChecksum() {
		return fmt.Errorf("vmm: %w: checksum mismatch", ErrHeapCorrupt)
	}

	return nil
}

// CheckGuards sweeps one live object's guards without freeing it.
func (h *Heap) CheckGuards(ptr arch.Addr) error {
	h.mu.Lock()
	obj, ok := h.byAddr[ptr-headerOverhead]
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("vmm: check_guards: %w", ErrNotHeapAddr)
	}

	return h.checkGuards(obj)
}

// ValidateIntegrity sweeps every live (active) slab object's guards,
// returning the first corruption found, if any.
func (h *Heap) ValidateIntegrity() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, cache := range h.caches {
		for _, page := range cache.pages {
			for _, obj := range page.objs {
				if !obj.active {
					continue
				}

				if err := h.checkGuards(obj); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// UsedSlots reports how many objects are currently allocated from the
// cache serving the given size class, for tests of scenario 1 in §8.
func (h *Heap) UsedSlots(size uint32) (int, bool) {
	idx, ok := cacheFor(size)
	if !ok {
		return 0, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.caches[idx].allocated, true
}
