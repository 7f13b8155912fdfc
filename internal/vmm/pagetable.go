// Package vmm implements the virtual memory manager: address spaces,
// page-table mapping, VMA tracking, and the kernel heap (slab allocator
// plus a page-grained large-object path) built on top of [pmm.Allocator].
package vmm

import (
	"github.com/axrxvm/aos/internal/arch"
)

// PTFlags are the permission/attribute bits carried by a leaf page-table
// entry, modeled after the x86 PTE bit layout but reduced to the bits this
// kernel actually inspects.
type PTFlags uint32

const (
	FlagPresent PTFlags = 1 << iota
	FlagWrite
	FlagUser
	FlagNoCache
	FlagGuard // Marks an unmapped guard page (stack overflow detection).
)

// pte is one leaf page-table entry: a physical frame and its flags.
type pte struct {
	frame arch.Addr
	flags PTFlags
}

// pageTable is a simulated two-level page table. Real x86 paging walks a
// page directory of page tables; this type preserves that two-level
// addressing (so intermediate-level allocation, as required by §4.2, is
// still exercised) while keeping the leaf storage as a sparse map instead
// of raw frame-backed tables, since the whole machine is itself simulated.
type pageTable struct {
	dirs map[uint32]map[uint32]pte // directory index -> (table index -> pte)
}

func newPageTable() *pageTable {
	return &pageTable{dirs: make(map[uint32]map[uint32]pte)}
}

func split(va arch.Addr) (dirIdx, tblIdx uint32) {
	page := va.PageIndex()
	return page >> 10, page & 0x3ff
}

// ensureTable allocates the intermediate (page-table) level for va if it is
// missing, zeroing it the way a freshly allocated page-table page would be.
func (pt *pageTable) ensureTable(va arch.Addr) map[uint32]pte {
	dirIdx, _ := split(va)

	tbl, ok := pt.dirs[dirIdx]
	if !ok {
		tbl = make(map[uint32]pte)
		pt.dirs[dirIdx] = tbl
	}

	return tbl
}

func (pt *pageTable) lookup(va arch.Addr) (pte, bool) {
	dirIdx, tblIdx := split(va)

	tbl, ok := pt.dirs[dirIdx]
	if !ok {
		return pte{}, false
	}

	e, ok := tbl[tblIdx]

	return e, ok && e.flags&FlagPresent != 0
}

func (pt *pageTable) set(va arch.Addr, e pte) {
	tbl := pt.ensureTable(va)
	_, tblIdx := split(va)
	tbl[tblIdx] = e
}

func (pt *pageTable) clear(va arch.Addr) {
	dirIdx, tblIdx := split(va)

	if tbl, ok := pt.dirs[dirIdx]; ok {
		delete(tbl, tblIdx)
	}
}

// clone returns a deep copy of the page table, used when a new address
// space inherits the kernel's high-half mappings.
func (pt *pageTable) clone() *pageTable {
	out := newPageTable()

	for dirIdx, tbl := range pt.dirs {
		ntbl := make(map[uint32]pte, len(tbl))
		for k, v := range tbl {
			ntbl[k] = v
		}

		out.dirs[dirIdx] = ntbl
	}

	return out
}
