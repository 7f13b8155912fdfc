// Package boot defines the wire contract the bootloader hands off to the
// kernel: boot drive, kernel load location, memory map, framebuffer
// parameters and a flags bitmask, per spec.md §6. It parses the packed
// boot-info structure into [Info] and translates the memory map into
// [pmm.MemoryRegion] entries ready for [pmm.Allocator.Init].
//
// The bootloader itself is an external collaborator, as spec.md §1 scopes
// it out; this package only speaks the wire format it produces.
package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/axrxvm/aos/internal/arch"
	"github.com/axrxvm/aos/internal/pmm"
)

// Flag bits carried in Info.Flags.
const (
	FlagFramebufferGraphics uint32 = 1 << iota
	FlagA20Enabled
	FlagACPIPresent
)

// entrySize is the packed size of one memory-map entry: base (8),
// length (8), type (4), reserved/reason tag (4).
const entrySize = 24

// headerSize is the packed size of the fixed boot-info header preceding
// the memory map: drive (1) + pad (3) + kernel LBA (4) + kernel sectors
// (4) + entry count (4) + framebuffer addr (8) + fb width/height/pitch/bpp
// (4*4) + flags (4).
const headerSize = 1 + 3 + 4 + 4 + 4 + 8 + 16 + 4

// Framebuffer describes the linear framebuffer handed off by the
// bootloader, if any (width/height/pitch are zero when none was set up).
type Framebuffer struct {
	PhysBase arch.Addr
	Width    uint32
	Height   uint32
	Pitch    uint32
	BPP      uint32
}

// Info is the parsed boot-info handoff structure.
type Info struct {
	BootDrive    uint8
	KernelLBA    uint32
	KernelSectors uint32
	MemoryMap    []pmm.MemoryRegion
	Framebuffer  Framebuffer
	Flags        uint32
}

// HasFlag reports whether f is set in Info.Flags.
func (i Info) HasFlag(f uint32) bool {
	return i.Flags&f != 0
}

// memory-map entry type codes, matching the conventional BIOS
// int 0x15/e820 encoding the bootloader is expected to forward.
const (
	entryTypeUsable   = 1
	entryTypeReserved = 2
	entryTypeACPI     = 3
	entryTypeNVS      = 4
	entryTypeBad      = 5
)

// Parse decodes a packed boot-info blob into an [Info]. The layout is:
// a fixed header (see headerSize) followed by entry-count memory-map
// entries of entrySize bytes each.
func Parse(raw []byte) (Info, error) {
	if len(raw) < headerSize {
		return Info{}, fmt.Errorf("boot: info too short: %d bytes", len(raw))
	}

	var info Info

	info.BootDrive = raw[0]
	info.KernelLBA = binary.LittleEndian.Uint32(raw[4:8])
	info.KernelSectors = binary.LittleEndian.Uint32(raw[8:12])
	count := binary.LittleEndian.Uint32(raw[12:16])

	info.Framebuffer.PhysBase = arch.Addr(binary.LittleEndian.Uint64(raw[16:24]))
	info.Framebuffer.Width = binary.LittleEndian.Uint32(raw[24:28])
	info.Framebuffer.Height = binary.LittleEndian.Uint32(raw[28:32])
	info.Framebuffer.Pitch = binary.LittleEndian.Uint32(raw[32:36])
	info.Framebuffer.BPP = binary.LittleEndian.Uint32(raw[36:40])

	info.Flags = binary.LittleEndian.Uint32(raw[40:44])

	want := headerSize + int(count)*entrySize
	if len(raw) < want {
		return Info{}, fmt.Errorf("boot: info truncated: have %d bytes, want %d for %d entries", len(raw), want, count)
	}

	info.MemoryMap = make([]pmm.MemoryRegion, 0, count)

	for i := uint32(0); i < count; i++ {
		off := headerSize + int(i)*entrySize
		entry := raw[off : off+entrySize]

		base := binary.LittleEndian.Uint64(entry[0:8])
		length := binary.LittleEndian.Uint64(entry[8:16])
		kind := binary.LittleEndian.Uint32(entry[16:20])

		region := pmm.MemoryRegion{
			Base:   arch.Addr(base),
			Length: length,
			Usable: kind == entryTypeUsable,
		}

		if !region.Usable {
			region.Reserved = reservedReason(kind)
		}

		info.MemoryMap = append(info.MemoryMap, region)
	}

	return info, nil
}

func reservedReason(kind uint32) string {
	switch kind {
	case entryTypeACPI:
		return "ACPI reclaimable"
	case entryTypeNVS:
		return "ACPI NVS"
	case entryTypeBad:
		return "bad memory"
	default:
		return "reserved"
	}
}
