package boot

import (
	"encoding/binary"
	"testing"
)

func buildBootInfo(t *testing.T, entries [][3]uint64) []byte {
	t.Helper()

	raw := make([]byte, headerSize+len(entries)*entrySize)

	raw[0] = 0x80
	binary.LittleEndian.PutUint32(raw[4:8], 100)
	binary.LittleEndian.PutUint32(raw[8:12], 64)
	binary.LittleEndian.PutUint32(raw[12:16], uint32(len(entries)))
	binary.LittleEndian.PutUint64(raw[16:24], 0xE0000000)
	binary.LittleEndian.PutUint32(raw[24:28], 1024)
	binary.LittleEndian.PutUint32(raw[28:32], 768)
	binary.LittleEndian.PutUint32(raw[32:36], 4096)
	binary.LittleEndian.PutUint32(raw[36:40], 32)
	binary.LittleEndian.PutUint32(raw[40:44], FlagFramebufferGraphics|FlagA20Enabled)

	for i, e := range entries {
		off := headerSize + i*entrySize
		binary.LittleEndian.PutUint64(raw[off:off+8], e[0])
		binary.LittleEndian.PutUint64(raw[off+8:off+16], e[1])
		binary.LittleEndian.PutUint32(raw[off+16:off+20], uint32(e[2]))
	}

	return raw
}

func TestParseDecodesHeaderFields(t *testing.T) {
	raw := buildBootInfo(t, [][3]uint64{
		{0, 0x9FC00, entryTypeUsable},
		{0x100000, 0x1F00000, entryTypeUsable},
		{0xFFFE0000, 0x20000, entryTypeACPI},
	})

	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if info.BootDrive != 0x80 {
		t.Fatalf("boot drive = %#x", info.BootDrive)
	}

	if info.KernelLBA != 100 || info.KernelSectors != 64 {
		t.Fatalf("kernel location = LBA %d sectors %d", info.KernelLBA, info.KernelSectors)
	}

	if !info.HasFlag(FlagFramebufferGraphics) || !info.HasFlag(FlagA20Enabled) {
		t.Fatal("expected framebuffer and A20 flags set")
	}

	if info.HasFlag(FlagACPIPresent) {
		t.Fatal("ACPI flag should not be set")
	}

	if info.Framebuffer.Width != 1024 || info.Framebuffer.Height != 768 {
		t.Fatalf("framebuffer dims = %dx%d", info.Framebuffer.Width, info.Framebuffer.Height)
	}
}

func TestParseMemoryMapMarksUsableAndReserved(t *testing.T) {
	raw := buildBootInfo(t, [][3]uint64{
		{0, 0x9FC00, entryTypeUsable},
		{0xFFFE0000, 0x20000, entryTypeACPI},
	})

	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(info.MemoryMap) != 2 {
		t.Fatalf("memory map len = %d, want 2", len(info.MemoryMap))
	}

	if !info.MemoryMap[0].Usable {
		t.Fatal("first region should be usable")
	}

	if info.MemoryMap[1].Usable {
		t.Fatal("second region should be reserved")
	}

	if info.MemoryMap[1].Reserved == "" {
		t.Fatal("expected a reserved reason")
	}
}

func TestParseRejectsTooShort(t *testing.T) {
	if _, err := Parse(make([]byte, 4)); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestParseRejectsTruncatedEntries(t *testing.T) {
	raw := buildBootInfo(t, [][3]uint64{{0, 1, entryTypeUsable}})
	raw = raw[:len(raw)-1]

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for truncated memory map")
	}
}
