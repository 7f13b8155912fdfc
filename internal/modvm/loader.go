package modvm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/axrxvm/aos/internal/capctx"
)

// HeaderSize is the fixed v2 module header size, per spec.md §6.
const HeaderSize = 512

const magic = "AKM2"

var (
	ErrBadMagic       = errors.New("modvm: bad magic")
	ErrBadChecksum    = errors.New("modvm: checksum mismatch")
	ErrVersionRange   = errors.New("modvm: kernel version out of module's supported range")
	ErrHeaderTooShort = errors.New("modvm: header too short")
)

// Header is the parsed fixed-size v2 module header of spec.md §6.
type Header struct {
	Version      uint16
	Flags        uint16
	HeaderSize   uint32
	TotalSize    uint32

	Name    string
	VersionString string
	Author  string
	APIVersion uint16

	KernelMinVersion uint32
	KernelMaxVersion uint32
	RequiredCapabilities capctx.Capability

	CodeOffset, CodeSize     uint32
	DataOffset, DataSize     uint32
	RodataOffset, RodataSize uint32
	BSSSize                  uint32

	InitOffset    uint32
	CleanupOffset uint32

	SymbolOffset, SymbolSize uint32
	StringOffset, StringSize uint32

	DependencyCount uint32
	Dependencies    [4]string

	SecurityLevel uint8
	SignatureType uint8
	HeaderCRC32   uint32
	ContentCRC32  uint32
	Signature     [64]byte
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}

// ParseHeader parses and validates the fixed-size header at the front of
// a module image, per spec.md §6's field layout. It does not validate the
// content checksum, which requires the full section bytes; callers call
// VerifyContent separately once sections are sliced out.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) < HeaderSize {
		return nil, ErrHeaderTooShort
	}

	if string(raw[0:4]) != magic {
		return nil, fmt.Errorf("modvm: parse header: %w", ErrBadMagic)
	}

	le := binary.LittleEndian
	h := &Header{
		Version:    le.Uint16(raw[4:6]),
		Flags:      le.Uint16(raw[6:8]),
		HeaderSize: le.Uint32(raw[8:12]),
		TotalSize:  le.Uint32(raw[12:16]),

		Name:          cstr(raw[16:48]),
		VersionString: cstr(raw[48:64]),
		Author:        cstr(raw[64:96]),
		APIVersion:    le.Uint16(raw[96:98]),

		KernelMinVersion:     le.Uint32(raw[98:102]),
		KernelMaxVersion:     le.Uint32(raw[102:106]),
		RequiredCapabilities: capctx.Capability(le.Uint32(raw[106:110])),

		CodeOffset: le.Uint32(raw[110:114]), CodeSize: le.Uint32(raw[114:118]),
		DataOffset: le.Uint32(raw[118:122]), DataSize: le.Uint32(raw[122:126]),
		RodataOffset: le.Uint32(raw[126:130]), RodataSize: le.Uint32(raw[130:134]),
		BSSSize: le.Uint32(raw[134:138]),

		InitOffset:    le.Uint32(raw[138:142]),
		CleanupOffset: le.Uint32(raw[142:146]),

		SymbolOffset: le.Uint32(raw[146:150]), SymbolSize: le.Uint32(raw[150:154]),
		StringOffset: le.Uint32(raw[154:158]), StringSize: le.Uint32(raw[158:162]),

		DependencyCount: le.Uint32(raw[162:166]),
	}

	off := 166
	for i := 0; i < 4; i++ {
		h.Dependencies[i] = cstr(raw[off : off+32])
		off += 32
	}

	h.SecurityLevel = raw[off]
	h.SignatureType = raw[off+1]
	h.HeaderCRC32 = le.Uint32(raw[off+2 : off+6])
	h.ContentCRC32 = le.Uint32(raw[off+6 : off+10])
	copy(h.Signature[:], raw[off+10:off+10+64])

	if err := h.verifyHeaderCRC(raw); err != nil {
		return nil, err
	}

	return h, nil
}

// verifyHeaderCRC recomputes the CRC32 of the header bytes preceding the
// stored checksum field and compares it.
func (h *Header) verifyHeaderCRC(raw []byte) error {
	crcFieldOffset := 166 + 4*32 + 2
	computed := crc32.ChecksumIEEE(raw[:crcFieldOffset])

	if computed != h.HeaderCRC32 {
		return fmt.Errorf("modvm: header crc: %w", ErrBadChecksum)
	}

	return nil
}

// VerifyContent checksums the code/data/rodata sections against the
// header's stored content CRC32.
func (h *Header) VerifyContent(code, data, rodata []byte) error {
	crc := crc32.NewIEEE()
	crc.Write(code)
	crc.Write(data)
	crc.Write(rodata)

	if crc.Sum32() != h.ContentCRC32 {
		return fmt.Errorf("modvm: content crc: %w", ErrBadChecksum)
	}

	return nil
}

// CheckKernelVersion verifies kernelVersion falls within the module's
// declared compatibility range.
func (h *Header) CheckKernelVersion(kernelVersion uint32) error {
	if kernelVersion < h.KernelMinVersion || kernelVersion > h.KernelMaxVersion {
		return fmt.Errorf("modvm: kernel version %d not in [%d,%d]: %w",
			kernelVersion, h.KernelMinVersion, h.KernelMaxVersion, ErrVersionRange)
	}

	return nil
}

// Image is a loaded module's validated sections, ready to bind to a VM
// instance.
type Image struct {
	Header *Header
	Code   []byte
	Data   []byte // Data followed by zeroed bss.
	Rodata []byte
	Strings []byte
}

// Load parses raw, validates its checksums and kernel-version range, and
// slices out the code/data/rodata/string sections, per spec.md §4.7's
// module-loading sequence. It does not allocate kernel memory or invoke
// init(ctx); the registry does not run init either, which is left to the
// caller of [Registry.LoadVM] (the kernel's module loader).
func Load(raw []byte, kernelVersion uint32) (*Image, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}

	if err := h.CheckKernelVersion(kernelVersion); err != nil {
		return nil, err
	}

	slice := func(off, size uint32) ([]byte, error) {
		end := uint64(off) + uint64(size)
		if end > uint64(len(raw)) {
			return nil, fmt.Errorf("modvm: section [%d,%d) exceeds image size %d", off, end, len(raw))
		}

		return raw[off:end], nil
	}

	code, err := slice(h.CodeOffset, h.CodeSize)
	if err != nil {
		return nil, err
	}

	data, err := slice(h.DataOffset, h.DataSize)
	if err != nil {
		return nil, err
	}

	rodata, err := slice(h.RodataOffset, h.RodataSize)
	if err != nil {
		return nil, err
	}

	strs, err := slice(h.StringOffset, h.StringSize)
	if err != nil {
		return nil, err
	}

	if err := h.VerifyContent(code, data, rodata); err != nil {
		return nil, err
	}

	fullData := make([]byte, len(data)+int(h.BSSSize))
	copy(fullData, data)

	return &Image{Header: h, Code: code, Data: fullData, Rodata: rodata, Strings: strs}, nil
}
