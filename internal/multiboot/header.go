// Package multiboot loads legacy Multiboot (a.out kludge) kernel images that
// were preloaded into guest memory. It finds the image header, checks that the
// image can be relocated, copies it to its runtime address, clears its BSS and
// fills in the boot information record handed to the kernel.
package multiboot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderMagic marks the start of a Multiboot header.
	HeaderMagic uint32 = 0x1BADB002

	// BootloaderMagic is passed to the kernel in EAX alongside the boot
	// information address in EBX.
	BootloaderMagic uint32 = 0x2BADB002

	// HeaderSize is the size of the header including the a.out kludge fields.
	HeaderSize = 32

	// SearchLimit is the number of bytes at the start of the image that may
	// contain the header.
	SearchLimit = 8192

	// DefaultPageSize is the alignment required by FlagPageAlign.
	DefaultPageSize = 0x10000

	headerAlign = 4
)

// HeaderFlags is the capability bitmask of a Multiboot header.
type HeaderFlags uint32

const (
	FlagPageAlign  HeaderFlags = 1 << 0
	FlagMemoryInfo HeaderFlags = 1 << 1
	FlagVideoMode  HeaderFlags = 1 << 2
	FlagAoutKludge HeaderFlags = 1 << 16
)

// Has reports whether every bit in mask is set.
func (f HeaderFlags) Has(mask HeaderFlags) bool {
	return f&mask == mask
}

// Header is the Multiboot header as laid out in the image. The address fields
// are only meaningful when FlagAoutKludge is set.
type Header struct {
	Magic    uint32
	Flags    HeaderFlags
	Checksum uint32

	HeaderAddr  uint32
	LoadAddr    uint32
	LoadEndAddr uint32
	BSSEndAddr  uint32
	EntryAddr   uint32
}

// Checksum returns the checksum word that makes a header with flags valid.
func Checksum(flags HeaderFlags) uint32 {
	return -(HeaderMagic + uint32(flags))
}

// checksumValid reports whether magic+flags+checksum wraps to zero.
func checksumValid(magic, flags, checksum uint32) bool {
	return magic+flags+checksum == 0
}

// Valid reports whether h carries the magic and a matching checksum.
func (h Header) Valid() bool {
	return h.Magic == HeaderMagic && checksumValid(h.Magic, uint32(h.Flags), h.Checksum)
}

// UnmarshalBinary decodes a header from the first HeaderSize bytes of data.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("multiboot header needs %d bytes, got %d", HeaderSize, len(data))
	}
	h.Magic = binary.LittleEndian.Uint32(data[0:])
	h.Flags = HeaderFlags(binary.LittleEndian.Uint32(data[4:]))
	h.Checksum = binary.LittleEndian.Uint32(data[8:])
	h.HeaderAddr = binary.LittleEndian.Uint32(data[12:])
	h.LoadAddr = binary.LittleEndian.Uint32(data[16:])
	h.LoadEndAddr = binary.LittleEndian.Uint32(data[20:])
	h.BSSEndAddr = binary.LittleEndian.Uint32(data[24:])
	h.EntryAddr = binary.LittleEndian.Uint32(data[28:])
	return nil
}

// MarshalBinary encodes h in image layout.
func (h Header) MarshalBinary() ([]byte, error) {
	if h.Magic == 0 {
		return nil, errors.New("multiboot header has no magic")
	}
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[8:], h.Checksum)
	binary.LittleEndian.PutUint32(buf[12:], h.HeaderAddr)
	binary.LittleEndian.PutUint32(buf[16:], h.LoadAddr)
	binary.LittleEndian.PutUint32(buf[20:], h.LoadEndAddr)
	binary.LittleEndian.PutUint32(buf[24:], h.BSSEndAddr)
	binary.LittleEndian.PutUint32(buf[28:], h.EntryAddr)
	return buf, nil
}
