package multiboot

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/mbboot/internal/hv"
)

// Locate scans the first limit bytes of preload for a Multiboot header. Words
// are examined at 4-byte strides from the start of the buffer and the first
// word that equals HeaderMagic and whose following flags and checksum words
// complete the checksum wins. Nothing at or beyond limit is read while
// scanning. It returns the header and its absolute address.
func Locate(preload hv.Memory, limit uint32) (Header, uint64, error) {
	base := preload.MemoryBase()
	if base > math.MaxInt64 {
		return Header{}, 0, fmt.Errorf("preload base %#x out of host range: %w", base, hv.ErrOutOfBounds)
	}
	window := uint64(limit)
	if size := preload.MemorySize(); size < window {
		window = size
	}

	buf := make([]byte, window)
	if _, err := preload.ReadAt(buf, int64(base)); err != nil {
		return Header{}, 0, fmt.Errorf("read search window: %w", err)
	}

	for off := 0; off+12 <= len(buf); off += headerAlign {
		magic := binary.LittleEndian.Uint32(buf[off:])
		if magic != HeaderMagic {
			continue
		}
		flags := binary.LittleEndian.Uint32(buf[off+4:])
		checksum := binary.LittleEndian.Uint32(buf[off+8:])
		if !checksumValid(magic, flags, checksum) {
			continue
		}

		addr := base + uint64(off)
		raw := make([]byte, HeaderSize)
		if _, err := preload.ReadAt(raw, int64(addr)); err != nil {
			return Header{}, 0, fmt.Errorf("read header at %#x: %w", addr, err)
		}
		var h Header
		if err := h.UnmarshalBinary(raw); err != nil {
			return Header{}, 0, err
		}
		return h, addr, nil
	}

	return Header{}, 0, fmt.Errorf("scanned %#x bytes at %#x: %w", window, base, ErrHeaderNotFound)
}
