package hv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrOutOfBounds is returned when an access falls outside a memory window.
var ErrOutOfBounds = errors.New("address out of bounds")

// Memory is a window of guest physical memory. Offsets passed to ReadAt and
// WriteAt are absolute guest physical addresses, not offsets into the window.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	MemoryBase() uint64
	MemorySize() uint64
}

// Region is a bounds-checked view over [base, base+len(data)). Accesses are
// all-or-nothing: a read or write that is not fully contained in the region
// transfers no bytes.
type Region struct {
	name string
	base uint64
	data []byte
}

var _ Memory = (*Region)(nil)

// NewRegion returns a region named name that maps data at base. The region
// aliases data; writes through the region are visible in the slice.
func NewRegion(name string, base uint64, data []byte) *Region {
	return &Region{name: name, base: base, data: data}
}

func (r *Region) Name() string { return r.name }

func (r *Region) MemoryBase() uint64 { return r.base }

func (r *Region) MemorySize() uint64 { return uint64(len(r.data)) }

// Bytes returns the backing slice.
func (r *Region) Bytes() []byte { return r.data }

// Contains reports whether [addr, addr+size) lies inside the region.
func (r *Region) Contains(addr, size uint64) bool {
	if addr < r.base {
		return false
	}
	off := addr - r.base
	if off > uint64(len(r.data)) {
		return false
	}
	return size <= uint64(len(r.data))-off
}

func (r *Region) check(addr int64, size int) (int, error) {
	if addr < 0 || !r.Contains(uint64(addr), uint64(size)) {
		return 0, fmt.Errorf("%s: [%#x, %#x) outside [%#x, %#x): %w",
			r.name, addr, addr+int64(size), r.base, r.base+uint64(len(r.data)), ErrOutOfBounds)
	}
	return int(uint64(addr) - r.base), nil
}

// ReadAt implements io.ReaderAt.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	start, err := r.check(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, r.data[start:]), nil
}

// WriteAt implements io.WriterAt.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	start, err := r.check(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(r.data[start:], p), nil
}

// Slice returns a named sub-window of r sharing its backing store.
func (r *Region) Slice(name string, addr, size uint64) (*Region, error) {
	if !r.Contains(addr, size) {
		return nil, fmt.Errorf("%s: window %s [%#x, %#x) outside [%#x, %#x): %w",
			r.name, name, addr, addr+size, r.base, r.base+uint64(len(r.data)), ErrOutOfBounds)
	}
	off := addr - r.base
	return &Region{name: name, base: addr, data: r.data[off : off+size : off+size]}, nil
}

// ReadUint32 reads a little-endian word at addr.
func ReadUint32(m Memory, addr uint64) (uint32, error) {
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("address %#x out of host range: %w", addr, ErrOutOfBounds)
	}
	var buf [4]byte
	if _, err := m.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Contains reports whether [addr, addr+size) lies inside m.
func Contains(m Memory, addr, size uint64) bool {
	if r, ok := m.(*Region); ok {
		return r.Contains(addr, size)
	}
	base := m.MemoryBase()
	if addr < base || addr-base > m.MemorySize() {
		return false
	}
	return size <= m.MemorySize()-(addr-base)
}

const zeroChunk = 4096

// Zero clears [addr, addr+size) in m.
func Zero(m Memory, addr, size uint64) error {
	if !Contains(m, addr, size) {
		return fmt.Errorf("zero [%#x, %#x): %w", addr, addr+size, ErrOutOfBounds)
	}
	var zeros [zeroChunk]byte
	for size > 0 {
		n := uint64(zeroChunk)
		if size < n {
			n = size
		}
		if _, err := m.WriteAt(zeros[:n], int64(addr)); err != nil {
			return fmt.Errorf("zero at %#x: %w", addr, err)
		}
		addr += n
		size -= n
	}
	return nil
}
