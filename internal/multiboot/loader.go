package multiboot

import (
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/mbboot/internal/hv"
)

// copyChunk bounds the bytes moved per read/write pair during relocation.
const copyChunk = 64 << 10

// State is a step of the load sequence.
type State int

const (
	StateScanning State = iota
	StateValidating
	StateCopying
	StateZeroing
	StatePopulated
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateValidating:
		return "validating"
	case StateCopying:
		return "copying"
	case StateZeroing:
		return "zeroing"
	case StatePopulated:
		return "populated"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result records the outcome of a load.
type Result struct {
	// State is StateDone or StateAborted once Load returns.
	State State

	// FailedIn is the state that was active when the load aborted.
	FailedIn State

	Header     Header
	HeaderAddr uint64
	Plan       LoadPlan

	Entry uint32
	Err   error
}

// Sentinel returns the kernel entry address, or zero if the load failed.
func (r *Result) Sentinel() uint32 {
	if r == nil || r.Err != nil || r.State != StateDone {
		return 0
	}
	return r.Entry
}

// Loader relocates a Multiboot image from a preload buffer into guest RAM.
// Preload and RAM may be views over the same physical memory.
type Loader struct {
	Preload hv.Memory
	RAM     hv.Memory

	// SearchLimit bounds the header scan. Zero means SearchLimit.
	SearchLimit uint32

	// MaxImageSize is the ceiling on the preloaded image, used when the
	// header does not give load_end_addr. Zero means the preload size.
	MaxImageSize uint32

	// PageSize is the alignment enforced for FlagPageAlign. Zero means
	// DefaultPageSize.
	PageSize uint32

	// OverlapSafe stages the image through an intermediate buffer instead of
	// copying forward in place.
	OverlapSafe bool
}

func (l *Loader) searchLimit() uint32 {
	if l.SearchLimit == 0 {
		return SearchLimit
	}
	return l.SearchLimit
}

func (l *Loader) pageSize() uint32 {
	if l.PageSize == 0 {
		return DefaultPageSize
	}
	return l.PageSize
}

func (l *Loader) maxImageSize() uint32 {
	if l.MaxImageSize != 0 {
		return l.MaxImageSize
	}
	if size := l.Preload.MemorySize(); size < math.MaxUint32 {
		return uint32(size)
	}
	return math.MaxUint32
}

// Load runs the whole sequence once: locate, validate, copy, clear BSS and
// populate info. The returned Result is never nil and carries the same error
// that Load returns. Failures while scanning or validating leave RAM and info
// untouched.
func (l *Loader) Load(info *Info, memLower, memUpper uint32) (*Result, error) {
	res := &Result{State: StateScanning}
	abort := func(err error) (*Result, error) {
		res.FailedIn = res.State
		res.State = StateAborted
		res.Err = err
		return res, err
	}

	if l.Preload == nil || l.RAM == nil {
		return abort(errors.New("multiboot: loader has no memory"))
	}
	if info == nil {
		return abort(errors.New("multiboot: nil boot info"))
	}

	hdr, addr, err := Locate(l.Preload, l.searchLimit())
	if err != nil {
		return abort(err)
	}
	res.Header = hdr
	res.HeaderAddr = addr

	res.State = StateValidating
	if err := Validate(hdr, l.pageSize()); err != nil {
		return abort(fmt.Errorf("header at %#x: %w", addr, err))
	}
	plan, err := Plan(hdr, addr, l.Preload, l.RAM, l.maxImageSize())
	if err != nil {
		return abort(fmt.Errorf("header at %#x: %w", addr, err))
	}
	res.Plan = plan

	res.State = StateCopying
	if err := l.relocate(plan); err != nil {
		return abort(err)
	}

	res.State = StateZeroing
	if plan.BSSLen() > 0 {
		if err := hv.Zero(l.RAM, plan.CopyEnd(), plan.BSSLen()); err != nil {
			return abort(fmt.Errorf("clear bss: %w", err))
		}
	}

	res.State = StatePopulated
	info.Populate(memLower, memUpper)
	res.Entry = hdr.EntryAddr

	res.State = StateDone
	return res, nil
}

// relocate moves plan.CopyLen bytes from the preload buffer to load_addr.
// The default path has the same result as a forward byte-at-a-time copy even
// when the two ranges alias: a chunk never reads a byte that the same chunk
// writes, so each byte is read either untouched or after an earlier chunk
// has already stored it.
func (l *Loader) relocate(plan LoadPlan) error {
	src := l.Preload.MemoryBase() + uint64(plan.SourceOffset)
	dst := uint64(plan.LoadAddr)
	remaining := uint64(plan.CopyLen)

	if l.OverlapSafe {
		staged := make([]byte, remaining)
		if _, err := l.Preload.ReadAt(staged, int64(src)); err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		if _, err := l.RAM.WriteAt(staged, int64(dst)); err != nil {
			return fmt.Errorf("write image: %w", err)
		}
		return nil
	}

	chunk := uint64(copyChunk)
	if src < dst && dst-src < chunk {
		chunk = dst - src
	}
	buf := make([]byte, chunk)
	for remaining > 0 {
		n := chunk
		if remaining < n {
			n = remaining
		}
		if _, err := l.Preload.ReadAt(buf[:n], int64(src)); err != nil {
			return fmt.Errorf("read image at %#x: %w", src, err)
		}
		if _, err := l.RAM.WriteAt(buf[:n], int64(dst)); err != nil {
			return fmt.Errorf("write image at %#x: %w", dst, err)
		}
		src += n
		dst += n
		remaining -= n
	}
	return nil
}

// Invoke runs l once and returns the kernel entry address, or zero on any
// failure.
func Invoke(l *Loader, info *Info, memLower, memUpper uint32) uint32 {
	res, _ := l.Load(info, memLower, memUpper)
	return res.Sentinel()
}
