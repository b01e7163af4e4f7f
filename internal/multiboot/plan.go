package multiboot

import (
	"fmt"

	"github.com/tinyrange/mbboot/internal/hv"
)

// LoadPlan describes where the image bytes come from and where they go.
type LoadPlan struct {
	// SourceOffset is the offset of load_addr's byte within the preload
	// buffer.
	SourceOffset uint32

	LoadAddr uint32
	CopyLen  uint32

	// BSSEnd is zero when the image has no BSS.
	BSSEnd uint32

	// Bounded is false when load_end_addr was zero and the copy runs up to
	// the image size ceiling.
	Bounded bool
}

// CopyEnd returns the first address after the copied bytes.
func (p LoadPlan) CopyEnd() uint64 {
	return uint64(p.LoadAddr) + uint64(p.CopyLen)
}

// BSSLen returns the number of bytes the zeroizer clears.
func (p LoadPlan) BSSLen() uint64 {
	if p.BSSEnd == 0 {
		return 0
	}
	return uint64(p.BSSEnd) - p.CopyEnd()
}

// End returns the first address after the loaded image including BSS.
func (p LoadPlan) End() uint64 {
	return p.CopyEnd() + p.BSSLen()
}

// Plan computes the copy and clear ranges for h found at headerAddr inside
// preload. maxImage is the ceiling on the preloaded image size used when the
// header leaves load_end_addr unset. All ranges are checked against preload
// and ram so a plan that is returned can be executed without faulting.
func Plan(h Header, headerAddr uint64, preload, ram hv.Memory, maxImage uint32) (LoadPlan, error) {
	origin := preload.MemoryBase()
	if headerAddr < origin {
		return LoadPlan{}, fmt.Errorf("header at %#x below preload base %#x: %w", headerAddr, origin, hv.ErrOutOfBounds)
	}

	plan := LoadPlan{
		SourceOffset: uint32(headerAddr-origin) - (h.HeaderAddr - h.LoadAddr),
		LoadAddr:     h.LoadAddr,
		BSSEnd:       h.BSSEndAddr,
		Bounded:      h.LoadEndAddr != 0,
	}

	if plan.Bounded {
		if h.LoadEndAddr < h.LoadAddr {
			return LoadPlan{}, fmt.Errorf("load_end_addr %#x below load_addr %#x: %w", h.LoadEndAddr, h.LoadAddr, ErrInvalidLayout)
		}
		plan.CopyLen = h.LoadEndAddr - h.LoadAddr
	} else {
		if plan.SourceOffset >= maxImage {
			return LoadPlan{}, fmt.Errorf("image offset %#x at or beyond size ceiling %#x: %w", plan.SourceOffset, maxImage, ErrInvalidLayout)
		}
		plan.CopyLen = maxImage - plan.SourceOffset
	}

	if plan.CopyEnd() > 1<<32 {
		return LoadPlan{}, fmt.Errorf("image [%#x, %#x) wraps the 32-bit address space: %w", plan.LoadAddr, plan.CopyEnd(), ErrInvalidLayout)
	}
	if plan.BSSEnd != 0 && uint64(plan.BSSEnd) < plan.CopyEnd() {
		return LoadPlan{}, fmt.Errorf("bss_end_addr %#x before end of image data %#x: %w", plan.BSSEnd, plan.CopyEnd(), ErrInvalidLayout)
	}

	src := origin + uint64(plan.SourceOffset)
	if !hv.Contains(preload, src, uint64(plan.CopyLen)) {
		return LoadPlan{}, fmt.Errorf("image source [%#x, %#x) outside preload buffer: %w",
			src, src+uint64(plan.CopyLen), hv.ErrOutOfBounds)
	}
	if !hv.Contains(ram, uint64(plan.LoadAddr), plan.End()-uint64(plan.LoadAddr)) {
		return LoadPlan{}, fmt.Errorf("image destination [%#x, %#x) outside guest memory: %w",
			plan.LoadAddr, plan.End(), hv.ErrOutOfBounds)
	}

	return plan, nil
}
