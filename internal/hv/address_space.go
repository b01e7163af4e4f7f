package hv

import (
	"fmt"
	"sort"
	"sync"
)

// Window describes a named fixed range of guest physical memory.
type Window struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address after the window.
func (w Window) End() uint64 { return w.Base + w.Size }

// AddressSpace owns the guest RAM backing store and the named windows carved
// out of it. RAM is identity mapped starting at guest physical address zero,
// so every window aliases the same bytes as the RAM view.
type AddressSpace struct {
	mu sync.Mutex

	ram *Region

	// fixed holds pre-determined windows (preload buffer, text console, ...).
	fixed []Window
}

// NewAddressSpace allocates ramSize bytes of guest RAM at address zero.
func NewAddressSpace(ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ram: NewRegion("ram", 0, make([]byte, ramSize)),
	}
}

// RAM returns a view over all of guest RAM.
func (a *AddressSpace) RAM() *Region {
	return a.ram
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ram.MemoryBase() + a.ram.MemorySize()
}

// RegisterFixed reserves [base, base+size) under name and returns a view of
// it. Windows must lie inside RAM and must not overlap each other.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) (*Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return nil, fmt.Errorf("address_space: cannot register zero-size window %s", name)
	}

	regionEnd := base + size
	if regionEnd < base {
		return nil, fmt.Errorf("address_space: window %s [0x%x+0x%x) wraps the address space", name, base, size)
	}

	for _, w := range a.fixed {
		if w.Name == name {
			return nil, fmt.Errorf("address_space: window %s already registered", name)
		}
		if base < w.End() && regionEnd > w.Base {
			return nil, fmt.Errorf("address_space: window %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, regionEnd, w.Name, w.Base, w.End())
		}
	}

	view, err := a.ram.Slice(name, base, size)
	if err != nil {
		return nil, fmt.Errorf("address_space: %w", err)
	}

	a.fixed = append(a.fixed, Window{Name: name, Base: base, Size: size})
	sort.Slice(a.fixed, func(i, j int) bool { return a.fixed[i].Base < a.fixed[j].Base })

	return view, nil
}

// Lookup returns the view for a previously registered window.
func (a *AddressSpace) Lookup(name string) (*Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, w := range a.fixed {
		if w.Name == name {
			view, err := a.ram.Slice(w.Name, w.Base, w.Size)
			if err != nil {
				return nil, false
			}
			return view, true
		}
	}
	return nil, false
}

// FixedRegions returns a copy of the registered windows ordered by base.
func (a *AddressSpace) FixedRegions() []Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Window, len(a.fixed))
	copy(result, a.fixed)
	return result
}
