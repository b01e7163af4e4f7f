// Package config loads the platform description used to boot a Multiboot
// kernel: guest memory size, where the image is preloaded and how the loader
// reports back to the kernel.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	Filename = "mbboot.yaml"

	DefaultMemoryMB    = 16
	DefaultPreloadAddr = 0x10000
	DefaultPreloadSize = 0x80000
	DefaultInfoAddr    = 0x9000
	DefaultSearchLimit = 8192
	DefaultPageSize    = 0x10000
	DefaultMemLowerKB  = 640

	// upperMemoryStart is where mem_upper starts counting.
	upperMemoryStart = 1 << 20
)

// Platform describes the machine the kernel is booted on.
type Platform struct {
	Version  int    `yaml:"version"`
	MemoryMB uint64 `yaml:"memoryMB"`

	Preload PreloadConfig `yaml:"preload"`
	Loader  LoaderConfig  `yaml:"loader"`
	Info    InfoConfig    `yaml:"info"`
	Console ConsoleConfig `yaml:"console"`
}

// PreloadConfig is the buffer an earlier boot stage fills with the image.
// Size is also the ceiling used when a header leaves load_end_addr unset.
type PreloadConfig struct {
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
}

type LoaderConfig struct {
	SearchLimit uint32 `yaml:"searchLimit"`
	PageSize    uint32 `yaml:"pageSize"`
	OverlapSafe bool   `yaml:"overlapSafe,omitempty"`
}

// InfoConfig controls the boot information record. MemLowerKB and
// MemUpperKB default to the values a BIOS would report for MemoryMB.
type InfoConfig struct {
	Addr       uint64 `yaml:"addr"`
	MemLowerKB uint32 `yaml:"memLowerKB"`
	MemUpperKB uint32 `yaml:"memUpperKB"`
}

// ConsoleConfig is where the failure message is drawn.
type ConsoleConfig struct {
	Row int `yaml:"row"`
	Col int `yaml:"col"`
}

// Default returns the platform used when no file is given.
func Default() Platform {
	var p Platform
	p.normalize()
	return p
}

// MemoryBytes returns the guest RAM size in bytes.
func (p Platform) MemoryBytes() uint64 {
	return p.MemoryMB << 20
}

func (p *Platform) normalize() {
	if p.Version == 0 {
		p.Version = 1
	}
	if p.MemoryMB == 0 {
		p.MemoryMB = DefaultMemoryMB
	}
	if p.Preload.Addr == 0 {
		p.Preload.Addr = DefaultPreloadAddr
	}
	if p.Preload.Size == 0 {
		p.Preload.Size = DefaultPreloadSize
	}
	if p.Loader.SearchLimit == 0 {
		p.Loader.SearchLimit = DefaultSearchLimit
	}
	if p.Loader.PageSize == 0 {
		p.Loader.PageSize = DefaultPageSize
	}
	if p.Info.Addr == 0 {
		p.Info.Addr = DefaultInfoAddr
	}
	if p.Info.MemLowerKB == 0 {
		p.Info.MemLowerKB = DefaultMemLowerKB
	}
	if p.Info.MemUpperKB == 0 && p.MemoryBytes() > upperMemoryStart {
		p.Info.MemUpperKB = uint32((p.MemoryBytes() - upperMemoryStart) >> 10)
	}
}

// Validate checks the fields that cannot be caught when the address space
// is built.
func (p Platform) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported config version %d", p.Version)
	}
	if p.MemoryBytes() > 1<<32 {
		return fmt.Errorf("memoryMB %d exceeds the 4 GiB a 32-bit kernel can address", p.MemoryMB)
	}
	if p.Preload.Size > 1<<32-1 {
		return fmt.Errorf("preload size %#x does not fit in 32 bits", p.Preload.Size)
	}
	if p.Preload.Addr+p.Preload.Size > p.MemoryBytes() {
		return fmt.Errorf("preload buffer [%#x, %#x) outside %d MiB of memory",
			p.Preload.Addr, p.Preload.Addr+p.Preload.Size, p.MemoryMB)
	}
	if ps := p.Loader.PageSize; ps&(ps-1) != 0 {
		return fmt.Errorf("page size %#x is not a power of two", ps)
	}
	if p.Loader.SearchLimit%4 != 0 {
		return fmt.Errorf("search limit %d is not a multiple of 4", p.Loader.SearchLimit)
	}
	if p.Console.Row < 0 || p.Console.Col < 0 {
		return errors.New("console position must not be negative")
	}
	return nil
}

// Load reads and validates a platform file.
func Load(path string) (Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Platform{}, fmt.Errorf("read %s: %w", path, err)
	}

	var p Platform
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Platform{}, fmt.Errorf("parse %s: %w", path, err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Platform{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// WriteTemplate writes p, with defaults filled in, to path.
func WriteTemplate(path string, p Platform) error {
	p.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&p); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
