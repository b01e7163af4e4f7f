// Package boot runs the Multiboot loader against a simulated machine built
// from a config.Platform.
package boot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/mbboot/internal/config"
	"github.com/tinyrange/mbboot/internal/console"
	"github.com/tinyrange/mbboot/internal/debug"
	"github.com/tinyrange/mbboot/internal/hv"
	"github.com/tinyrange/mbboot/internal/multiboot"
)

const (
	windowPreload = "preload"
	windowConsole = "console"
	windowInfo    = "bootinfo"
)

// ErrImageTooLarge is returned when the image does not fit the preload buffer.
var ErrImageTooLarge = errors.New("kernel image larger than preload buffer")

// Handoff is the register state the kernel starts with.
type Handoff struct {
	// Entry is loaded into EIP.
	Entry uint32
	// Magic is loaded into EAX.
	Magic uint32
	// InfoAddr is loaded into EBX.
	InfoAddr uint32
}

// Machine is guest memory laid out for one boot.
type Machine struct {
	cfg config.Platform

	space   *hv.AddressSpace
	preload *hv.Region
	text    *console.VGAText

	trace *debug.Log
	log   *slog.Logger

	booted bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithTrace records loader progress to l.
func WithTrace(l *debug.Log) Option {
	return func(m *Machine) { m.trace = l }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// NewMachine allocates guest memory for cfg and reserves the preload buffer,
// the text console and the boot information record.
func NewMachine(cfg config.Platform, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:   cfg,
		space: hv.NewAddressSpace(cfg.MemoryBytes()),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	preload, err := m.space.RegisterFixed(windowPreload, cfg.Preload.Addr, cfg.Preload.Size)
	if err != nil {
		return nil, fmt.Errorf("reserve preload buffer: %w", err)
	}
	m.preload = preload

	text, err := m.space.RegisterFixed(windowConsole, console.TextBase, console.TextSize)
	if err != nil {
		return nil, fmt.Errorf("reserve text console: %w", err)
	}
	m.text = console.NewVGAText(text)

	if _, err := m.space.RegisterFixed(windowInfo, cfg.Info.Addr, multiboot.InfoSize); err != nil {
		return nil, fmt.Errorf("reserve boot info: %w", err)
	}

	return m, nil
}

// RAM returns a view over all guest memory.
func (m *Machine) RAM() *hv.Region { return m.space.RAM() }

// PreloadBuffer returns the view the image is preloaded into.
func (m *Machine) PreloadBuffer() *hv.Region { return m.preload }

// Console returns the guest text console.
func (m *Machine) Console() *console.VGAText { return m.text }

// Preload copies the kernel image from r into the preload buffer, as the
// earlier boot stage would. size is the image length; -1 reads to EOF.
func (m *Machine) Preload(r io.Reader, size int64) error {
	limit := int64(m.preload.MemorySize())
	if size > limit {
		return fmt.Errorf("%d bytes into %d: %w", size, limit, ErrImageTooLarge)
	}

	w := io.NewOffsetWriter(m.preload, int64(m.preload.MemoryBase()))
	n, err := io.Copy(w, io.LimitReader(r, limit+1))
	if err != nil {
		if errors.Is(err, hv.ErrOutOfBounds) {
			return fmt.Errorf("more than %d bytes: %w", limit, ErrImageTooLarge)
		}
		return fmt.Errorf("preload kernel image: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("preload kernel image: read %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}

	m.log.Debug("preloaded kernel image",
		"bytes", n,
		"addr", fmt.Sprintf("%#x", m.preload.MemoryBase()))
	return nil
}

// Boot runs the loader once. On failure it draws the panic message on the
// text console through w, or the machine's own console when w is nil.
func (m *Machine) Boot(w console.Writer) (Handoff, *multiboot.Result, error) {
	if m.booted {
		return Handoff{}, nil, errors.New("machine already booted")
	}
	m.booted = true

	m.trace.Booted("mbboot")

	loader := &multiboot.Loader{
		Preload:      m.preload,
		RAM:          m.space.RAM(),
		SearchLimit:  m.cfg.Loader.SearchLimit,
		MaxImageSize: uint32(m.cfg.Preload.Size),
		PageSize:     m.cfg.Loader.PageSize,
		OverlapSafe:  m.cfg.Loader.OverlapSafe,
	}

	var info multiboot.Info
	res, err := loader.Load(&info, m.cfg.Info.MemLowerKB, m.cfg.Info.MemUpperKB)
	if err != nil {
		m.trace.Putf("loader", "aborted while %s: %v", res.FailedIn, err)
		m.log.Error("load kernel", "state", res.FailedIn.String(), "err", err)

		if w == nil {
			w = m.text
		}
		if perr := console.Panic(w, m.cfg.Console.Row, m.cfg.Console.Col); perr != nil {
			m.log.Warn("draw panic message", "err", perr)
		}
		m.trace.Break("loader")
		return Handoff{}, res, err
	}

	m.trace.PutX("header", uint32(res.HeaderAddr))
	m.trace.PutX("load_addr", res.Plan.LoadAddr)
	m.trace.PutX("load_end", uint32(res.Plan.CopyEnd()))
	if res.Plan.BSSLen() > 0 {
		m.trace.PutX("bss_end", res.Plan.BSSEnd)
	}

	infoEnd := m.cfg.Info.Addr + multiboot.InfoSize
	if m.cfg.Info.Addr < res.Plan.End() && infoEnd > uint64(res.Plan.LoadAddr) {
		return Handoff{}, res, fmt.Errorf("boot info [%#x, %#x) overlaps loaded image [%#x, %#x)",
			m.cfg.Info.Addr, infoEnd, res.Plan.LoadAddr, res.Plan.End())
	}
	if err := info.Place(m.space.RAM(), m.cfg.Info.Addr); err != nil {
		return Handoff{}, res, fmt.Errorf("place boot info: %w", err)
	}

	h := Handoff{
		Entry:    res.Entry,
		Magic:    multiboot.BootloaderMagic,
		InfoAddr: uint32(m.cfg.Info.Addr),
	}
	m.trace.PutX("entry", h.Entry)

	m.log.Info("kernel loaded",
		"header", fmt.Sprintf("%#x", res.HeaderAddr),
		"load", fmt.Sprintf("[%#x, %#x)", res.Plan.LoadAddr, res.Plan.CopyEnd()),
		"bss", res.Plan.BSSLen(),
		"entry", fmt.Sprintf("%#x", h.Entry))

	return h, res, nil
}
