package boot

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tinyrange/mbboot/internal/config"
	"github.com/tinyrange/mbboot/internal/console"
	"github.com/tinyrange/mbboot/internal/debug"
	"github.com/tinyrange/mbboot/internal/multiboot"
)

type traceBuffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *traceBuffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if end := int(off) + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	return copy(b.data[off:], p), nil
}

func (b *traceBuffer) Close() error { return nil }

func (b *traceBuffer) records(t *testing.T) []debug.Record {
	t.Helper()

	var recs []debug.Record
	if err := debug.Each(bytes.NewReader(b.data), int64(len(b.data)), func(r debug.Record) error {
		recs = append(recs, r)
		return nil
	}); err != nil {
		t.Fatalf("debug.Each: %v", err)
	}
	return recs
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// kernelImage returns an a.out kludge image whose header sits at offset 0x20
// and whose text starts at the beginning of the file.
func kernelImage(t *testing.T, flags multiboot.HeaderFlags) []byte {
	t.Helper()

	img := make([]byte, 0x2000)
	for i := range img {
		img[i] = byte(i)
	}
	hdr := multiboot.Header{
		Magic:       multiboot.HeaderMagic,
		Flags:       flags,
		Checksum:    multiboot.Checksum(flags),
		HeaderAddr:  0x100020,
		LoadAddr:    0x100000,
		LoadEndAddr: 0x102000,
		BSSEndAddr:  0x104000,
		EntryAddr:   0x10000c,
	}
	raw, err := hdr.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	copy(img[0x20:], raw)
	return img
}

func TestBootLoadsKernel(t *testing.T) {
	trace := new(traceBuffer)
	m, err := NewMachine(config.Default(), WithTrace(debug.Open(trace)), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	img := kernelImage(t, multiboot.FlagAoutKludge|multiboot.FlagMemoryInfo)
	if err := m.Preload(bytes.NewReader(img), int64(len(img))); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	h, res, err := m.Boot(nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	want := Handoff{Entry: 0x10000c, Magic: multiboot.BootloaderMagic, InfoAddr: config.DefaultInfoAddr}
	if h != want {
		t.Fatalf("handoff = %+v, want %+v", h, want)
	}
	if res.HeaderAddr != config.DefaultPreloadAddr+0x20 {
		t.Fatalf("header address = %#x", res.HeaderAddr)
	}

	ram := m.RAM().Bytes()
	if !bytes.Equal(ram[0x100000:0x102000], img) {
		t.Fatalf("kernel text not relocated")
	}

	var info multiboot.Info
	if err := info.UnmarshalBinary(ram[config.DefaultInfoAddr:]); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	wantInfo := multiboot.Info{
		Flags:      multiboot.InfoMemory | multiboot.InfoBootDevice,
		MemLower:   640,
		MemUpper:   15 * 1024,
		BootDevice: multiboot.BootDeviceUnknown,
	}
	if info != wantInfo {
		t.Fatalf("boot info = %+v, want %+v", info, wantInfo)
	}

	recs := trace.records(t)
	if recs[0].Kind != debug.KindBooted {
		t.Fatalf("first trace record = %s, want booted", recs[0].Kind)
	}
	last := recs[len(recs)-1]
	if v, ok := last.Word(); !ok || last.Source != "entry" || v != 0x10000c {
		t.Fatalf("last trace record = %s", last)
	}

	if _, _, err := m.Boot(nil); err == nil {
		t.Fatalf("second Boot succeeded")
	}
}

func TestBootFailureDrawsPanic(t *testing.T) {
	cfg := config.Default()
	cfg.Console.Row = 3
	cfg.Console.Col = 4

	trace := new(traceBuffer)
	m, err := NewMachine(cfg, WithTrace(debug.Open(trace)), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	// ELF kernels set no a.out kludge flag.
	img := kernelImage(t, multiboot.FlagMemoryInfo)
	if err := m.Preload(bytes.NewReader(img), -1); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	mirror := console.NewMirror(m.Console())
	defer mirror.Close()

	h, res, err := m.Boot(mirror)
	if !errors.Is(err, multiboot.ErrUnsupportedFormat) {
		t.Fatalf("Boot err = %v, want ErrUnsupportedFormat", err)
	}
	if h != (Handoff{}) || res.Sentinel() != 0 {
		t.Fatalf("failed boot returned handoff %+v, sentinel %#x", h, res.Sentinel())
	}

	lines, err := m.Console().Lines()
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if want := "    " + console.PanicMessage; lines[3] != want {
		t.Fatalf("console row 3 = %q, want %q", lines[3], want)
	}
	if got := mirror.Snapshot()[3]; got != lines[3] {
		t.Fatalf("mirror row 3 = %q, guest %q", got, lines[3])
	}

	if bytes.ContainsAny(m.RAM().Bytes()[0x100000:0x104000], "\x01\x02\x03") {
		t.Fatalf("failed boot wrote the kernel image")
	}

	recs := trace.records(t)
	if recs[len(recs)-1].Kind != debug.KindBreak {
		t.Fatalf("last trace record = %s, want break", recs[len(recs)-1])
	}
	if !strings.Contains(string(recs[1].Data), "validating") {
		t.Fatalf("abort record = %q, want it to name the validating state", recs[1].Data)
	}
}

func TestBootRejectsInfoInsideImage(t *testing.T) {
	cfg := config.Default()
	cfg.Info.Addr = 0x100800

	m, err := NewMachine(cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	img := kernelImage(t, multiboot.FlagAoutKludge|multiboot.FlagMemoryInfo)
	if err := m.Preload(bytes.NewReader(img), int64(len(img))); err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if _, _, err := m.Boot(nil); err == nil || !strings.Contains(err.Error(), "overlaps loaded image") {
		t.Fatalf("Boot err = %v, want overlap error", err)
	}
}

func TestPreloadTooLarge(t *testing.T) {
	cfg := config.Default()
	cfg.Preload.Size = 0x1000

	m, err := NewMachine(cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	big := make([]byte, 0x1001)
	if err := m.Preload(bytes.NewReader(big), int64(len(big))); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("Preload with size err = %v, want ErrImageTooLarge", err)
	}
	if err := m.Preload(bytes.NewReader(big), -1); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("Preload to EOF err = %v, want ErrImageTooLarge", err)
	}
	if err := m.Preload(bytes.NewReader(big[:0x800]), 0x900); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("short Preload err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestNewMachineRejectsOverlappingWindows(t *testing.T) {
	cfg := config.Default()
	cfg.Info.Addr = cfg.Preload.Addr + 0x100

	if _, err := NewMachine(cfg); err == nil {
		t.Fatalf("NewMachine succeeded with boot info inside the preload buffer")
	}
}

func TestOpenImage(t *testing.T) {
	dir := t.TempDir()
	want := kernelImage(t, multiboot.FlagAoutKludge|multiboot.FlagMemoryInfo)
	path := filepath.Join(dir, "kernel.bin")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img, err := OpenImage(path)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	if img.Size() != int64(len(want)) {
		t.Fatalf("Size = %d, want %d", img.Size(), len(want))
	}
	got, err := io.ReadAll(img.Reader())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("image contents differ")
	}
	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	img, err = OpenImage(empty)
	if err != nil {
		t.Fatalf("OpenImage empty: %v", err)
	}
	if img.Size() != 0 {
		t.Fatalf("empty Size = %d", img.Size())
	}
	_ = img.Close()
}
