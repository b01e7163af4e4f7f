// Package console writes to the legacy VGA text buffer. The boot path only
// uses it to report that the kernel image could not be loaded.
package console

import (
	"fmt"
	"strings"

	"github.com/tinyrange/mbboot/internal/hv"
)

const (
	// TextBase is the guest physical address of the 80x25 text buffer.
	TextBase = 0xB8000

	Width  = 80
	Height = 25

	// TextSize is the size of the text buffer: one character byte and one
	// attribute byte per cell.
	TextSize = Width * Height * 2

	// AttrLightGray is light grey on black.
	AttrLightGray = 0x07
)

// PanicMessage is shown when the kernel image cannot be loaded.
const PanicMessage = "Parse multiboot header failed"

// Writer places single characters on the console.
type Writer interface {
	WriteChar(row, col int, c byte) error
}

// VGAText is a Writer over the text buffer in guest memory.
type VGAText struct {
	mem  hv.Memory
	base uint64
	attr byte
}

var _ Writer = (*VGAText)(nil)

// NewVGAText returns a writer for the text buffer at TextBase in mem.
func NewVGAText(mem hv.Memory) *VGAText {
	return &VGAText{mem: mem, base: TextBase, attr: AttrLightGray}
}

func cellOffset(row, col int) (uint64, error) {
	if row < 0 || row >= Height || col < 0 || col >= Width {
		return 0, fmt.Errorf("console position (%d, %d) outside %dx%d screen", row, col, Width, Height)
	}
	return uint64(2 * (row*Width + col)), nil
}

// WriteChar stores c with the light grey attribute at (row, col).
func (v *VGAText) WriteChar(row, col int, c byte) error {
	off, err := cellOffset(row, col)
	if err != nil {
		return err
	}
	if _, err := v.mem.WriteAt([]byte{c, v.attr}, int64(v.base+off)); err != nil {
		return fmt.Errorf("write console cell: %w", err)
	}
	return nil
}

// Lines returns the character bytes of each row with trailing blanks and
// NULs removed.
func (v *VGAText) Lines() ([]string, error) {
	buf := make([]byte, TextSize)
	if _, err := v.mem.ReadAt(buf, int64(v.base)); err != nil {
		return nil, fmt.Errorf("read console: %w", err)
	}
	lines := make([]string, Height)
	row := make([]byte, Width)
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			c := buf[2*(y*Width+x)]
			if c == 0 {
				c = ' '
			}
			row[x] = c
		}
		lines[y] = strings.TrimRight(string(row), " ")
	}
	return lines, nil
}

// Panic writes PanicMessage starting at (row, col). Characters that would
// fall past the right edge are dropped.
func Panic(w Writer, row, col int) error {
	for i := 0; i < len(PanicMessage); i++ {
		if col+i >= Width {
			break
		}
		if err := w.WriteChar(row, col+i, PanicMessage[i]); err != nil {
			return err
		}
	}
	return nil
}
