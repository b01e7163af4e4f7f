package console

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Mirror forwards characters to a guest Writer and replays them into a
// terminal emulator so the host can show what the guest screen looks like.
type Mirror struct {
	w   Writer
	emu *vt.SafeEmulator

	closeOnce sync.Once
}

var _ Writer = (*Mirror)(nil)

// NewMirror wraps w. A nil w only feeds the emulator.
func NewMirror(w Writer) *Mirror {
	return &Mirror{
		w:   w,
		emu: vt.NewSafeEmulator(Width, Height),
	}
}

func (m *Mirror) WriteChar(row, col int, c byte) error {
	if _, err := cellOffset(row, col); err != nil {
		return err
	}
	if m.w != nil {
		if err := m.w.WriteChar(row, col, c); err != nil {
			return err
		}
	}
	if c < 0x20 || c > 0x7e {
		c = ' '
	}
	// CUP is 1-based.
	_, err := m.emu.Write([]byte(ansi.CursorPosition(col+1, row+1) + string(rune(c))))
	return err
}

// Snapshot returns the emulator screen, one string per row, with trailing
// blanks removed.
func (m *Mirror) Snapshot() []string {
	lines := make([]string, Height)
	for y := 0; y < Height; y++ {
		var sb strings.Builder
		for x := 0; x < Width; x++ {
			cell := m.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				sb.WriteByte(' ')
				continue
			}
			sb.WriteString(cell.Content)
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

func (m *Mirror) Close() error {
	m.closeOnce.Do(func() {
		_ = m.emu.Close()
	})
	return nil
}
