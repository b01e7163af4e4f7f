// Package debug records the trace signals a boot loader sends to its host:
// that the loader has started, strings, hex words and breakpoints.
//
// Records are appended to an io.WriterAt. Each record is a 16 byte header
// followed by the source name and the payload:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Writers reserve their slot by atomically advancing the end offset, so a
// Log can be shared without a lock.
package debug

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	// KindBooted marks the start of the loader; the payload is its name.
	KindBooted
	// KindPuts carries a string.
	KindPuts
	// KindPutX carries a 32-bit little-endian word.
	KindPutX
	// KindBreak asks the host to stop.
	KindBreak
)

func (k Kind) String() string {
	switch k {
	case KindBooted:
		return "booted"
	case KindPuts:
		return "puts"
	case KindPutX:
		return "putx"
	case KindBreak:
		return "break"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

const headerSize = 16

type Writer interface {
	io.WriterAt
	io.Closer
}

// Log appends trace records to a Writer. A nil *Log discards everything.
type Log struct {
	w      Writer
	offset atomic.Int64
	err    atomic.Pointer[error]
	now    func() time.Time
}

// Open returns a Log that appends to w starting at offset zero.
func Open(w Writer) *Log {
	return &Log{w: w, now: time.Now}
}

// OpenFile truncates filename and returns a Log writing to it.
func OpenFile(filename string) (*Log, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return Open(f), nil
}

// Close closes the underlying writer and returns the first write error, if
// any.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	closeErr := l.w.Close()
	if p := l.err.Load(); p != nil {
		return *p
	}
	return closeErr
}

func encodeHeader(kind Kind, source string, data []byte, ts time.Time) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts.UnixNano()))
	return header
}

func (l *Log) write(kind Kind, source string, data []byte) {
	if l == nil {
		return
	}
	if len(source) > 0xffff {
		source = source[:0xffff]
	}

	rec := append(encodeHeader(kind, source, data, l.now()), source...)
	rec = append(rec, data...)

	off := l.offset.Add(int64(len(rec))) - int64(len(rec))
	if _, err := l.w.WriteAt(rec, off); err != nil {
		// Keep the first failure for Close; tracing never stops the boot.
		err = fmt.Errorf("debug: write record at %d: %w", off, err)
		l.err.CompareAndSwap(nil, &err)
	}
}

// Booted records that the loader named name has started.
func (l *Log) Booted(name string) { l.write(KindBooted, "boot", []byte(name)) }

// Puts records a string from source.
func (l *Log) Puts(source, s string) { l.write(KindPuts, source, []byte(s)) }

// Putf records a formatted string from source.
func (l *Log) Putf(source, format string, args ...any) {
	l.write(KindPuts, source, fmt.Appendf(nil, format, args...))
}

// PutX records a word from source.
func (l *Log) PutX(source string, v uint32) {
	l.write(KindPutX, source, binary.LittleEndian.AppendUint32(nil, v))
}

// Break records a breakpoint request from source.
func (l *Log) Break(source string) { l.write(KindBreak, source, nil) }

// Record is a decoded trace record.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Word returns the payload of a KindPutX record.
func (r Record) Word() (uint32, bool) {
	if r.Kind != KindPutX || len(r.Data) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.Data), true
}

func (r Record) String() string {
	ts := r.Time.Format("15:04:05.000000")
	switch r.Kind {
	case KindPutX:
		v, _ := r.Word()
		return fmt.Sprintf("%s %-6s %s %#08x", ts, r.Kind, r.Source, v)
	case KindBreak:
		return fmt.Sprintf("%s %-6s %s", ts, r.Kind, r.Source)
	default:
		return fmt.Sprintf("%s %-6s %s %s", ts, r.Kind, r.Source, r.Data)
	}
}

// ErrCorrupt is returned when a trace ends in the middle of a record or holds
// an unknown record kind.
var ErrCorrupt = errors.New("debug: corrupt trace")

// Each decodes records from r in file order and calls fn for each one. A
// non-nil error from fn stops the walk and is returned.
func Each(r io.ReaderAt, size int64, fn func(Record) error) error {
	var off int64
	var header [headerSize]byte
	for off < size {
		if size-off < headerSize {
			return fmt.Errorf("%w: %d trailing bytes at %d", ErrCorrupt, size-off, off)
		}
		if _, err := r.ReadAt(header[:], off); err != nil {
			return fmt.Errorf("read record header at %d: %w", off, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		sourceLength := int64(binary.LittleEndian.Uint16(header[2:4]))
		dataLength := int64(binary.LittleEndian.Uint32(header[4:8]))
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		if kind == KindInvalid || kind > KindBreak {
			return fmt.Errorf("%w: kind %d at %d", ErrCorrupt, kind, off)
		}
		body := sourceLength + dataLength
		if size-off-headerSize < body {
			return fmt.Errorf("%w: record at %d runs past end", ErrCorrupt, off)
		}
		buf := make([]byte, body)
		if _, err := r.ReadAt(buf, off+headerSize); err != nil {
			return fmt.Errorf("read record body at %d: %w", off, err)
		}

		rec := Record{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(buf[:sourceLength]),
			Data:   buf[sourceLength:],
		}
		if err := fn(rec); err != nil {
			return err
		}
		off += headerSize + body
	}
	return nil
}

// EachFile walks the records in filename.
func EachFile(filename string, fn func(Record) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat trace file: %w", err)
	}
	return Each(f, info.Size(), fn)
}
