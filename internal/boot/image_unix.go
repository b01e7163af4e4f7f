//go:build unix

package boot

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenImage maps the kernel image at path read-only.
func OpenImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open kernel image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat kernel image: %w", err)
	}
	if info.Size() == 0 {
		return &Image{path: path}, nil
	}
	if int64(int(info.Size())) != info.Size() {
		return nil, fmt.Errorf("kernel image %s too large to map", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap kernel image: %w", err)
	}
	return &Image{
		path:  path,
		data:  data,
		unmap: func() error { return unix.Munmap(data) },
	}, nil
}
