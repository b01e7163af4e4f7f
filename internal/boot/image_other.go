//go:build !unix

package boot

import (
	"fmt"
	"os"
)

// OpenImage reads the kernel image at path into memory.
func OpenImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel image: %w", err)
	}
	return &Image{path: path, data: data}, nil
}
