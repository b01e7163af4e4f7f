package boot

import (
	"bytes"
	"io"
)

// Image is a kernel image file opened for preloading.
type Image struct {
	path  string
	data  []byte
	unmap func() error
}

func (i *Image) Path() string { return i.path }

func (i *Image) Size() int64 { return int64(len(i.data)) }

// Reader returns a reader over the whole image.
func (i *Image) Reader() io.Reader { return bytes.NewReader(i.data) }

// Bytes returns the image contents. The slice is only valid until Close.
func (i *Image) Bytes() []byte { return i.data }

func (i *Image) Close() error {
	if i.unmap == nil {
		return nil
	}
	unmap := i.unmap
	i.unmap = nil
	i.data = nil
	return unmap()
}
