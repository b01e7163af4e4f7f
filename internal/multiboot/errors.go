package multiboot

import "errors"

var (
	// ErrHeaderNotFound means no magic/checksum pair was found in the search
	// window.
	ErrHeaderNotFound = errors.New("multiboot header not found")

	// ErrUnsupportedFormat means the header lacks the a.out kludge fields;
	// ELF images are not loaded.
	ErrUnsupportedFormat = errors.New("multiboot image is not in a.out kludge format")

	// ErrMissingMemoryInfo means the kernel did not request memory
	// information.
	ErrMissingMemoryInfo = errors.New("multiboot header does not request memory info")

	// ErrPageAlignment means page alignment was requested but load_addr is
	// not page aligned.
	ErrPageAlignment = errors.New("multiboot load address is not page aligned")

	// ErrInvalidLayout means the header's addresses do not describe a range
	// that can be copied and cleared.
	ErrInvalidLayout = errors.New("multiboot image layout is invalid")
)
