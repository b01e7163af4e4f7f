package multiboot

// Validate checks that h describes an image this loader can relocate. Rules
// are applied in order and the first failure is returned. Flags other than
// the a.out kludge, memory info and page align bits are ignored.
func Validate(h Header, pageSize uint32) error {
	if !h.Flags.Has(FlagAoutKludge) {
		return ErrUnsupportedFormat
	}
	if !h.Flags.Has(FlagMemoryInfo) {
		return ErrMissingMemoryInfo
	}
	if h.Flags.Has(FlagPageAlign) && pageSize != 0 && h.LoadAddr%pageSize != 0 {
		return ErrPageAlignment
	}
	return nil
}
