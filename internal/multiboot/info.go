package multiboot

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/mbboot/internal/hv"
)

// InfoSize is the size of the boot information structure handed to the
// kernel. Fields past boot_device are left zero.
const InfoSize = 88

// BootDeviceUnknown is the boot_device value for an unspecified device.
const BootDeviceUnknown uint32 = 0x00FFFFFF

// InfoFlags marks which Info fields are valid.
type InfoFlags uint32

const (
	InfoMemory     InfoFlags = 1 << 0
	InfoBootDevice InfoFlags = 1 << 1
)

// Info is the boot information record read by the kernel.
type Info struct {
	Flags      InfoFlags
	MemLower   uint32
	MemUpper   uint32
	BootDevice uint32
}

// Populate marks the memory and boot device fields valid and fills them in.
// memLower and memUpper are passed through unchanged.
func (i *Info) Populate(memLower, memUpper uint32) {
	i.Flags = InfoMemory | InfoBootDevice
	i.MemLower = memLower
	i.MemUpper = memUpper
	i.BootDevice = BootDeviceUnknown
}

func (i *Info) MarshalBinary() ([]byte, error) {
	buf := make([]byte, InfoSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(i.Flags))
	binary.LittleEndian.PutUint32(buf[4:], i.MemLower)
	binary.LittleEndian.PutUint32(buf[8:], i.MemUpper)
	binary.LittleEndian.PutUint32(buf[12:], i.BootDevice)
	return buf, nil
}

func (i *Info) UnmarshalBinary(data []byte) error {
	if len(data) < InfoSize {
		return fmt.Errorf("multiboot info needs %d bytes, got %d", InfoSize, len(data))
	}
	i.Flags = InfoFlags(binary.LittleEndian.Uint32(data[0:]))
	i.MemLower = binary.LittleEndian.Uint32(data[4:])
	i.MemUpper = binary.LittleEndian.Uint32(data[8:])
	i.BootDevice = binary.LittleEndian.Uint32(data[12:])
	return nil
}

// Place writes the encoded record to m at addr. The kernel finds it through
// the address passed in EBX, so addr must be below 4 GiB.
func (i *Info) Place(m hv.Memory, addr uint64) error {
	if addr+InfoSize > math.MaxUint32+1 {
		return fmt.Errorf("boot info at %#x not addressable by a 32-bit kernel", addr)
	}
	data, err := i.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := m.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("write boot info: %w", err)
	}
	return nil
}
