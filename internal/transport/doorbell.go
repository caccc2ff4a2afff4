package transport

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Doorbell is a 32-bit hardware register inside a mapped page.
type Doorbell struct {
	page []byte
	reg  *uint32
}

// NewDoorbell returns the doorbell at offset off within page. The offset must
// be 4-byte aligned and inside the page.
func NewDoorbell(page []byte, off int) (*Doorbell, error) {
	if off < 0 || off%4 != 0 || off+4 > len(page) {
		return nil, unix.EINVAL
	}
	return &Doorbell{
		page: page,
		reg:  (*uint32)(unsafe.Pointer(&page[off])),
	}, nil
}

// Ring publishes v. The atomic store orders every earlier write to queue
// memory before the doorbell value becomes visible to the device.
func (d *Doorbell) Ring(v uint32) {
	atomic.StoreUint32(d.reg, v)
}

// Load reads the last value written.
func (d *Doorbell) Load() uint32 {
	return atomic.LoadUint32(d.reg)
}

// Page returns the mapping that backs the doorbell.
func (d *Doorbell) Page() []byte {
	return d.page
}

// Buffer is anonymous, page aligned memory for queue rings.
type Buffer []byte

// AllocBuffer maps n bytes of zeroed private memory.
func AllocBuffer(n int) (Buffer, error) {
	if n <= 0 {
		return nil, unix.EINVAL
	}
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return Buffer(b), nil
}

// Free unmaps the buffer. Freeing a nil buffer is a no-op.
func (b Buffer) Free() error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}
