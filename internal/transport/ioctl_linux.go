package transport

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// rdmaVerbsIoctl is _IOWR(0x1b, 1, struct ib_uverbs_ioctl_hdr).
const rdmaVerbsIoctl = 0xC0181B01

// DriverIDUnknown is RDMA_DRIVER_UNKNOWN. The CXI kernel driver has no
// assigned driver id.
const DriverIDUnknown uint32 = 0

// ioctlHdr has the same layout as struct ib_uverbs_ioctl_hdr.
type ioctlHdr struct {
	Length    uint16
	ObjectID  uint16
	MethodID  uint16
	NumAttrs  uint16
	Reserved1 uint64
	DriverID  uint32
	Reserved2 uint32
}

// ioctlAttr has the same layout as struct ib_uverbs_attr.
type ioctlAttr struct {
	AttrID   uint16
	Len      uint16
	Flags    uint16
	AttrData uint16
	Data     uint64
}

const (
	ioctlHdrSize  = int(unsafe.Sizeof(ioctlHdr{}))
	ioctlAttrSize = int(unsafe.Sizeof(ioctlAttr{}))
	maxAttrLen    = 1<<16 - 1
)

// DeviceConn is a Conn backed by an open /dev/infiniband/uverbsN file.
type DeviceConn struct {
	mu       sync.RWMutex
	f        *os.File
	path     string
	driverID uint32
}

// Open opens the uverbs character device at path.
func Open(path string) (*DeviceConn, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("Opened uverbs device")
	return &DeviceConn{f: f, path: path, driverID: DriverIDUnknown}, nil
}

// Path returns the character device path.
func (c *DeviceConn) Path() string {
	return c.path
}

// Execute serializes req, issues RDMA_VERBS_IOCTL and records which outputs
// the kernel filled.
func (c *DeviceConn) Execute(req *Request) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.f == nil {
		return ErrClosed
	}

	var pinner runtime.Pinner
	defer pinner.Unpin()

	buf, err := marshalRequest(req, c.driverID, &pinner)
	if err != nil {
		return err
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.f.Fd(), rdmaVerbsIoctl, uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(req)
	if errno != 0 {
		log.Debug().
			Str("path", c.path).
			Uint16("object", req.Object).
			Uint16("method", req.Method).
			Err(errno).
			Msg("uverbs ioctl failed")
		return errno
	}

	unmarshalOutputs(req, buf)
	return nil
}

// Map maps length bytes of device memory at the kernel's mmap offset.
func (c *DeviceConn) Map(offset int64, length int) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.f == nil {
		return nil, ErrClosed
	}
	return unix.Mmap(int(c.f.Fd()), offset, length, unix.PROT_WRITE, unix.MAP_SHARED)
}

// Unmap releases a mapping returned by Map.
func (c *DeviceConn) Unmap(b []byte) error {
	return unix.Munmap(b)
}

// Close closes the device file. Mappings stay valid until unmapped.
func (c *DeviceConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// marshalRequest lays out the header and attribute array in an 8-byte aligned
// buffer. Pointer payloads are pinned for the duration of the call.
func marshalRequest(req *Request, driverID uint32, pinner *runtime.Pinner) ([]uint64, error) {
	n := len(req.Attrs)
	size := ioctlHdrSize + n*ioctlAttrSize
	if size > maxAttrLen {
		return nil, unix.E2BIG
	}

	buf := make([]uint64, size/8)
	hdr := (*ioctlHdr)(unsafe.Pointer(&buf[0]))
	hdr.Length = uint16(size)
	hdr.ObjectID = req.Object
	hdr.MethodID = req.Method
	hdr.NumAttrs = uint16(n)
	hdr.DriverID = driverID

	for i := range req.Attrs {
		a := &req.Attrs[i]
		if len(a.Data) > maxAttrLen {
			return nil, unix.EINVAL
		}
		wa := wireAttr(buf, i)
		wa.AttrID = a.ID
		wa.Flags = a.Flags &^ AttrFlagValidOutput

		switch a.Kind {
		case AttrConst:
			wa.Len = 8
			wa.Data = a.Value
		case AttrObj:
			wa.Data = a.Value
		case AttrIn:
			wa.Len = uint16(len(a.Data))
			if len(a.Data) <= 8 {
				var inline [8]byte
				copy(inline[:], a.Data)
				wa.Data = *(*uint64)(unsafe.Pointer(&inline[0]))
			} else {
				pinner.Pin(&a.Data[0])
				wa.Data = uint64(uintptr(unsafe.Pointer(&a.Data[0])))
			}
		case AttrOut:
			wa.Len = uint16(len(a.Data))
			if len(a.Data) > 0 {
				pinner.Pin(&a.Data[0])
				wa.Data = uint64(uintptr(unsafe.Pointer(&a.Data[0])))
			}
		default:
			return nil, unix.EINVAL
		}
	}
	return buf, nil
}

func unmarshalOutputs(req *Request, buf []uint64) {
	for i := range req.Attrs {
		a := &req.Attrs[i]
		if a.Kind != AttrOut {
			continue
		}
		if wireAttr(buf, i).Flags&AttrFlagValidOutput != 0 {
			a.Written = true
			a.Flags |= AttrFlagValidOutput
		}
	}
}

func wireAttr(buf []uint64, i int) *ioctlAttr {
	off := ioctlHdrSize + i*ioctlAttrSize
	return (*ioctlAttr)(unsafe.Pointer(&buf[off/8]))
}
