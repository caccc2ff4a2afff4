// Package cxidv exposes the CXI direct-verbs queries.
//
// Every query takes the caller's buffer length. Fields that do not fit are
// left untouched, so a caller built against an older, shorter record keeps
// working against a newer provider.
package cxidv

import (
	"errors"
	"unsafe"

	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/cxi"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

type (
	DeviceAttr  = abi.DeviceAttr
	Method1Attr = abi.Method1Attr
	Method2Attr = abi.Method2Attr
	Method3Attr = abi.Method3Attr
	DeviceCap   = abi.DeviceCap
)

// Device capability bits reported in DeviceAttr.DeviceCaps.
const (
	CapAtomicOps         = abi.DeviceCapAtomicOps
	CapRDMARead          = abi.DeviceCapRDMARead
	CapRDMAWrite         = abi.DeviceCapRDMAWrite
	CapMulticast         = abi.DeviceCapMulticast
	CapTriggeredOps      = abi.DeviceCapTriggeredOps
	CapRestrictedMembers = abi.DeviceCapRestrictedMembers
)

// Attr is any record filled by a direct-verbs query.
type Attr interface {
	DeviceAttr | Method1Attr | Method2Attr | Method3Attr
}

// Version returns the direct-verbs API version.
func Version() string { return cxi.DVVersion }

// IsSupported reports whether dev is driven by the CXI provider.
func IsSupported(dev *verbs.Device) bool { return cxi.IsSupported(dev) }

// Size returns the full size of a query record, the inlen that requests
// every field.
func Size[T Attr]() uint32 {
	var v T
	return uint32(unsafe.Sizeof(v))
}

// FieldAvailable reports whether the named field of T is filled for a buffer
// of inlen bytes. Unknown names report false.
func FieldAvailable[T Attr](name string, inlen uint32) bool {
	var v T
	for _, f := range abi.Fields(&v) {
		if f.Name == name {
			return abi.FieldAvail(f.Offset, f.Size, inlen)
		}
	}
	return false
}

// QueryDevice fills attr from the limits cached on ctx.
func QueryDevice(ctx verbs.ContextOps, attr *DeviceAttr, inlen uint32) error {
	return cxi.QueryDevice(ctx, attr, inlen)
}

// Method1 queries the NIC address and PID space of the device.
func Method1(ctx verbs.ContextOps, attr *Method1Attr, inlen uint32) error {
	return cxi.Method1(ctx, attr, inlen)
}

// Method2 queries the memory descriptor backing mr.
func Method2(mr verbs.MemoryRegion, attr *Method2Attr, inlen uint32) error {
	return cxi.Method2(mr, attr, inlen)
}

// Method3 queries the hardware queues backing qp.
func Method3(qp verbs.QueuePair, attr *Method3Attr, inlen uint32) error {
	return cxi.Method3(qp, attr, inlen)
}

// QueryMR is Method2 with the full record.
func QueryMR(mr verbs.MemoryRegion) (Method2Attr, error) {
	var attr Method2Attr
	err := cxi.Method2(mr, &attr, Size[Method2Attr]())
	return attr, err
}

// QueryQP is Method3 with the full record.
func QueryQP(qp verbs.QueuePair) (Method3Attr, error) {
	var attr Method3Attr
	err := cxi.Method3(qp, &attr, Size[Method3Attr]())
	return attr, err
}

// Errno returns the positive error code carried by err, 0 for nil and EIO
// when err carries none.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EIO)
}
