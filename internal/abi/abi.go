// Package abi holds the fixed-layout command and response records shared with
// the CXI kernel driver, plus the enumerations that travel inside them.
//
// Every record has the same byte layout as its counterpart in the kernel
// header. Padding is spelled out with blank or ReservedN fields (N is the byte
// offset of the reserved region) so the Go layout does not depend on the
// target's alignment rules.
package abi

import "strings"

// Version is the userspace/kernel ABI version. It must equal the abi_version
// the kernel reports for the uverbs device or the device is not matched.
const Version = 1

// IDNamespaceShift is the uverbs ID namespace shift. Vendor objects, methods
// and attributes live in namespace 1.
const IDNamespaceShift = 12

const vendorNamespace = 1 << IDNamespaceShift

// ObjectGeneric is the vendor-private object all direct-verbs methods hang off.
const ObjectGeneric uint16 = vendorNamespace

// Vendor method IDs.
const (
	Method1 uint16 = vendorNamespace + iota // device info
	Method2                                 // memory region info
	Method3                                 // queue pair info
)

// MethodName names a vendor method for logs and metrics. Unknown methods
// yield the empty string.
func MethodName(method uint16) string {
	switch method {
	case Method1:
		return "method1"
	case Method2:
		return "method2"
	case Method3:
		return "method3"
	default:
		return ""
	}
}

// Vendor attribute IDs.
const (
	AttrMethod1RespNICAddr uint16 = vendorNamespace + iota
	AttrMethod1RespPIDGranule
	AttrMethod1RespPIDCount
	AttrMethod1RespPIDBits
	AttrMethod1RespMinFreeShift

	AttrMethod2MRHandle
	AttrMethod2RespMDHandle
	AttrMethod2RespIOVA
	AttrMethod2RespLength
	AttrMethod2RespAccessFlags

	AttrMethod3QPHandle
	AttrMethod3RespTXQHandle
	AttrMethod3RespTGQHandle
	AttrMethod3RespCMDQHandle
	AttrMethod3RespEQHandle
	AttrMethod3RespState
)

// DeviceCap is the CXI device capability bitmask.
type DeviceCap uint32

const (
	DeviceCapAtomicOps DeviceCap = 1 << iota
	DeviceCapRDMARead
	DeviceCapRDMAWrite
	DeviceCapMulticast
	DeviceCapTriggeredOps
	DeviceCapRestrictedMembers
)

var deviceCapNames = []struct {
	cap  DeviceCap
	name string
}{
	{DeviceCapAtomicOps, "ATOMIC_OPS"},
	{DeviceCapRDMARead, "RDMA_READ"},
	{DeviceCapRDMAWrite, "RDMA_WRITE"},
	{DeviceCapMulticast, "MULTICAST"},
	{DeviceCapTriggeredOps, "TRIGGERED_OPS"},
	{DeviceCapRestrictedMembers, "RESTRICTED_MEMBERS"},
}

// Has reports whether every bit of c2 is set in c.
func (c DeviceCap) Has(c2 DeviceCap) bool {
	return c&c2 == c2
}

func (c DeviceCap) String() string {
	var names []string
	for _, n := range deviceCapNames {
		if c&n.cap != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// MR access flags as the CXI kernel driver reports them.
const (
	MRAccessLocalRead uint32 = 1 << iota
	MRAccessLocalWrite
	MRAccessRemoteRead
	MRAccessRemoteWrite
	MRAccessRemoteAtomic
)

// QP states as the CXI kernel driver reports them in method 3.
const (
	QPStateReset uint32 = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)
