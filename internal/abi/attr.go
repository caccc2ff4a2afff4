package abi

import "unsafe"

// DeviceAttr is filled by the direct-verbs device query from the limits cached
// on the context.
type DeviceAttr struct {
	CompMask    uint64
	MaxSQWR     uint32
	MaxRQWR     uint32
	MaxSQSGE    uint16
	MaxRQSGE    uint16
	DeviceCaps  uint32
	MaxRDMASize uint32
	Reserved    [4]uint8
}

// Method1Attr carries device information returned by method 1.
type Method1Attr struct {
	CompMask     uint64
	NICAddr      uint32
	PIDGranule   uint32
	PIDCount     uint32
	PIDBits      uint32
	MinFreeShift uint32
	Reserved     [4]uint8
}

// Method2Attr carries memory region information returned by method 2.
type Method2Attr struct {
	CompMask    uint64
	MDHandle    uint32
	_           [4]uint8
	IOVA        uint64
	Length      uint64
	AccessFlags uint32
	Reserved    [4]uint8
}

// Method3Attr carries queue pair information returned by method 3.
type Method3Attr struct {
	CompMask   uint64
	TXQHandle  uint32
	TGQHandle  uint32
	CMDQHandle uint32
	EQHandle   uint32
	State      uint32
	Reserved   [4]uint8
}

// MinAttrLen is the smallest inlen a direct-verbs query accepts: the buffer
// must at least carry comp_mask.
const MinAttrLen = uint32(unsafe.Sizeof(uint64(0)))
