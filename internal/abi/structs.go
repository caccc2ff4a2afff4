package abi

// AllocUcontextCmd is the vendor part of the context allocation command.
type AllocUcontextCmd struct {
	CompMask  uint32
	Reserved4 [4]uint8
}

// AllocUcontextResp is the vendor part of the context allocation response.
type AllocUcontextResp struct {
	CompMask  uint32
	UARN      uint16
	Reserved6 [6]uint8
}

// AllocPDResp is the vendor part of the protection domain allocation response.
type AllocPDResp struct {
	CompMask  uint32
	PDN       uint16
	Reserved6 [6]uint8
}

// CreateCQCmd is the vendor part of the completion queue creation command.
type CreateCQCmd struct {
	CompMask   uint32
	CQDepth    uint32
	EQN        uint16
	Reserved10 [6]uint8
}

// CreateCQResp is the vendor part of the completion queue creation response.
type CreateCQResp struct {
	CompMask    uint32
	CQIdx       uint16
	ActualDepth uint16
	DBOff       uint32
	Reserved12  [4]uint8
}

// CreateQPCmd is the vendor part of the queue pair creation command.
type CreateQPCmd struct {
	CompMask   uint32
	SQDepth    uint32
	RQDepth    uint32
	SendCQIdx  uint16
	RecvCQIdx  uint16
	Reserved16 [4]uint8
}

// CreateQPResp is the vendor part of the queue pair creation response.
type CreateQPResp struct {
	CompMask   uint32
	QPHandle   uint32
	QPNum      uint32
	SQDBOffset uint32
	RQDBOffset uint32
	Reserved20 [4]uint8
}

// RegMRCmd is the vendor part of the memory registration command.
type RegMRCmd struct {
	CompMask    uint32
	_           [4]uint8
	Start       uint64
	Length      uint64
	VirtAddr    uint64
	AccessFlags uint32
	Reserved36  [4]uint8
}

// RegMRResp is the vendor part of the memory registration response.
type RegMRResp struct {
	CompMask   uint32
	LKey       uint32
	RKey       uint32
	Reserved12 [4]uint8
}

// CreateAHResp is the vendor part of the address handle creation response.
// Kernels that do not fill it leave AHN zero.
type CreateAHResp struct {
	CompMask  uint32
	AHN       uint16
	Reserved6 [2]uint8
}

// Method1Resp collects the method 1 output attributes.
type Method1Resp struct {
	CompMask     uint32
	NICAddr      uint32
	PIDGranule   uint32
	PIDCount     uint32
	PIDBits      uint32
	MinFreeShift uint32
	Reserved24   [4]uint8
}

// Method2Resp collects the method 2 output attributes.
type Method2Resp struct {
	CompMask    uint32
	MDHandle    uint32
	IOVA        uint64
	Length      uint64
	AccessFlags uint32
	Reserved28  [4]uint8
}

// Method3Resp collects the method 3 output attributes.
type Method3Resp struct {
	CompMask   uint32
	TXQHandle  uint32
	TGQHandle  uint32
	CMDQHandle uint32
	EQHandle   uint32
	State      uint32
	Reserved24 [4]uint8
}
