package verbs

import "fmt"

// AccessFlags is the ibv_access_flags bitmask.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic
	AccessMWBind
	AccessZeroBased
	AccessOnDemand
)

// QPState is the queue pair state.
type QPState uint8

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	default:
		return fmt.Sprintf("QPState(%d)", uint8(s))
	}
}

// validTransitions lists the states reachable from each state through
// modify_qp. Any state may move to RESET or ERR.
var validTransitions = map[QPState][]QPState{
	QPStateReset: {QPStateInit},
	QPStateInit:  {QPStateInit, QPStateRTR},
	QPStateRTR:   {QPStateRTS},
	QPStateRTS:   {QPStateRTS, QPStateSQD},
	QPStateSQD:   {QPStateSQD, QPStateRTS},
	QPStateSQE:   {QPStateRTS},
}

// ValidTransition reports whether a queue pair in cur may be moved to next.
func ValidTransition(cur, next QPState) bool {
	if next == QPStateReset || next == QPStateErr {
		return cur <= QPStateErr
	}
	for _, s := range validTransitions[cur] {
		if s == next {
			return true
		}
	}
	return false
}

// QPType is the ibv_qp_type transport.
type QPType uint8

const (
	QPTypeRC        QPType = 2
	QPTypeUC        QPType = 3
	QPTypeUD        QPType = 4
	QPTypeRawPacket QPType = 8
)

// QPAttrMask selects the QPAttr fields a modify or query touches.
type QPAttrMask uint32

const (
	QPAttrState QPAttrMask = 1 << iota
	QPAttrCurState
	QPAttrEnSQDAsyncNotify
	QPAttrAccessFlags
	QPAttrPkeyIndex
	QPAttrPort
	QPAttrQKey
	QPAttrAV
	QPAttrPathMTU
	QPAttrTimeout
	QPAttrRetryCnt
	QPAttrRNRRetry
	QPAttrRQPSN
	QPAttrMaxQPRdAtomic
	QPAttrAltPath
	QPAttrMinRNRTimer
	QPAttrSQPSN
	QPAttrMaxDestRdAtomic
	QPAttrPathMigState
	QPAttrCap
	QPAttrDestQPN
)

// GlobalRoute is the GRH part of an address vector.
type GlobalRoute struct {
	DGID         [16]byte
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// AHAttr is an address vector.
type AHAttr struct {
	GRH         GlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    bool
	PortNum     uint8
}

// QPCap is the queue pair capacity request and the granted result.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// QPInitAttr describes a queue pair to create.
type QPInitAttr struct {
	SendCQ   CompletionQueue
	RecvCQ   CompletionQueue
	Cap      QPCap
	Type     QPType
	SQSigAll bool
	// UserHandle is echoed back in asynchronous events.
	UserHandle uint64
}

// QPInitAttrEx is the extended creation request. PD is required.
type QPInitAttrEx struct {
	QPInitAttr
	PD       ProtectionDomain
	CompMask uint32
}

// QPAttr carries modify and query parameters.
type QPAttr struct {
	State            QPState
	CurState         QPState
	PathMTU          uint8
	PathMigState     uint8
	QKey             uint32
	RQPSN            uint32
	SQPSN            uint32
	DestQPNum        uint32
	AccessFlags      AccessFlags
	Cap              QPCap
	AH               AHAttr
	AltAH            AHAttr
	PkeyIndex        uint16
	AltPkeyIndex     uint16
	EnSQDAsyncNotify uint8
	SQDraining       uint8
	MaxRdAtomic      uint8
	MaxDestRdAtomic  uint8
	MinRNRTimer      uint8
	PortNum          uint8
	Timeout          uint8
	RetryCnt         uint8
	RNRRetry         uint8
	AltPortNum       uint8
	AltTimeout       uint8
}

// CQInitAttrEx is the extended completion queue creation request.
type CQInitAttrEx struct {
	CQE        uint32
	CompVector uint32
	UserHandle uint64
	WCFlags    uint64
	CompMask   uint32
	Flags      uint32
}

// DeviceAttr is the device limit set returned by a device query.
type DeviceAttr struct {
	FWVer           uint64
	NodeGUID        uint64
	SysImageGUID    uint64
	MaxMRSize       uint64
	PageSizeCap     uint64
	VendorID        uint32
	VendorPartID    uint32
	HWVer           uint32
	MaxQP           uint32
	MaxQPWR         uint32
	DeviceCapFlags  uint32
	MaxSGE          uint32
	MaxSGERd        uint32
	MaxCQ           uint32
	MaxCQE          uint32
	MaxMR           uint32
	MaxPD           uint32
	MaxQPRdAtom     uint32
	MaxQPInitRdAtom uint32
	AtomicCap       uint32
	MaxMcastGrp     uint32
	MaxAH           uint32
	MaxSRQ          uint32
	MaxPkeys        uint16
	PhysPortCnt     uint8
}

// Atomic capability levels.
const (
	AtomicNone uint32 = iota
	AtomicHCA
	AtomicGlob
)

// PortAttr is the port attribute set returned by a port query.
type PortAttr struct {
	State        uint8
	MaxMTU       uint8
	ActiveMTU    uint8
	GIDTblLen    uint32
	PortCapFlags uint32
	MaxMsgSz     uint32
	PkeyTblLen   uint16
	LID          uint16
	SMLID        uint16
	LMC          uint8
	ActiveWidth  uint8
	ActiveSpeed  uint8
	PhysState    uint8
	LinkLayer    uint8
	Flags        uint8
}

// Port states.
const (
	PortNop uint8 = iota
	PortDown
	PortInit
	PortArmed
	PortActive
	PortActiveDefer
)

// SGE is one scatter/gather element.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// WROpcode is the send work request opcode.
type WROpcode uint8

const (
	WRRDMAWrite WROpcode = iota
	WRRDMAWriteWithImm
	WRSend
	WRSendWithImm
	WRRDMARead
	WRAtomicCmpAndSwp
	WRAtomicFetchAndAdd
)

// Send flags.
const (
	SendFence uint32 = 1 << iota
	SendSignaled
	SendSolicited
	SendInline
)

// SendWR is one send work request. Requests are chained through Next.
type SendWR struct {
	WRID      uint64
	Next      *SendWR
	SGList    []SGE
	Opcode    WROpcode
	SendFlags uint32
	ImmData   uint32
	// RDMA and atomic operations.
	RemoteAddr uint64
	RKey       uint32
	CompareAdd uint64
	Swap       uint64
	// UD operations.
	AH         AddressHandle
	RemoteQPN  uint32
	RemoteQKey uint32
}

// RecvWR is one receive work request. Requests are chained through Next.
type RecvWR struct {
	WRID   uint64
	Next   *RecvWR
	SGList []SGE
}

// WCStatus is the completion status.
type WCStatus uint8

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocRDDViolErr
	WCRemInvRDReqErr
	WCRemAbortErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

// WCOpcode is the completed operation.
type WCOpcode uint8

const (
	WCSend WCOpcode = iota
	WCRDMAWrite
	WCRDMARead
	WCCompSwap
	WCFetchAdd
	WCBindMW
	WCRecv            WCOpcode = 1 << 7
	WCRecvRDMAWithImm WCOpcode = WCRecv + 1
)

// WC is a work completion.
type WC struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPNum     uint32
	SrcQP     uint32
	WCFlags   uint32
}
