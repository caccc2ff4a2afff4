package verbs

// uverbs object, method and attribute IDs used to tunnel write commands
// through RDMA_VERBS_IOCTL.
const (
	ObjectDevice       uint16 = 0
	MethodInvokeWrite  uint16 = 0
	AttrCoreIn         uint16 = 0
	AttrCoreOut        uint16 = 1
	AttrWriteCmd       uint16 = 2
	AttrUHWIn          uint16 = 0x1000
	AttrUHWOut         uint16 = 0x1001
	invokeWriteMaxAttr        = 5
)

// WriteCmd is an ib_uverbs_write_cmds value.
type WriteCmd uint32

const (
	CmdGetContextNum  WriteCmd = 0
	CmdQueryDeviceNum WriteCmd = 1
	CmdQueryPortNum   WriteCmd = 2
	CmdAllocPDNum     WriteCmd = 3
	CmdDeallocPDNum   WriteCmd = 4
	CmdCreateAHNum    WriteCmd = 5
	CmdDestroyAHNum   WriteCmd = 8
	CmdRegMRNum       WriteCmd = 9
	CmdDeregMRNum     WriteCmd = 13
	CmdCreateCQNum    WriteCmd = 18
	CmdDestroyCQNum   WriteCmd = 20
	CmdReqNotifyCQNum WriteCmd = 23
	CmdCreateQPNum    WriteCmd = 24
	CmdQueryQPNum     WriteCmd = 25
	CmdModifyQPNum    WriteCmd = 26
	CmdDestroyQPNum   WriteCmd = 27
)

var writeCmdNames = map[WriteCmd]string{
	CmdGetContextNum:  "get_context",
	CmdQueryDeviceNum: "query_device",
	CmdQueryPortNum:   "query_port",
	CmdAllocPDNum:     "alloc_pd",
	CmdDeallocPDNum:   "dealloc_pd",
	CmdCreateAHNum:    "create_ah",
	CmdDestroyAHNum:   "destroy_ah",
	CmdRegMRNum:       "reg_mr",
	CmdDeregMRNum:     "dereg_mr",
	CmdCreateCQNum:    "create_cq",
	CmdDestroyCQNum:   "destroy_cq",
	CmdReqNotifyCQNum: "req_notify_cq",
	CmdCreateQPNum:    "create_qp",
	CmdQueryQPNum:     "query_qp",
	CmdModifyQPNum:    "modify_qp",
	CmdDestroyQPNum:   "destroy_qp",
}

func (c WriteCmd) String() string {
	if n, ok := writeCmdNames[c]; ok {
		return n
	}
	return "write_cmd_unknown"
}

// The structs below have the same layout as their ib_user_verbs.h
// counterparts. The trailing driver_data arrays travel as UHW attributes.

type GetContextCmd struct {
	Response uint64
}

type GetContextResp struct {
	AsyncFD        uint32
	NumCompVectors uint32
}

type QueryDeviceCmd struct {
	Response uint64
}

type QueryDeviceResp struct {
	FWVer                 uint64
	NodeGUID              uint64
	SysImageGUID          uint64
	MaxMRSize             uint64
	PageSizeCap           uint64
	VendorID              uint32
	VendorPartID          uint32
	HWVer                 uint32
	MaxQP                 uint32
	MaxQPWR               uint32
	DeviceCapFlags        uint32
	MaxSGE                uint32
	MaxSGERd              uint32
	MaxCQ                 uint32
	MaxCQE                uint32
	MaxMR                 uint32
	MaxPD                 uint32
	MaxQPRdAtom           uint32
	MaxEERdAtom           uint32
	MaxResRdAtom          uint32
	MaxQPInitRdAtom       uint32
	MaxEEInitRdAtom       uint32
	AtomicCap             uint32
	MaxEE                 uint32
	MaxRDD                uint32
	MaxMW                 uint32
	MaxRawIPv6QP          uint32
	MaxRawEthyQP          uint32
	MaxMcastGrp           uint32
	MaxMcastQPAttach      uint32
	MaxTotalMcastQPAttach uint32
	MaxAH                 uint32
	MaxFMR                uint32
	MaxMapPerFMR          uint32
	MaxSRQ                uint32
	MaxSRQWR              uint32
	MaxSRQSGE             uint32
	MaxPkeys              uint16
	LocalCAAckDelay       uint8
	PhysPortCnt           uint8
	Reserved              [4]uint8
}

type QueryPortCmd struct {
	Response uint64
	PortNum  uint8
	Reserved [7]uint8
}

type QueryPortResp struct {
	PortCapFlags  uint32
	MaxMsgSz      uint32
	BadPkeyCntr   uint32
	QkeyViolCntr  uint32
	GIDTblLen     uint32
	PkeyTblLen    uint16
	LID           uint16
	SMLID         uint16
	State         uint8
	MaxMTU        uint8
	ActiveMTU     uint8
	LMC           uint8
	MaxVLNum      uint8
	SMSL          uint8
	SubnetTimeout uint8
	InitTypeReply uint8
	ActiveWidth   uint8
	ActiveSpeed   uint8
	PhysState     uint8
	LinkLayer     uint8
	Flags         uint8
	Reserved      uint8
}

type AllocPDCmd struct {
	Response uint64
}

type AllocPDResp struct {
	PDHandle uint32
}

type DeallocPDCmd struct {
	PDHandle uint32
}

type RegMRCmd struct {
	Response    uint64
	Start       uint64
	Length      uint64
	HCAVA       uint64
	PDHandle    uint32
	AccessFlags uint32
}

type RegMRResp struct {
	MRHandle uint32
	LKey     uint32
	RKey     uint32
}

type DeregMRCmd struct {
	MRHandle uint32
}

type CreateCQCmd struct {
	Response    uint64
	UserHandle  uint64
	CQE         uint32
	CompVector  uint32
	CompChannel int32
	Reserved    uint32
}

type CreateCQResp struct {
	CQHandle uint32
	CQE      uint32
}

type DestroyCQCmd struct {
	Response uint64
	CQHandle uint32
	Reserved uint32
}

type DestroyCQResp struct {
	CompEventsReported  uint32
	AsyncEventsReported uint32
}

type ReqNotifyCQCmd struct {
	CQHandle      uint32
	SolicitedOnly uint32
}

type CreateQPCmd struct {
	Response      uint64
	UserHandle    uint64
	PDHandle      uint32
	SendCQHandle  uint32
	RecvCQHandle  uint32
	SRQHandle     uint32
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
	SQSigAll      uint8
	QPType        uint8
	IsSRQ         uint8
	Reserved      uint8
}

type CreateQPResp struct {
	QPHandle      uint32
	QPN           uint32
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
	Reserved      uint32
}

type DestroyQPCmd struct {
	Response uint64
	QPHandle uint32
	Reserved uint32
}

type DestroyQPResp struct {
	EventsReported uint32
}

// QPDest is struct ib_uverbs_qp_dest.
type QPDest struct {
	DGID         [16]uint8
	FlowLabel    uint32
	DLID         uint16
	Reserved     uint16
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
	SL           uint8
	SrcPathBits  uint8
	StaticRate   uint8
	IsGlobal     uint8
	PortNum      uint8
}

type ModifyQPCmd struct {
	Dest             QPDest
	AltDest          QPDest
	QPHandle         uint32
	AttrMask         uint32
	QKey             uint32
	RQPSN            uint32
	SQPSN            uint32
	DestQPNum        uint32
	QPAccessFlags    uint32
	PkeyIndex        uint16
	AltPkeyIndex     uint16
	QPState          uint8
	CurQPState       uint8
	PathMTU          uint8
	PathMigState     uint8
	EnSQDAsyncNotify uint8
	MaxRdAtomic      uint8
	MaxDestRdAtomic  uint8
	MinRNRTimer      uint8
	PortNum          uint8
	Timeout          uint8
	RetryCnt         uint8
	RNRRetry         uint8
	AltPortNum       uint8
	AltTimeout       uint8
	Reserved         [2]uint8
}

type QueryQPCmd struct {
	Response uint64
	QPHandle uint32
	AttrMask uint32
}

type QueryQPResp struct {
	Dest            QPDest
	AltDest         QPDest
	MaxSendWR       uint32
	MaxRecvWR       uint32
	MaxSendSGE      uint32
	MaxRecvSGE      uint32
	MaxInlineData   uint32
	QKey            uint32
	RQPSN           uint32
	SQPSN           uint32
	DestQPNum       uint32
	QPAccessFlags   uint32
	PkeyIndex       uint16
	AltPkeyIndex    uint16
	QPState         uint8
	CurQPState      uint8
	PathMTU         uint8
	PathMigState    uint8
	SQDraining      uint8
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RNRRetry        uint8
	AltPortNum      uint8
	AltTimeout      uint8
	SQSigAll        uint8
	Reserved        [5]uint8
}

// GlobalRouteWire is struct ib_uverbs_global_route.
type GlobalRouteWire struct {
	DGID         [16]uint8
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
	Reserved     uint8
}

// AHAttrWire is struct ib_uverbs_ah_attr.
type AHAttrWire struct {
	GRH         GlobalRouteWire
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    uint8
	PortNum     uint8
	Reserved    uint8
}

type CreateAHCmd struct {
	Response   uint64
	UserHandle uint64
	PDHandle   uint32
	Reserved   uint32
	Attr       AHAttrWire
}

type CreateAHResp struct {
	AHHandle uint32
}

type DestroyAHCmd struct {
	AHHandle uint32
}
