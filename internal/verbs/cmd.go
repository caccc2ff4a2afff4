package verbs

import (
	"unsafe"

	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/transport"
	"golang.org/x/sys/unix"
)

// UData is the vendor extension of a write command: an input appended to the
// core command and an output appended to the core response. Either may be
// nil.
type UData struct {
	In  []byte
	Out []byte
}

// NewInvokeWrite builds the ioctl request that carries write command num with
// the given core command/response images and vendor udata.
func NewInvokeWrite(num WriteCmd, core, resp []byte, udata UData) *transport.Request {
	req := transport.NewRequest(ObjectDevice, MethodInvokeWrite, invokeWriteMaxAttr)
	req.AddIn(AttrCoreIn, core)
	if len(resp) > 0 {
		req.AddOut(AttrCoreOut, resp)
	}
	req.AddConst(AttrWriteCmd, uint64(num))
	if len(udata.In) > 0 {
		req.AddIn(AttrUHWIn, udata.In)
	}
	if len(udata.Out) > 0 {
		req.AddOut(AttrUHWOut, udata.Out)
	}
	return req
}

// WriteCmdOf returns the write command carried by req, if any.
func WriteCmdOf(req *transport.Request) (WriteCmd, bool) {
	if req.Object != ObjectDevice || req.Method != MethodInvokeWrite {
		return 0, false
	}
	a := req.Attr(AttrWriteCmd)
	if a == nil {
		return 0, false
	}
	return WriteCmd(a.Uint64()), true
}

// RequestName names a request for logs and metrics.
func RequestName(req *transport.Request) string {
	if num, ok := WriteCmdOf(req); ok {
		return num.String()
	}
	return "ioctl"
}

func execWrite[C, R any](ex transport.Executor, num WriteCmd, cmd *C, resp *R, udata UData) error {
	var respBytes []byte
	if resp != nil {
		respBytes = abi.Bytes(resp)
	}
	return ex.Execute(NewInvokeWrite(num, abi.Bytes(cmd), respBytes, udata))
}

// CmdGetContext issues GET_CONTEXT and fills the generic context fields.
func CmdGetContext(c *Context, udata UData) error {
	var cmd GetContextCmd
	var resp GetContextResp
	if err := execWrite(c.Conn, CmdGetContextNum, &cmd, &resp, udata); err != nil {
		return err
	}
	c.AsyncFD = int32(resp.AsyncFD)
	c.NumCompVectors = resp.NumCompVectors
	return nil
}

// CmdQueryDevice issues QUERY_DEVICE.
func CmdQueryDevice(c *Context) (DeviceAttr, error) {
	var cmd QueryDeviceCmd
	var resp QueryDeviceResp
	if err := execWrite(c.Conn, CmdQueryDeviceNum, &cmd, &resp, UData{}); err != nil {
		return DeviceAttr{}, err
	}
	return DeviceAttr{
		FWVer:           resp.FWVer,
		NodeGUID:        resp.NodeGUID,
		SysImageGUID:    resp.SysImageGUID,
		MaxMRSize:       resp.MaxMRSize,
		PageSizeCap:     resp.PageSizeCap,
		VendorID:        resp.VendorID,
		VendorPartID:    resp.VendorPartID,
		HWVer:           resp.HWVer,
		MaxQP:           resp.MaxQP,
		MaxQPWR:         resp.MaxQPWR,
		DeviceCapFlags:  resp.DeviceCapFlags,
		MaxSGE:          resp.MaxSGE,
		MaxSGERd:        resp.MaxSGERd,
		MaxCQ:           resp.MaxCQ,
		MaxCQE:          resp.MaxCQE,
		MaxMR:           resp.MaxMR,
		MaxPD:           resp.MaxPD,
		MaxQPRdAtom:     resp.MaxQPRdAtom,
		MaxQPInitRdAtom: resp.MaxQPInitRdAtom,
		AtomicCap:       resp.AtomicCap,
		MaxMcastGrp:     resp.MaxMcastGrp,
		MaxAH:           resp.MaxAH,
		MaxSRQ:          resp.MaxSRQ,
		MaxPkeys:        resp.MaxPkeys,
		PhysPortCnt:     resp.PhysPortCnt,
	}, nil
}

// CmdQueryPort issues QUERY_PORT.
func CmdQueryPort(c *Context, port uint8) (PortAttr, error) {
	cmd := QueryPortCmd{PortNum: port}
	var resp QueryPortResp
	if err := execWrite(c.Conn, CmdQueryPortNum, &cmd, &resp, UData{}); err != nil {
		return PortAttr{}, err
	}
	return PortAttr{
		State:        resp.State,
		MaxMTU:       resp.MaxMTU,
		ActiveMTU:    resp.ActiveMTU,
		GIDTblLen:    resp.GIDTblLen,
		PortCapFlags: resp.PortCapFlags,
		MaxMsgSz:     resp.MaxMsgSz,
		PkeyTblLen:   resp.PkeyTblLen,
		LID:          resp.LID,
		SMLID:        resp.SMLID,
		LMC:          resp.LMC,
		ActiveWidth:  resp.ActiveWidth,
		ActiveSpeed:  resp.ActiveSpeed,
		PhysState:    resp.PhysState,
		LinkLayer:    resp.LinkLayer,
		Flags:        resp.Flags,
	}, nil
}

// CmdAllocPD issues ALLOC_PD and fills pd.
func CmdAllocPD(c *Context, pd *PD, udata UData) error {
	var cmd AllocPDCmd
	var resp AllocPDResp
	if err := execWrite(c.Conn, CmdAllocPDNum, &cmd, &resp, udata); err != nil {
		return err
	}
	pd.Context = c
	pd.Handle = resp.PDHandle
	return nil
}

// CmdDeallocPD issues DEALLOC_PD.
func CmdDeallocPD(pd *PD) error {
	cmd := DeallocPDCmd{PDHandle: pd.Handle}
	return execWrite[DeallocPDCmd, struct{}](pd.Context.Conn, CmdDeallocPDNum, &cmd, nil, UData{})
}

// CmdRegMR issues REG_MR for buf and fills mr.
func CmdRegMR(pd *PD, buf []byte, hcaVA uint64, access AccessFlags, mr *MR, udata UData) error {
	if len(buf) == 0 {
		return unix.EINVAL
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	cmd := RegMRCmd{
		Start:       uint64(addr),
		Length:      uint64(len(buf)),
		HCAVA:       hcaVA,
		PDHandle:    pd.Handle,
		AccessFlags: uint32(access),
	}
	var resp RegMRResp
	if err := execWrite(pd.Context.Conn, CmdRegMRNum, &cmd, &resp, udata); err != nil {
		return err
	}
	mr.Context = pd.Context
	mr.PD = pd
	mr.Handle = resp.MRHandle
	mr.LKey = resp.LKey
	mr.RKey = resp.RKey
	mr.Addr = addr
	mr.Length = uint64(len(buf))
	mr.Access = access
	return nil
}

// CmdDeregMR issues DEREG_MR.
func CmdDeregMR(mr *MR) error {
	cmd := DeregMRCmd{MRHandle: mr.Handle}
	return execWrite[DeregMRCmd, struct{}](mr.Context.Conn, CmdDeregMRNum, &cmd, nil, UData{})
}

// CmdCreateCQ issues CREATE_CQ and fills cq. No completion channel is
// attached.
func CmdCreateCQ(c *Context, cqe, compVector uint32, userHandle uint64, cq *CQ, udata UData) error {
	cmd := CreateCQCmd{
		UserHandle:  userHandle,
		CQE:         cqe,
		CompVector:  compVector,
		CompChannel: -1,
	}
	var resp CreateCQResp
	if err := execWrite(c.Conn, CmdCreateCQNum, &cmd, &resp, udata); err != nil {
		return err
	}
	cq.Context = c
	cq.Handle = resp.CQHandle
	cq.CQE = resp.CQE
	cq.CompVector = compVector
	cq.UserHandle = userHandle
	return nil
}

// CmdDestroyCQ issues DESTROY_CQ and records the kernel's event counts.
func CmdDestroyCQ(cq *CQ) error {
	cmd := DestroyCQCmd{CQHandle: cq.Handle}
	var resp DestroyCQResp
	if err := execWrite(cq.Context.Conn, CmdDestroyCQNum, &cmd, &resp, UData{}); err != nil {
		return err
	}
	cq.CompEventsReported = resp.CompEventsReported
	cq.AsyncEventsReported = resp.AsyncEventsReported
	return nil
}

// CmdReqNotifyCQ issues REQ_NOTIFY_CQ.
func CmdReqNotifyCQ(cq *CQ, solicitedOnly bool) error {
	cmd := ReqNotifyCQCmd{CQHandle: cq.Handle}
	if solicitedOnly {
		cmd.SolicitedOnly = 1
	}
	return execWrite[ReqNotifyCQCmd, struct{}](cq.Context.Conn, CmdReqNotifyCQNum, &cmd, nil, UData{})
}

// CmdCreateQP issues CREATE_QP and fills qp, including the granted caps.
func CmdCreateQP(pd *PD, attr *QPInitAttr, qp *QP, udata UData) error {
	cmd := CreateQPCmd{
		UserHandle:    attr.UserHandle,
		PDHandle:      pd.Handle,
		MaxSendWR:     attr.Cap.MaxSendWR,
		MaxRecvWR:     attr.Cap.MaxRecvWR,
		MaxSendSGE:    attr.Cap.MaxSendSGE,
		MaxRecvSGE:    attr.Cap.MaxRecvSGE,
		MaxInlineData: attr.Cap.MaxInlineData,
		QPType:        uint8(attr.Type),
	}
	if attr.SQSigAll {
		cmd.SQSigAll = 1
	}
	var sendCQ, recvCQ *CQ
	if attr.SendCQ != nil {
		sendCQ = attr.SendCQ.VerbsCQ()
		cmd.SendCQHandle = sendCQ.Handle
	}
	if attr.RecvCQ != nil {
		recvCQ = attr.RecvCQ.VerbsCQ()
		cmd.RecvCQHandle = recvCQ.Handle
	}

	var resp CreateQPResp
	if err := execWrite(pd.Context.Conn, CmdCreateQPNum, &cmd, &resp, udata); err != nil {
		return err
	}
	qp.Context = pd.Context
	qp.PD = pd
	qp.SendCQ = sendCQ
	qp.RecvCQ = recvCQ
	qp.Handle = resp.QPHandle
	qp.QPNum = resp.QPN
	qp.Type = attr.Type
	qp.UserHandle = attr.UserHandle
	qp.Cap = QPCap{
		MaxSendWR:     resp.MaxSendWR,
		MaxRecvWR:     resp.MaxRecvWR,
		MaxSendSGE:    resp.MaxSendSGE,
		MaxRecvSGE:    resp.MaxRecvSGE,
		MaxInlineData: resp.MaxInlineData,
	}
	return nil
}

// CmdDestroyQP issues DESTROY_QP.
func CmdDestroyQP(qp *QP) error {
	cmd := DestroyQPCmd{QPHandle: qp.Handle}
	var resp DestroyQPResp
	if err := execWrite(qp.Context.Conn, CmdDestroyQPNum, &cmd, &resp, UData{}); err != nil {
		return err
	}
	qp.EventsReported = resp.EventsReported
	return nil
}

// CmdModifyQP issues MODIFY_QP with the fields selected by mask.
func CmdModifyQP(qp *QP, attr *QPAttr, mask QPAttrMask) error {
	cmd := ModifyQPCmd{
		Dest:             encodeDest(&attr.AH),
		AltDest:          encodeDest(&attr.AltAH),
		QPHandle:         qp.Handle,
		AttrMask:         uint32(mask),
		QKey:             attr.QKey,
		RQPSN:            attr.RQPSN,
		SQPSN:            attr.SQPSN,
		DestQPNum:        attr.DestQPNum,
		QPAccessFlags:    uint32(attr.AccessFlags),
		PkeyIndex:        attr.PkeyIndex,
		AltPkeyIndex:     attr.AltPkeyIndex,
		QPState:          uint8(attr.State),
		CurQPState:       uint8(attr.CurState),
		PathMTU:          attr.PathMTU,
		PathMigState:     attr.PathMigState,
		EnSQDAsyncNotify: attr.EnSQDAsyncNotify,
		MaxRdAtomic:      attr.MaxRdAtomic,
		MaxDestRdAtomic:  attr.MaxDestRdAtomic,
		MinRNRTimer:      attr.MinRNRTimer,
		PortNum:          attr.PortNum,
		Timeout:          attr.Timeout,
		RetryCnt:         attr.RetryCnt,
		RNRRetry:         attr.RNRRetry,
		AltPortNum:       attr.AltPortNum,
		AltTimeout:       attr.AltTimeout,
	}
	return execWrite[ModifyQPCmd, struct{}](qp.Context.Conn, CmdModifyQPNum, &cmd, nil, UData{})
}

// CmdQueryQP issues QUERY_QP.
func CmdQueryQP(qp *QP, mask QPAttrMask) (*QPAttr, *QPInitAttr, error) {
	cmd := QueryQPCmd{QPHandle: qp.Handle, AttrMask: uint32(mask)}
	var resp QueryQPResp
	if err := execWrite(qp.Context.Conn, CmdQueryQPNum, &cmd, &resp, UData{}); err != nil {
		return nil, nil, err
	}

	caps := QPCap{
		MaxSendWR:     resp.MaxSendWR,
		MaxRecvWR:     resp.MaxRecvWR,
		MaxSendSGE:    resp.MaxSendSGE,
		MaxRecvSGE:    resp.MaxRecvSGE,
		MaxInlineData: resp.MaxInlineData,
	}
	attr := &QPAttr{
		State:           QPState(resp.QPState),
		CurState:        QPState(resp.CurQPState),
		PathMTU:         resp.PathMTU,
		PathMigState:    resp.PathMigState,
		QKey:            resp.QKey,
		RQPSN:           resp.RQPSN,
		SQPSN:           resp.SQPSN,
		DestQPNum:       resp.DestQPNum,
		AccessFlags:     AccessFlags(resp.QPAccessFlags),
		Cap:             caps,
		AH:              decodeDest(&resp.Dest),
		AltAH:           decodeDest(&resp.AltDest),
		PkeyIndex:       resp.PkeyIndex,
		AltPkeyIndex:    resp.AltPkeyIndex,
		SQDraining:      resp.SQDraining,
		MaxRdAtomic:     resp.MaxRdAtomic,
		MaxDestRdAtomic: resp.MaxDestRdAtomic,
		MinRNRTimer:     resp.MinRNRTimer,
		PortNum:         resp.PortNum,
		Timeout:         resp.Timeout,
		RetryCnt:        resp.RetryCnt,
		RNRRetry:        resp.RNRRetry,
		AltPortNum:      resp.AltPortNum,
		AltTimeout:      resp.AltTimeout,
	}
	initAttr := &QPInitAttr{
		Cap:        caps,
		Type:       qp.Type,
		SQSigAll:   resp.SQSigAll != 0,
		UserHandle: qp.UserHandle,
	}
	if qp.SendCQ != nil {
		initAttr.SendCQ = qp.SendCQ
	}
	if qp.RecvCQ != nil {
		initAttr.RecvCQ = qp.RecvCQ
	}
	return attr, initAttr, nil
}

// CmdCreateAH issues CREATE_AH and fills ah.
func CmdCreateAH(pd *PD, attr *AHAttr, ah *AH, udata UData) error {
	cmd := CreateAHCmd{
		PDHandle: pd.Handle,
		Attr: AHAttrWire{
			GRH: GlobalRouteWire{
				DGID:         attr.GRH.DGID,
				FlowLabel:    attr.GRH.FlowLabel,
				SGIDIndex:    attr.GRH.SGIDIndex,
				HopLimit:     attr.GRH.HopLimit,
				TrafficClass: attr.GRH.TrafficClass,
			},
			DLID:        attr.DLID,
			SL:          attr.SL,
			SrcPathBits: attr.SrcPathBits,
			StaticRate:  attr.StaticRate,
			IsGlobal:    boolToU8(attr.IsGlobal),
			PortNum:     attr.PortNum,
		},
	}
	var resp CreateAHResp
	if err := execWrite(pd.Context.Conn, CmdCreateAHNum, &cmd, &resp, udata); err != nil {
		return err
	}
	ah.Context = pd.Context
	ah.PD = pd
	ah.Handle = resp.AHHandle
	return nil
}

// CmdDestroyAH issues DESTROY_AH.
func CmdDestroyAH(ah *AH) error {
	cmd := DestroyAHCmd{AHHandle: ah.Handle}
	return execWrite[DestroyAHCmd, struct{}](ah.Context.Conn, CmdDestroyAHNum, &cmd, nil, UData{})
}

func encodeDest(a *AHAttr) QPDest {
	return QPDest{
		DGID:         a.GRH.DGID,
		FlowLabel:    a.GRH.FlowLabel,
		DLID:         a.DLID,
		SGIDIndex:    a.GRH.SGIDIndex,
		HopLimit:     a.GRH.HopLimit,
		TrafficClass: a.GRH.TrafficClass,
		SL:           a.SL,
		SrcPathBits:  a.SrcPathBits,
		StaticRate:   a.StaticRate,
		IsGlobal:     boolToU8(a.IsGlobal),
		PortNum:      a.PortNum,
	}
}

func decodeDest(d *QPDest) AHAttr {
	return AHAttr{
		GRH: GlobalRoute{
			DGID:         d.DGID,
			FlowLabel:    d.FlowLabel,
			SGIDIndex:    d.SGIDIndex,
			HopLimit:     d.HopLimit,
			TrafficClass: d.TrafficClass,
		},
		DLID:        d.DLID,
		SL:          d.SL,
		SrcPathBits: d.SrcPathBits,
		StaticRate:  d.StaticRate,
		IsGlobal:    d.IsGlobal != 0,
		PortNum:     d.PortNum,
	}
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
