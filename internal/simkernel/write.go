package simkernel

import (
	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/transport"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

// writeReq is the decoded view of an invoke-write request.
type writeReq struct {
	core    []byte
	coreOut *transport.Attr
	uhwIn   []byte
	uhwOut  *transport.Attr
}

func parseWrite(req *transport.Request) (writeReq, error) {
	var w writeReq
	in := req.Attr(verbs.AttrCoreIn)
	if in == nil {
		return w, unix.EINVAL
	}
	w.core = in.Data
	w.coreOut = req.Attr(verbs.AttrCoreOut)
	if a := req.Attr(verbs.AttrUHWIn); a != nil {
		w.uhwIn = a.Data
	}
	w.uhwOut = req.Attr(verbs.AttrUHWOut)
	return w, nil
}

func (w *writeReq) reply(b []byte) {
	if w.coreOut != nil {
		w.coreOut.SetOutput(b)
	}
}

func (w *writeReq) replyUHW(b []byte) {
	if w.uhwOut != nil {
		w.uhwOut.SetOutput(b)
	}
}

// write runs one generic write command. k.mu is held.
func (k *Kernel) write(num verbs.WriteCmd, req *transport.Request) error {
	w, err := parseWrite(req)
	if err != nil {
		return err
	}

	switch num {
	case verbs.CmdGetContextNum:
		return k.getContext(&w)
	case verbs.CmdQueryDeviceNum:
		return k.queryDevice(&w)
	case verbs.CmdQueryPortNum:
		return k.queryPort(&w)
	case verbs.CmdAllocPDNum:
		return k.allocPD(&w)
	case verbs.CmdDeallocPDNum:
		return k.deallocPD(&w)
	case verbs.CmdRegMRNum:
		return k.regMR(&w)
	case verbs.CmdDeregMRNum:
		return k.deregMR(&w)
	case verbs.CmdCreateCQNum:
		return k.createCQ(&w)
	case verbs.CmdDestroyCQNum:
		return k.destroyCQ(&w)
	case verbs.CmdReqNotifyCQNum:
		return k.reqNotifyCQ(&w)
	case verbs.CmdCreateQPNum:
		return k.createQP(&w)
	case verbs.CmdDestroyQPNum:
		return k.destroyQP(&w)
	case verbs.CmdModifyQPNum:
		return k.modifyQP(&w)
	case verbs.CmdQueryQPNum:
		return k.queryQP(&w)
	case verbs.CmdCreateAHNum:
		return k.createAH(&w)
	case verbs.CmdDestroyAHNum:
		return k.destroyAH(&w)
	default:
		log.Debug().Stringer("cmd", num).Msg("Unsupported write command")
		return unix.EOPNOTSUPP
	}
}

func (k *Kernel) getContext(w *writeReq) error {
	var vcmd abi.AllocUcontextCmd
	abi.Decode(w.uhwIn, &vcmd)
	if vcmd.CompMask != 0 {
		return unix.EINVAL
	}

	k.contexts++
	resp := verbs.GetContextResp{AsyncFD: ^uint32(0), NumCompVectors: 1}
	w.reply(abi.Bytes(&resp))
	vresp := abi.AllocUcontextResp{UARN: k.cfg.UARN}
	w.replyUHW(abi.Bytes(&vresp))
	return nil
}

func (k *Kernel) queryDevice(w *writeReq) error {
	cfg := &k.cfg
	resp := verbs.QueryDeviceResp{
		FWVer:           1<<32 | 5<<16,
		NodeGUID:        0x0002c90300000001,
		SysImageGUID:    0x0002c90300000001,
		MaxMRSize:       1 << 40,
		PageSizeCap:     uint64(k.pageSize),
		VendorID:        VendorID,
		VendorPartID:    DeviceID,
		MaxQP:           cfg.MaxQP,
		MaxQPWR:         cfg.MaxQPWR,
		MaxSGE:          cfg.MaxSGE,
		MaxSGERd:        cfg.MaxSGE,
		MaxCQ:           cfg.MaxQP * 2,
		MaxCQE:          cfg.MaxCQE,
		MaxMR:           1 << 16,
		MaxPD:           1 << 12,
		MaxQPRdAtom:     cfg.MaxQPRdAtom,
		MaxQPInitRdAtom: cfg.MaxQPRdAtom,
		AtomicCap:       cfg.AtomicCap,
		MaxMcastGrp:     cfg.MaxMcastGrp,
		MaxAH:           1 << 16,
		MaxPkeys:        1,
		PhysPortCnt:     1,
	}
	w.reply(abi.Bytes(&resp))
	return nil
}

func (k *Kernel) queryPort(w *writeReq) error {
	var cmd verbs.QueryPortCmd
	abi.Decode(w.core, &cmd)
	if cmd.PortNum != 1 {
		return unix.EINVAL
	}
	resp := verbs.QueryPortResp{
		MaxMsgSz:   k.cfg.MaxMsgSz,
		GIDTblLen:  1,
		PkeyTblLen: 1,
		State:      verbs.PortActive,
		MaxMTU:     5,
		ActiveMTU:  5,
		PhysState:  5,
		LinkLayer:  2,
	}
	w.reply(abi.Bytes(&resp))
	return nil
}

func (k *Kernel) allocPD(w *writeReq) error {
	h := k.newHandle()
	k.pds[h] = &pdObj{}

	resp := verbs.AllocPDResp{PDHandle: h}
	w.reply(abi.Bytes(&resp))
	vresp := abi.AllocPDResp{PDN: uint16(h)}
	w.replyUHW(abi.Bytes(&vresp))
	return nil
}

func (k *Kernel) deallocPD(w *writeReq) error {
	var cmd verbs.DeallocPDCmd
	abi.Decode(w.core, &cmd)
	if _, ok := k.pds[cmd.PDHandle]; !ok {
		return unix.EINVAL
	}
	if k.pdInUse(cmd.PDHandle) {
		return unix.EBUSY
	}
	delete(k.pds, cmd.PDHandle)
	return nil
}

func (k *Kernel) pdInUse(h uint32) bool {
	for _, mr := range k.mrs {
		if mr.pd == h {
			return true
		}
	}
	for _, qp := range k.qps {
		if qp.pd == h {
			return true
		}
	}
	for _, ah := range k.ahs {
		if ah.pd == h {
			return true
		}
	}
	return false
}

func (k *Kernel) regMR(w *writeReq) error {
	var cmd verbs.RegMRCmd
	abi.Decode(w.core, &cmd)
	if _, ok := k.pds[cmd.PDHandle]; !ok {
		return unix.EINVAL
	}
	if cmd.Length == 0 || cmd.Start == 0 {
		return unix.EINVAL
	}

	h := k.newHandle()
	mr := &mrObj{
		pd:     cmd.PDHandle,
		start:  cmd.Start,
		length: cmd.Length,
		hcaVA:  cmd.HCAVA,
		access: cmd.AccessFlags,
		lkey:   h<<8 | 0x11,
		rkey:   h<<8 | 0x22,
		md:     h<<8 | 0x33,
	}
	k.mrs[h] = mr

	resp := verbs.RegMRResp{MRHandle: h, LKey: mr.lkey, RKey: mr.rkey}
	w.reply(abi.Bytes(&resp))
	vresp := abi.RegMRResp{LKey: mr.md, RKey: mr.rkey}
	w.replyUHW(abi.Bytes(&vresp))
	return nil
}

func (k *Kernel) deregMR(w *writeReq) error {
	var cmd verbs.DeregMRCmd
	abi.Decode(w.core, &cmd)
	if _, ok := k.mrs[cmd.MRHandle]; !ok {
		return unix.EINVAL
	}
	delete(k.mrs, cmd.MRHandle)
	return nil
}

func (k *Kernel) createCQ(w *writeReq) error {
	var cmd verbs.CreateCQCmd
	abi.Decode(w.core, &cmd)
	var vcmd abi.CreateCQCmd
	abi.Decode(w.uhwIn, &vcmd)

	if cmd.CQE == 0 || cmd.CQE > k.cfg.MaxCQE {
		return unix.EINVAL
	}
	depth := cmd.CQE
	if vcmd.CQDepth > depth {
		depth = vcmd.CQDepth
	}
	if depth > 0xffff {
		depth = 0xffff
	}

	h := k.newHandle()
	cq := &cqObj{cqe: depth, eqn: vcmd.EQN, dbOff: k.newPage()}
	k.cqs[h] = cq

	resp := verbs.CreateCQResp{CQHandle: h, CQE: depth}
	w.reply(abi.Bytes(&resp))
	vresp := abi.CreateCQResp{
		CQIdx:       uint16(h),
		ActualDepth: uint16(depth),
		DBOff:       uint32(cq.dbOff),
	}
	w.replyUHW(abi.Bytes(&vresp))
	return nil
}

func (k *Kernel) destroyCQ(w *writeReq) error {
	var cmd verbs.DestroyCQCmd
	abi.Decode(w.core, &cmd)
	cq, ok := k.cqs[cmd.CQHandle]
	if !ok {
		return unix.EINVAL
	}
	if cq.usecnt > 0 {
		return unix.EBUSY
	}
	delete(k.cqs, cmd.CQHandle)
	delete(k.pages, cq.dbOff)

	var resp verbs.DestroyCQResp
	w.reply(abi.Bytes(&resp))
	return nil
}

func (k *Kernel) reqNotifyCQ(w *writeReq) error {
	var cmd verbs.ReqNotifyCQCmd
	abi.Decode(w.core, &cmd)
	cq, ok := k.cqs[cmd.CQHandle]
	if !ok {
		return unix.EINVAL
	}
	cq.armed = 1 + cmd.SolicitedOnly
	return nil
}

func (k *Kernel) createQP(w *writeReq) error {
	var cmd verbs.CreateQPCmd
	abi.Decode(w.core, &cmd)
	var vcmd abi.CreateQPCmd
	abi.Decode(w.uhwIn, &vcmd)

	if _, ok := k.pds[cmd.PDHandle]; !ok {
		return unix.EINVAL
	}
	sendCQ, ok := k.cqs[cmd.SendCQHandle]
	if !ok {
		return unix.EINVAL
	}
	recvCQ, ok := k.cqs[cmd.RecvCQHandle]
	if !ok {
		return unix.EINVAL
	}
	if cmd.MaxSendWR > k.cfg.MaxQPWR || cmd.MaxRecvWR > k.cfg.MaxQPWR ||
		cmd.MaxSendSGE > k.cfg.MaxSGE || cmd.MaxRecvSGE > k.cfg.MaxSGE {
		return unix.EINVAL
	}
	if uint32(len(k.qps)) >= k.cfg.MaxQP {
		return unix.ENOMEM
	}

	h := k.newHandle()
	qp := &qpObj{
		pd:     cmd.PDHandle,
		sendCQ: cmd.SendCQHandle,
		recvCQ: cmd.RecvCQHandle,
		qpn:    k.nextQPN,
		qpType: cmd.QPType,
		state:  verbs.QPStateReset,
		sigAll: cmd.SQSigAll,
		dbOff:  k.newPage(),
		cap: verbs.QPCap{
			MaxSendWR:     max(cmd.MaxSendWR, vcmd.SQDepth),
			MaxRecvWR:     max(cmd.MaxRecvWR, vcmd.RQDepth),
			MaxSendSGE:    cmd.MaxSendSGE,
			MaxRecvSGE:    cmd.MaxRecvSGE,
			MaxInlineData: cmd.MaxInlineData,
		},
	}
	k.nextQPN++
	k.qps[h] = qp
	sendCQ.usecnt++
	recvCQ.usecnt++

	resp := verbs.CreateQPResp{
		QPHandle:      h,
		QPN:           qp.qpn,
		MaxSendWR:     qp.cap.MaxSendWR,
		MaxRecvWR:     qp.cap.MaxRecvWR,
		MaxSendSGE:    qp.cap.MaxSendSGE,
		MaxRecvSGE:    qp.cap.MaxRecvSGE,
		MaxInlineData: qp.cap.MaxInlineData,
	}
	w.reply(abi.Bytes(&resp))
	vresp := abi.CreateQPResp{
		QPHandle:   h,
		QPNum:      qp.qpn,
		SQDBOffset: uint32(qp.dbOff),
		RQDBOffset: uint32(qp.dbOff) + 8,
	}
	w.replyUHW(abi.Bytes(&vresp))
	return nil
}

func (k *Kernel) destroyQP(w *writeReq) error {
	var cmd verbs.DestroyQPCmd
	abi.Decode(w.core, &cmd)
	qp, ok := k.qps[cmd.QPHandle]
	if !ok {
		return unix.EINVAL
	}
	delete(k.qps, cmd.QPHandle)
	delete(k.pages, qp.dbOff)
	if cq := k.cqs[qp.sendCQ]; cq != nil {
		cq.usecnt--
	}
	if cq := k.cqs[qp.recvCQ]; cq != nil {
		cq.usecnt--
	}

	var resp verbs.DestroyQPResp
	w.reply(abi.Bytes(&resp))
	return nil
}

func (k *Kernel) modifyQP(w *writeReq) error {
	var cmd verbs.ModifyQPCmd
	abi.Decode(w.core, &cmd)
	qp, ok := k.qps[cmd.QPHandle]
	if !ok {
		return unix.EINVAL
	}

	mask := verbs.QPAttrMask(cmd.AttrMask)
	if mask&verbs.QPAttrCurState != 0 && verbs.QPState(cmd.CurQPState) != qp.state {
		return unix.EINVAL
	}
	next := qp.state
	if mask&verbs.QPAttrState != 0 {
		next = verbs.QPState(cmd.QPState)
		if !verbs.ValidTransition(qp.state, next) {
			log.Debug().
				Uint32("qpn", qp.qpn).
				Stringer("from", qp.state).
				Stringer("to", next).
				Msg("Rejected QP state transition")
			return unix.EINVAL
		}
	}

	a := &qp.attr
	if mask&verbs.QPAttrAccessFlags != 0 {
		a.AccessFlags = verbs.AccessFlags(cmd.QPAccessFlags)
	}
	if mask&verbs.QPAttrPkeyIndex != 0 {
		a.PkeyIndex = cmd.PkeyIndex
	}
	if mask&verbs.QPAttrPort != 0 {
		a.PortNum = cmd.PortNum
	}
	if mask&verbs.QPAttrQKey != 0 {
		a.QKey = cmd.QKey
	}
	if mask&verbs.QPAttrPathMTU != 0 {
		a.PathMTU = cmd.PathMTU
	}
	if mask&verbs.QPAttrTimeout != 0 {
		a.Timeout = cmd.Timeout
	}
	if mask&verbs.QPAttrRetryCnt != 0 {
		a.RetryCnt = cmd.RetryCnt
	}
	if mask&verbs.QPAttrRNRRetry != 0 {
		a.RNRRetry = cmd.RNRRetry
	}
	if mask&verbs.QPAttrRQPSN != 0 {
		a.RQPSN = cmd.RQPSN
	}
	if mask&verbs.QPAttrSQPSN != 0 {
		a.SQPSN = cmd.SQPSN
	}
	if mask&verbs.QPAttrMaxQPRdAtomic != 0 {
		a.MaxRdAtomic = cmd.MaxRdAtomic
	}
	if mask&verbs.QPAttrMaxDestRdAtomic != 0 {
		a.MaxDestRdAtomic = cmd.MaxDestRdAtomic
	}
	if mask&verbs.QPAttrMinRNRTimer != 0 {
		a.MinRNRTimer = cmd.MinRNRTimer
	}
	if mask&verbs.QPAttrDestQPN != 0 {
		a.DestQPNum = cmd.DestQPNum
	}
	if mask&verbs.QPAttrAV != 0 {
		a.AH = destAttr(&cmd.Dest)
	}
	if mask&verbs.QPAttrAltPath != 0 {
		a.AltAH = destAttr(&cmd.AltDest)
		a.AltPkeyIndex = cmd.AltPkeyIndex
		a.AltPortNum = cmd.AltPortNum
		a.AltTimeout = cmd.AltTimeout
	}
	qp.state = next
	return nil
}

func (k *Kernel) queryQP(w *writeReq) error {
	var cmd verbs.QueryQPCmd
	abi.Decode(w.core, &cmd)
	qp, ok := k.qps[cmd.QPHandle]
	if !ok {
		return unix.EINVAL
	}

	a := &qp.attr
	resp := verbs.QueryQPResp{
		Dest:            wireDest(&a.AH),
		AltDest:         wireDest(&a.AltAH),
		MaxSendWR:       qp.cap.MaxSendWR,
		MaxRecvWR:       qp.cap.MaxRecvWR,
		MaxSendSGE:      qp.cap.MaxSendSGE,
		MaxRecvSGE:      qp.cap.MaxRecvSGE,
		MaxInlineData:   qp.cap.MaxInlineData,
		QKey:            a.QKey,
		RQPSN:           a.RQPSN,
		SQPSN:           a.SQPSN,
		DestQPNum:       a.DestQPNum,
		QPAccessFlags:   uint32(a.AccessFlags),
		PkeyIndex:       a.PkeyIndex,
		AltPkeyIndex:    a.AltPkeyIndex,
		QPState:         uint8(qp.state),
		CurQPState:      uint8(qp.state),
		PathMTU:         a.PathMTU,
		MaxRdAtomic:     a.MaxRdAtomic,
		MaxDestRdAtomic: a.MaxDestRdAtomic,
		MinRNRTimer:     a.MinRNRTimer,
		PortNum:         a.PortNum,
		Timeout:         a.Timeout,
		RetryCnt:        a.RetryCnt,
		RNRRetry:        a.RNRRetry,
		AltPortNum:      a.AltPortNum,
		AltTimeout:      a.AltTimeout,
		SQSigAll:        qp.sigAll,
	}
	w.reply(abi.Bytes(&resp))
	return nil
}

func (k *Kernel) createAH(w *writeReq) error {
	var cmd verbs.CreateAHCmd
	abi.Decode(w.core, &cmd)
	if _, ok := k.pds[cmd.PDHandle]; !ok {
		return unix.EINVAL
	}
	if cmd.Attr.PortNum != 1 {
		return unix.EINVAL
	}

	h := k.newHandle()
	ah := &ahObj{pd: cmd.PDHandle}
	if k.cfg.FillAHN {
		ah.ahn = uint16(h)
	}
	k.ahs[h] = ah

	resp := verbs.CreateAHResp{AHHandle: h}
	w.reply(abi.Bytes(&resp))
	if k.cfg.FillAHN {
		vresp := abi.CreateAHResp{AHN: ah.ahn}
		w.replyUHW(abi.Bytes(&vresp))
	}
	return nil
}

func (k *Kernel) destroyAH(w *writeReq) error {
	var cmd verbs.DestroyAHCmd
	abi.Decode(w.core, &cmd)
	if _, ok := k.ahs[cmd.AHHandle]; !ok {
		return unix.EINVAL
	}
	delete(k.ahs, cmd.AHHandle)
	return nil
}

func destAttr(d *verbs.QPDest) verbs.AHAttr {
	return verbs.AHAttr{
		GRH: verbs.GlobalRoute{
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

func wireDest(a *verbs.AHAttr) verbs.QPDest {
	d := verbs.QPDest{
		DGID:         a.GRH.DGID,
		FlowLabel:    a.GRH.FlowLabel,
		DLID:         a.DLID,
		SGIDIndex:    a.GRH.SGIDIndex,
		HopLimit:     a.GRH.HopLimit,
		TrafficClass: a.GRH.TrafficClass,
		SL:           a.SL,
		SrcPathBits:  a.SrcPathBits,
		StaticRate:   a.StaticRate,
		PortNum:      a.PortNum,
	}
	if a.IsGlobal {
		d.IsGlobal = 1
	}
	return d
}
