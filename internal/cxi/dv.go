package cxi

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/transport"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

// DVVersion is the direct-verbs API version.
const DVVersion = "1.0.0"

// IsSupported reports whether dev is a CXI device.
func IsSupported(dev *verbs.Device) bool {
	return dev != nil && strings.HasPrefix(dev.IBDevName, "cxi_")
}

func checkAttr[T any](attr *T, inlen uint32) error {
	if attr == nil || inlen < abi.MinAttrLen {
		return unix.EINVAL
	}
	return nil
}

// QueryDevice fills attr from the limits cached on the context. Only the
// fields that fit in inlen are written.
func QueryDevice(ictx verbs.ContextOps, attr *abi.DeviceAttr, inlen uint32) error {
	if err := checkAttr(attr, inlen); err != nil {
		return err
	}
	c, err := toContext(ictx)
	if err != nil {
		return err
	}

	full := abi.DeviceAttr{
		MaxSQWR:     c.MaxSQWR,
		MaxRQWR:     c.MaxRQWR,
		MaxSQSGE:    c.MaxSQSGE,
		MaxRQSGE:    c.MaxRQSGE,
		DeviceCaps:  uint32(c.DeviceCaps),
		MaxRDMASize: c.MaxRDMASize,
	}
	abi.CopyAvailable(attr, &full, inlen)
	return nil
}

// Method1 queries device information: NIC address and PID space.
func Method1(ictx verbs.ContextOps, attr *abi.Method1Attr, inlen uint32) error {
	if err := checkAttr(attr, inlen); err != nil {
		return err
	}
	vctx := ictx.VerbsContext()

	var resp abi.Method1Resp
	req := transport.NewRequest(abi.ObjectGeneric, abi.Method1, 5)
	req.AddOut(abi.AttrMethod1RespNICAddr, abi.Bytes(&resp.NICAddr))
	req.AddOut(abi.AttrMethod1RespPIDGranule, abi.Bytes(&resp.PIDGranule))
	req.AddOut(abi.AttrMethod1RespPIDCount, abi.Bytes(&resp.PIDCount))
	req.AddOut(abi.AttrMethod1RespPIDBits, abi.Bytes(&resp.PIDBits))
	req.AddOut(abi.AttrMethod1RespMinFreeShift, abi.Bytes(&resp.MinFreeShift))
	if err := vctx.Conn.Execute(req); err != nil {
		log.Error().Err(err).Msg("method1 failed")
		return err
	}

	full := abi.Method1Attr{
		CompMask:     uint64(resp.CompMask),
		NICAddr:      resp.NICAddr,
		PIDGranule:   resp.PIDGranule,
		PIDCount:     resp.PIDCount,
		PIDBits:      resp.PIDBits,
		MinFreeShift: resp.MinFreeShift,
	}
	abi.CopyAvailable(attr, &full, inlen)
	return nil
}

// Method2 queries memory region information.
func Method2(imr verbs.MemoryRegion, attr *abi.Method2Attr, inlen uint32) error {
	if err := checkAttr(attr, inlen); err != nil {
		return err
	}
	mr := imr.VerbsMR()

	var resp abi.Method2Resp
	req := transport.NewRequest(abi.ObjectGeneric, abi.Method2, 5)
	req.AddObj(abi.AttrMethod2MRHandle, mr.Handle)
	req.AddOut(abi.AttrMethod2RespMDHandle, abi.Bytes(&resp.MDHandle))
	req.AddOut(abi.AttrMethod2RespIOVA, abi.Bytes(&resp.IOVA))
	req.AddOut(abi.AttrMethod2RespLength, abi.Bytes(&resp.Length))
	req.AddOut(abi.AttrMethod2RespAccessFlags, abi.Bytes(&resp.AccessFlags))
	if err := mr.Context.Conn.Execute(req); err != nil {
		log.Error().Uint32("handle", mr.Handle).Err(err).Msg("method2 failed")
		return err
	}

	full := abi.Method2Attr{
		CompMask:    uint64(resp.CompMask),
		MDHandle:    resp.MDHandle,
		IOVA:        resp.IOVA,
		Length:      resp.Length,
		AccessFlags: resp.AccessFlags,
	}
	abi.CopyAvailable(attr, &full, inlen)
	return nil
}

// Method3 queries queue pair information.
func Method3(iqp verbs.QueuePair, attr *abi.Method3Attr, inlen uint32) error {
	if err := checkAttr(attr, inlen); err != nil {
		return err
	}
	qp := iqp.VerbsQP()

	var resp abi.Method3Resp
	req := transport.NewRequest(abi.ObjectGeneric, abi.Method3, 6)
	req.AddObj(abi.AttrMethod3QPHandle, qp.Handle)
	req.AddOut(abi.AttrMethod3RespTXQHandle, abi.Bytes(&resp.TXQHandle))
	req.AddOut(abi.AttrMethod3RespTGQHandle, abi.Bytes(&resp.TGQHandle))
	req.AddOut(abi.AttrMethod3RespCMDQHandle, abi.Bytes(&resp.CMDQHandle))
	req.AddOut(abi.AttrMethod3RespEQHandle, abi.Bytes(&resp.EQHandle))
	req.AddOut(abi.AttrMethod3RespState, abi.Bytes(&resp.State))
	if err := qp.Context.Conn.Execute(req); err != nil {
		log.Error().Uint32("qpn", qp.QPNum).Err(err).Msg("method3 failed")
		return err
	}

	full := abi.Method3Attr{
		CompMask:   uint64(resp.CompMask),
		TXQHandle:  resp.TXQHandle,
		TGQHandle:  resp.TGQHandle,
		CMDQHandle: resp.CMDQHandle,
		EQHandle:   resp.EQHandle,
		State:      resp.State,
	}
	abi.CopyAvailable(attr, &full, inlen)
	return nil
}
