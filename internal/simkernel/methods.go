package simkernel

import (
	"encoding/binary"

	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/transport"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

// method runs a vendor method. k.mu is held.
func (k *Kernel) method(req *transport.Request) error {
	switch req.Method {
	case abi.Method1:
		return k.method1(req)
	case abi.Method2:
		return k.method2(req)
	case abi.Method3:
		return k.method3(req)
	default:
		return unix.EOPNOTSUPP
	}
}

func putU32(req *transport.Request, id uint16, v uint32) {
	a := req.Attr(id)
	if a == nil || a.Kind != transport.AttrOut {
		return
	}
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	a.SetOutput(b[:])
}

func putU64(req *transport.Request, id uint16, v uint64) {
	a := req.Attr(id)
	if a == nil || a.Kind != transport.AttrOut {
		return
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], v)
	a.SetOutput(b[:])
}

// objHandle returns the object handle carried by attribute id.
func objHandle(req *transport.Request, id uint16) (uint32, bool) {
	a := req.Attr(id)
	if a == nil || a.Kind != transport.AttrObj {
		return 0, false
	}
	return uint32(a.Value), true
}

func (k *Kernel) method1(req *transport.Request) error {
	cfg := &k.cfg
	putU32(req, abi.AttrMethod1RespNICAddr, cfg.NICAddr)
	putU32(req, abi.AttrMethod1RespPIDGranule, cfg.PIDGranule)
	putU32(req, abi.AttrMethod1RespPIDCount, cfg.PIDCount)
	putU32(req, abi.AttrMethod1RespPIDBits, cfg.PIDBits)
	putU32(req, abi.AttrMethod1RespMinFreeShift, cfg.MinFreeShift)
	return nil
}

func (k *Kernel) method2(req *transport.Request) error {
	h, ok := objHandle(req, abi.AttrMethod2MRHandle)
	if !ok {
		return unix.EINVAL
	}
	mr, ok := k.mrs[h]
	if !ok {
		return unix.ENOENT
	}

	iova := mr.hcaVA
	if iova == 0 {
		iova = mr.start
	}
	putU32(req, abi.AttrMethod2RespMDHandle, mr.md)
	putU64(req, abi.AttrMethod2RespIOVA, iova)
	putU64(req, abi.AttrMethod2RespLength, mr.length)
	putU32(req, abi.AttrMethod2RespAccessFlags, mrAccess(verbs.AccessFlags(mr.access)))
	return nil
}

func (k *Kernel) method3(req *transport.Request) error {
	h, ok := objHandle(req, abi.AttrMethod3QPHandle)
	if !ok {
		return unix.EINVAL
	}
	qp, ok := k.qps[h]
	if !ok {
		return unix.ENOENT
	}

	putU32(req, abi.AttrMethod3RespTXQHandle, qp.qpn<<4|1)
	putU32(req, abi.AttrMethod3RespTGQHandle, qp.qpn<<4|2)
	putU32(req, abi.AttrMethod3RespCMDQHandle, qp.qpn<<4|3)
	putU32(req, abi.AttrMethod3RespEQHandle, uint32(k.cqs[qp.sendCQ].eqn))
	putU32(req, abi.AttrMethod3RespState, uint32(qp.state))
	return nil
}

// mrAccess converts verbs access flags to the driver's MR access bits. Local
// read is always granted.
func mrAccess(f verbs.AccessFlags) uint32 {
	v := abi.MRAccessLocalRead
	if f&verbs.AccessLocalWrite != 0 {
		v |= abi.MRAccessLocalWrite
	}
	if f&verbs.AccessRemoteRead != 0 {
		v |= abi.MRAccessRemoteRead
	}
	if f&verbs.AccessRemoteWrite != 0 {
		v |= abi.MRAccessRemoteWrite
	}
	if f&verbs.AccessRemoteAtomic != 0 {
		v |= abi.MRAccessRemoteAtomic
	}
	return v
}
