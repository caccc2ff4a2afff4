package cxi

import (
	"unsafe"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

// MR is a CXI memory region.
type MR struct {
	verbs.MR
	ctx *Context
	// MDHandle is the memory descriptor handle used by vendor queries.
	MDHandle uint32

	buf []byte
}

// RegMR registers buf. The caller keeps buf alive and unmoved until the
// region is deregistered.
func (c *Context) RegMR(ipd verbs.ProtectionDomain, buf []byte, access verbs.AccessFlags) (verbs.MemoryRegion, error) {
	pd, err := c.toPD(ipd)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, unix.EINVAL
	}

	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	cmd := abi.RegMRCmd{
		Start:       addr,
		Length:      uint64(len(buf)),
		VirtAddr:    addr,
		AccessFlags: uint32(access),
	}
	var resp abi.RegMRResp
	udata := verbs.UData{In: abi.Bytes(&cmd), Out: abi.Bytes(&resp)}

	mr := &MR{ctx: c, buf: buf}
	if err := verbs.CmdRegMR(&pd.PD, buf, addr, access, &mr.MR, udata); err != nil {
		log.Error().Int("length", len(buf)).Err(err).Msg("reg_mr failed")
		return nil, err
	}
	mr.MDHandle = resp.LKey

	c.created(KindMR)
	log.Debug().
		Uint32("handle", mr.Handle).
		Uint32("lkey", mr.LKey).
		Uint32("rkey", mr.RKey).
		Int("length", len(buf)).
		Msg("Registered MR")
	return mr, nil
}

// DeregMR deregisters mr. A kernel failure leaves it registered.
func (c *Context) DeregMR(imr verbs.MemoryRegion) error {
	mr, ok := imr.(*MR)
	if !ok || mr.ctx != c {
		return ErrForeignResource
	}
	if err := verbs.CmdDeregMR(&mr.MR); err != nil {
		return err
	}
	mr.buf = nil

	c.destroyed(KindMR)
	log.Debug().Uint32("handle", mr.Handle).Msg("Deregistered MR")
	return nil
}
