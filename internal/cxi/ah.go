package cxi

import (
	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/verbs"
)

// AH is a CXI address handle. AHN is zero on kernels that do not report it.
type AH struct {
	verbs.AH
	ctx *Context
	AHN uint16
}

// CreateAH creates an address handle and records its hardware AH number.
func (c *Context) CreateAH(ipd verbs.ProtectionDomain, attr *verbs.AHAttr) (verbs.AddressHandle, error) {
	pd, err := c.toPD(ipd)
	if err != nil {
		return nil, err
	}

	ah := &AH{ctx: c}
	var resp abi.CreateAHResp
	if err := verbs.CmdCreateAH(&pd.PD, attr, &ah.AH, verbs.UData{Out: abi.Bytes(&resp)}); err != nil {
		return nil, err
	}
	ah.AHN = resp.AHN

	c.created(KindAH)
	log.Debug().Uint32("handle", ah.Handle).Uint16("ahn", ah.AHN).Msg("Created AH")
	return ah, nil
}

// DestroyAH destroys ah. A kernel failure leaves it intact.
func (c *Context) DestroyAH(iah verbs.AddressHandle) error {
	ah, ok := iah.(*AH)
	if !ok || ah.ctx != c {
		return ErrForeignResource
	}
	if err := verbs.CmdDestroyAH(&ah.AH); err != nil {
		return err
	}

	c.destroyed(KindAH)
	return nil
}
