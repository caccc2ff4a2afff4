package cxi

import (
	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/verbs"
)

// PD is a CXI protection domain.
type PD struct {
	verbs.PD
	ctx *Context
	PDN uint16
}

// AllocPD allocates a protection domain.
func (c *Context) AllocPD() (verbs.ProtectionDomain, error) {
	pd := &PD{ctx: c}
	var resp abi.AllocPDResp
	if err := verbs.CmdAllocPD(&c.Context, &pd.PD, verbs.UData{Out: abi.Bytes(&resp)}); err != nil {
		return nil, err
	}
	pd.PDN = resp.PDN

	c.created(KindPD)
	log.Debug().Uint32("handle", pd.Handle).Uint16("pdn", pd.PDN).Msg("Allocated PD")
	return pd, nil
}

// DeallocPD deallocates pd. A kernel failure leaves it intact.
func (c *Context) DeallocPD(ipd verbs.ProtectionDomain) error {
	pd, err := c.toPD(ipd)
	if err != nil {
		return err
	}
	if err := verbs.CmdDeallocPD(&pd.PD); err != nil {
		return err
	}

	c.destroyed(KindPD)
	log.Debug().Uint16("pdn", pd.PDN).Msg("Deallocated PD")
	return nil
}

func (c *Context) toPD(ipd verbs.ProtectionDomain) (*PD, error) {
	pd, ok := ipd.(*PD)
	if !ok || pd.ctx != c {
		return nil, ErrForeignResource
	}
	return pd, nil
}
