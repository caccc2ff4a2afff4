package cxi

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/transport"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

// CQ is a CXI completion queue.
type CQ struct {
	verbs.CQ
	ctx *Context

	Index   uint16
	Depth   uint32
	CQESize int

	mu      sync.Mutex
	ring    transport.Buffer
	dbPage  []byte
	db      *transport.Doorbell
	cc      uint32 // consumer counter
	scratch []CQE
}

// CreateCQ creates a completion queue of at least cqe entries.
func (c *Context) CreateCQ(cqe, compVector int) (verbs.CompletionQueue, error) {
	cq, err := c.createCQ(cqe, compVector, 0)
	if err != nil {
		return nil, err
	}
	return cq, nil
}

// CreateCQEx is CreateCQ with extended attributes.
func (c *Context) CreateCQEx(attr *verbs.CQInitAttrEx) (verbs.CompletionQueue, error) {
	if attr == nil {
		return nil, unix.EINVAL
	}
	cq, err := c.createCQ(int(attr.CQE), int(attr.CompVector), attr.UserHandle)
	if err != nil {
		return nil, err
	}
	return cq, nil
}

func (c *Context) createCQ(cqe, compVector int, userHandle uint64) (*CQ, error) {
	if cqe <= 0 || compVector < 0 || compVector > 0xffff {
		return nil, unix.EINVAL
	}

	cq := &CQ{ctx: c, CQESize: c.cqeSize}
	cmd := abi.CreateCQCmd{CQDepth: uint32(cqe), EQN: uint16(compVector)}
	var resp abi.CreateCQResp
	udata := verbs.UData{In: abi.Bytes(&cmd), Out: abi.Bytes(&resp)}
	if err := verbs.CmdCreateCQ(&c.Context, uint32(cqe), uint32(compVector), userHandle, &cq.CQ, udata); err != nil {
		log.Error().Int("cqe", cqe).Err(err).Msg("create_cq failed")
		return nil, err
	}
	cq.Index = resp.CQIdx
	cq.Depth = uint32(resp.ActualDepth)
	if cq.Depth == 0 {
		cq.Depth = cq.CQE
	}

	page, db, err := c.mapDoorbell(resp.DBOff)
	if err != nil {
		c.abortCQ(cq)
		return nil, err
	}
	cq.dbPage, cq.db = page, db

	ring, err := transport.AllocBuffer(int(cq.Depth) * cq.CQESize)
	if err != nil {
		cq.releaseLocal()
		c.abortCQ(cq)
		return nil, err
	}
	cq.ring = ring
	cq.scratch = make([]CQE, cq.Depth)

	c.created(KindCQ)
	log.Debug().
		Uint32("handle", cq.Handle).
		Uint16("cq_idx", cq.Index).
		Uint32("depth", cq.Depth).
		Msg("Created CQ")
	return cq, nil
}

// abortCQ destroys the kernel object of a CQ whose creation failed.
func (c *Context) abortCQ(cq *CQ) {
	if err := verbs.CmdDestroyCQ(&cq.CQ); err != nil {
		log.Warn().Uint32("handle", cq.Handle).Err(err).Msg("Failed to destroy CQ after create error")
	}
}

func (cq *CQ) releaseLocal() {
	if cq.dbPage != nil {
		if err := cq.ctx.unmap(cq.dbPage); err != nil {
			log.Warn().Uint16("cq_idx", cq.Index).Err(err).Msg("Failed to unmap CQ doorbell")
		}
		cq.dbPage, cq.db = nil, nil
	}
	if err := cq.ring.Free(); err != nil {
		log.Warn().Uint16("cq_idx", cq.Index).Err(err).Msg("Failed to free CQ ring")
	}
	cq.ring = nil
}

// DestroyCQ destroys cq and releases its doorbell and ring. A kernel
// failure leaves it intact.
func (c *Context) DestroyCQ(icq verbs.CompletionQueue) error {
	cq, err := c.toCQ(icq)
	if err != nil {
		return err
	}
	if err := verbs.CmdDestroyCQ(&cq.CQ); err != nil {
		return err
	}
	cq.releaseLocal()

	c.destroyed(KindCQ)
	log.Debug().Uint16("cq_idx", cq.Index).Msg("Destroyed CQ")
	return nil
}

// PollCQ copies up to len(wc) completions into wc and returns how many. The
// CQ lock is released before work request ids are resolved through the QP
// table.
func (c *Context) PollCQ(icq verbs.CompletionQueue, wc []verbs.WC) (int, error) {
	cq, err := c.toCQ(icq)
	if err != nil {
		return 0, err
	}
	if len(wc) == 0 {
		return 0, nil
	}

	cq.mu.Lock()
	n := min(len(wc), len(cq.scratch))
	got := min(max(c.hw.Poll(cq.ring, cq.cc, cq.scratch[:n]), 0), n)
	var done []CQE
	if got > 0 {
		done = append(done, cq.scratch[:got]...)
		cq.cc += uint32(got)
		cq.db.Ring(cq.cc)
	}
	cq.mu.Unlock()

	// Repeated completions are consumed but not reported.
	out := 0
	for i := range done {
		e := &done[i]
		qp := c.LookupQP(e.QPIndex)
		if qp == nil {
			log.Warn().Uint32("qp_index", e.QPIndex).Msg("Completion for an unknown QP")
			wc[out] = e.WC
			out++
			continue
		}
		wq := qp.rq
		if e.Send {
			wq = qp.sq
		}
		wrID, ok := wq.retire(e.ID)
		if !ok {
			continue
		}
		wc[out] = e.WC
		wc[out].WRID = wrID
		wc[out].QPNum = qp.QPNum
		out++
	}

	c.metrics.RecordPolled(out)
	return out, nil
}

// ConsumerIndex returns the number of completions consumed so far.
func (cq *CQ) ConsumerIndex() uint32 {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.cc
}

// ReqNotifyCQ arms cq for the next completion event.
func (c *Context) ReqNotifyCQ(icq verbs.CompletionQueue, solicitedOnly bool) error {
	cq, err := c.toCQ(icq)
	if err != nil {
		return err
	}
	return verbs.CmdReqNotifyCQ(&cq.CQ, solicitedOnly)
}

// CQEvent acknowledges one completion event on cq.
func (c *Context) CQEvent(icq verbs.CompletionQueue) {
	if cq, err := c.toCQ(icq); err == nil {
		cq.AckEvent()
	}
}

func (c *Context) toCQ(icq verbs.CompletionQueue) (*CQ, error) {
	cq, ok := icq.(*CQ)
	if !ok || cq.ctx != c {
		return nil, ErrForeignResource
	}
	return cq, nil
}
