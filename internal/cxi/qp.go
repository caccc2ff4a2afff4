package cxi

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

// QP is a CXI queue pair. The send and receive queues lock independently.
type QP struct {
	verbs.QP
	ctx    *Context
	pd     *PD
	sendCQ *CQ
	recvCQ *CQ

	// Index is the slot in the context QP table.
	Index      uint32
	SQDBOffset uint32
	RQDBOffset uint32

	sq *workQueue
	rq *workQueue

	state atomic.Uint32
}

// CreateQP creates a queue pair in pd and inserts it into the QP table.
func (c *Context) CreateQP(ipd verbs.ProtectionDomain, attr *verbs.QPInitAttr) (verbs.QueuePair, error) {
	qp, err := c.createQP(ipd, attr)
	if err != nil {
		return nil, err
	}
	return qp, nil
}

// CreateQPEx is CreateQP with the protection domain carried in attr.
func (c *Context) CreateQPEx(attr *verbs.QPInitAttrEx) (verbs.QueuePair, error) {
	if attr == nil || attr.PD == nil {
		return nil, unix.EINVAL
	}
	qp, err := c.createQP(attr.PD, &attr.QPInitAttr)
	if err != nil {
		return nil, err
	}
	return qp, nil
}

func (c *Context) createQP(ipd verbs.ProtectionDomain, attr *verbs.QPInitAttr) (*QP, error) {
	if attr == nil {
		return nil, unix.EINVAL
	}
	pd, err := c.toPD(ipd)
	if err != nil {
		return nil, err
	}

	qp := &QP{ctx: c, pd: pd}
	cmd := abi.CreateQPCmd{
		SQDepth: attr.Cap.MaxSendWR,
		RQDepth: attr.Cap.MaxRecvWR,
	}
	if attr.SendCQ != nil {
		if qp.sendCQ, err = c.toCQ(attr.SendCQ); err != nil {
			return nil, err
		}
		cmd.SendCQIdx = qp.sendCQ.Index
	}
	if attr.RecvCQ != nil {
		if qp.recvCQ, err = c.toCQ(attr.RecvCQ); err != nil {
			return nil, err
		}
		cmd.RecvCQIdx = qp.recvCQ.Index
	}

	var resp abi.CreateQPResp
	udata := verbs.UData{In: abi.Bytes(&cmd), Out: abi.Bytes(&resp)}
	if err := verbs.CmdCreateQP(&pd.PD, attr, &qp.QP, udata); err != nil {
		log.Error().
			Uint32("max_send_wr", attr.Cap.MaxSendWR).
			Uint32("max_recv_wr", attr.Cap.MaxRecvWR).
			Err(err).
			Msg("create_qp failed")
		return nil, err
	}
	qp.SQDBOffset = resp.SQDBOffset
	qp.RQDBOffset = resp.RQDBOffset
	qp.state.Store(uint32(verbs.QPStateReset))

	if err := qp.setupQueues(); err != nil {
		qp.releaseLocal()
		c.abortQP(qp)
		return nil, err
	}

	idx, err := c.insertQP(qp)
	if err != nil {
		qp.releaseLocal()
		c.abortQP(qp)
		return nil, err
	}
	qp.Index = idx

	c.created(KindQP)
	log.Debug().
		Uint32("handle", qp.Handle).
		Uint32("qpn", qp.QPNum).
		Uint32("index", qp.Index).
		Uint32("sq_depth", qp.Cap.MaxSendWR).
		Uint32("rq_depth", qp.Cap.MaxRecvWR).
		Msg("Created QP")
	return qp, nil
}

// setupQueues allocates both work queues and maps their doorbells.
func (qp *QP) setupQueues() error {
	var err error
	if qp.sq, err = newWorkQueue("send", qp.Cap.MaxSendWR); err != nil {
		return err
	}
	if qp.rq, err = newWorkQueue("recv", qp.Cap.MaxRecvWR); err != nil {
		return err
	}
	if qp.sq.dbPage, qp.sq.db, err = qp.ctx.mapDoorbell(qp.SQDBOffset); err != nil {
		return err
	}
	if qp.rq.dbPage, qp.rq.db, err = qp.ctx.mapDoorbell(qp.RQDBOffset); err != nil {
		return err
	}
	return nil
}

func (qp *QP) releaseLocal() {
	if qp.sq != nil {
		qp.sq.release(qp.ctx.unmap)
	}
	if qp.rq != nil {
		qp.rq.release(qp.ctx.unmap)
	}
}

// abortQP destroys the kernel object of a QP whose creation failed.
func (c *Context) abortQP(qp *QP) {
	if err := verbs.CmdDestroyQP(&qp.QP); err != nil {
		log.Warn().Uint32("handle", qp.Handle).Err(err).Msg("Failed to destroy QP after create error")
	}
}

// DestroyQP destroys qp, removes it from the QP table and unmaps its
// doorbells. A kernel failure leaves all of it intact.
func (c *Context) DestroyQP(iqp verbs.QueuePair) error {
	qp, err := c.toQP(iqp)
	if err != nil {
		return err
	}
	if err := verbs.CmdDestroyQP(&qp.QP); err != nil {
		return err
	}
	c.removeQP(qp.Index, qp)
	qp.releaseLocal()

	c.destroyed(KindQP)
	log.Debug().Uint32("qpn", qp.QPNum).Uint32("index", qp.Index).Msg("Destroyed QP")
	return nil
}

// ModifyQP forwards the modify to the kernel. The cached state changes only
// after the kernel accepted it.
func (c *Context) ModifyQP(iqp verbs.QueuePair, attr *verbs.QPAttr, mask verbs.QPAttrMask) error {
	qp, err := c.toQP(iqp)
	if err != nil {
		return err
	}
	if attr == nil {
		return unix.EINVAL
	}
	if err := verbs.CmdModifyQP(&qp.QP, attr, mask); err != nil {
		return err
	}

	if mask&verbs.QPAttrState != 0 {
		prev := qp.State()
		qp.state.Store(uint32(attr.State))
		log.Debug().
			Uint32("qpn", qp.QPNum).
			Stringer("from", prev).
			Stringer("to", attr.State).
			Msg("QP state changed")
	}
	return nil
}

// QueryQP reads the attributes from the kernel. The cached state is not
// touched.
func (c *Context) QueryQP(iqp verbs.QueuePair, mask verbs.QPAttrMask) (*verbs.QPAttr, *verbs.QPInitAttr, error) {
	qp, err := c.toQP(iqp)
	if err != nil {
		return nil, nil, err
	}
	attr, initAttr, err := verbs.CmdQueryQP(&qp.QP, mask)
	if err != nil {
		return nil, nil, err
	}
	if qp.sendCQ != nil {
		initAttr.SendCQ = qp.sendCQ
	}
	if qp.recvCQ != nil {
		initAttr.RecvCQ = qp.recvCQ
	}
	return attr, initAttr, nil
}

// State returns the cached queue pair state.
func (qp *QP) State() verbs.QPState {
	return verbs.QPState(qp.state.Load())
}

// Outstanding returns posted minus completed requests of the send and receive
// queues.
func (qp *QP) Outstanding() (send, recv uint32) {
	return qp.sq.outstanding(), qp.rq.outstanding()
}

// PostSend posts a chain of send requests. On failure the returned request is
// the first one not accepted; the requests before it were posted.
func (c *Context) PostSend(iqp verbs.QueuePair, wr *verbs.SendWR) (*verbs.SendWR, error) {
	qp, err := c.toQP(iqp)
	if err != nil {
		return wr, err
	}

	wq := qp.sq
	n := 0
	wq.mu.Lock()
	for ; wr != nil; wr = wr.Next {
		if len(wr.SGList) > int(qp.Cap.MaxSendSGE) {
			err = unix.EINVAL
			break
		}
		cur := wr
		err = wq.enqueue(qp.Index, wr.WRID, func(w WQE) error {
			return c.hw.EncodeSend(wq.ring, w, cur)
		})
		if err != nil {
			break
		}
		n++
	}
	if n > 0 {
		wq.ringDoorbell()
	}
	wq.mu.Unlock()

	c.metrics.RecordPosted(wq.name, n)
	if err != nil {
		return wr, err
	}
	return nil, nil
}

// PostRecv posts a chain of receive requests with the same failure contract
// as PostSend.
func (c *Context) PostRecv(iqp verbs.QueuePair, wr *verbs.RecvWR) (*verbs.RecvWR, error) {
	qp, err := c.toQP(iqp)
	if err != nil {
		return wr, err
	}

	wq := qp.rq
	n := 0
	wq.mu.Lock()
	for ; wr != nil; wr = wr.Next {
		if len(wr.SGList) > int(qp.Cap.MaxRecvSGE) {
			err = unix.EINVAL
			break
		}
		cur := wr
		err = wq.enqueue(qp.Index, wr.WRID, func(w WQE) error {
			return c.hw.EncodeRecv(wq.ring, w, cur)
		})
		if err != nil {
			break
		}
		n++
	}
	if n > 0 {
		wq.ringDoorbell()
	}
	wq.mu.Unlock()

	c.metrics.RecordPosted(wq.name, n)
	if err != nil {
		return wr, err
	}
	return nil, nil
}

func (c *Context) toQP(iqp verbs.QueuePair) (*QP, error) {
	qp, ok := iqp.(*QP)
	if !ok || qp.ctx != c {
		return nil, ErrForeignResource
	}
	return qp, nil
}
