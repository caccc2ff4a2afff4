package verbs

import (
	"sync/atomic"

	"github.com/yuuki/cxiverbs/internal/transport"
)

// Context is the generic state of an open device context. Providers embed it
// in their own context type.
type Context struct {
	Device         *Device
	Conn           transport.Conn
	AsyncFD        int32
	NumCompVectors uint32
}

// VerbsContext returns c. It lets a provider context satisfy ContextOps
// through embedding.
func (c *Context) VerbsContext() *Context { return c }

// PD is the generic protection domain.
type PD struct {
	Context *Context
	Handle  uint32
}

func (p *PD) VerbsPD() *PD { return p }

// MR is the generic memory region.
type MR struct {
	Context *Context
	PD      *PD
	Handle  uint32
	LKey    uint32
	RKey    uint32
	Addr    uintptr
	Length  uint64
	Access  AccessFlags
}

func (m *MR) VerbsMR() *MR { return m }

// CQ is the generic completion queue.
type CQ struct {
	Context    *Context
	Handle     uint32
	CQE        uint32
	CompVector uint32
	UserHandle uint64

	compEvents atomic.Uint32
	// reported by the kernel on destroy
	CompEventsReported  uint32
	AsyncEventsReported uint32
}

func (c *CQ) VerbsCQ() *CQ { return c }

// AckEvent acknowledges one completion event.
func (c *CQ) AckEvent() { c.compEvents.Add(1) }

// CompEvents returns the number of acknowledged completion events.
func (c *CQ) CompEvents() uint32 { return c.compEvents.Load() }

// QP is the generic queue pair.
type QP struct {
	Context    *Context
	PD         *PD
	SendCQ     *CQ
	RecvCQ     *CQ
	Handle     uint32
	QPNum      uint32
	Type       QPType
	Cap        QPCap
	UserHandle uint64

	EventsReported uint32
}

func (q *QP) VerbsQP() *QP { return q }

// AH is the generic address handle.
type AH struct {
	Context *Context
	PD      *PD
	Handle  uint32
}

func (a *AH) VerbsAH() *AH { return a }

// Resource interfaces. Provider types embed the generic struct and so satisfy
// the interface; a provider recovers its own type with a type assertion.
type (
	ProtectionDomain interface{ VerbsPD() *PD }
	MemoryRegion     interface{ VerbsMR() *MR }
	CompletionQueue  interface{ VerbsCQ() *CQ }
	QueuePair        interface{ VerbsQP() *QP }
	AddressHandle    interface{ VerbsAH() *AH }
)

// ContextOps is the operation table a provider context implements.
type ContextOps interface {
	VerbsContext() *Context

	QueryDeviceEx() (DeviceAttr, error)
	QueryPort(port uint8) (PortAttr, error)

	AllocPD() (ProtectionDomain, error)
	DeallocPD(pd ProtectionDomain) error

	RegMR(pd ProtectionDomain, buf []byte, access AccessFlags) (MemoryRegion, error)
	DeregMR(mr MemoryRegion) error

	CreateCQ(cqe, compVector int) (CompletionQueue, error)
	CreateCQEx(attr *CQInitAttrEx) (CompletionQueue, error)
	DestroyCQ(cq CompletionQueue) error
	PollCQ(cq CompletionQueue, wc []WC) (int, error)
	ReqNotifyCQ(cq CompletionQueue, solicitedOnly bool) error
	CQEvent(cq CompletionQueue)

	CreateQP(pd ProtectionDomain, attr *QPInitAttr) (QueuePair, error)
	CreateQPEx(attr *QPInitAttrEx) (QueuePair, error)
	DestroyQP(qp QueuePair) error
	ModifyQP(qp QueuePair, attr *QPAttr, mask QPAttrMask) error
	QueryQP(qp QueuePair, mask QPAttrMask) (*QPAttr, *QPInitAttr, error)
	PostSend(qp QueuePair, wr *SendWR) (bad *SendWR, err error)
	PostRecv(qp QueuePair, wr *RecvWR) (bad *RecvWR, err error)

	CreateAH(pd ProtectionDomain, attr *AHAttr) (AddressHandle, error)
	DestroyAH(ah AddressHandle) error

	FreeContext() error
}
