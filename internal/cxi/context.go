package cxi

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/telemetry"
	"github.com/yuuki/cxiverbs/internal/transport"
	"github.com/yuuki/cxiverbs/internal/verbs"
)

const (
	// DefaultQPTableSize is the number of QP table slots per context.
	DefaultQPTableSize = 1024
	// DefaultCQESize is the completion entry size in bytes.
	DefaultCQESize = 64
)

// Options tune a provider instance.
type Options struct {
	QPTableSize int
	CQESize     int
	// Hardware encodes WQEs and decodes CQEs. Nil means the unimplemented
	// strategy.
	Hardware Hardware
	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// DefaultOptions returns the options the registered driver starts with.
func DefaultOptions() Options {
	return Options{
		QPTableSize: DefaultQPTableSize,
		CQESize:     DefaultCQESize,
	}
}

func (o Options) withDefaults() Options {
	if o.QPTableSize <= 0 {
		o.QPTableSize = DefaultQPTableSize
	}
	if o.CQESize <= 0 {
		o.CQESize = DefaultCQESize
	}
	if o.Hardware == nil {
		o.Hardware = unimplementedHW{}
	}
	return o
}

// Resource kinds as they appear in the census and in metrics.
const (
	KindPD = "pd"
	KindMR = "mr"
	KindCQ = "cq"
	KindQP = "qp"
	KindAH = "ah"
)

// Census counts the live resources of a context.
type Census struct {
	PDs int64
	MRs int64
	CQs int64
	QPs int64
	AHs int64
}

// Empty reports whether no resource is live.
func (c Census) Empty() bool {
	return c == Census{}
}

func (c Census) String() string {
	var parts []string
	for _, e := range []struct {
		kind string
		n    int64
	}{{KindPD, c.PDs}, {KindMR, c.MRs}, {KindCQ, c.CQs}, {KindQP, c.QPs}, {KindAH, c.AHs}} {
		if e.n != 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", e.kind, e.n))
		}
	}
	return strings.Join(parts, ",")
}

// Context is an open CXI device context.
type Context struct {
	verbs.Context

	hw       Hardware
	metrics  *telemetry.Metrics
	cqeSize  int
	pageSize int

	// Set once at construction.
	UARN         uint16
	DeviceCaps   abi.DeviceCap
	MaxSQWR      uint32
	MaxRQWR      uint32
	MaxSQSGE     uint16
	MaxRQSGE     uint16
	MaxRDMASize  uint32
	MaxWRRDMASGE uint16

	qpMu     sync.Mutex
	qpTable  []*QP
	qpNext   int
	qpActive int

	live struct {
		pds, mrs, cqs, qps, ahs atomic.Int64
	}
}

var _ verbs.ContextOps = (*Context)(nil)

// NewContext allocates a provider context on an open command channel. The
// kernel context is created and the device limits are cached.
func NewContext(dev *verbs.Device, conn transport.Conn, opts Options) (*Context, error) {
	opts = opts.withDefaults()
	ctx := &Context{
		Context: verbs.Context{
			Device: dev,
			Conn:   telemetry.WrapConn(conn, opts.Metrics, RequestName),
		},
		hw:       opts.Hardware,
		metrics:  opts.Metrics,
		cqeSize:  opts.CQESize,
		pageSize: os.Getpagesize(),
		qpTable:  make([]*QP, opts.QPTableSize),
	}

	var cmd abi.AllocUcontextCmd
	var resp abi.AllocUcontextResp
	udata := verbs.UData{In: abi.Bytes(&cmd), Out: abi.Bytes(&resp)}
	if err := verbs.CmdGetContext(&ctx.Context, udata); err != nil {
		log.Error().Str("device", dev.IBDevName).Err(err).Msg("get_context failed")
		return nil, err
	}
	ctx.UARN = resp.UARN

	if err := ctx.queryCaps(); err != nil {
		log.Error().Str("device", dev.IBDevName).Err(err).Msg("Failed to query device limits")
		return nil, err
	}

	log.Debug().
		Str("device", dev.IBDevName).
		Uint16("uarn", ctx.UARN).
		Stringer("caps", ctx.DeviceCaps).
		Uint32("max_sq_wr", ctx.MaxSQWR).
		Uint32("max_rdma_size", ctx.MaxRDMASize).
		Msg("Allocated CXI context")
	return ctx, nil
}

// queryCaps derives the cached limits from the generic device query and
// port 1.
func (c *Context) queryCaps() error {
	attr, err := verbs.CmdQueryDevice(&c.Context)
	if err != nil {
		return err
	}
	port, err := verbs.CmdQueryPort(&c.Context, 1)
	if err != nil {
		return err
	}

	c.MaxSQWR = attr.MaxQPWR
	c.MaxRQWR = attr.MaxQPWR
	c.MaxSQSGE = clampU16(attr.MaxSGE)
	c.MaxRQSGE = clampU16(attr.MaxSGE)
	c.MaxWRRDMASGE = clampU16(attr.MaxSGERd)
	c.MaxRDMASize = port.MaxMsgSz

	caps := abi.DeviceCapRDMAWrite
	if attr.AtomicCap != verbs.AtomicNone {
		caps |= abi.DeviceCapAtomicOps
	}
	if attr.MaxQPRdAtom > 0 {
		caps |= abi.DeviceCapRDMARead
	}
	if attr.MaxMcastGrp > 0 {
		caps |= abi.DeviceCapMulticast
	}
	c.DeviceCaps = caps
	return nil
}

func clampU16(v uint32) uint16 {
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}

// QueryDeviceEx returns the generic device attributes clamped to the
// context's send queue limits.
func (c *Context) QueryDeviceEx() (verbs.DeviceAttr, error) {
	attr, err := verbs.CmdQueryDevice(&c.Context)
	if err != nil {
		log.Error().Str("device", c.Device.IBDevName).Err(err).Msg("query_device failed")
		return verbs.DeviceAttr{}, err
	}
	attr.MaxQPWR = min(attr.MaxQPWR, c.MaxSQWR)
	attr.MaxSGE = min(attr.MaxSGE, uint32(c.MaxSQSGE))
	return attr, nil
}

// QueryPort returns the generic attributes of port.
func (c *Context) QueryPort(port uint8) (verbs.PortAttr, error) {
	return verbs.CmdQueryPort(&c.Context, port)
}

// Census returns the live resource counts.
func (c *Context) Census() Census {
	return Census{
		PDs: c.live.pds.Load(),
		MRs: c.live.mrs.Load(),
		CQs: c.live.cqs.Load(),
		QPs: c.live.qps.Load(),
		AHs: c.live.ahs.Load(),
	}
}

func (c *Context) counter(kind string) *atomic.Int64 {
	switch kind {
	case KindPD:
		return &c.live.pds
	case KindMR:
		return &c.live.mrs
	case KindCQ:
		return &c.live.cqs
	case KindQP:
		return &c.live.qps
	default:
		return &c.live.ahs
	}
}

func (c *Context) created(kind string) {
	c.counter(kind).Add(1)
	c.metrics.ResourceCreated(kind)
}

func (c *Context) destroyed(kind string) {
	c.counter(kind).Add(-1)
	c.metrics.ResourceDestroyed(kind)
}

// FreeContext closes the command channel. Children should already be
// destroyed; leftovers are reported.
func (c *Context) FreeContext() error {
	if census := c.Census(); !census.Empty() {
		log.Warn().
			Str("device", c.Device.IBDevName).
			Str("leaked", census.String()).
			Msg("Freeing context with live resources")
	}
	if err := c.Conn.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", c.Device.IBDevName, err)
	}
	log.Debug().Str("device", c.Device.IBDevName).Msg("Freed CXI context")
	return nil
}

// insertQP stores qp in a free table slot and returns its index.
func (c *Context) insertQP(qp *QP) (uint32, error) {
	c.qpMu.Lock()
	defer c.qpMu.Unlock()

	n := len(c.qpTable)
	if c.qpActive == n {
		return 0, ErrQPTableFull
	}
	for i := 0; i < n; i++ {
		idx := (c.qpNext + i) % n
		if c.qpTable[idx] == nil {
			c.qpTable[idx] = qp
			c.qpNext = (idx + 1) % n
			c.qpActive++
			return uint32(idx), nil
		}
	}
	return 0, ErrQPTableFull
}

func (c *Context) removeQP(idx uint32, qp *QP) {
	c.qpMu.Lock()
	defer c.qpMu.Unlock()
	if int(idx) < len(c.qpTable) && c.qpTable[idx] == qp {
		c.qpTable[idx] = nil
		c.qpActive--
	}
}

// LookupQP returns the live QP at table index idx, or nil.
func (c *Context) LookupQP(idx uint32) *QP {
	c.qpMu.Lock()
	defer c.qpMu.Unlock()
	if int(idx) >= len(c.qpTable) {
		return nil
	}
	return c.qpTable[idx]
}

// mapDoorbell maps the page holding the doorbell at mmap offset off.
func (c *Context) mapDoorbell(off uint32) ([]byte, *transport.Doorbell, error) {
	mask := int64(c.pageSize - 1)
	base := int64(off) &^ mask
	page, err := c.Conn.Map(base, c.pageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to map doorbell at %#x: %w", off, err)
	}
	db, err := transport.NewDoorbell(page, int(int64(off)&mask))
	if err != nil {
		_ = c.Conn.Unmap(page)
		return nil, nil, err
	}
	return page, db, nil
}

func (c *Context) unmap(page []byte) error {
	return c.Conn.Unmap(page)
}

// RequestName names requests for metrics, including vendor methods.
func RequestName(req *transport.Request) string {
	if req.Object == abi.ObjectGeneric {
		if name := abi.MethodName(req.Method); name != "" {
			return name
		}
	}
	return verbs.RequestName(req)
}

func toContext(ctx verbs.ContextOps) (*Context, error) {
	c, ok := ctx.(*Context)
	if !ok {
		return nil, ErrForeignResource
	}
	return c, nil
}
