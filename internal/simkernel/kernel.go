// Package simkernel emulates the CXI kernel driver behind the uverbs ioctl
// interface. It decodes the same command records the provider sends to a real
// device, keeps kernel-side object tables, exports doorbell pages through Map
// and supports fault injection.
package simkernel

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/transport"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

// PCI ids of the simulated device (Cassini 2).
const (
	VendorID = 0x1590
	DeviceID = 0x0371
)

// Config sets the values the simulated device reports.
type Config struct {
	UARN uint16

	// Device limits
	MaxQP       uint32
	MaxQPWR     uint32
	MaxSGE      uint32
	MaxCQE      uint32
	MaxMsgSz    uint32
	AtomicCap   uint32
	MaxQPRdAtom uint32
	MaxMcastGrp uint32

	// Method 1 device info
	NICAddr      uint32
	PIDGranule   uint32
	PIDCount     uint32
	PIDBits      uint32
	MinFreeShift uint32

	// FillAHN makes create_ah return an address handle number.
	FillAHN bool
}

// DefaultConfig returns a Cassini-like configuration.
func DefaultConfig() Config {
	return Config{
		UARN:         7,
		MaxQP:        1024,
		MaxQPWR:      4096,
		MaxSGE:       8,
		MaxCQE:       65536,
		MaxMsgSz:     1 << 30,
		AtomicCap:    verbs.AtomicHCA,
		MaxQPRdAtom:  16,
		MaxMcastGrp:  0,
		NICAddr:      0x12345,
		PIDGranule:   256,
		PIDCount:     511,
		PIDBits:      9,
		MinFreeShift: 4,
		FillAHN:      true,
	}
}

type pdObj struct{}

type mrObj struct {
	pd     uint32
	start  uint64
	length uint64
	hcaVA  uint64
	access uint32
	lkey   uint32
	rkey   uint32
	// md is the memory descriptor handle reported in the vendor response.
	md     uint32
}

type cqObj struct {
	cqe    uint32
	eqn    uint16
	dbOff  int64
	armed  uint32
	usecnt int
}

type qpObj struct {
	pd     uint32
	sendCQ uint32
	recvCQ uint32
	qpn    uint32
	qpType uint8
	state  verbs.QPState
	cap    verbs.QPCap
	sigAll uint8
	dbOff  int64
	attr   verbs.QPAttr
}

type ahObj struct {
	pd  uint32
	ahn uint16
}

// Census counts live kernel objects.
type Census struct {
	Contexts int
	PDs      int
	MRs      int
	CQs      int
	QPs      int
	AHs      int
}

// Kernel is one simulated device with its kernel object tables.
type Kernel struct {
	mu sync.Mutex

	cfg        Config
	nextHandle uint32
	nextQPN    uint32
	nextMmap   int64
	pageSize   int

	contexts int
	pds      map[uint32]*pdObj
	mrs      map[uint32]*mrObj
	cqs      map[uint32]*cqObj
	qps      map[uint32]*qpObj
	ahs      map[uint32]*ahObj

	pages  map[int64][]byte
	mapped atomic.Int64

	calls    map[string]int
	failNext map[string]error
}

// New creates a simulated device.
func New(cfg Config) *Kernel {
	return &Kernel{
		cfg:      cfg,
		nextQPN:  0x100,
		pageSize: os.Getpagesize(),
		pds:      make(map[uint32]*pdObj),
		mrs:      make(map[uint32]*mrObj),
		cqs:      make(map[uint32]*cqObj),
		qps:      make(map[uint32]*qpObj),
		ahs:      make(map[uint32]*ahObj),
		pages:    make(map[int64][]byte),
		calls:    make(map[string]int),
		failNext: make(map[string]error),
	}
}

// Device returns a verbs device backed by this kernel.
func (k *Kernel) Device(name string) *verbs.Device {
	return &verbs.Device{
		Name:       "uverbs0",
		IBDevName:  name,
		DevPath:    "sim:" + name,
		ABIVersion: abi.Version,
		VendorID:   VendorID,
		DeviceID:   DeviceID,
		Opener:     k.Opener(),
	}
}

// Opener returns a verbs.Opener that opens a new command channel to k.
func (k *Kernel) Opener() verbs.Opener {
	return func(*verbs.Device) (transport.Conn, error) {
		return k.Open(), nil
	}
}

// Open returns a new command channel.
func (k *Kernel) Open() *Conn {
	return &Conn{k: k}
}

// FailNext makes the next call of op fail with err. op is a write command
// name such as "create_qp", or "method1".."method3".
func (k *Kernel) FailNext(op string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failNext[op] = err
}

// Calls returns how many times op reached the kernel, including failures.
func (k *Kernel) Calls(op string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls[op]
}

// Census returns the live object counts.
func (k *Kernel) Census() Census {
	k.mu.Lock()
	defer k.mu.Unlock()
	return Census{
		Contexts: k.contexts,
		PDs:      len(k.pds),
		MRs:      len(k.mrs),
		CQs:      len(k.cqs),
		QPs:      len(k.qps),
		AHs:      len(k.ahs),
	}
}

// Mapped returns the number of doorbell mappings not yet unmapped.
func (k *Kernel) Mapped() int64 {
	return k.mapped.Load()
}

// ReadDoorbell returns the value last written to the doorbell at the given
// mmap offset.
func (k *Kernel) ReadDoorbell(off int64) uint32 {
	k.mu.Lock()
	page := k.pages[off&^int64(k.pageSize-1)]
	k.mu.Unlock()
	if page == nil {
		return 0
	}
	in := int(off & int64(k.pageSize-1))
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&page[in])))
}

// QPState returns the kernel's view of a queue pair state.
func (k *Kernel) QPState(handle uint32) (verbs.QPState, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	qp, ok := k.qps[handle]
	if !ok {
		return 0, false
	}
	return qp.state, true
}

func (k *Kernel) newHandle() uint32 {
	k.nextHandle++
	return k.nextHandle
}

// newPage allocates a doorbell page and returns its mmap offset.
func (k *Kernel) newPage() int64 {
	k.nextMmap++
	off := k.nextMmap * int64(k.pageSize)
	k.pages[off] = make([]byte, k.pageSize)
	return off
}

// Conn is a command channel to a simulated kernel.
type Conn struct {
	k      *Kernel
	closed atomic.Bool
}

// Execute dispatches req to the write command or vendor method handler.
func (c *Conn) Execute(req *transport.Request) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	k := c.k

	op := opName(req)
	k.mu.Lock()
	defer k.mu.Unlock()

	k.calls[op]++
	if err, ok := k.failNext[op]; ok {
		delete(k.failNext, op)
		log.Debug().Str("op", op).Err(err).Msg("Injected kernel failure")
		return err
	}

	if num, ok := verbs.WriteCmdOf(req); ok {
		return k.write(num, req)
	}
	if req.Object == abi.ObjectGeneric {
		return k.method(req)
	}
	return unix.EOPNOTSUPP
}

// Map returns the doorbell page at offset. The offset must be page aligned.
func (c *Conn) Map(offset int64, length int) ([]byte, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}
	k := c.k
	k.mu.Lock()
	defer k.mu.Unlock()

	page, ok := k.pages[offset]
	if !ok || length > len(page) {
		return nil, unix.EINVAL
	}
	k.mapped.Add(1)
	return page[:length:length], nil
}

// Unmap releases a mapping.
func (c *Conn) Unmap(b []byte) error {
	if b == nil {
		return unix.EINVAL
	}
	c.k.mapped.Add(-1)
	return nil
}

// Close closes the channel. Kernel objects are not released, as with a real
// device file the provider must destroy them first.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

func opName(req *transport.Request) string {
	if req.Object == abi.ObjectGeneric {
		if name := abi.MethodName(req.Method); name != "" {
			return name
		}
	}
	return verbs.RequestName(req)
}
