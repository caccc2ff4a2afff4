package cxi

import (
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

// WQE locates one work request in a work queue ring.
type WQE struct {
	// QPIndex is the context QP table index of the owning queue pair.
	QPIndex uint32
	// Slot is the ring slot the entry is written to.
	Slot uint32
	// ID is the work queue identifier the completion must echo.
	ID uint32
}

// CQE is one decoded completion.
type CQE struct {
	QPIndex uint32
	Send    bool
	ID      uint32
	// WC is filled by the decoder. WRID and QPNum are set by the provider.
	WC verbs.WC
}

// Hardware encodes work queue entries and decodes completion entries. The
// ring layouts are private to the implementation.
type Hardware interface {
	EncodeSend(ring []byte, wqe WQE, wr *verbs.SendWR) error
	EncodeRecv(ring []byte, wqe WQE, wr *verbs.RecvWR) error
	// Poll decodes up to len(out) completions visible from consumer index ci
	// and returns how many were decoded.
	Poll(ring []byte, ci uint32, out []CQE) int
}

// unimplementedHW is the default strategy. The CXI WQE and CQE formats are
// not encoded yet, so every post fails and no completion is ever visible.
type unimplementedHW struct{}

func (unimplementedHW) EncodeSend([]byte, WQE, *verbs.SendWR) error { return unix.ENOSYS }
func (unimplementedHW) EncodeRecv([]byte, WQE, *verbs.RecvWR) error { return unix.ENOSYS }
func (unimplementedHW) Poll([]byte, uint32, []CQE) int              { return 0 }
