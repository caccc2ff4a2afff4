package cxi

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/transport"
)

// wqeSize is the ring slot size of one work queue entry.
const wqeSize = 64

// workQueue is one direction of a queue pair. Posting holds mu; retiring a
// completion does not, so a poller never contends with a poster.
type workQueue struct {
	mu sync.Mutex

	name  string
	depth uint32
	pc    uint32 // producer counter
	// posted is guarded by mu, completed is advanced by the poller.
	posted    uint32
	completed atomic.Uint32

	// wrid maps a free-pool identifier to the caller's work request id.
	wrid []atomic.Uint64
	// busy is set while an identifier is held by a posted request.
	busy []atomic.Bool
	free chan uint32

	ring   transport.Buffer
	dbPage []byte
	db     *transport.Doorbell
}

func newWorkQueue(name string, depth uint32) (*workQueue, error) {
	wq := &workQueue{
		name:  name,
		depth: depth,
		wrid:  make([]atomic.Uint64, depth),
		busy:  make([]atomic.Bool, depth),
		free:  make(chan uint32, depth),
	}
	for id := uint32(0); id < depth; id++ {
		wq.free <- id
	}
	if depth == 0 {
		return wq, nil
	}

	ring, err := transport.AllocBuffer(int(depth) * wqeSize)
	if err != nil {
		return nil, err
	}
	wq.ring = ring
	return wq, nil
}

// enqueue reserves an identifier and a slot, lets encode write the entry and
// records wrID. mu must be held.
func (wq *workQueue) enqueue(qpIndex uint32, wrID uint64, encode func(WQE) error) error {
	if wq.posted-wq.completed.Load() >= wq.depth {
		return ErrQueueFull
	}

	var id uint32
	select {
	case id = <-wq.free:
	default:
		return ErrQueueFull
	}

	wqe := WQE{QPIndex: qpIndex, Slot: wq.pc % wq.depth, ID: id}
	if err := encode(wqe); err != nil {
		wq.free <- id
		return err
	}

	wq.wrid[id].Store(wrID)
	wq.busy[id].Store(true)
	wq.pc++
	wq.posted++
	return nil
}

// ringDoorbell publishes the producer counter. Entries written before the
// call are visible to the device before the doorbell store. mu must be held.
func (wq *workQueue) ringDoorbell() {
	if wq.db != nil {
		wq.db.Ring(wq.pc)
	}
}

// retire releases identifier id and returns the work request id recorded
// for it.
func (wq *workQueue) retire(id uint32) (uint64, bool) {
	if id >= wq.depth {
		return 0, false
	}
	wrID := wq.wrid[id].Load()
	if !wq.busy[id].CompareAndSwap(true, false) {
		log.Warn().Str("queue", wq.name).Uint32("id", id).Msg("Completion for an identifier that is not outstanding")
		return 0, false
	}
	wq.completed.Add(1)
	wq.free <- id
	return wrID, true
}

// outstanding returns posted - completed.
func (wq *workQueue) outstanding() uint32 {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.posted - wq.completed.Load()
}

func (wq *workQueue) release(unmap func([]byte) error) {
	if wq.dbPage != nil {
		if err := unmap(wq.dbPage); err != nil {
			log.Warn().Str("queue", wq.name).Err(err).Msg("Failed to unmap doorbell")
		}
		wq.dbPage = nil
		wq.db = nil
	}
	if err := wq.ring.Free(); err != nil {
		log.Warn().Str("queue", wq.name).Err(err).Msg("Failed to free work queue ring")
	}
	wq.ring = nil
}
