package ledger

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Packet Pool
// --------------------------------------------------------------------------

// packetPool is a fixed set of packet slots. Free slot indices live in a bounded
// lock-free MPMC queue, which is the only structure shared between submitting
// goroutines and engine callback goroutines.
type packetPool struct {
	slots []packet
	free  *xsync.MPMCQueueOf[uint32]
	inUse atomic.Int64
}

func newPacketPool(capacity int) *packetPool {
	if capacity < 1 {
		panic(fmt.Sprintf("packet pool capacity must be positive, got %d", capacity))
	}

	p := &packetPool{
		slots: make([]packet, capacity),
		free:  xsync.NewMPMCQueueOf[uint32](capacity),
	}
	for i := range p.slots {
		p.slots[i].index = uint32(i)
		p.free.TryEnqueue(uint32(i))
	}
	return p
}

// acquire takes a free slot and starts a new generation on it.
// Never blocks, returns ErrPoolExhausted when every slot is in use.
func (p *packetPool) acquire() (*packet, PacketID, error) {
	idx, ok := p.free.TryDequeue()
	if !ok {
		return nil, 0, ErrPoolExhausted
	}

	pk := &p.slots[idx]
	gen := pk.generation() + 1
	pk.word.Store(packWord(gen, stateAcquired))
	p.inUse.Add(1)

	return pk, newPacketID(idx, gen), nil
}

// claim hands the slot for id to the completion bridge. It fails for ids that
// are out of range, belong to an older generation, or were already claimed.
func (p *packetPool) claim(id PacketID) (*packet, bool) {
	idx := id.Index()
	if int(idx) >= len(p.slots) {
		return nil, false
	}

	pk := &p.slots[idx]
	if !pk.transition(id.Generation(), stateSubmitted, stateCompleting) {
		return nil, false
	}
	return pk, true
}

// release returns a slot to the free set. Safe to call from any goroutine.
func (p *packetPool) release(pk *packet) {
	pk.reset()
	pk.word.Store(packWord(pk.generation(), stateFree))
	p.inUse.Add(-1)

	// cannot fail: the queue holds exactly one entry per slot
	if !p.free.TryEnqueue(pk.index) {
		panic(fmt.Sprintf("packet pool free list overflow at slot %d", pk.index))
	}
}

// Capacity returns the fixed number of slots.
func (p *packetPool) Capacity() int {
	return len(p.slots)
}

// InUse returns the number of slots currently handed out.
func (p *packetPool) InUse() int {
	return int(p.inUse.Load())
}
