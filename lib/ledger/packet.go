package ledger

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
)

// --------------------------------------------------------------------------
// Packet identity
// --------------------------------------------------------------------------

// PacketID identifies one use of a pool slot: the slot index in the upper 32
// bits, the slot generation in the lower 32 bits. It travels through the engine
// as the packet's user data and lets the bridge index straight back into the
// pool.
type PacketID uint64

func newPacketID(index, generation uint32) PacketID {
	return PacketID(uint64(index)<<32 | uint64(generation))
}

// Index returns the pool slot index.
func (id PacketID) Index() uint32 {
	return uint32(id >> 32)
}

// Generation returns the slot generation at acquire time.
func (id PacketID) Generation() uint32 {
	return uint32(id)
}

func (id PacketID) String() string {
	return fmt.Sprintf("%d/%d", id.Index(), id.Generation())
}

// --------------------------------------------------------------------------
// Packet slot
// --------------------------------------------------------------------------

// slot lifecycle states, stored in the low 32 bits of packet.word
const (
	stateFree uint32 = iota
	stateAcquired
	stateSubmitted
	stateCompleting
)

// packet is one reusable pool slot.
//
// word packs generation (high 32 bits) and state (low 32 bits) so the bridge can
// claim exactly the use it was called for with a single compare-and-swap.
// All other fields are owned by whichever side currently holds the slot:
// the submitter until the engine accepts it, the engine while in flight, the
// bridge once claimed.
type packet struct {
	index uint32
	word  atomic.Uint64

	native      engine.Packet
	buf         []byte
	pending     *PendingResult
	submittedAt time.Time
}

func packWord(generation, state uint32) uint64 {
	return uint64(generation)<<32 | uint64(state)
}

func (p *packet) generation() uint32 {
	return uint32(p.word.Load() >> 32)
}

func (p *packet) state() uint32 {
	return uint32(p.word.Load())
}

// transition moves the slot from one state to another within generation gen.
func (p *packet) transition(gen, from, to uint32) bool {
	return p.word.CompareAndSwap(packWord(gen, from), packWord(gen, to))
}

// load copies the request into the slot's own buffer and prepares the engine packet.
func (p *packet) load(id PacketID, op engine.Operation, request []byte, pending *PendingResult) {
	p.buf = append(p.buf[:0], request...)
	p.pending = pending
	p.submittedAt = pending.submittedAt
	p.native = engine.Packet{
		UserData:  uint64(id),
		Operation: op,
		Data:      p.buf,
	}
}

// reset drops every reference to the finished use. The buffer's capacity is kept
// for the next use.
func (p *packet) reset() {
	p.buf = p.buf[:0]
	p.pending = nil
	p.submittedAt = time.Time{}
	p.native = engine.Packet{}
}
