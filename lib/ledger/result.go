package ledger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
)

// --------------------------------------------------------------------------
// Pending Result
// --------------------------------------------------------------------------

// PendingResult is the caller's handle on one submitted packet. It is written
// exactly once by the completion bridge and can be waited on any number of
// times. Abandoning a wait has no effect on the packet itself.
type PendingResult struct {
	id          PacketID
	operation   engine.Operation
	submittedAt time.Time

	resolved atomic.Bool
	done     chan struct{}

	// written before done is closed, read only after
	reply []byte
	err   error
}

func newPendingResult(id PacketID, op engine.Operation) *PendingResult {
	return &PendingResult{
		id:          id,
		operation:   op,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// resolve stores the result and wakes all waiters. Returns false if the result
// was already set, in which case nothing changes.
func (r *PendingResult) resolve(reply []byte, err error) bool {
	if !r.resolved.CompareAndSwap(false, true) {
		return false
	}
	r.reply = reply
	r.err = err
	close(r.done)
	return true
}

// Wait blocks until the engine completed the packet or ctx is done.
// On ctx expiry it returns ctx.Err(); the packet keeps running and its slot is
// reclaimed when the engine eventually calls back.
//
// On success the reply holds the fixed-stride reply records and is owned by the
// caller.
//
// The result is published before the packet returns to the pool, so a Submit
// issued right after Wait returns may still see ErrOverloaded on a full pool.
// Retry it like any other overload.
func (r *PendingResult) Wait(ctx context.Context) ([]byte, error) {
	// prefer a result that is already there over an expired context
	select {
	case <-r.done:
		return r.reply, r.err
	default:
	}

	select {
	case <-r.done:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the result is available.
func (r *PendingResult) Done() <-chan struct{} {
	return r.done
}

// Result returns the result without blocking. ok is false while the packet is
// still in flight.
func (r *PendingResult) Result() (reply []byte, err error, ok bool) {
	select {
	case <-r.done:
		return r.reply, r.err, true
	default:
		return nil, nil, false
	}
}

// ID returns the packet identity used for this request.
func (r *PendingResult) ID() PacketID {
	return r.id
}

// Operation returns the operation that was submitted.
func (r *PendingResult) Operation() engine.Operation {
	return r.operation
}

// SubmittedAt returns when the request was submitted.
func (r *PendingResult) SubmittedAt() time.Time {
	return r.submittedAt
}
