package ledger

import (
	"fmt"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/ValentinKolb/ledgerbridge/lib/records"
)

// --------------------------------------------------------------------------
// Completion Bridge
// --------------------------------------------------------------------------

// completionHook runs inside the guarded part of every completion. Only tests set it.
var completionHook func(id PacketID, status engine.PacketStatus, reply []byte)

// onCompletion is the engine.CompletionFunc registered at Open. It runs on an
// engine goroutine, never blocks and never lets a panic escape into the engine.
func (c *Client) onCompletion(userData uint64, status engine.PacketStatus, reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.faults.Inc()
			Logger.Errorf("completion for packet %s panicked outside delivery: %v", PacketID(userData), r)
		}
	}()

	id := PacketID(userData)
	pk, ok := c.pool.claim(id)
	if !ok {
		c.metrics.stale.Inc()
		Logger.Warningf("ignoring completion for unknown or stale packet %s (status %s)", id, status)
		return
	}

	// finish runs even if delivery panicked, the slot must always come back
	defer c.finish(pk)
	c.deliver(pk.pending, status, reply)
}

// deliver classifies the completion and resolves the pending result.
// A panic is turned into a bridge fault for this packet only.
func (c *Client) deliver(pending *PendingResult, status engine.PacketStatus, reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.faults.Inc()
			Logger.Errorf("completion handling for packet %s panicked: %v", pending.id, r)
			pending.resolve(nil, &EngineRejectedError{
				Operation: pending.operation,
				Status:    engine.PacketBridgeFault,
				Cause:     fmt.Errorf("panic: %v", r),
			})
		}
	}()

	if hook := completionHook; hook != nil {
		hook(pending.id, status, reply)
	}

	result, err := classify(pending.operation, status, reply)
	if err != nil {
		c.metrics.rejected.Inc()
		Logger.Debugf("packet %s (%s) failed: %v", pending.id, pending.operation, err)
	}
	pending.resolve(result, err)
}

// finish records the completion and hands the slot back to the pool.
// The packet leaves the drain count even if the release panics.
func (c *Client) finish(pk *packet) {
	defer c.inflight.Done()
	c.metrics.latency.UpdateDuration(pk.submittedAt)
	c.metrics.completed.Inc()
	c.pool.release(pk)
}

// classify maps an engine status and the borrowed reply to the caller's result.
// The returned reply is an owned copy.
func classify(op engine.Operation, status engine.PacketStatus, reply []byte) ([]byte, error) {
	if status != engine.PacketOk {
		return nil, &EngineRejectedError{Operation: op, Status: status}
	}

	layout, ok := records.LayoutOf(op)
	if !ok {
		return nil, fmt.Errorf("%w: no reply layout for %s", ErrMalformedReply, op)
	}
	if len(reply)%layout.Reply != 0 {
		return nil, fmt.Errorf("%w: %s reply of %d bytes is not a multiple of %d",
			ErrMalformedReply, op, len(reply), layout.Reply)
	}

	out := make([]byte, len(reply))
	copy(out, reply)
	return out, nil
}
