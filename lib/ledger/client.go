package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/ValentinKolb/ledgerbridge/lib/records"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("ledger")

// --------------------------------------------------------------------------
// Client (native handle wrapper)
// --------------------------------------------------------------------------

// Client owns one engine client handle, its packet pool and the completion
// bridge. All methods are safe for concurrent use.
type Client struct {
	config  Config
	native  engine.IEngineClient
	pool    *packetPool
	metrics *clientMetrics

	// closeMu orders Submit's closed check and inflight.Add against Close
	closeMu   sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// Open validates config and initializes an engine client with it.
// Every failure is returned wrapped in ErrConnection; engine rejections keep
// their *engine.InitError in the chain.
func Open(config Config, eng engine.IEngine) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	addresses, err := engine.NormalizeAddresses(config.Addresses)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	pool := newPacketPool(int(config.ConcurrencyMax))
	c := &Client{
		config:  config,
		pool:    pool,
		metrics: newClientMetrics(config.ClusterID.String(), pool),
	}

	native, err := eng.Init(config.ClusterID, addresses, config.ConcurrencyMax, c.onCompletion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	c.native = native

	Logger.Infof("client opened for cluster %s (%d addresses, %d packets)",
		config.ClusterID, len(addresses), config.ConcurrencyMax)
	return c, nil
}

// Config returns the configuration the client was opened with.
func (c *Client) Config() Config {
	return c.config
}

// --------------------------------------------------------------------------
// Request submission
// --------------------------------------------------------------------------

// Submit sends one batch of fixed-stride records for op and returns
// immediately. The request bytes are copied, the caller may reuse them as soon
// as Submit returns.
//
// Errors, checked in this order: ErrHandleClosed, ErrInvalidOperation,
// ErrInvalidPayloadSize, ErrOverloaded (wrapping ErrPoolExhausted), or the
// engine's synchronous submit error. On error no packet is held.
func (c *Client) Submit(op engine.Operation, request []byte) (*PendingResult, error) {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return nil, ErrHandleClosed
	}

	layout, ok := records.LayoutOf(op)
	if !ok {
		c.closeMu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidOperation, op)
	}
	if len(request)%layout.Request != 0 {
		c.closeMu.RUnlock()
		return nil, fmt.Errorf("%w: %s request of %d bytes is not a multiple of %d",
			ErrInvalidPayloadSize, op, len(request), layout.Request)
	}

	pk, id, err := c.pool.acquire()
	if err != nil {
		c.closeMu.RUnlock()
		c.metrics.overloaded.Inc()
		return nil, fmt.Errorf("%w: %w", ErrOverloaded, err)
	}

	// Close cannot finish draining before this packet is done
	c.inflight.Add(1)
	c.closeMu.RUnlock()

	pending := newPendingResult(id, op)
	pk.load(id, op, request, pending)
	pk.word.Store(packWord(id.Generation(), stateSubmitted))

	if err := c.native.Submit(&pk.native); err != nil {
		// the engine did not take the packet, so no callback will claim it
		if pk.transition(id.Generation(), stateSubmitted, stateAcquired) {
			c.pool.release(pk)
			c.inflight.Done()
		} else {
			Logger.Warningf("packet %s was completed although submit failed: %v", id, err)
		}

		if errors.Is(err, engine.ErrClientShutdown) {
			return nil, fmt.Errorf("%w: %w", ErrHandleClosed, err)
		}
		return nil, fmt.Errorf("ledger: submit %s: %w", op, err)
	}

	c.metrics.submitted.Inc()
	return pending, nil
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Close stops accepting submissions, waits until every outstanding packet has
// completed and then releases the engine client. If DrainTimeout elapses
// first, the engine is told to fail the remaining packets and Close still waits
// for their callbacks. No completion callback runs after Close returns.
//
// Close is idempotent, concurrent callers all block until teardown finished.
func (c *Client) Close() error {
	c.closeOnce.Do(c.shutdown)
	return nil
}

func (c *Client) shutdown() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()

	Logger.Infof("closing client, %d packets in flight", c.pool.InUse())

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()

	if c.config.DrainTimeout > 0 {
		timer := time.NewTimer(c.config.DrainTimeout)
		defer timer.Stop()

		select {
		case <-drained:
		case <-timer.C:
			Logger.Warningf("drain timeout after %s, failing %d packets", c.config.DrainTimeout, c.pool.InUse())
			c.native.Deinit()
			<-drained
			Logger.Infof("client closed")
			return
		}
	} else {
		<-drained
	}

	c.native.Deinit()
	Logger.Infof("client closed")
}
