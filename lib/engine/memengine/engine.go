package memengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/ValentinKolb/ledgerbridge/lib/records"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("engine/mem")

// scribble is written over every reply buffer once its callback returned
const scribble = 0xAA

// Handler computes the status and reply for one packet. It runs on an engine
// worker goroutine and may be called concurrently.
type Handler func(op engine.Operation, payload []byte) (engine.PacketStatus, []byte)

// Options configures the simulated engine.
type Options struct {
	// Workers is the number of goroutines invoking callbacks (default 4)
	Workers int

	// Latency is added before every completion
	Latency time.Duration

	// Handler produces replies, DefaultHandler when nil
	Handler Handler

	// Admit runs synchronously in Submit. A non-nil error rejects the packet.
	Admit func(p *engine.Packet) error

	// Manual parks every packet until CompleteNext or CompleteAll is called
	Manual bool
}

// DefaultHandler accepts every well formed batch: creates succeed for all
// records and lookups find nothing.
func DefaultHandler(op engine.Operation, payload []byte) (engine.PacketStatus, []byte) {
	layout, ok := records.LayoutOf(op)
	if !ok {
		return engine.PacketInvalidOperation, nil
	}
	if len(payload) > engine.MaxMessageBodySize {
		return engine.PacketTooMuchData, nil
	}
	if len(payload)%layout.Request != 0 {
		return engine.PacketInvalidDataSize, nil
	}
	return engine.PacketOk, nil
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine is an in-process engine.IEngine. It is not a ledger, it only
// reproduces the engine's threading and ownership contract.
type Engine struct {
	opts Options

	mu   sync.Mutex
	last *Client
}

// New creates an engine with the given options, zero values get defaults.
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Handler == nil {
		opts.Handler = DefaultHandler
	}
	return &Engine{opts: opts}
}

// Init implements engine.IEngine.
func (e *Engine) Init(clusterID engine.Uint128, addresses []string, concurrencyMax uint32, onCompletion engine.CompletionFunc) (engine.IEngineClient, error) {
	if _, err := engine.NormalizeAddresses(addresses); err != nil {
		return nil, err
	}
	if concurrencyMax == 0 {
		return nil, &engine.InitError{Status: engine.InitConcurrencyMaxInvalid, Detail: "concurrency max is zero"}
	}
	if onCompletion == nil {
		return nil, &engine.InitError{Status: engine.InitUnexpected, Detail: "no completion callback"}
	}

	c := newClient(e.opts, onCompletion)

	e.mu.Lock()
	e.last = c
	e.mu.Unlock()

	Logger.Debugf("simulated client for cluster %s started with %d workers", clusterID, e.opts.Workers)
	return c, nil
}

// Client returns the most recently initialized client, nil before the first Init.
func (e *Engine) Client() *Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// Client is one simulated engine client.
type Client struct {
	opts         Options
	onCompletion engine.CompletionFunc

	// accepted packets that did not get their callback yet
	inflight  *xsync.MapOf[uint64, *engine.Packet]
	submitted *xsync.Counter

	submissions *queue[engine.Packet]
	work        chan *engine.Packet
	engineWG    sync.WaitGroup
	stopCh      chan struct{}
	stopping    atomic.Bool

	// manual mode
	mu        sync.Mutex
	parked    []*engine.Packet
	deinited  bool
	completes sync.WaitGroup

	deinitOnce sync.Once
}

func newClient(opts Options, onCompletion engine.CompletionFunc) *Client {
	c := &Client{
		opts:         opts,
		onCompletion: onCompletion,
		inflight:     xsync.NewMapOf[uint64, *engine.Packet](),
		submitted:    xsync.NewCounter(),
		submissions:  newQueue[engine.Packet](),
		work:         make(chan *engine.Packet),
		stopCh:       make(chan struct{}),
	}

	c.engineWG.Add(1)
	go c.dispatch()

	if !opts.Manual {
		for i := 0; i < opts.Workers; i++ {
			c.engineWG.Add(1)
			go c.worker()
		}
	}
	return c
}

// Submit implements engine.IEngineClient.
func (c *Client) Submit(p *engine.Packet) error {
	if c.stopping.Load() {
		return engine.ErrClientShutdown
	}
	if c.opts.Admit != nil {
		if err := c.opts.Admit(p); err != nil {
			return err
		}
	}

	c.inflight.Store(p.UserData, p)
	if !c.submissions.Push(p) {
		c.inflight.Delete(p.UserData)
		return engine.ErrClientShutdown
	}
	c.submitted.Inc()
	return nil
}

// Deinit implements engine.IEngineClient. Packets not completed yet get
// ClientShutdown.
func (c *Client) Deinit() {
	c.deinitOnce.Do(func() {
		c.stopping.Store(true)
		close(c.stopCh)
		c.submissions.Close()
		c.engineWG.Wait()

		c.mu.Lock()
		c.deinited = true
		c.parked = nil
		c.mu.Unlock()
		c.completes.Wait()

		failed := 0
		c.inflight.Range(func(userData uint64, p *engine.Packet) bool {
			if c.complete(p, engine.PacketClientShutdown, nil) {
				failed++
			}
			return true
		})
		Logger.Debugf("simulated client shut down, %d packets failed", failed)
	})
}

// Submitted returns how many packets the engine accepted.
func (c *Client) Submitted() int64 {
	return c.submitted.Value()
}

// InFlight returns how many accepted packets did not get a callback yet.
func (c *Client) InFlight() int {
	return c.inflight.Size()
}

// dispatch is the engine thread: it drains the submission queue and hands
// packets to the workers or parks them.
func (c *Client) dispatch() {
	defer c.engineWG.Done()
	defer close(c.work)

	for p := range c.submissions.Recv() {
		if c.opts.Manual {
			c.mu.Lock()
			c.parked = append(c.parked, p)
			c.mu.Unlock()
			continue
		}

		select {
		case c.work <- p:
		case <-c.stopCh:
			// left in inflight, Deinit fails it
		}
	}
}

func (c *Client) worker() {
	defer c.engineWG.Done()

	for p := range c.work {
		c.process(p)
	}
}

// process waits the configured latency, runs the handler and completes p.
func (c *Client) process(p *engine.Packet) {
	status := engine.PacketClientShutdown
	var reply []byte

	if c.wait() {
		status, reply = c.opts.Handler(p.Operation, p.Data)
	}
	c.complete(p, status, reply)
}

// wait sleeps for the configured latency. Returns false if the client is being
// shut down.
func (c *Client) wait() bool {
	if c.opts.Latency > 0 {
		t := time.NewTimer(c.opts.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-c.stopCh:
			return false
		}
	}
	return !c.stopping.Load()
}

// complete invokes the callback for p unless it already had one. The reply is
// handed over in an engine owned buffer that is scribbled after the callback.
func (c *Client) complete(p *engine.Packet, status engine.PacketStatus, reply []byte) bool {
	if _, ok := c.inflight.LoadAndDelete(p.UserData); !ok {
		return false
	}

	borrowed := make([]byte, len(reply))
	copy(borrowed, reply)

	c.invoke(p.UserData, status, borrowed)

	for i := range borrowed {
		borrowed[i] = scribble
	}
	return true
}

// invoke calls the completion callback, a panic must not kill the engine goroutine.
func (c *Client) invoke(userData uint64, status engine.PacketStatus, reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("completion callback for %d panicked: %v", userData, r)
		}
	}()
	c.onCompletion(userData, status, reply)
}

// --------------------------------------------------------------------------
// Test controls
// --------------------------------------------------------------------------

// Parked returns the number of packets waiting in manual mode.
func (c *Client) Parked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parked)
}

// WaitParked blocks until at least n packets are parked or ctx is done.
func (c *Client) WaitParked(ctx context.Context, n int) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for c.Parked() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// CompleteNext completes the oldest parked packet on a new goroutine.
// Returns false if nothing is parked.
func (c *Client) CompleteNext() bool {
	c.mu.Lock()
	if c.deinited || len(c.parked) == 0 {
		c.mu.Unlock()
		return false
	}
	p := c.parked[0]
	c.parked = c.parked[1:]
	c.completes.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.completes.Done()
		c.process(p)
	}()
	return true
}

// CompleteAll completes every parked packet and returns how many were started.
func (c *Client) CompleteAll() int {
	n := 0
	for c.CompleteNext() {
		n++
	}
	return n
}

// InjectCompletion invokes the callback for an arbitrary user data value as a
// misbehaving engine would, bypassing the exactly once bookkeeping.
func (c *Client) InjectCompletion(userData uint64, status engine.PacketStatus, reply []byte) {
	borrowed := make([]byte, len(reply))
	copy(borrowed, reply)
	c.invoke(userData, status, borrowed)
	for i := range borrowed {
		borrowed[i] = scribble
	}
}
