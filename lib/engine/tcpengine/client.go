package tcpengine

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("engine/tcp")

// ErrNoConnection is returned by Submit when every connection is down.
var ErrNoConnection = errors.New("no active gateway connection")

// defaultReadBufferSize covers a full message body
const defaultReadBufferSize = 64 * 1024

// Options configures the TCP engine.
type Options struct {
	// ConnectionsPerAddress is the number of connections per replica address (default 1)
	ConnectionsPerAddress int

	// DialTimeout bounds connection setup, zero means no timeout
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write, zero means no timeout
	WriteTimeout time.Duration

	// TCPNoDelay disables Nagle's algorithm
	TCPNoDelay bool

	// KeepAlive enables TCP keep-alive with the given period, zero disables it
	KeepAlive time.Duration
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine is an engine.IEngine that talks to ledger gateways over TCP.
type Engine struct {
	opts Options
}

// New creates a TCP engine.
func New(opts Options) *Engine {
	if opts.ConnectionsPerAddress <= 0 {
		opts.ConnectionsPerAddress = 1
	}
	return &Engine{opts: opts}
}

// Init implements engine.IEngine. It fails with InitNetworkSubsystem when no
// connection at all could be established.
func (e *Engine) Init(clusterID engine.Uint128, addresses []string, concurrencyMax uint32, onCompletion engine.CompletionFunc) (engine.IEngineClient, error) {
	addrs, err := engine.NormalizeAddresses(addresses)
	if err != nil {
		return nil, err
	}
	if concurrencyMax == 0 {
		return nil, &engine.InitError{Status: engine.InitConcurrencyMaxInvalid, Detail: "concurrency max is zero"}
	}
	if onCompletion == nil {
		return nil, &engine.InitError{Status: engine.InitUnexpected, Detail: "no completion callback"}
	}

	c := &Client{
		opts:         e.opts,
		onCompletion: onCompletion,
	}

	for _, addr := range addrs {
		for i := 0; i < e.opts.ConnectionsPerAddress; i++ {
			conn := &connection{
				address: addr,
				pending: xsync.NewMapOf[uint64, engine.Operation](),
				parent:  c,
			}
			if err := conn.reconnect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", addr, i+1, e.opts.ConnectionsPerAddress, err)
				continue
			}
			c.connections = append(c.connections, conn)
		}
	}

	if len(c.connections) == 0 {
		return nil, &engine.InitError{Status: engine.InitNetworkSubsystem, Detail: "failed to connect to any address"}
	}

	for _, conn := range c.connections {
		c.readers.Add(1)
		go conn.readResponses()
	}

	Logger.Infof("Connected to cluster %s with %d connections to %d addresses",
		clusterID, len(c.connections), len(addrs))
	return c, nil
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// Client is one engine client with a fixed set of gateway connections.
type Client struct {
	opts         Options
	onCompletion engine.CompletionFunc
	connections  []*connection
	nextConn     atomic.Uint64
	readers      sync.WaitGroup

	// stopMu orders Submit's registration against Deinit's sweep
	stopMu   sync.RWMutex
	stopping bool

	deinitOnce sync.Once
}

// connection is a single gateway connection with its own in-flight table.
type connection struct {
	address string
	parent  *Client

	connMu sync.Mutex // protects conn, broken and writes
	conn   net.Conn
	// broken is set when a write failed, the reader then replaces conn
	broken bool

	// request id -> operation of every packet written but not answered
	pending *xsync.MapOf[uint64, engine.Operation]
}

// Submit implements engine.IEngineClient.
func (c *Client) Submit(p *engine.Packet) error {
	c.stopMu.RLock()
	defer c.stopMu.RUnlock()

	if c.stopping {
		return engine.ErrClientShutdown
	}

	if len(p.Data) > engine.MaxMessageBodySize {
		return fmt.Errorf("packet body of %d bytes exceeds %d", len(p.Data), engine.MaxMessageBodySize)
	}

	conn := c.nextConnection()
	if conn == nil {
		return ErrNoConnection
	}

	if _, loaded := conn.pending.LoadOrStore(p.UserData, p.Operation); loaded {
		return fmt.Errorf("packet %d is already in flight", p.UserData)
	}

	if err := conn.write(p); err != nil {
		return fmt.Errorf("failed to write to %s: %w", conn.address, err)
	}
	return nil
}

// Deinit implements engine.IEngineClient.
func (c *Client) Deinit() {
	c.deinitOnce.Do(func() {
		c.stopMu.Lock()
		c.stopping = true
		c.stopMu.Unlock()

		for _, conn := range c.connections {
			conn.close()
		}
		c.readers.Wait()

		failed := 0
		for _, conn := range c.connections {
			failed += conn.failPending(engine.PacketClientShutdown)
		}
		Logger.Infof("Client shut down, %d packets failed", failed)
	})
}

func (c *Client) isStopping() bool {
	c.stopMu.RLock()
	defer c.stopMu.RUnlock()
	return c.stopping
}

// nextConnection selects the next live connection via round robin.
func (c *Client) nextConnection() *connection {
	n := uint64(len(c.connections))
	start := c.nextConn.Add(1)
	for i := uint64(0); i < n; i++ {
		conn := c.connections[(start+i)%n]
		if conn.alive() {
			return conn
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Connection helper
// --------------------------------------------------------------------------

func (c *connection) alive() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil && !c.broken
}

// write sends the request frame of a registered packet. A failed write may
// have left part of a frame on the socket, so the connection is dropped and
// the reader evicts the rest of its packets and reconnects on a clean stream.
// A nil return means the packet either went out or was already completed by
// the reader; an error means it was unregistered and gets no callback.
func (c *connection) write(p *engine.Packet) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	err := c.writeLocked(p)
	if err == nil {
		return nil
	}

	// unregister before closing, the reader must not complete this packet
	if _, ok := c.pending.LoadAndDelete(p.UserData); !ok {
		return nil
	}
	if c.conn != nil && !c.broken {
		Logger.Warningf("Dropping connection to %s after failed write of packet %d: %v", c.address, p.UserData, err)
		c.broken = true
		c.conn.Close()
	}
	return err
}

func (c *connection) writeLocked(p *engine.Packet) error {
	if c.conn == nil || c.broken {
		return ErrNoConnection
	}
	if c.parent.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.parent.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return writeFrame(c.conn, p.UserData, p.Operation, engine.PacketOk, p.Data)
}

func (c *connection) close() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}

// current returns the net.Conn the reader should use, nil if the connection is gone.
func (c *connection) current() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// readResponses reads reply frames and completes the matching packets. The
// reply handed to the callback is a slice of the reader's buffer and is
// overwritten by the next frame.
func (c *connection) readResponses() {
	defer c.parent.readers.Done()

	buf := make([]byte, defaultReadBufferSize)
	for {
		conn := c.current()
		if conn == nil {
			return
		}

		h, data, next, err := readFrame(conn, buf)
		buf = next

		if err != nil {
			if c.parent.isStopping() {
				return
			}

			// the gateway will never answer what was sent on this connection
			failed := c.failPending(engine.PacketClientEvicted)
			Logger.Warningf("Connection to %s lost, %d packets evicted: %v", c.address, failed, err)

			if err := c.reconnect(); err != nil {
				Logger.Errorf("Failed to reconnect to %s: %v", c.address, err)
				c.markDead()
				// a submit may have registered while we were dialing
				c.failPending(engine.PacketClientEvicted)
				return
			}
			// Deinit may have closed the old connection while we were dialing
			if c.parent.isStopping() {
				c.markDead()
				return
			}
			Logger.Infof("Reconnected to %s", c.address)
			continue
		}

		if _, ok := c.pending.LoadAndDelete(h.requestID); !ok {
			Logger.Warningf("Received reply for unknown request id %d from %s", h.requestID, c.address)
			continue
		}
		c.complete(h.requestID, h.status, data)
	}
}

// failPending completes every outstanding packet of this connection with status.
func (c *connection) failPending(status engine.PacketStatus) int {
	failed := 0
	c.pending.Range(func(requestID uint64, _ engine.Operation) bool {
		if _, ok := c.pending.LoadAndDelete(requestID); ok {
			c.complete(requestID, status, nil)
			failed++
		}
		return true
	})
	return failed
}

// complete invokes the completion callback, a panic must not kill the reader.
func (c *connection) complete(requestID uint64, status engine.PacketStatus, reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("Completion callback for request %d panicked: %v", requestID, r)
		}
	}()
	c.parent.onCompletion(requestID, status, reply)
}

func (c *connection) markDead() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// reconnect establishes or restores the connection to the address.
func (c *connection) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.broken = false

	dialer := net.Dialer{Timeout: c.parent.opts.DialTimeout}
	conn, err := dialer.Dial("tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", c.address, err)
	}

	if err := upgradeConnection(conn, c.parent.opts); err != nil {
		conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %v", c.address, err)
	}

	c.conn = conn
	return nil
}

// upgradeConnection applies the TCP socket options.
func upgradeConnection(conn net.Conn, opts Options) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetNoDelay(opts.TCPNoDelay); err != nil {
		return err
	}
	if opts.KeepAlive > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(opts.KeepAlive); err != nil {
			return err
		}
	}
	return nil
}
