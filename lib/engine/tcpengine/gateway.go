package tcpengine

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
)

// HandleFunc computes the status and reply for one request frame.
type HandleFunc func(op engine.Operation, payload []byte) (engine.PacketStatus, []byte)

// --------------------------------------------------------------------------
// Gateway
// --------------------------------------------------------------------------

// Gateway serves the frame protocol on a listener and answers every request
// with a HandleFunc. Requests of one connection are processed by a bounded set
// of worker goroutines, so replies may come back out of order.
type Gateway struct {
	handler           HandleFunc
	maxWorkersPerConn int
	bufferPool        *sync.Pool

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewGateway creates a gateway with a per-connection worker limit.
func NewGateway(handler HandleFunc, maxWorkersPerConn int) *Gateway {
	if maxWorkersPerConn < 1 {
		maxWorkersPerConn = 1
	}
	return &Gateway{
		handler:           handler,
		maxWorkersPerConn: maxWorkersPerConn,
		conns:             make(map[net.Conn]struct{}),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, defaultReadBufferSize)
			},
		},
	}
}

// Serve accepts connections until Close is called. It returns nil after Close.
func (g *Gateway) Serve(listener net.Listener) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		listener.Close()
		return nil
	}
	g.listener = listener
	g.mu.Unlock()

	Logger.Infof("Gateway listening on %s with %d workers per connection", listener.Addr(), g.maxWorkersPerConn)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if g.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			conn.Close()
			return nil
		}
		g.conns[conn] = struct{}{}
		g.wg.Add(1)
		g.mu.Unlock()

		go g.handleConnection(conn)
	}
}

// Close stops accepting, closes all connections and waits for their handlers.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	var err error
	if g.listener != nil {
		err = g.listener.Close()
	}
	for conn := range g.conns {
		conn.Close()
	}
	g.mu.Unlock()

	g.wg.Wait()
	return err
}

// DropConnections closes every open connection but keeps accepting new ones.
func (g *Gateway) DropConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for conn := range g.conns {
		conn.Close()
	}
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// handleConnection handles incoming requests for one connection
func (g *Gateway) handleConnection(conn net.Conn) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		conn.Close()
	}()

	// counting semaphore limiting concurrent workers for this connection
	workers := make(chan struct{}, g.maxWorkersPerConn)
	var wg sync.WaitGroup
	var writeMu sync.Mutex

	respond := func(h frameHeader, data []byte, buf []byte) {
		defer func() {
			g.bufferPool.Put(buf)
			<-workers
			wg.Done()
		}()

		status, reply := g.handler(h.operation, data)

		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writeFrame(conn, h.requestID, h.operation, status, reply); err != nil {
			// the client only learns about a lost reply when the connection goes away
			Logger.Warningf("Failed to write reply for request %d, closing connection: %v", h.requestID, err)
			conn.Close()
		}
	}

	for {
		buf := g.bufferPool.Get().([]byte)
		h, data, next, err := readFrame(conn, buf)
		if err != nil {
			g.bufferPool.Put(next)
			if err != io.EOF && !g.isClosed() {
				Logger.Debugf("Closing gateway connection from %s: %v", conn.RemoteAddr(), err)
			}
			break
		}

		workers <- struct{}{}
		wg.Add(1)
		go respond(h, data, next)
	}

	// in-progress requests finish before the connection is closed
	wg.Wait()
}
