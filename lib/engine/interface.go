package engine

import "errors"

// --------------------------------------------------------------------------
// Engine contract
// --------------------------------------------------------------------------

// ErrClientShutdown is returned by Submit once Deinit has started.
var ErrClientShutdown = errors.New("engine client is shut down")

// MaxMessageBodySize is the largest request or reply body the engine accepts
// for a single packet (one MiB minus the message header).
const MaxMessageBodySize = 1024*1024 - 256

// Packet is one unit of work handed to an engine client.
// UserData is opaque to the engine and is passed back verbatim to the
// completion callback.
type Packet struct {
	UserData  uint64
	Operation Operation
	Data      []byte
}

// CompletionFunc is the callback an engine invokes exactly once for every packet
// it accepted. It is called from a goroutine owned by the engine, possibly
// concurrently for different packets.
//
// reply is only valid for the duration of the call. Implementations must copy
// whatever they want to keep before returning.
type CompletionFunc func(userData uint64, status PacketStatus, reply []byte)

// IEngine creates engine clients. It is the Go-side view of the native client
// library's init entry point.
type IEngine interface {
	// Init connects to the cluster. The returned error is an *InitError when the
	// engine rejected the parameters.
	Init(clusterID Uint128, addresses []string, concurrencyMax uint32, onCompletion CompletionFunc) (IEngineClient, error)
}

// IEngineClient is a live engine connection.
type IEngineClient interface {
	// Submit hands a packet to the engine. The engine owns the packet until it
	// invokes the completion callback for packet.UserData and must not touch it
	// once the callback has started.
	// A non-nil error means the packet was not accepted and no callback will
	// ever fire for it.
	Submit(packet *Packet) error

	// Deinit completes every accepted but unfinished packet with ClientShutdown
	// and returns only once no further callback can be invoked.
	Deinit()
}
