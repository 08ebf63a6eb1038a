package tcpengine

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
)

// headerSize is the fixed frame header:
// 8 byte request id | 1 byte operation | 1 byte status | 4 byte length
const headerSize = 14

// frameHeader is the decoded header of one frame.
type frameHeader struct {
	requestID uint64
	operation engine.Operation
	status    engine.PacketStatus
	length    uint32
}

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: request id (uint64, big endian)
// - 1 byte: operation
// - 1 byte: status (always ok for requests)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, requestID uint64, op engine.Operation, status engine.PacketStatus, data []byte) error {
	if len(data) > engine.MaxMessageBodySize {
		return fmt.Errorf("frame body of %d bytes exceeds %d", len(data), engine.MaxMessageBodySize)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	header[8] = byte(op)
	header[9] = byte(status)
	binary.BigEndian.PutUint32(header[10:14], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame into buf and returns the header, the payload (a
// slice of the returned buffer) and the buffer to use for the next call, which
// is grown when a payload did not fit.
func readFrame(r io.Reader, buf []byte) (frameHeader, []byte, []byte, error) {
	if len(buf) < headerSize {
		buf = make([]byte, headerSize)
	}

	if _, err := io.ReadFull(r, buf[:headerSize]); err != nil {
		return frameHeader{}, nil, buf, err
	}

	h := frameHeader{
		requestID: binary.BigEndian.Uint64(buf[:8]),
		operation: engine.Operation(buf[8]),
		status:    engine.PacketStatus(buf[9]),
		length:    binary.BigEndian.Uint32(buf[10:14]),
	}
	if h.length > engine.MaxMessageBodySize {
		return h, nil, buf, fmt.Errorf("frame body of %d bytes exceeds %d", h.length, engine.MaxMessageBodySize)
	}
	if h.length == 0 {
		return h, buf[:0], buf, nil
	}

	if len(buf) < int(h.length) {
		buf = make([]byte, h.length)
	}
	if _, err := io.ReadFull(r, buf[:h.length]); err != nil {
		return h, nil, buf, err
	}
	return h, buf[:h.length], buf, nil
}
