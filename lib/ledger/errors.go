package ledger

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/ledgerbridge/lib/engine"
)

// --------------------------------------------------------------------------
// Error taxonomy
// --------------------------------------------------------------------------

var (
	// ErrConnection is returned by Open when the configuration is invalid or the
	// engine refused to initialize. Fatal to that attempt.
	ErrConnection = errors.New("ledger: connection error")

	// ErrHandleClosed is returned by Submit once Close has started.
	ErrHandleClosed = errors.New("ledger: handle closed")

	// ErrOverloaded is returned by Submit when no packet is free. The caller may
	// retry with backoff.
	ErrOverloaded = errors.New("ledger: overloaded")

	// ErrPoolExhausted is the packet pool's own error, wrapped by ErrOverloaded.
	ErrPoolExhausted = errors.New("ledger: packet pool exhausted")

	// ErrInvalidPayloadSize is returned when the request length is not a multiple
	// of the operation's record stride. Programmer error, never retry.
	ErrInvalidPayloadSize = errors.New("ledger: invalid payload size")

	// ErrInvalidOperation is returned for an operation tag this client does not know.
	ErrInvalidOperation = errors.New("ledger: invalid operation")

	// ErrEngineRejected matches every *EngineRejectedError via errors.Is.
	ErrEngineRejected = errors.New("ledger: engine rejected operation")

	// ErrMalformedReply is the completion error for a reply whose length is not
	// a multiple of the operation's reply stride.
	ErrMalformedReply = errors.New("ledger: malformed reply")
)

// EngineRejectedError carries the non-success status the engine reported for a
// submitted packet. Status is engine.PacketBridgeFault when completion handling
// itself failed.
type EngineRejectedError struct {
	Operation engine.Operation
	Status    engine.PacketStatus
	Cause     error
}

func (e *EngineRejectedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ledger: engine rejected %s: %s: %v", e.Operation, e.Status, e.Cause)
	}
	return fmt.Sprintf("ledger: engine rejected %s: %s", e.Operation, e.Status)
}

func (e *EngineRejectedError) Is(target error) bool {
	return target == ErrEngineRejected
}

func (e *EngineRejectedError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is worth retrying on the same handle.
// Only ErrOverloaded is, everything else is either permanent or a property of
// the operation that only the caller can judge.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrOverloaded)
}
