// Package engine defines the contract between the ledger client core and the
// native engine library it drives.
//
// The native library exposes four entry points: init, submit, a completion
// callback and deinit. IEngine and IEngineClient mirror them in Go so that the
// completion bridge in package ledger can be exercised against any engine:
//
//   - memengine: an in-process simulation used by tests and benchmarks
//   - tcpengine: a framed TCP client for a remote ledger gateway
//
// Engine guarantees:
//
//   - Every packet accepted by Submit (nil error) receives exactly one
//     completion callback. A packet rejected by Submit receives none.
//   - Completion callbacks run on goroutines owned by the engine, in any order
//     and possibly concurrently.
//   - The reply slice handed to the callback is borrowed and may be reused by
//     the engine as soon as the callback returns.
//   - Deinit fails all outstanding packets with PacketClientShutdown and no
//     callback fires after it returns.
//
// The package also carries the shared wire vocabulary: operation tags, init and
// packet status codes and the Uint128 id type.
package engine
