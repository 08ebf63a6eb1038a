// Package memengine provides an in-process implementation of engine.IEngine.
//
// It does not keep any ledger state. It reproduces what matters to the
// completion bridge: submissions go through a lock-free multi-producer single
// consumer queue to a dispatcher goroutine, worker goroutines invoke the
// completion callback concurrently with a borrowed reply buffer that is
// overwritten as soon as the callback returns, and Deinit fails every packet
// that did not complete yet.
//
// In manual mode packets are parked until the test completes them one by one,
// which makes pool exhaustion and shutdown ordering deterministic.
package memengine
