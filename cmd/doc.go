// Package cmd implements the command-line interface for ledgerbridge. It
// provides a hierarchical command structure for driving a ledger engine
// through the asynchronous client.
//
// The package is organized into several subpackages:
//
//   - accounts: Commands for creating and looking up accounts
//   - bench: Load generator reporting latency and throughput of the client
//   - gateway: A simulated ledger gateway for the tcp engine
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See ledgerbridge -help for a list of all commands.
package cmd
