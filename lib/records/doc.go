// Package records encodes and decodes the fixed-stride little endian records of
// the ledger engine wire protocol (accounts, transfers, account filters, ids and
// create results) and knows the request and reply stride of every operation.
//
// The ledger client core only uses the strides. The record types exist for
// callers that build request payloads, such as the command line tool.
package records
