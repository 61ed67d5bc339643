// Package wire implements the frame codec for the worker stream: JSON-RPC
// 2.0 records, one per line, over a duplex byte stream with no inherent
// message boundaries.
//
// The decoder buffers partial records across reads, preserves arrival
// order, and treats malformed records as recoverable protocol errors,
// resynchronizing at the next newline.
package wire
