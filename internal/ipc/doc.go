// Package ipc implements the control channel between the toolbridge CLI and
// the daemon: JSON-RPC over a Unix domain socket.
//
// This channel carries daemon control (status, restart, shutdown) and
// ad-hoc worker calls for the CLI. It is separate from the newline-delimited
// frame stream the bridge speaks to the worker process.
package ipc
