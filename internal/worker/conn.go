package worker

import (
	"context"
	"io"
)

// Conn is one live worker process attachment. Reader carries the worker's
// stdout frames, Writer its stdin.
type Conn interface {
	Reader() io.Reader
	Writer() io.Writer
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	// Kill terminates the process immediately.
	Kill() error
	// PID identifies the process for the status surface; zero when unknown.
	PID() int
}

// Launcher spawns worker processes. Production uses CommandLauncher; tests
// substitute scripted in-memory workers.
type Launcher interface {
	Launch(ctx context.Context) (Conn, error)
}
