package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// CallOptions tune a single submission.
type CallOptions struct {
	// Timeout overrides the router default when positive.
	Timeout time.Duration
	// Priority orders queued calls; higher values are promoted first.
	// Calls at the same priority leave the queue in submission order.
	Priority int
	// Streaming allocates a partial-result stream for the call.
	Streaming bool
	// Internal marks the bridge's own protocol traffic: admitted while
	// shutdown is in progress and dispatched even while admission is paused.
	Internal bool
}

// Call is one outstanding request. It resolves exactly once: the first of
// worker response, timeout, cancellation, or worker loss wins and every
// later resolution attempt is discarded.
type Call struct {
	id       uint64
	method   string
	params   json.RawMessage
	priority int
	internal bool

	submitted  time.Time
	dispatched time.Time
	timer      *time.Timer

	stream *Stream

	done     chan struct{}
	resolved bool
	result   json.RawMessage
	err      error
}

// ID returns the wire request id assigned at submission.
func (c *Call) ID() uint64 { return c.id }

// Method returns the worker method the call targets.
func (c *Call) Method() string { return c.method }

// Stream returns the partial-result stream, or nil for non-streaming calls.
func (c *Call) Stream() *Stream { return c.stream }

// Done is closed when the call resolves.
func (c *Call) Done() <-chan struct{} { return c.done }

// Outcome returns the result and error after Done is closed. Calling it
// earlier returns whatever has been recorded so far.
func (c *Call) Outcome() (json.RawMessage, error) {
	select {
	case <-c.done:
	default:
	}
	return c.result, c.err
}

// resolveLocked records the call's single outcome. Caller holds the router
// mutex. Returns false when the call was already resolved.
func (c *Call) resolveLocked(result json.RawMessage, err error) bool {
	if c.resolved {
		return false
	}
	c.resolved = true
	c.result = result
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.stream != nil {
		c.stream.finish()
	}
	close(c.done)
	return true
}

// Stream carries `$/partial` chunks for one streaming call, in arrival
// order. Chunks are buffered without bound so a slow consumer never stalls
// the decode loop.
type Stream struct {
	mu     sync.Mutex
	chunks []json.RawMessage
	wake   chan struct{}
	closed bool
}

func newStream() *Stream {
	return &Stream{wake: make(chan struct{}, 1)}
}

func (s *Stream) push(chunk json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the next buffered chunk. The second return is false once the
// call has resolved and every chunk has been consumed.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, bool, error) {
	for {
		s.mu.Lock()
		if len(s.chunks) > 0 {
			chunk := s.chunks[0]
			s.chunks = s.chunks[1:]
			s.mu.Unlock()
			return chunk, true, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-s.wake:
		}
	}
}
