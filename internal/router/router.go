// Package router correlates outbound requests with worker responses and
// enforces admission control.
//
// Admission is two-stage: up to a fixed number of calls are in flight on the
// worker stream at once, and a bounded priority queue holds the overflow.
// Queue order is highest priority first, submission order within a priority.
// The queue survives worker crashes; only in-flight calls are failed when
// the stream drops.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"toolbridge/internal/fault"
	"toolbridge/internal/logging"
	"toolbridge/internal/wire"
)

// FrameWriter sends one frame to the worker. Implementations serialize
// concurrent writes.
type FrameWriter interface {
	WriteFrame(f *wire.Frame) error
}

// ObserveFunc receives the outcome of every resolved call, for metrics.
type ObserveFunc func(method, outcome string, elapsed time.Duration)

// Outcome labels reported to the observer.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeLost      = "worker_lost"
	OutcomeAborted   = "aborted"
)

// Router owns the pending-call table and the admission queue.
type Router struct {
	maxInFlight    int
	maxQueue       int
	defaultTimeout time.Duration
	logger         *slog.Logger
	observe        ObserveFunc
	latency        *latencyRing

	mu           sync.Mutex
	drained      *sync.Cond
	writer       FrameWriter
	paused       bool
	nextID       uint64
	pending      map[uint64]*Call
	queue        []*Call
	shuttingDown bool

	completed uint64
	failed    uint64
	timedOut  uint64
	cancelled uint64
	rejected  uint64
	anomalies uint64
}

// New constructs a router. observe may be nil.
func New(maxInFlight, maxQueue int, defaultTimeout time.Duration, observe ObserveFunc, logger *slog.Logger) *Router {
	r := &Router{
		maxInFlight:    maxInFlight,
		maxQueue:       maxQueue,
		defaultTimeout: defaultTimeout,
		logger:         logging.WithComponent(logger, "router"),
		observe:        observe,
		latency:        &latencyRing{},
		pending:        make(map[uint64]*Call),
	}
	r.drained = sync.NewCond(&r.mu)
	return r
}

// Attach connects the router to a live worker stream and dispatches as many
// queued calls as the in-flight limit allows.
func (r *Router) Attach(w FrameWriter) {
	r.mu.Lock()
	r.writer = w
	writes := r.pumpLocked()
	r.mu.Unlock()
	r.flush(writes)
}

// Detach disconnects the writer. Subsequent submissions queue instead of
// dispatching. In-flight calls are untouched; use FailInFlight when the
// worker is known to be gone.
func (r *Router) Detach() {
	r.mu.Lock()
	r.writer = nil
	r.mu.Unlock()
}

// Pause stops dispatching non-internal calls while the worker is unhealthy.
// Submissions still queue, in-flight calls still resolve, and internal
// traffic keeps flowing so health probes can observe a recovery.
func (r *Router) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume lifts a pause and promotes queued calls into free slots.
func (r *Router) Resume() {
	r.mu.Lock()
	r.paused = false
	writes := r.pumpLocked()
	r.mu.Unlock()
	r.flush(writes)
}

// Submit admits a call. It returns immediately with the pending call, or an
// admission error when the call cannot be accepted.
func (r *Router) Submit(method string, params json.RawMessage, opts CallOptions) (*Call, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	r.mu.Lock()
	if r.shuttingDown && !opts.Internal {
		r.rejected++
		r.mu.Unlock()
		return nil, fault.Wrap(fault.ErrShuttingDown, "router", "submit", method, nil)
	}

	r.nextID++
	c := &Call{
		id:        r.nextID,
		method:    method,
		params:    params,
		priority:  opts.Priority,
		internal:  opts.Internal,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
	if opts.Streaming {
		c.stream = newStream()
	}

	var frame *wire.Frame
	var writer FrameWriter
	if r.writer != nil && (opts.Internal || !r.paused) && len(r.pending) < r.maxInFlight {
		frame, writer = r.dispatchLocked(c)
	} else {
		if len(r.queue) >= r.maxQueue {
			r.rejected++
			marker := fault.ErrOverloaded
			if r.writer == nil || r.paused {
				marker = fault.ErrUnavailable
			}
			r.mu.Unlock()
			return nil, fault.Wrap(marker, "router", "submit", method, nil)
		}
		r.queue = append(r.queue, c)
	}
	// The deadline covers queue time too: a call parked through a long
	// outage still expires on schedule.
	c.timer = time.AfterFunc(timeout, func() { r.expire(c) })
	r.mu.Unlock()

	if frame != nil {
		r.write(writer, c, frame)
	}
	return c, nil
}

// Call submits and waits. Cancelling ctx cancels the call.
func (r *Router) Call(ctx context.Context, method string, params json.RawMessage, opts CallOptions) (json.RawMessage, error) {
	c, err := r.Submit(method, params, opts)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		r.Cancel(c.ID())
		<-c.Done()
	case <-c.Done():
	}
	return c.Outcome()
}

// Cancel resolves an outstanding call with a cancellation error. If the call
// was already in flight a best-effort cancel notice is sent to the worker;
// no acknowledgment is awaited.
func (r *Router) Cancel(id uint64) bool {
	r.mu.Lock()
	c, inFlight := r.pending[id]
	if !inFlight {
		c = r.removeQueuedLocked(id)
	}
	if c == nil {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, id)
	resolved := c.resolveLocked(nil, fault.Wrap(fault.ErrCancelled, "router", "cancel", c.method, nil))
	if resolved {
		r.cancelled++
	}
	writer := r.writer
	writes := r.pumpLocked()
	r.signalIfDrainedLocked()
	r.mu.Unlock()

	if resolved {
		r.report(c, OutcomeCancelled)
	}
	if inFlight && writer != nil {
		params, _ := json.Marshal(wire.CancelParams{ID: id})
		_ = writer.WriteFrame(wire.NewNotification(wire.MethodCancel, params))
	}
	r.flush(writes)
	return resolved
}

// HandleResponse resolves the pending call matching a response frame. A
// response with no pending call is a protocol anomaly: the call already
// resolved some other way, so the payload is discarded.
func (r *Router) HandleResponse(f *wire.Frame) {
	if f.ID == nil {
		return
	}
	r.mu.Lock()
	c, ok := r.pending[*f.ID]
	if !ok {
		r.anomalies++
		r.mu.Unlock()
		r.logger.Debug("late or unknown response discarded",
			logging.String(logging.FieldRequestID, strconv.FormatUint(*f.ID, 10)))
		return
	}
	delete(r.pending, *f.ID)

	var outcome string
	if f.Error != nil {
		// Worker-reported errors are application failures; the error object
		// is surfaced to the caller as-is.
		c.resolveLocked(nil, f.Error)
		r.failed++
		outcome = OutcomeError
	} else {
		c.resolveLocked(f.Result, nil)
		r.completed++
		outcome = OutcomeOK
	}
	elapsed := time.Since(c.dispatched)
	writes := r.pumpLocked()
	r.signalIfDrainedLocked()
	r.mu.Unlock()

	r.latency.record(elapsed)
	r.report(c, outcome)
	r.flush(writes)
}

// HandlePartial routes a `$/partial` notification to its call's stream.
// Chunks for unknown or non-streaming calls are dropped.
func (r *Router) HandlePartial(params json.RawMessage) {
	var p wire.PartialParams
	if err := json.Unmarshal(params, &p); err != nil {
		r.mu.Lock()
		r.anomalies++
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	c := r.pending[p.ID]
	r.mu.Unlock()
	if c == nil || c.stream == nil {
		return
	}
	c.stream.push(p.Chunk)
}

// FailInFlight resolves every in-flight call with a worker-lost error and
// detaches the writer. Queued calls are preserved for the next attachment.
func (r *Router) FailInFlight(cause error) int {
	r.mu.Lock()
	r.writer = nil
	lost := make([]*Call, 0, len(r.pending))
	for id, c := range r.pending {
		delete(r.pending, id)
		if c.resolveLocked(nil, fault.Wrap(fault.ErrWorkerLost, "router", "fail", c.method, cause)) {
			lost = append(lost, c)
			r.failed++
		}
	}
	queued := len(r.queue)
	r.signalIfDrainedLocked()
	r.mu.Unlock()

	for _, c := range lost {
		r.report(c, OutcomeLost)
	}
	if len(lost) > 0 || queued > 0 {
		r.logger.Warn("worker stream lost",
			logging.Int("in_flight_failed", len(lost)),
			logging.Int("queued_preserved", queued),
			logging.Error(cause))
	}
	return len(lost)
}

// BeginShutdown rejects all further submissions. Outstanding calls continue.
func (r *Router) BeginShutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	r.mu.Unlock()
}

// DrainInFlight blocks until no calls are in flight or queued, or ctx ends.
func (r *Router) DrainInFlight(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.drained.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.pending) > 0 || len(r.queue) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.drained.Wait()
	}
	return nil
}

// ForceResolvePending resolves everything still outstanding, queued and in
// flight, with the given marker. Used as the last step of shutdown.
func (r *Router) ForceResolvePending(marker error) int {
	if marker == nil {
		marker = fault.ErrShuttingDown
	}
	r.mu.Lock()
	aborted := make([]*Call, 0, len(r.pending)+len(r.queue))
	for id, c := range r.pending {
		delete(r.pending, id)
		if c.resolveLocked(nil, fault.Wrap(marker, "router", "abort", c.method, nil)) {
			aborted = append(aborted, c)
			r.failed++
		}
	}
	for _, c := range r.queue {
		if c.resolveLocked(nil, fault.Wrap(marker, "router", "abort", c.method, nil)) {
			aborted = append(aborted, c)
			r.failed++
		}
	}
	r.queue = nil
	r.signalIfDrainedLocked()
	r.mu.Unlock()

	for _, c := range aborted {
		r.report(c, OutcomeAborted)
	}
	return len(aborted)
}

// Snapshot reports counters and the rolling latency window.
type Snapshot struct {
	InFlight  int          `json:"in_flight"`
	Queued    int          `json:"queued"`
	Completed uint64       `json:"completed"`
	Failed    uint64       `json:"failed"`
	TimedOut  uint64       `json:"timed_out"`
	Cancelled uint64       `json:"cancelled"`
	Rejected  uint64       `json:"rejected"`
	Anomalies uint64       `json:"anomalies"`
	Latency   LatencyStats `json:"latency"`
}

// Snapshot returns the router's current counters.
func (r *Router) Snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{
		InFlight:  len(r.pending),
		Queued:    len(r.queue),
		Completed: r.completed,
		Failed:    r.failed,
		TimedOut:  r.timedOut,
		Cancelled: r.cancelled,
		Rejected:  r.rejected,
		Anomalies: r.anomalies,
	}
	r.mu.Unlock()
	s.Latency = r.latency.stats()
	return s
}

// expire fires when a call's deadline elapses before any other resolution.
func (r *Router) expire(c *Call) {
	r.mu.Lock()
	_, inFlight := r.pending[c.id]
	if inFlight {
		delete(r.pending, c.id)
	} else {
		r.removeQueuedLocked(c.id)
	}
	resolved := c.resolveLocked(nil, fault.Wrap(fault.ErrTimeout, "router", "deadline", c.method, nil))
	if resolved {
		r.timedOut++
	}
	writer := r.writer
	writes := r.pumpLocked()
	r.signalIfDrainedLocked()
	r.mu.Unlock()

	if !resolved {
		return
	}
	r.report(c, OutcomeTimeout)
	if inFlight && writer != nil {
		params, _ := json.Marshal(wire.CancelParams{ID: c.id})
		_ = writer.WriteFrame(wire.NewNotification(wire.MethodCancel, params))
	}
	r.flush(writes)
}

type write struct {
	call   *Call
	frame  *wire.Frame
	writer FrameWriter
}

// dispatchLocked moves a call into the pending table and builds its frame.
func (r *Router) dispatchLocked(c *Call) (*wire.Frame, FrameWriter) {
	r.pending[c.id] = c
	c.dispatched = time.Now()
	return wire.NewRequest(c.id, c.method, c.params), r.writer
}

// pumpLocked promotes queued calls into free in-flight slots. While paused
// only internal calls are promoted. The frames are written by the caller
// after the mutex is released.
func (r *Router) pumpLocked() []write {
	var writes []write
	for r.writer != nil && len(r.pending) < r.maxInFlight {
		c := r.popQueueLocked(r.paused)
		if c == nil {
			break
		}
		frame, writer := r.dispatchLocked(c)
		writes = append(writes, write{call: c, frame: frame, writer: writer})
	}
	return writes
}

// popQueueLocked removes the highest-priority, oldest eligible queued call.
func (r *Router) popQueueLocked(internalOnly bool) *Call {
	best := -1
	for i, c := range r.queue {
		if internalOnly && !c.internal {
			continue
		}
		if best < 0 || c.priority > r.queue[best].priority {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	c := r.queue[best]
	r.queue = append(r.queue[:best], r.queue[best+1:]...)
	return c
}

func (r *Router) removeQueuedLocked(id uint64) *Call {
	for i, c := range r.queue {
		if c.id == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return c
		}
	}
	return nil
}

func (r *Router) flush(writes []write) {
	for _, w := range writes {
		r.write(w.writer, w.call, w.frame)
	}
}

// write sends a dispatched request frame. A write failure means the stream
// is gone: the call fails as worker-lost and the writer is detached so later
// submissions queue behind whatever is already waiting, until the next
// generation attaches.
func (r *Router) write(w FrameWriter, c *Call, f *wire.Frame) {
	err := w.WriteFrame(f)
	if err == nil {
		return
	}
	r.mu.Lock()
	if r.writer == w {
		r.writer = nil
	}
	delete(r.pending, c.id)
	resolved := c.resolveLocked(nil, fault.Wrap(fault.ErrWorkerLost, "router", "write", c.method, err))
	if resolved {
		r.failed++
	}
	r.signalIfDrainedLocked()
	r.mu.Unlock()
	if resolved {
		r.report(c, OutcomeLost)
	}
}

func (r *Router) signalIfDrainedLocked() {
	if len(r.pending) == 0 && len(r.queue) == 0 {
		r.drained.Broadcast()
	}
}

func (r *Router) report(c *Call, outcome string) {
	if r.observe != nil {
		r.observe(c.method, outcome, time.Since(c.submitted))
	}
}
