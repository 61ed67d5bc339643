package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"toolbridge/internal/fault"
	"toolbridge/internal/logging"
	"toolbridge/internal/router"
	"toolbridge/internal/wire"
)

type fakeWriter struct {
	mu     sync.Mutex
	frames []*wire.Frame
	err    error
}

func (w *fakeWriter) WriteFrame(f *wire.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *fakeWriter) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *fakeWriter) take() []*wire.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	frames := w.frames
	w.frames = nil
	return frames
}

func newRouter(maxInFlight, maxQueue int) (*router.Router, *fakeWriter) {
	w := &fakeWriter{}
	r := router.New(maxInFlight, maxQueue, time.Minute, nil, logging.NewNop())
	r.Attach(w)
	return r, w
}

func respond(r *router.Router, f *wire.Frame, result string) {
	r.HandleResponse(wire.NewResponse(*f.ID, json.RawMessage(result)))
}

func TestCallResolvesWithWorkerResult(t *testing.T) {
	r, w := newRouter(4, 4)

	c, err := r.Submit("tools/list", json.RawMessage(`{}`), router.CallOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frames := w.take()
	if len(frames) != 1 || frames[0].Method != "tools/list" || *frames[0].ID != c.ID() {
		t.Fatalf("dispatched frames = %+v", frames)
	}

	respond(r, frames[0], `{"tools":[]}`)
	<-c.Done()
	result, err := c.Outcome()
	if err != nil {
		t.Fatalf("Outcome: %v", err)
	}
	if string(result) != `{"tools":[]}` {
		t.Fatalf("result = %s", result)
	}
	if snap := r.Snapshot(); snap.Completed != 1 || snap.InFlight != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestWorkerErrorSurfacesToCaller(t *testing.T) {
	r, w := newRouter(4, 4)
	c, _ := r.Submit("tools/call", nil, router.CallOptions{})
	frame := w.take()[0]

	r.HandleResponse(wire.NewErrorResponse(*frame.ID, -32601, "method not found"))
	<-c.Done()
	_, err := c.Outcome()
	var eo *wire.ErrorObject
	if !errors.As(err, &eo) || eo.Code != -32601 {
		t.Fatalf("err = %v", err)
	}
}

func TestAdmissionLimitsAndQueueing(t *testing.T) {
	r, w := newRouter(2, 2)

	var calls []*router.Call
	for i := 0; i < 4; i++ {
		c, err := r.Submit("work", nil, router.CallOptions{})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		calls = append(calls, c)
	}
	if _, err := r.Submit("work", nil, router.CallOptions{}); !errors.Is(err, fault.ErrOverloaded) {
		t.Fatalf("fifth submit err = %v, want overloaded", err)
	}

	dispatched := w.take()
	if len(dispatched) != 2 {
		t.Fatalf("dispatched %d frames, want 2", len(dispatched))
	}
	snap := r.Snapshot()
	if snap.InFlight != 2 || snap.Queued != 2 || snap.Rejected != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Completing one in-flight call promotes exactly one queued call.
	respond(r, dispatched[0], `null`)
	<-calls[0].Done()
	promoted := w.take()
	if len(promoted) != 1 {
		t.Fatalf("promoted %d frames, want 1", len(promoted))
	}
	if snap := r.Snapshot(); snap.InFlight != 2 || snap.Queued != 1 {
		t.Fatalf("snapshot after promotion = %+v", snap)
	}
}

func TestQueueOrderIsPriorityThenFIFO(t *testing.T) {
	r, w := newRouter(1, 8)

	blocker, _ := r.Submit("block", nil, router.CallOptions{})
	w.take()

	lowA, _ := r.Submit("low-a", nil, router.CallOptions{Priority: 0})
	highA, _ := r.Submit("high-a", nil, router.CallOptions{Priority: 5})
	lowB, _ := r.Submit("low-b", nil, router.CallOptions{Priority: 0})
	highB, _ := r.Submit("high-b", nil, router.CallOptions{Priority: 5})

	want := []*router.Call{highA, highB, lowA, lowB}
	current := blocker
	for _, next := range want {
		r.HandleResponse(wire.NewResponse(current.ID(), json.RawMessage(`null`)))
		frames := w.take()
		if len(frames) != 1 {
			t.Fatalf("promoted %d frames, want 1", len(frames))
		}
		if *frames[0].ID != next.ID() {
			t.Fatalf("promoted %s, want %s", frames[0].Method, next.Method())
		}
		current = next
	}
}

func TestTimeoutResolvesOnceAndLateResponseIsAnomaly(t *testing.T) {
	r, w := newRouter(2, 2)
	c, err := r.Submit("slow", nil, router.CallOptions{Timeout: 15 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frame := w.take()[0]

	<-c.Done()
	if _, err := c.Outcome(); !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}

	// The late worker response must not change the outcome.
	respond(r, frame, `"late"`)
	result, err := c.Outcome()
	if result != nil || !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("outcome changed by late response: %s, %v", result, err)
	}
	snap := r.Snapshot()
	if snap.Anomalies != 1 || snap.TimedOut != 1 || snap.Completed != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestQueuedCallExpiresDuringOutage(t *testing.T) {
	// No writer attached: the worker never comes up.
	r := router.New(1, 4, time.Minute, nil, logging.NewNop())

	c, err := r.Submit("work", nil, router.CallOptions{Timeout: 15 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("queued call never expired")
	}
	if _, err := c.Outcome(); !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if snap := r.Snapshot(); snap.Queued != 0 {
		t.Fatalf("expired call still queued: %+v", snap)
	}
}

func TestCancelInFlightSendsCancelNotice(t *testing.T) {
	r, w := newRouter(2, 2)
	c, _ := r.Submit("slow", nil, router.CallOptions{})
	w.take()

	if !r.Cancel(c.ID()) {
		t.Fatal("Cancel returned false")
	}
	if _, err := c.Outcome(); !errors.Is(err, fault.ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}

	frames := w.take()
	if len(frames) != 1 || frames[0].Method != wire.MethodCancel {
		t.Fatalf("frames after cancel = %+v", frames)
	}
	var p wire.CancelParams
	if err := json.Unmarshal(frames[0].Params, &p); err != nil || p.ID != c.ID() {
		t.Fatalf("cancel params = %s (%v)", frames[0].Params, err)
	}
	if r.Cancel(c.ID()) {
		t.Fatal("second cancel should be a no-op")
	}
}

func TestCancelQueuedCallNeverReachesWorker(t *testing.T) {
	r, w := newRouter(1, 4)
	blocker, _ := r.Submit("block", nil, router.CallOptions{})
	queued, _ := r.Submit("queued", nil, router.CallOptions{})
	w.take()

	if !r.Cancel(queued.ID()) {
		t.Fatal("Cancel returned false")
	}
	if _, err := queued.Outcome(); !errors.Is(err, fault.ErrCancelled) {
		t.Fatalf("err = %v", err)
	}

	r.HandleResponse(wire.NewResponse(blocker.ID(), json.RawMessage(`null`)))
	for _, f := range w.take() {
		if f.ID != nil && *f.ID == queued.ID() {
			t.Fatal("cancelled queued call was dispatched")
		}
	}
}

func TestPauseQueuesClientCallsButDispatchesInternal(t *testing.T) {
	r, w := newRouter(2, 4)
	r.Pause()

	// Slots are free, but a paused router parks client traffic.
	c, err := r.Submit("work", nil, router.CallOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if frames := w.take(); len(frames) != 0 {
		t.Fatalf("paused router dispatched %d frames", len(frames))
	}
	if snap := r.Snapshot(); snap.InFlight != 0 || snap.Queued != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Internal traffic still flows so health checks can see a recovery.
	ping, err := r.Submit("ping", nil, router.CallOptions{Internal: true, Priority: 1000})
	if err != nil {
		t.Fatalf("internal Submit: %v", err)
	}
	frames := w.take()
	if len(frames) != 1 || *frames[0].ID != ping.ID() {
		t.Fatalf("internal dispatch frames = %+v", frames)
	}

	r.Resume()
	frames = w.take()
	if len(frames) != 1 || *frames[0].ID != c.ID() {
		t.Fatalf("resume did not promote the queued call: %+v", frames)
	}
}

func TestPausedRouterFailsWithUnavailableWhenQueueFull(t *testing.T) {
	r, _ := newRouter(2, 1)
	r.Pause()

	if _, err := r.Submit("work", nil, router.CallOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := r.Submit("work", nil, router.CallOptions{}); !errors.Is(err, fault.ErrUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestWorkerLossFailsInFlightAndPreservesQueue(t *testing.T) {
	r, w := newRouter(2, 4)

	var inflight, queued []*router.Call
	for i := 0; i < 2; i++ {
		c, _ := r.Submit("work", nil, router.CallOptions{})
		inflight = append(inflight, c)
	}
	for i := 0; i < 3; i++ {
		c, _ := r.Submit("work", nil, router.CallOptions{})
		queued = append(queued, c)
	}
	w.take()

	if n := r.FailInFlight(errors.New("pipe closed")); n != 2 {
		t.Fatalf("failed %d calls, want 2", n)
	}
	for _, c := range inflight {
		if _, err := c.Outcome(); !errors.Is(err, fault.ErrWorkerLost) {
			t.Fatalf("in-flight err = %v", err)
		}
	}
	for _, c := range queued {
		select {
		case <-c.Done():
			t.Fatal("queued call resolved by worker loss")
		default:
		}
	}

	// A new attachment dispatches the preserved queue.
	w2 := &fakeWriter{}
	r.Attach(w2)
	if frames := w2.take(); len(frames) != 2 {
		t.Fatalf("redispatched %d frames, want 2", len(frames))
	}
	if snap := r.Snapshot(); snap.InFlight != 2 || snap.Queued != 1 {
		t.Fatalf("snapshot after reattach = %+v", snap)
	}
}

func TestWriteFailureDetachesWriterAndPreservesOrder(t *testing.T) {
	r, w := newRouter(1, 4)
	w.fail(errors.New("broken pipe"))

	first, err := r.Submit("work-1", nil, router.CallOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-first.Done()
	if _, err := first.Outcome(); !errors.Is(err, fault.ErrWorkerLost) {
		t.Fatalf("err = %v, want worker lost", err)
	}

	// The dead stream is detached, so later submissions queue in order
	// instead of racing each other onto it.
	second, _ := r.Submit("work-2", nil, router.CallOptions{})
	third, _ := r.Submit("work-3", nil, router.CallOptions{})
	if snap := r.Snapshot(); snap.InFlight != 0 || snap.Queued != 2 {
		t.Fatalf("snapshot after write failure = %+v", snap)
	}

	w2 := &fakeWriter{}
	r.Attach(w2)
	frames := w2.take()
	if len(frames) != 1 || *frames[0].ID != second.ID() {
		t.Fatalf("reattach dispatched %+v, want %d first", frames, second.ID())
	}
	respond(r, frames[0], `null`)
	frames = w2.take()
	if len(frames) != 1 || *frames[0].ID != third.ID() {
		t.Fatalf("promotion dispatched %+v, want %d", frames, third.ID())
	}
}

func TestShutdownRejectsAndForceResolveAborts(t *testing.T) {
	r, w := newRouter(1, 4)
	inflight, _ := r.Submit("work", nil, router.CallOptions{})
	queued, _ := r.Submit("work", nil, router.CallOptions{})
	w.take()

	r.BeginShutdown()
	if _, err := r.Submit("work", nil, router.CallOptions{}); !errors.Is(err, fault.ErrShuttingDown) {
		t.Fatalf("submit after shutdown err = %v", err)
	}

	if n := r.ForceResolvePending(fault.ErrShuttingDown); n != 2 {
		t.Fatalf("aborted %d, want 2", n)
	}
	for _, c := range []*router.Call{inflight, queued} {
		if _, err := c.Outcome(); !errors.Is(err, fault.ErrShuttingDown) {
			t.Fatalf("err = %v", err)
		}
	}
}

func TestDrainWaitsForOutstandingCalls(t *testing.T) {
	r, w := newRouter(2, 2)
	c, _ := r.Submit("work", nil, router.CallOptions{})
	frame := w.take()[0]

	done := make(chan error, 1)
	go func() { done <- r.DrainInFlight(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("drain returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	respond(r, frame, `null`)
	<-c.Done()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drain err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("drain never returned")
	}
}

func TestDrainHonorsContext(t *testing.T) {
	r, w := newRouter(2, 2)
	r.Submit("work", nil, router.CallOptions{})
	w.take()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.DrainInFlight(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain err = %v", err)
	}
}

func TestStreamingCallDeliversChunksInOrder(t *testing.T) {
	r, w := newRouter(2, 2)
	c, _ := r.Submit("document/stream", nil, router.CallOptions{Streaming: true})
	frame := w.take()[0]

	for i := 0; i < 3; i++ {
		params, _ := json.Marshal(wire.PartialParams{ID: *frame.ID, Seq: i, Chunk: json.RawMessage(`"chunk"`)})
		r.HandlePartial(params)
	}
	respond(r, frame, `"final"`)
	<-c.Done()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		chunk, ok, err := c.Stream().Next(ctx)
		if err != nil || !ok {
			t.Fatalf("Next %d: ok=%v err=%v", i, ok, err)
		}
		if string(chunk) != `"chunk"` {
			t.Fatalf("chunk = %s", chunk)
		}
	}
	if _, ok, _ := c.Stream().Next(ctx); ok {
		t.Fatal("stream should be exhausted after resolution")
	}
	if result, err := c.Outcome(); err != nil || string(result) != `"final"` {
		t.Fatalf("outcome = %s, %v", result, err)
	}
}

func TestCallHelperHonorsContextCancel(t *testing.T) {
	r, w := newRouter(2, 2)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := r.Call(ctx, "slow", nil, router.CallOptions{})
		done <- err
	}()

	// Wait for the dispatch before cancelling.
	deadline := time.After(time.Second)
	for len(w.take()) == 0 {
		select {
		case <-deadline:
			t.Fatal("call never dispatched")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, fault.ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
}
