package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"toolbridge/internal/bridge"
	"toolbridge/internal/config"
	"toolbridge/internal/fault"
	"toolbridge/internal/logging"
	"toolbridge/internal/router"
	"toolbridge/internal/testsupport"
	"toolbridge/internal/wire"
)

// quietProbes pushes the health probe interval out of the test window so
// pings do not compete for in-flight slots.
func quietProbes(c *config.Config) {
	c.Health.IntervalMillis = 60_000
	c.Health.TimeoutMillis = 1000
}

func startBridge(t *testing.T, script *testsupport.Script, opts ...testsupport.ConfigOption) (*bridge.Bridge, *testsupport.ScriptedLauncher) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	launcher := &testsupport.ScriptedLauncher{Script: script}
	b := bridge.New(cfg, logging.NewNop(), bridge.WithLauncher(launcher))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b, launcher
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCallRoundTrip(t *testing.T) {
	script := &testsupport.Script{
		Handlers: map[string]testsupport.Handler{
			"tools/echo": func(params json.RawMessage) (json.RawMessage, *wire.ErrorObject) {
				return params, nil
			},
		},
	}
	b, _ := startBridge(t, script, quietProbes)

	result, err := b.Call(context.Background(), "tools/echo", json.RawMessage(`{"v":1}`), router.CallOptions{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"v":1}` {
		t.Fatalf("result = %s", result)
	}
}

func TestAdmissionRejectsBeyondQueueCapacity(t *testing.T) {
	script := &testsupport.Script{
		Handlers: map[string]testsupport.Handler{
			"slow": func(json.RawMessage) (json.RawMessage, *wire.ErrorObject) {
				return json.RawMessage(`"done"`), nil
			},
		},
		Delays: map[string]time.Duration{"slow": 150 * time.Millisecond},
	}
	limits := func(c *config.Config) {
		c.Bridge.MaxConcurrentRequests = 2
		c.Bridge.MaxQueueSize = 2
	}
	b, _ := startBridge(t, script, quietProbes, limits)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = b.Call(context.Background(), "slow", nil, router.CallOptions{})
		}(i)
	}

	// Wait for the four accepted calls to fill both slots and the queue.
	eventually(t, "saturated admission", func() bool {
		s := b.Status().Calls
		return s.InFlight == 2 && s.Queued == 2
	})
	if _, err := b.Call(context.Background(), "slow", nil, router.CallOptions{}); !errors.Is(err, fault.ErrOverloaded) {
		t.Fatalf("overflow call err = %v, want overloaded", err)
	}

	wg.Wait()
	for i, err := range results {
		if err != nil {
			t.Fatalf("accepted call %d failed: %v", i, err)
		}
	}
}

func TestTimeoutWinsOverLateResponse(t *testing.T) {
	script := &testsupport.Script{
		Silent: map[string]bool{"never": true},
	}
	b, _ := startBridge(t, script, quietProbes)

	start := time.Now()
	_, err := b.Call(context.Background(), "never", nil, router.CallOptions{Timeout: 30 * time.Millisecond})
	if !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took %v", elapsed)
	}
	if !fault.Retryable(err) {
		t.Fatal("timeout should classify as retryable")
	}
}

func TestCrashFailsInFlightPreservesQueueAndRecovers(t *testing.T) {
	// The first worker generation never answers; its replacement responds
	// immediately. The scripted pid doubles as the launch count.
	script := &testsupport.Script{
		RawHandlers: map[string]testsupport.RawHandler{
			"work": func(w *testsupport.ScriptedWorker, req *wire.Frame) {
				if w.PID() == 1 {
					return
				}
				w.Respond(*req.ID, json.RawMessage(`"ok"`))
			},
		},
	}
	limits := func(c *config.Config) {
		c.Bridge.MaxConcurrentRequests = 1
		c.Bridge.MaxQueueSize = 4
		c.Bridge.DefaultTimeoutMillis = 10_000
	}
	b, launcher := startBridge(t, script, quietProbes, limits)

	inflightErr := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "work", nil, router.CallOptions{})
		inflightErr <- err
	}()
	eventually(t, "in-flight call", func() bool { return b.Status().Calls.InFlight == 1 })

	queuedResult := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "work", nil, router.CallOptions{})
		queuedResult <- err
	}()
	eventually(t, "queued call", func() bool { return b.Status().Calls.Queued == 1 })

	launcher.Current().Crash()

	if err := <-inflightErr; !errors.Is(err, fault.ErrWorkerLost) {
		t.Fatalf("in-flight err = %v, want worker lost", err)
	}

	// The queued call survives the crash and completes on the replacement.
	select {
	case err := <-queuedResult:
		if err != nil {
			t.Fatalf("queued call err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued call never completed after restart")
	}
	if launcher.Launches() < 2 {
		t.Fatalf("launches = %d, want a restart", launcher.Launches())
	}
}

func TestHandleLifecycleAndTTLSweep(t *testing.T) {
	var mu sync.Mutex
	released := map[string]int{}
	script := &testsupport.Script{
		Handlers: map[string]testsupport.Handler{
			"document/open": func(json.RawMessage) (json.RawMessage, *wire.ErrorObject) {
				return json.RawMessage(`{"handle_id":"h-1","kind":"document"}`), nil
			},
			"document/close": func(json.RawMessage) (json.RawMessage, *wire.ErrorObject) {
				return json.RawMessage(`null`), nil
			},
			"resources/release": func(params json.RawMessage) (json.RawMessage, *wire.ErrorObject) {
				var p struct {
					HandleID string `json:"handle_id"`
				}
				_ = json.Unmarshal(params, &p)
				mu.Lock()
				released[p.HandleID]++
				mu.Unlock()
				return json.RawMessage(`null`), nil
			},
		},
	}
	b, _ := startBridge(t, script, quietProbes)

	if _, err := b.Call(context.Background(), "document/open", nil, router.CallOptions{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := b.Status().Handles; got != 1 {
		t.Fatalf("handles = %d, want 1", got)
	}

	// Explicit release removes the handle.
	if _, err := b.Call(context.Background(), "document/close", json.RawMessage(`{"handle_id":"h-1"}`), router.CallOptions{}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := b.Status().Handles; got != 0 {
		t.Fatalf("handles after close = %d", got)
	}

	// Reopen and let the TTL sweep reclaim it via the release method.
	if _, err := b.Call(context.Background(), "document/open", nil, router.CallOptions{}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	eventually(t, "TTL sweep release", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return released["h-1"] > 0
	})
	eventually(t, "handle removal", func() bool { return b.Status().Handles == 0 })
}

func TestHandlesDroppedOnCrash(t *testing.T) {
	script := &testsupport.Script{
		Handlers: map[string]testsupport.Handler{
			"document/open": func(json.RawMessage) (json.RawMessage, *wire.ErrorObject) {
				return json.RawMessage(`{"handle_id":"h-crash","kind":"document"}`), nil
			},
		},
	}
	// Long TTL so only the crash can remove the handle.
	longTTL := func(c *config.Config) { c.Resources.TTLMillis = 60_000 }
	b, launcher := startBridge(t, script, quietProbes, longTTL)

	if _, err := b.Call(context.Background(), "document/open", nil, router.CallOptions{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if b.Status().Handles != 1 {
		t.Fatal("handle not tracked")
	}

	launcher.Current().Crash()
	eventually(t, "handle drop on crash", func() bool { return b.Status().Handles == 0 })
}

func TestNotificationsFanOutToSubscribers(t *testing.T) {
	b, launcher := startBridge(t, &testsupport.Script{}, quietProbes)

	sub := b.Subscribe("log.message")
	t.Cleanup(sub.Unsubscribe)

	launcher.Current().Notify("log.message", json.RawMessage(`{"text":"hello"}`))
	select {
	case evt := <-sub.Events():
		if evt.Topic != "log.message" || string(evt.Payload) != `{"text":"hello"}` {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestProcessLifecycleEventsPublished(t *testing.T) {
	b, launcher := startBridge(t, &testsupport.Script{}, quietProbes)

	sub := b.Subscribe("process.state")
	t.Cleanup(sub.Unsubscribe)

	launcher.Current().Crash()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-sub.Events():
			var p struct {
				State string `json:"state"`
			}
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				t.Fatalf("payload = %s", evt.Payload)
			}
			if p.State == "crashed" {
				return
			}
		case <-deadline:
			t.Fatal("crash event never published")
		}
	}
}

func TestStreamingCallDeliversChunksThenResult(t *testing.T) {
	script := &testsupport.Script{
		RawHandlers: map[string]testsupport.RawHandler{
			"document/stream": func(w *testsupport.ScriptedWorker, req *wire.Frame) {
				id := *req.ID
				w.SendPartial(id, 0, json.RawMessage(`"a"`))
				w.SendPartial(id, 1, json.RawMessage(`"b"`))
				w.Respond(id, json.RawMessage(`"done"`))
			},
		},
	}
	b, _ := startBridge(t, script, quietProbes)

	c, err := b.CallStream("document/stream", nil, router.CallOptions{})
	if err != nil {
		t.Fatalf("CallStream: %v", err)
	}
	<-c.Done()

	ctx := context.Background()
	var chunks []string
	for {
		chunk, ok, err := c.Stream().Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		chunks = append(chunks, string(chunk))
	}
	if len(chunks) != 2 || chunks[0] != `"a"` || chunks[1] != `"b"` {
		t.Fatalf("chunks = %v", chunks)
	}
	if result, err := c.Outcome(); err != nil || string(result) != `"done"` {
		t.Fatalf("outcome = %s, %v", result, err)
	}
}

func TestWorkerErrorResponsePassesThrough(t *testing.T) {
	script := &testsupport.Script{
		Handlers: map[string]testsupport.Handler{
			"tools/broken": func(json.RawMessage) (json.RawMessage, *wire.ErrorObject) {
				return nil, &wire.ErrorObject{Code: 1001, Message: "tool exploded"}
			},
		},
	}
	b, _ := startBridge(t, script, quietProbes)

	_, err := b.Call(context.Background(), "tools/broken", nil, router.CallOptions{})
	var eo *wire.ErrorObject
	if !errors.As(err, &eo) || eo.Code != 1001 {
		t.Fatalf("err = %v", err)
	}
	if fault.Retryable(err) || fault.Terminal(err) {
		t.Fatal("worker application errors are neither retryable nor terminal")
	}
}

func TestStopShutsWorkerDownGracefully(t *testing.T) {
	b, launcher := startBridge(t, &testsupport.Script{}, quietProbes)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The scripted worker exits cleanly on the reserved shutdown request.
	select {
	case <-launcher.Current().Exited():
	default:
		t.Fatal("worker still running after stop")
	}

	if _, err := b.Call(context.Background(), "anything", nil, router.CallOptions{}); !errors.Is(err, fault.ErrShuttingDown) {
		t.Fatalf("call after stop err = %v, want shutting down", err)
	}
	if st := b.Status().Worker.State; st != "stopped" {
		t.Fatalf("worker state = %q", st)
	}
}
