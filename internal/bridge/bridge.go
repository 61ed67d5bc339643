// Package bridge assembles the supervisor, router, handle tracker, and
// event broadcaster into the single façade the daemon exposes.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"toolbridge/internal/config"
	"toolbridge/internal/events"
	"toolbridge/internal/fault"
	"toolbridge/internal/handles"
	"toolbridge/internal/logging"
	"toolbridge/internal/metrics"
	"toolbridge/internal/router"
	"toolbridge/internal/wire"
	"toolbridge/internal/worker"
)

// Priorities used by the bridge's own traffic. Probes outrank everything so
// a saturated queue cannot starve health checking.
const (
	probePriority   = 1000
	releasePriority = 100
)

// Option customizes bridge construction.
type Option func(*Bridge)

// WithLauncher substitutes the worker launcher, primarily for tests.
func WithLauncher(l worker.Launcher) Option {
	return func(b *Bridge) { b.launcher = l }
}

// Bridge owns the full call path between local clients and the supervised
// worker process.
type Bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	launcher worker.Launcher
	sup      *worker.Supervisor
	router   *router.Router
	tracker  *handles.Tracker
	events   *events.Broadcaster
	metrics  *metrics.Metrics

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc
}

// New wires a bridge from configuration. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "bridge"),
		metrics: metrics.New(),
		events:  events.New(cfg.Events.SubscriberBuffer, logger),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.launcher == nil {
		b.launcher = worker.NewCommandLauncher(cfg.Worker, logger)
	}

	b.router = router.New(
		cfg.Bridge.MaxConcurrentRequests,
		cfg.Bridge.MaxQueueSize,
		cfg.Bridge.DefaultTimeout(),
		b.metrics.ObserveCall,
		logger,
	)
	b.tracker = handles.NewTracker(
		handles.TableFromConfig(cfg.Resources),
		cfg.Resources.TTL(),
		cfg.Resources.SweepInterval(),
		b.releaseHandle,
		logger,
	)
	b.sup = worker.New(b.launcher, cfg.Health, cfg.Restart, worker.Hooks{
		OnUp:    b.onWorkerUp,
		OnDown:  b.onWorkerDown,
		Probe:   b.probe,
		Publish: b.publishState,
	}, logger)

	b.metrics.Bind(b.sample)
	return b
}

// Start spawns the worker and begins the background loops.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.startedAt = time.Now()
	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()

	if err := b.sup.Start(ctx); err != nil {
		cancel()
		return err
	}
	go b.sup.Run(loopCtx)
	go b.tracker.Run(loopCtx)
	b.logger.Info("bridge started")
	return nil
}

// Stop performs the ordered shutdown: refuse new calls, drain what is in
// flight within the grace period, ask the worker to exit, then abort
// whatever remains.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cancel := b.cancel
	b.mu.Unlock()

	grace := b.cfg.Bridge.ShutdownGrace()
	b.router.BeginShutdown()

	drainCtx, cancelDrain := context.WithTimeout(ctx, grace)
	if err := b.router.DrainInFlight(drainCtx); err != nil {
		b.logger.Warn("shutdown grace elapsed with calls outstanding")
	}
	cancelDrain()

	if b.sup.State() == worker.StateRunning || b.sup.State() == worker.StateDegraded {
		shutCtx, cancelShut := context.WithTimeout(ctx, grace)
		_, err := b.router.Call(shutCtx, wire.MethodShutdown, nil, router.CallOptions{
			Internal: true,
			Priority: probePriority,
			Timeout:  grace,
		})
		cancelShut()
		if err != nil {
			b.logger.Debug("graceful worker shutdown failed", logging.Error(err))
		}
	}

	stopCtx, cancelStop := context.WithTimeout(ctx, grace)
	b.sup.Stop(stopCtx)
	cancelStop()

	aborted := b.router.ForceResolvePending(fault.ErrShuttingDown)
	if aborted > 0 {
		b.logger.Info("aborted outstanding calls at shutdown", logging.Int("count", aborted))
	}
	if cancel != nil {
		cancel()
	}
	b.tracker.DropAll()
	b.events.Close()
	b.logger.Info("bridge stopped")
	return nil
}

// Call submits a request and waits for its single resolution.
func (b *Bridge) Call(ctx context.Context, method string, params json.RawMessage, opts router.CallOptions) (json.RawMessage, error) {
	c, err := b.router.Submit(method, params, opts)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		b.router.Cancel(c.ID())
		<-c.Done()
	case <-c.Done():
	}
	result, err := c.Outcome()
	if err == nil {
		b.applyHandleEffects(c.ID(), method, params, result)
	}
	return result, err
}

// CallStream submits a streaming request. Partial chunks arrive on the
// call's Stream; the terminal result resolves the call itself.
func (b *Bridge) CallStream(method string, params json.RawMessage, opts router.CallOptions) (*router.Call, error) {
	opts.Streaming = true
	c, err := b.router.Submit(method, params, opts)
	if err != nil {
		return nil, err
	}
	go func() {
		<-c.Done()
		if result, err := c.Outcome(); err == nil {
			b.applyHandleEffects(c.ID(), method, params, result)
		}
	}()
	return c, nil
}

// Cancel aborts an outstanding call by id.
func (b *Bridge) Cancel(id uint64) bool { return b.router.Cancel(id) }

// Subscribe registers for worker notifications on topic; the empty topic
// receives everything, including process lifecycle events.
func (b *Bridge) Subscribe(topic string) *events.Subscription {
	return b.events.Subscribe(topic)
}

// Restart recycles the worker process without consuming restart budget.
func (b *Bridge) Restart() error { return b.sup.Restart() }

// Reset clears the terminal failed state and spawns a fresh worker.
func (b *Bridge) Reset(ctx context.Context) error { return b.sup.Reset(ctx) }

// MetricsHandler serves the Prometheus registry.
func (b *Bridge) MetricsHandler() http.Handler { return b.metrics.Handler() }

// Status is the aggregate bridge snapshot served to clients.
type Status struct {
	StartedAt     time.Time       `json:"started_at"`
	Worker        worker.Status   `json:"worker"`
	Calls         router.Snapshot `json:"calls"`
	Handles       int             `json:"handles"`
	Subscribers   int             `json:"subscribers"`
	EventsDropped uint64          `json:"events_dropped"`
}

// Status reports the current aggregate snapshot.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	startedAt := b.startedAt
	b.mu.Unlock()
	return Status{
		StartedAt:     startedAt,
		Worker:        b.sup.Status(),
		Calls:         b.router.Snapshot(),
		Handles:       b.tracker.Count(),
		Subscribers:   b.events.SubscriberCount(),
		EventsDropped: b.events.DroppedTotal(),
	}
}

// onWorkerUp attaches the fresh generation's stream to the router.
func (b *Bridge) onWorkerUp(generation string, conn worker.Conn) {
	w := &syncWriter{w: conn.Writer()}
	b.router.Attach(w)
	go b.readLoop(generation, conn.Reader(), w)
	b.logger.Info("worker stream attached", logging.String(logging.FieldGeneration, generation))
}

// onWorkerDown fails in-flight calls and discards the dead generation's
// handles. Queued calls stay put for the replacement worker.
func (b *Bridge) onWorkerDown(generation string, cause error) {
	if cause == nil {
		cause = fmt.Errorf("worker exited")
	}
	b.router.FailInFlight(cause)
	b.tracker.DropGeneration(generation)
}

// probe is the supervisor's health check: a reserved ping request routed
// ahead of all queued work. It is internal traffic so it still dispatches
// while admission is paused on a degraded worker.
func (b *Bridge) probe(ctx context.Context) error {
	_, err := b.router.Call(ctx, wire.MethodPing, nil, router.CallOptions{
		Internal: true,
		Priority: probePriority,
		Timeout:  b.cfg.Health.Timeout(),
	})
	return err
}

// publishState forwards supervisor transitions to event subscribers and
// gates admission: client calls queue while the worker is not running.
func (b *Bridge) publishState(state worker.State, detail string) {
	switch state {
	case worker.StateRunning:
		b.router.Resume()
	case worker.StateDegraded:
		b.router.Pause()
	}
	payload, _ := json.Marshal(struct {
		State  string `json:"state"`
		Detail string `json:"detail,omitempty"`
	}{State: state.String(), Detail: detail})
	b.events.Publish("process.state", payload)
}

// releaseHandle is the tracker's sweep callback.
func (b *Bridge) releaseHandle(ctx context.Context, handleID string) error {
	_, err := b.router.Call(ctx, b.cfg.Resources.ReleaseMethod, handles.ReleaseParams(handleID), router.CallOptions{
		Priority: releasePriority,
	})
	return err
}

// applyHandleEffects updates the handle registry after a successful call,
// according to the static method table.
func (b *Bridge) applyHandleEffects(callID uint64, method string, params, result json.RawMessage) {
	switch b.tracker.Effect(method) {
	case handles.EffectProduces:
		if id, kind, ok := handles.ExtractHandleID(result); ok {
			b.tracker.Register(id, kind, callID, b.sup.Generation())
		}
	case handles.EffectReleases:
		if id, _, ok := handles.ExtractHandleID(params); ok {
			b.tracker.Remove(id)
		}
	case handles.EffectTouches:
		if id, _, ok := handles.ExtractHandleID(params); ok {
			b.tracker.Touch(id)
		}
	}
}

// sample feeds the metrics gauges.
func (b *Bridge) sample() metrics.Sample {
	snap := b.router.Snapshot()
	state := b.sup.State()
	up := 0.0
	if state == worker.StateRunning {
		up = 1
	}
	return metrics.Sample{
		WorkerUp:      up,
		InFlight:      float64(snap.InFlight),
		Queued:        float64(snap.Queued),
		Handles:       float64(b.tracker.Count()),
		Subscribers:   float64(b.events.SubscriberCount()),
		RestartsTotal: float64(b.sup.RestartsTotal()),
		DroppedEvents: float64(b.events.DroppedTotal()),
		Anomalies:     float64(snap.Anomalies),
	}
}

// readLoop decodes the worker's stdout until the stream ends. Malformed
// lines are absorbed; the decoder resynchronizes on the next newline.
func (b *Bridge) readLoop(generation string, r io.Reader, w *syncWriter) {
	dec := wire.NewDecoder(r)
	for {
		f, err := dec.Next()
		if err != nil {
			if wire.IsRecoverable(err) {
				b.logger.Warn("malformed frame skipped",
					logging.String(logging.FieldGeneration, generation),
					logging.Error(err))
				continue
			}
			return
		}
		switch f.Kind() {
		case wire.KindResponse:
			b.router.HandleResponse(f)
		case wire.KindNotification:
			if f.Method == wire.MethodPartial {
				b.router.HandlePartial(f.Params)
				continue
			}
			b.events.Publish(f.Method, f.Params)
		case wire.KindRequest:
			// Worker-initiated requests are not part of the contract.
			_ = w.WriteFrame(wire.NewErrorResponse(*f.ID, -32601, "requests to the host are not supported"))
		}
	}
}

// syncWriter serializes frame writes onto the worker's stdin.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) WriteFrame(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(data)
	return err
}
