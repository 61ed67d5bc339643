// Package worker supervises the external tool server process: spawn, health
// probing, crash detection, and restart with backoff.
//
// Every spawn gets a fresh generation id. Hooks tell the rest of the bridge
// when a generation comes up or goes down so stale stream activity can be
// attributed to the generation that produced it.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolbridge/internal/config"
	"toolbridge/internal/fault"
	"toolbridge/internal/logging"
)

// tickInterval is how often the restart loop checks the schedule.
const tickInterval = 100 * time.Millisecond

// Hooks connect the supervisor to the bridge.
type Hooks struct {
	// OnUp fires after a spawn succeeds, before health probing starts.
	OnUp func(generation string, conn Conn)
	// OnDown fires after the process exits, with the exit cause.
	OnDown func(generation string, cause error)
	// Probe performs one health check against the running worker.
	Probe func(ctx context.Context) error
	// Publish receives lifecycle transitions for the event surface.
	Publish func(state State, detail string)
}

// Supervisor drives the worker lifecycle state machine.
type Supervisor struct {
	launcher Launcher
	health   config.Health
	restart  config.Restart
	hooks    Hooks
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	generation    string
	conn          Conn
	pid           int
	desired       bool
	manualRestart bool
	attempt       int
	nextAttempt   time.Time
	restartsTotal uint64
	consecFails   int
	lastError     string
	events        eventRing
	healthCancel  context.CancelFunc
}

// New constructs a supervisor in the stopped state.
func New(launcher Launcher, health config.Health, restart config.Restart, hooks Hooks, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		launcher: launcher,
		health:   health,
		restart:  restart,
		hooks:    hooks,
		logger:   logging.WithComponent(logger, "supervisor"),
	}
}

// Start spawns the first worker synchronously. A spawn failure here is
// terminal: the command itself is broken, so no restart can help.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.desired {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateFailed {
		s.mu.Unlock()
		return fault.Wrap(fault.ErrFailed, "supervisor", "start", "reset required", nil)
	}
	s.desired = true
	s.mu.Unlock()
	return s.spawn(ctx, true)
}

// Run drives the restart schedule until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		due := s.desired && s.conn == nil &&
			s.state == StateCrashed && !time.Now().Before(s.nextAttempt)
		if due {
			s.setStateLocked(StateRestarting, "backoff elapsed")
		}
		s.mu.Unlock()
		if due {
			if err := s.spawn(ctx, false); err != nil {
				s.logger.Error("respawn failed", logging.Error(err))
			}
		}
	}
}

// spawn launches one worker generation and installs its monitors. A launch
// failure on the initial spawn is terminal: the command itself is broken, so
// no retry can help. On a respawn the failure consumes a restart attempt and
// the schedule continues; transient launch failures resolve themselves.
func (s *Supervisor) spawn(ctx context.Context, initial bool) error {
	s.mu.Lock()
	s.setStateLocked(StateStarting, "")
	s.mu.Unlock()

	conn, err := s.launcher.Launch(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		switch {
		case initial:
			s.setStateLocked(StateFailed, err.Error())
			s.desired = false
		default:
			s.attempt++
			if s.attempt > s.restart.MaxAttempts {
				s.setStateLocked(StateFailed, "restart budget exhausted")
			} else {
				delay := backoffDelay(s.attempt, s.restart.BaseDelay(), s.restart.MaxDelay())
				s.nextAttempt = time.Now().Add(delay)
				s.setStateLocked(StateCrashed, err.Error())
				s.logger.Warn("respawn launch failed; retry scheduled",
					logging.Int(logging.FieldAttempt, s.attempt),
					logging.Duration("delay", delay),
					logging.Error(err))
			}
		}
		s.mu.Unlock()
		return err
	}

	gen := uuid.NewString()
	healthCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.generation = gen
	s.conn = conn
	s.pid = conn.PID()
	s.consecFails = 0
	s.healthCancel = cancel
	s.setStateLocked(StateRunning, gen)
	onUp := s.hooks.OnUp
	s.mu.Unlock()

	if onUp != nil {
		onUp(gen, conn)
	}
	go s.watchExit(gen, conn)
	go s.probeLoop(healthCtx, gen, conn)
	return nil
}

// watchExit handles the process exiting, expectedly or not.
func (s *Supervisor) watchExit(gen string, conn Conn) {
	exitErr := conn.Wait()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.pid = 0
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}
	if exitErr != nil {
		s.lastError = exitErr.Error()
	}

	switch {
	case !s.desired:
		s.setStateLocked(StateStopped, "")
	case s.manualRestart:
		s.manualRestart = false
		s.attempt = 0
		s.nextAttempt = time.Time{}
		s.restartsTotal++
		s.setStateLocked(StateCrashed, "manual restart")
	default:
		s.attempt++
		s.restartsTotal++
		if s.attempt > s.restart.MaxAttempts {
			s.setStateLocked(StateFailed, "restart budget exhausted")
		} else {
			delay := backoffDelay(s.attempt, s.restart.BaseDelay(), s.restart.MaxDelay())
			s.nextAttempt = time.Now().Add(delay)
			s.setStateLocked(StateCrashed, errDetail(exitErr))
			s.logger.Warn("worker exited; restart scheduled",
				logging.Int(logging.FieldAttempt, s.attempt),
				logging.Duration("delay", delay),
				logging.Error(exitErr))
		}
	}
	onDown := s.hooks.OnDown
	s.mu.Unlock()

	if onDown != nil {
		onDown(gen, exitErr)
	}
}

// probeLoop runs health checks for one generation until it dies. The first
// failed probe marks the generation degraded; hitting the failure threshold
// recycles it. A single passing probe returns the same generation to running.
func (s *Supervisor) probeLoop(ctx context.Context, gen string, conn Conn) {
	if s.hooks.Probe == nil {
		return
	}
	ticker := time.NewTicker(s.health.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.health.Timeout())
		err := s.hooks.Probe(probeCtx)
		cancel()

		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		if err == nil {
			s.consecFails = 0
			// A passing probe proves the generation is viable, so the
			// restart budget starts over.
			s.attempt = 0
			if s.state == StateDegraded {
				s.setStateLocked(StateRunning, "probe recovered")
			}
			s.mu.Unlock()
			continue
		}
		s.consecFails++
		fails := s.consecFails
		if s.state == StateRunning {
			s.setStateLocked(StateDegraded, errDetail(err))
		}
		recycle := s.state == StateDegraded && fails >= s.health.FailureThreshold
		s.mu.Unlock()

		if recycle {
			s.logger.Warn("health probes failing; recycling worker",
				logging.Int("consecutive_failures", fails),
				logging.Error(err))
			_ = conn.Kill()
		}
	}
}

// Stop ends supervision. The caller is expected to have asked the worker to
// exit gracefully first; when ctx expires the process group is killed.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	s.desired = false
	conn := s.conn
	if conn == nil {
		if s.state != StateFailed {
			s.setStateLocked(StateStopped, "")
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	exited := make(chan struct{})
	go func() {
		_ = conn.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-ctx.Done():
		s.logger.Warn("worker did not exit in time; killing process group")
		_ = conn.Kill()
		<-exited
	}
}

// Restart recycles the current worker without consuming restart budget.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	if !s.desired {
		s.mu.Unlock()
		return fault.Wrap(fault.ErrUnavailable, "supervisor", "restart", "not running", nil)
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return fault.Wrap(fault.ErrUnavailable, "supervisor", "restart", "no live worker", nil)
	}
	s.manualRestart = true
	s.mu.Unlock()
	return conn.Kill()
}

// Reset clears the terminal failed state and respawns.
func (s *Supervisor) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateFailed {
		s.mu.Unlock()
		return fault.Wrap(fault.ErrUnavailable, "supervisor", "reset", "worker is not in the failed state", nil)
	}
	s.attempt = 0
	s.nextAttempt = time.Time{}
	s.lastError = ""
	s.desired = true
	s.setStateLocked(StateStopped, "reset")
	s.mu.Unlock()
	return s.spawn(ctx, true)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current worker generation id, empty when down.
func (s *Supervisor) Generation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.generation
}

// Status is the supervisor's externally visible condition.
type Status struct {
	State         string    `json:"state"`
	Generation    string    `json:"generation,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Attempt       int       `json:"attempt"`
	NextRestartAt time.Time `json:"next_restart_at,omitzero"`
	RestartsTotal uint64    `json:"restarts_total"`
	LastError     string    `json:"last_error,omitempty"`
	Events        []Event   `json:"events,omitempty"`
}

// Status reports the current snapshot including recent lifecycle events.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:         s.state.String(),
		Attempt:       s.attempt,
		RestartsTotal: s.restartsTotal,
		LastError:     s.lastError,
		Events:        s.events.list(),
	}
	if s.conn != nil {
		st.Generation = s.generation
		st.PID = s.pid
	}
	if s.state == StateCrashed {
		st.NextRestartAt = s.nextAttempt
	}
	return st
}

// RestartsTotal reports completed restart cycles, for metrics.
func (s *Supervisor) RestartsTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartsTotal
}

func (s *Supervisor) setStateLocked(state State, detail string) {
	if s.state == state {
		return
	}
	s.state = state
	s.events.add(Event{Time: time.Now().UTC(), State: state.String(), Detail: detail})
	s.logger.Info("worker state changed",
		logging.String(logging.FieldState, state.String()),
		logging.String("detail", detail))
	if s.hooks.Publish != nil {
		s.hooks.Publish(state, detail)
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
