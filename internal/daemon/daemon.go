// Package daemon hosts the bridge as a long-running background process:
// single-instance locking, the control socket, and the HTTP status surface.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"toolbridge/internal/bridge"
	"toolbridge/internal/config"
	"toolbridge/internal/logging"
)

// Daemon coordinates the bridge lifecycle and enforces single-instance
// execution through a lock file.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	bridge *bridge.Bridge

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	running atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running    bool          `json:"running"`
	PID        int           `json:"pid"`
	LockPath   string        `json:"lock_path"`
	SocketPath string        `json:"socket_path"`
	Bridge     bridge.Status `json:"bridge"`
}

// New constructs a daemon around an unstarted bridge.
func New(cfg *config.Config, b *bridge.Bridge, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || b == nil || logger == nil {
		return nil, errors.New("daemon requires config, bridge, and logger")
	}
	lockPath := filepath.Join(cfg.Daemon.LogDir, "toolbridged.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		bridge:   b,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the instance lock, spawns the worker, and brings up the
// HTTP surface.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another toolbridge daemon instance is already running")
	}

	if err := d.bridge.Start(ctx); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("start bridge: %w", err)
	}
	if err := d.api.start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Bridge.ShutdownGrace())
		_ = d.bridge.Stop(stopCtx)
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	d.running.Store(true)
	d.logger.Info("toolbridge daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts the bridge down and releases the instance lock.
func (d *Daemon) Stop(ctx context.Context) {
	if !d.running.Load() {
		return
	}
	d.api.stop()
	if err := d.bridge.Stop(ctx); err != nil {
		d.logger.Warn("bridge shutdown reported error", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("toolbridge daemon stopped")
}

// Bridge exposes the underlying bridge to the control surfaces.
func (d *Daemon) Bridge() *bridge.Bridge { return d.bridge }

// LogPath returns the daemon log file path.
func (d *Daemon) LogPath() string {
	return filepath.Join(d.cfg.Daemon.LogDir, "toolbridged.log")
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	return Status{
		Running:    d.running.Load(),
		PID:        os.Getpid(),
		LockPath:   d.lockPath,
		SocketPath: d.cfg.SocketPath(),
		Bridge:     d.bridge.Status(),
	}
}

// APIAddr returns the bound HTTP address, empty when the surface is off.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}
