// Package daemonrun hosts the daemon process runtime loop shared by the
// toolbridged binary and the CLI's foreground mode.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"toolbridge/internal/bridge"
	"toolbridge/internal/config"
	"toolbridge/internal/daemon"
	"toolbridge/internal/deps"
	"toolbridge/internal/ipc"
	"toolbridge/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides the configured level when non-empty.
	LogLevel string
}

// Run starts the toolbridge daemon runtime loop and blocks until a signal
// or an IPC shutdown request arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.NewFromConfig(cfg, opts.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if status := deps.CheckBinary("worker", cfg.Worker.Command); !status.Available {
		logger.Warn("worker command not found; spawn will fail",
			logging.String("command", status.Command),
			logging.String("detail", status.Detail))
	}

	pidPath := filepath.Join(cfg.Daemon.LogDir, "toolbridged.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	b := bridge.New(cfg, logger)
	d, err := daemon.New(cfg, b, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 2*cfg.Bridge.ShutdownGrace())
		defer cancelStop()
		d.Stop(stopCtx)
	}()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, cancel, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	logger.Info("toolbridge daemon ready",
		logging.String("socket", cfg.SocketPath()),
		logging.String("api", d.APIAddr()))

	<-signalCtx.Done()
	logger.Info("toolbridge daemon shutting down")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
