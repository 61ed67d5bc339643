// Package daemonctl orchestrates the daemon process from the CLI: launching
// it detached, waiting for its socket, and stopping it.
package daemonctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"toolbridge/internal/ipc"
)

// ErrDaemonNotRunning reports that no daemon answered on the socket.
var ErrDaemonNotRunning = errors.New("daemon not running")

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

// StartResult captures daemon start orchestration state.
type StartResult struct {
	Launched       bool
	AlreadyRunning bool
	PID            int
}

// Launch starts a detached daemon process by re-executing the CLI binary
// with its run subcommand. The caller does not wait for the child; use
// WaitForClient to confirm it came up.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}
	args := []string{"run"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient polls the IPC socket until the daemon answers or the
// timeout elapses, returning a connected client.
func WaitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		client, err := ipc.Dial(socketPath)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon if no instance answers on the socket
// and confirms it is serving requests.
func EnsureStarted(socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := ipc.Dial(socketPath)
	launched := false
	if err != nil {
		if launchErr := Launch(executablePath, opts); launchErr != nil {
			return StartResult{}, launchErr
		}
		client, err = WaitForClient(socketPath, waitTimeout)
		if err != nil {
			return StartResult{}, err
		}
		launched = true
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		return StartResult{Launched: launched}, fmt.Errorf("query daemon status: %w", err)
	}
	return StartResult{
		Launched:       launched,
		AlreadyRunning: !launched && status.Status.Running,
		PID:            status.Status.PID,
	}, nil
}

// StopResult captures daemon stop orchestration state.
type StopResult struct {
	PID        int
	ForcedTerm bool
}

// Stop asks the daemon to exit over IPC and waits for the socket to stop
// answering. A daemon that lingers past the timeout is signalled by pid.
func Stop(socketPath string, timeout time.Duration) (StopResult, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return StopResult{}, ErrDaemonNotRunning
	}

	var pid int
	if status, statusErr := client.Status(); statusErr == nil {
		pid = status.Status.PID
	}
	_, shutdownErr := client.Shutdown()
	client.Close()
	if shutdownErr != nil {
		return StopResult{PID: pid}, fmt.Errorf("request shutdown: %w", shutdownErr)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !socketAnswers(socketPath) {
			return StopResult{PID: pid}, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if pid > 0 {
		if proc, findErr := os.FindProcess(pid); findErr == nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
		return StopResult{PID: pid, ForcedTerm: true}, nil
	}
	return StopResult{}, fmt.Errorf("daemon did not stop within %s", timeout)
}

func socketAnswers(socketPath string) bool {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return false
	}
	client.Close()
	return true
}
