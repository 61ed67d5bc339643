package worker

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"toolbridge/internal/config"
	"toolbridge/internal/fault"
	"toolbridge/internal/logging"
)

// CommandLauncher spawns the configured worker command with stdio pipes.
// Each child runs in its own process group so a kill reaches any helpers it
// forks.
type CommandLauncher struct {
	cfg    config.Worker
	logger *slog.Logger
}

// NewCommandLauncher builds a launcher from the worker config section.
func NewCommandLauncher(cfg config.Worker, logger *slog.Logger) *CommandLauncher {
	return &CommandLauncher{cfg: cfg, logger: logging.WithComponent(logger, "worker")}
}

// Launch starts the worker process. The returned Conn owns the stdio pipes.
func (l *CommandLauncher) Launch(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(l.cfg.Command) == "" {
		return nil, fault.Wrap(fault.ErrSpawn, "worker", "launch", "no command configured", nil)
	}

	cmd := exec.Command(l.cfg.Command, l.cfg.Args...)
	cmd.Dir = l.cfg.WorkDir
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fault.Wrap(fault.ErrSpawn, "worker", "launch", "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(fault.ErrSpawn, "worker", "launch", "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fault.Wrap(fault.ErrSpawn, "worker", "launch", "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.ErrSpawn, "worker", "launch", l.cfg.Command, err)
	}

	pc := &processConn{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
	}
	go l.relayStderr(stderr, cmd.Process.Pid)

	l.logger.Info("worker process started",
		logging.String("command", l.cfg.Command),
		logging.Int(logging.FieldPID, cmd.Process.Pid))
	return pc, nil
}

// relayStderr forwards the worker's stderr lines into the daemon log.
func (l *CommandLauncher) relayStderr(r io.Reader, pid int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		l.logger.Debug("worker stderr",
			logging.Int(logging.FieldPID, pid),
			logging.String("line", line))
	}
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

func (c *processConn) Reader() io.Reader { return c.stdout }
func (c *processConn) Writer() io.Writer { return c.stdin }
func (c *processConn) PID() int          { return c.cmd.Process.Pid }

// Wait is safe to call from multiple goroutines; the exit error is latched.
func (c *processConn) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
	})
	return c.waitErr
}

// Kill terminates the whole process group. Closing stdin first gives a
// well-behaved worker a final EOF.
func (c *processConn) Kill() error {
	_ = c.stdin.Close()
	pid := c.cmd.Process.Pid
	if pgid, err := unix.Getpgid(pid); err == nil {
		return unix.Kill(-pgid, unix.SIGKILL)
	}
	return c.cmd.Process.Kill()
}
