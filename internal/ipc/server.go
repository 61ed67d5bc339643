package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"toolbridge/internal/daemon"
	"toolbridge/internal/logging"
	"toolbridge/internal/router"
	"toolbridge/internal/wire"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path. The
// requestShutdown callback asks the hosting process to exit.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, requestShutdown func(), logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	svc := &service{daemon: d, requestShutdown: requestShutdown, logger: logging.WithComponent(logger, "ipc"), ctx: ctx}
	if err := rpcServer.RegisterName("Toolbridge", svc); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		logger:    logging.WithComponent(logger, "ipc"),
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err))
	}
}

type service struct {
	daemon          *daemon.Daemon
	requestShutdown func()
	logger          *slog.Logger
	ctx             context.Context
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = s.daemon.Status()
	return nil
}

func (s *service) Call(req CallRequest, resp *CallResponse) error {
	if req.Method == "" {
		return errors.New("call requires a method")
	}
	opts := router.CallOptions{Priority: req.Priority}
	ctx := s.ctx
	if req.TimeoutMillis > 0 {
		opts.Timeout = time.Duration(req.TimeoutMillis) * time.Millisecond
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, opts.Timeout+500*time.Millisecond)
		defer cancel()
	}
	result, err := s.daemon.Bridge().Call(ctx, req.Method, req.Params, opts)
	if err != nil {
		return err
	}
	resp.Result = result
	return nil
}

func (s *service) Ping(_ PingRequest, resp *PingResponse) error {
	start := time.Now()
	_, err := s.daemon.Bridge().Call(s.ctx, wire.MethodPing, nil, router.CallOptions{})
	if err != nil {
		return err
	}
	resp.LatencyMillis = time.Since(start).Milliseconds()
	return nil
}

func (s *service) Restart(_ RestartRequest, resp *RestartResponse) error {
	s.logger.Info("worker restart requested",
		logging.String(logging.FieldEventType, "worker_restart"))
	if err := s.daemon.Bridge().Restart(); err != nil {
		resp.Restarted = false
		resp.Message = err.Error()
		return nil
	}
	resp.Restarted = true
	resp.Message = "worker restarting"
	return nil
}

func (s *service) Reset(_ ResetRequest, resp *ResetResponse) error {
	s.logger.Info("worker reset requested",
		logging.String(logging.FieldEventType, "worker_reset"))
	if err := s.daemon.Bridge().Reset(s.ctx); err != nil {
		resp.Reset = false
		resp.Message = err.Error()
		return nil
	}
	resp.Reset = true
	resp.Message = "worker reset"
	return nil
}

func (s *service) Shutdown(_ ShutdownRequest, resp *ShutdownResponse) error {
	s.logger.Info("daemon shutdown requested",
		logging.String(logging.FieldEventType, "daemon_shutdown"))
	if s.requestShutdown != nil {
		s.requestShutdown()
		resp.Stopping = true
	}
	return nil
}
