// Package testsupport provides an in-memory scripted tool server and config
// builders shared by the package tests.
package testsupport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"toolbridge/internal/fault"
	"toolbridge/internal/wire"
	"toolbridge/internal/worker"
)

// Handler computes one scripted response. Returning a non-nil error object
// produces an error response.
type Handler func(params json.RawMessage) (json.RawMessage, *wire.ErrorObject)

// RawHandler takes over a request completely, emitting whatever frames it
// wants through the worker.
type RawHandler func(w *ScriptedWorker, req *wire.Frame)

// Script describes how a scripted worker behaves.
type Script struct {
	// Handlers maps method names to responses. Unlisted methods get a
	// method-not-found error, except the reserved ones.
	Handlers map[string]Handler
	// RawHandlers wins over Handlers for full frame-level control.
	RawHandlers map[string]RawHandler
	// Delays postpones the response for a method.
	Delays map[string]time.Duration
	// Silent lists methods that never get a response.
	Silent map[string]bool
	// IgnorePing makes health probes go unanswered.
	IgnorePing bool
}

// ScriptedLauncher hands out scripted workers. It satisfies worker.Launcher.
type ScriptedLauncher struct {
	Script *Script
	// FailLaunches makes the first N launches fail with a spawn error.
	FailLaunches int

	mu       sync.Mutex
	launches int
	current  *ScriptedWorker
}

// Launch spawns a fresh scripted worker.
func (l *ScriptedLauncher) Launch(_ context.Context) (worker.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.launches <= l.FailLaunches {
		return nil, fault.Wrap(fault.ErrSpawn, "worker", "launch", "scripted spawn failure", nil)
	}
	script := l.Script
	if script == nil {
		script = &Script{}
	}
	w := newScriptedWorker(script, l.launches)
	l.current = w
	return w, nil
}

// Launches reports how many times Launch was called.
func (l *ScriptedLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Current returns the most recently launched worker.
func (l *ScriptedLauncher) Current() *ScriptedWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// ScriptedWorker is one fake tool server process speaking newline-delimited
// frames over in-memory pipes.
type ScriptedWorker struct {
	script *Script
	pid    int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	writeMu sync.Mutex

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

func newScriptedWorker(script *Script, pid int) *ScriptedWorker {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	w := &ScriptedWorker{
		script:  script,
		pid:     pid,
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		exited:  make(chan struct{}),
	}
	go w.serve()
	return w
}

func (w *ScriptedWorker) Reader() io.Reader { return w.stdoutR }
func (w *ScriptedWorker) Writer() io.Writer { return w.stdinW }
func (w *ScriptedWorker) PID() int          { return w.pid }

// Wait blocks until the worker exits.
func (w *ScriptedWorker) Wait() error {
	<-w.exited
	return w.exitErr
}

// Kill simulates SIGKILL.
func (w *ScriptedWorker) Kill() error {
	w.exit(errors.New("signal: killed"))
	return nil
}

// Crash simulates the process dying on its own.
func (w *ScriptedWorker) Crash() {
	w.exit(errors.New("exit status 2"))
}

// Exited is closed when the worker is gone.
func (w *ScriptedWorker) Exited() <-chan struct{} { return w.exited }

// Notify emits an unsolicited notification to the host.
func (w *ScriptedWorker) Notify(method string, params json.RawMessage) {
	w.send(wire.NewNotification(method, params))
}

// SendPartial emits one streamed chunk for an outstanding request.
func (w *ScriptedWorker) SendPartial(id uint64, seq int, chunk json.RawMessage) {
	params, _ := json.Marshal(wire.PartialParams{ID: id, Seq: seq, Chunk: chunk})
	w.send(wire.NewNotification(wire.MethodPartial, params))
}

// Respond emits a success response, for scripts that answer out of band.
func (w *ScriptedWorker) Respond(id uint64, result json.RawMessage) {
	w.send(wire.NewResponse(id, result))
}

func (w *ScriptedWorker) exit(err error) {
	w.exitOnce.Do(func() {
		w.exitErr = err
		w.stdinR.Close()
		w.stdinW.Close()
		w.stdoutW.Close()
		close(w.exited)
	})
}

func (w *ScriptedWorker) serve() {
	dec := wire.NewDecoder(w.stdinR)
	for {
		f, err := dec.Next()
		if err != nil {
			var pe *wire.ProtocolError
			if errors.As(err, &pe) {
				continue
			}
			return
		}
		if f.Kind() != wire.KindRequest {
			continue
		}
		go w.handle(f)
	}
}

func (w *ScriptedWorker) handle(req *wire.Frame) {
	method := req.Method
	id := *req.ID

	if d := w.script.Delays[method]; d > 0 {
		select {
		case <-time.After(d):
		case <-w.exited:
			return
		}
	}
	if w.script.Silent[method] {
		return
	}

	if h, ok := w.script.RawHandlers[method]; ok {
		h(w, req)
		return
	}
	if h, ok := w.script.Handlers[method]; ok {
		result, errObj := h(req.Params)
		if errObj != nil {
			w.send(&wire.Frame{JSONRPC: wire.Version, ID: &id, Error: errObj})
			return
		}
		w.send(wire.NewResponse(id, result))
		return
	}

	switch method {
	case wire.MethodPing:
		if !w.script.IgnorePing {
			w.send(wire.NewResponse(id, nil))
		}
	case wire.MethodShutdown:
		w.send(wire.NewResponse(id, nil))
		w.exit(nil)
	default:
		w.send(wire.NewErrorResponse(id, -32601, "method not found"))
	}
}

func (w *ScriptedWorker) send(f *wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	select {
	case <-w.exited:
		return
	default:
	}
	_, _ = w.stdoutW.Write(data)
}
