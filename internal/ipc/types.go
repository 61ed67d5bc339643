package ipc

import (
	"encoding/json"

	"toolbridge/internal/daemon"
)

// CallRequest forwards one request to the worker through the bridge.
type CallRequest struct {
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params,omitempty"`
	TimeoutMillis int             `json:"timeout_ms,omitempty"`
	Priority      int             `json:"priority,omitempty"`
}

// CallResponse carries the worker's result payload.
type CallResponse struct {
	Result json.RawMessage `json:"result"`
}

// PingRequest probes the worker through the full call path.
type PingRequest struct{}

// PingResponse reports the measured round trip.
type PingResponse struct {
	LatencyMillis int64 `json:"latency_ms"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse mirrors the daemon status snapshot.
type StatusResponse struct {
	Status daemon.Status `json:"status"`
}

// RestartRequest recycles the worker process.
type RestartRequest struct{}

// RestartResponse reports the restart outcome.
type RestartResponse struct {
	Restarted bool   `json:"restarted"`
	Message   string `json:"message,omitempty"`
}

// ResetRequest clears the terminal failed state and respawns the worker.
type ResetRequest struct{}

// ResetResponse reports the reset outcome.
type ResetResponse struct {
	Reset   bool   `json:"reset"`
	Message string `json:"message,omitempty"`
}

// ShutdownRequest asks the daemon process to exit.
type ShutdownRequest struct{}

// ShutdownResponse acknowledges that shutdown has begun.
type ShutdownResponse struct {
	Stopping bool `json:"stopping"`
}
