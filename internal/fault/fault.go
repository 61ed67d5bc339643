// Package fault defines the error taxonomy shared by the bridge components
// and helpers for wrapping errors with component context.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSpawn marks a worker that could not be started at all. This is a
	// configuration problem; the supervisor never retries it.
	ErrSpawn = errors.New("spawn error")
	// ErrProtocol marks a malformed or unroutable frame. Absorbed
	// internally; never surfaces as a failed call.
	ErrProtocol = errors.New("protocol error")
	// ErrOverloaded marks a call rejected because the admission queue is full.
	ErrOverloaded = errors.New("overloaded")
	// ErrUnavailable marks a call rejected or abandoned because the worker
	// is not currently running.
	ErrUnavailable = errors.New("worker unavailable")
	// ErrTimeout marks a call whose deadline elapsed before resolution.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled marks a caller-initiated cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrWorkerLost marks an in-flight call invalidated by a worker crash.
	// Callers may retry once the worker recovers.
	ErrWorkerLost = errors.New("worker lost")
	// ErrShuttingDown marks a call rejected because the bridge is stopping.
	ErrShuttingDown = errors.New("shutting down")
	// ErrFailed marks the terminal state after the restart budget is
	// exhausted. Recovery requires an explicit external restart.
	ErrFailed = errors.New("worker failed permanently")
)

// Wrap tags err with the given marker and contextual detail. The marker
// should be one of the exported sentinel errors above so callers can
// classify the failure with errors.Is.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrUnavailable
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether the error belongs to a transient class the
// caller may recover from by retrying with backoff. The bridge itself never
// retries calls on the caller's behalf.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrOverloaded),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrWorkerLost),
		errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}

// Terminal reports whether the error represents a condition no retry can
// clear without external intervention.
func Terminal(err error) bool {
	return errors.Is(err, ErrSpawn) || errors.Is(err, ErrFailed)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "bridge failure"
	}
	return strings.Join(parts, ": ")
}
