package worker

import "time"

// State is the supervisor's view of the worker process lifecycle.
type State int

const (
	// StateStopped means no process exists and none is wanted.
	StateStopped State = iota
	// StateStarting means a spawn is in progress.
	StateStarting
	// StateRunning means the process is up and answering health probes.
	StateRunning
	// StateDegraded means the process is up but probes are failing.
	StateDegraded
	// StateCrashed means the process exited unexpectedly and a restart is
	// scheduled.
	StateCrashed
	// StateRestarting means the backoff delay has elapsed and a respawn is
	// imminent.
	StateRestarting
	// StateFailed means the restart budget is exhausted. Only an explicit
	// reset leaves this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event records one lifecycle transition for the status surface.
type Event struct {
	Time   time.Time `json:"time"`
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

const eventRingSize = 32

// eventRing keeps the most recent lifecycle events.
type eventRing struct {
	events [eventRingSize]Event
	next   int
	filled int
}

func (r *eventRing) add(e Event) {
	r.events[r.next] = e
	r.next = (r.next + 1) % eventRingSize
	if r.filled < eventRingSize {
		r.filled++
	}
}

// list returns the events oldest first.
func (r *eventRing) list() []Event {
	out := make([]Event, 0, r.filled)
	start := r.next - r.filled
	if start < 0 {
		start += eventRingSize
	}
	for i := 0; i < r.filled; i++ {
		out = append(out, r.events[(start+i)%eventRingSize])
	}
	return out
}
