// Package handles tracks server-side resource handles allocated by worker
// calls and reclaims the ones their owners forget.
//
// The tracker holds the authoritative registry; the worker owns the actual
// resources and must be told explicitly to release them. A handle is
// registered only once the worker has acknowledged its creation and is
// removed once the worker has acknowledged (or can no longer acknowledge)
// its release.
package handles

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"toolbridge/internal/logging"
)

// Handle is one tracked server-side resource.
type Handle struct {
	ID          string
	Kind        string
	OwnerID     uint64 // request id whose result created the handle
	Generation  string // worker generation the handle belongs to
	CreatedAt   time.Time
	LastTouched time.Time
}

// ReleaseFunc asks the worker to release a handle. Implementations issue a
// release call through the bridge.
type ReleaseFunc func(ctx context.Context, handleID string) error

// Tracker owns the handle registry and the idle sweep.
type Tracker struct {
	table   Table
	ttl     time.Duration
	sweep   time.Duration
	release ReleaseFunc
	logger  *slog.Logger

	mu  sync.Mutex
	reg map[string]*Handle

	releasedTotal uint64
}

// NewTracker constructs a tracker. release may be nil until the bridge
// wires it with SetRelease.
func NewTracker(table Table, ttl, sweep time.Duration, release ReleaseFunc, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	return &Tracker{
		table:   table,
		ttl:     ttl,
		sweep:   sweep,
		release: release,
		logger:  logging.WithComponent(logger, "handles"),
		reg:     make(map[string]*Handle),
	}
}

// SetRelease wires the release call after construction.
func (t *Tracker) SetRelease(release ReleaseFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release = release
}

// Effect exposes the static method table.
func (t *Tracker) Effect(method string) Effect { return t.table.Effect(method) }

// Register records a worker-acknowledged handle. Re-registering an id
// overwrites the previous record.
func (t *Tracker) Register(id, kind string, owner uint64, generation string) {
	now := time.Now()
	t.mu.Lock()
	t.reg[id] = &Handle{
		ID:          id,
		Kind:        kind,
		OwnerID:     owner,
		Generation:  generation,
		CreatedAt:   now,
		LastTouched: now,
	}
	t.mu.Unlock()
	t.logger.Debug("handle registered",
		logging.String(logging.FieldHandleID, id),
		logging.String(logging.FieldGeneration, generation))
}

// Touch extends a handle's idle window. Unknown ids are ignored.
func (t *Tracker) Touch(id string) {
	t.mu.Lock()
	if h, ok := t.reg[id]; ok {
		h.LastTouched = time.Now()
	}
	t.mu.Unlock()
}

// Remove deletes a handle after the worker acknowledged its release.
func (t *Tracker) Remove(id string) bool {
	t.mu.Lock()
	_, ok := t.reg[id]
	delete(t.reg, id)
	t.mu.Unlock()
	return ok
}

// DropGeneration discards every handle belonging to a dead worker
// generation without attempting release calls: the process owning the
// resources is gone.
func (t *Tracker) DropGeneration(generation string) int {
	t.mu.Lock()
	dropped := 0
	for id, h := range t.reg {
		if h.Generation == generation {
			delete(t.reg, id)
			dropped++
		}
	}
	t.mu.Unlock()
	if dropped > 0 {
		t.logger.Info("dropped handles for dead worker generation",
			logging.String(logging.FieldGeneration, generation),
			logging.Int("count", dropped))
	}
	return dropped
}

// DropAll discards the entire registry (bridge shutdown).
func (t *Tracker) DropAll() int {
	t.mu.Lock()
	dropped := len(t.reg)
	t.reg = make(map[string]*Handle)
	t.mu.Unlock()
	return dropped
}

// Count reports the number of tracked handles.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reg)
}

// Run executes the sweep loop until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SweepOnce(ctx, time.Now())
		}
	}
}

// SweepOnce releases every handle idle past the TTL. Release failures are
// logged and retried on the next sweep. Returns the number of handles
// successfully released.
func (t *Tracker) SweepOnce(ctx context.Context, now time.Time) int {
	t.mu.Lock()
	release := t.release
	var expired []*Handle
	for _, h := range t.reg {
		if now.Sub(h.LastTouched) >= t.ttl {
			expired = append(expired, h)
		}
	}
	t.mu.Unlock()

	if len(expired) == 0 || release == nil {
		return 0
	}

	released := 0
	for _, h := range expired {
		if err := release(ctx, h.ID); err != nil {
			t.logger.Warn("handle release failed; will retry on next sweep",
				logging.String(logging.FieldHandleID, h.ID),
				logging.Error(err))
			continue
		}
		if t.Remove(h.ID) {
			released++
		}
	}
	if released > 0 {
		t.mu.Lock()
		t.releasedTotal += uint64(released)
		t.mu.Unlock()
		t.logger.Info("released idle handles", logging.Int("count", released))
	}
	return released
}

// ReleasedTotal reports handles reclaimed by the sweep since start.
func (t *Tracker) ReleasedTotal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releasedTotal
}
