package router

import (
	"sort"
	"sync"
	"time"
)

const latencyWindow = 256

// latencyRing keeps a rolling window of completed-call durations for the
// status surface.
type latencyRing struct {
	mu      sync.Mutex
	samples [latencyWindow]time.Duration
	next    int
	filled  int
}

func (r *latencyRing) record(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % latencyWindow
	if r.filled < latencyWindow {
		r.filled++
	}
	r.mu.Unlock()
}

// LatencyStats summarizes the rolling window.
type LatencyStats struct {
	Samples int           `json:"samples"`
	Mean    time.Duration `json:"mean"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
}

func (r *latencyRing) stats() LatencyStats {
	r.mu.Lock()
	n := r.filled
	window := make([]time.Duration, n)
	copy(window, r.samples[:n])
	r.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	var total time.Duration
	for _, d := range window {
		total += d
	}
	return LatencyStats{
		Samples: n,
		Mean:    total / time.Duration(n),
		P50:     window[percentileIndex(n, 50)],
		P95:     window[percentileIndex(n, 95)],
	}
}

func percentileIndex(n, pct int) int {
	idx := n*pct/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
