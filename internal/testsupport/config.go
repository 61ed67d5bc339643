package testsupport

import (
	"testing"

	"toolbridge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a validated config tuned for fast tests: short probe
// intervals, short backoff, and a scratch log directory.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Worker.Command = "scripted-worker"
	cfg.Bridge.MaxConcurrentRequests = 4
	cfg.Bridge.MaxQueueSize = 8
	cfg.Bridge.DefaultTimeoutMillis = 2000
	cfg.Bridge.ShutdownGraceMillis = 500
	cfg.Health.IntervalMillis = 20
	cfg.Health.TimeoutMillis = 50
	cfg.Health.FailureThreshold = 3
	cfg.Restart.BaseDelayMillis = 10
	cfg.Restart.MaxDelayMillis = 50
	cfg.Restart.MaxAttempts = 3
	cfg.Resources.TTLMillis = 100
	cfg.Resources.SweepIntervalMillis = 25
	cfg.Resources.ProducingMethods = []string{"document/open"}
	cfg.Resources.ReleasingMethods = []string{"document/close"}
	cfg.Resources.TouchingMethods = []string{"document/read"}
	cfg.Events.SubscriberBuffer = 16
	cfg.Daemon.LogDir = t.TempDir()
	cfg.Daemon.APIBind = "127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return &cfg
}
