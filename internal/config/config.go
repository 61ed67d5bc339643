package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Worker describes how the tool server process is launched.
type Worker struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	WorkDir string   `toml:"workdir"`
	Env     []string `toml:"env"`
}

// Bridge contains admission control and call timing settings.
type Bridge struct {
	MaxConcurrentRequests int `toml:"max_concurrent_requests"`
	MaxQueueSize          int `toml:"max_queue_size"`
	DefaultTimeoutMillis  int `toml:"default_timeout_ms"`
	ShutdownGraceMillis   int `toml:"shutdown_grace_ms"`
}

// Health contains worker health probe settings.
type Health struct {
	IntervalMillis   int `toml:"interval_ms"`
	TimeoutMillis    int `toml:"timeout_ms"`
	FailureThreshold int `toml:"failure_threshold"`
}

// Restart contains supervised restart policy settings.
type Restart struct {
	BaseDelayMillis int `toml:"base_delay_ms"`
	MaxDelayMillis  int `toml:"max_delay_ms"`
	MaxAttempts     int `toml:"max_attempts"`
}

// Resources contains server-side handle reclamation settings. The method
// lists form the static table mapping method names to handle effects.
type Resources struct {
	TTLMillis           int      `toml:"ttl_ms"`
	SweepIntervalMillis int      `toml:"sweep_interval_ms"`
	ReleaseMethod       string   `toml:"release_method"`
	ProducingMethods    []string `toml:"producing_methods"`
	ReleasingMethods    []string `toml:"releasing_methods"`
	TouchingMethods     []string `toml:"touching_methods"`
}

// Events contains notification fan-out settings.
type Events struct {
	SubscriberBuffer int `toml:"subscriber_buffer"`
}

// Daemon contains daemon paths and listen addresses.
type Daemon struct {
	LogDir  string `toml:"log_dir"`
	APIBind string `toml:"api_bind"`
	Socket  string `toml:"socket"`
}

// Logging contains log output settings.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for toolbridge.
type Config struct {
	Worker    Worker    `toml:"worker"`
	Bridge    Bridge    `toml:"bridge"`
	Health    Health    `toml:"health"`
	Restart   Restart   `toml:"restart"`
	Resources Resources `toml:"resources"`
	Events    Events    `toml:"events"`
	Daemon    Daemon    `toml:"daemon"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/toolbridge/config.toml")
}

// Load locates, parses, normalizes, and validates a configuration file. The
// boolean reports whether a file existed at the resolved path; when it did
// not, defaults are returned.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// WriteSample writes the annotated sample configuration to path, creating
// parent directories. It refuses to overwrite an existing file.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the directories the daemon needs at runtime.
func (c *Config) EnsureDirectories() error {
	if c.Daemon.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Daemon.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log directory %q: %w", c.Daemon.LogDir, err)
	}
	return nil
}

// SocketPath returns the daemon control socket path.
func (c *Config) SocketPath() string {
	if c.Daemon.Socket != "" {
		return c.Daemon.Socket
	}
	return filepath.Join(c.Daemon.LogDir, "toolbridged.sock")
}

// Duration accessors keep the millisecond TOML surface out of the rest of
// the codebase.

func (b Bridge) DefaultTimeout() time.Duration { return millis(b.DefaultTimeoutMillis) }

func (b Bridge) ShutdownGrace() time.Duration { return millis(b.ShutdownGraceMillis) }

func (h Health) Interval() time.Duration { return millis(h.IntervalMillis) }

func (h Health) Timeout() time.Duration { return millis(h.TimeoutMillis) }

func (r Restart) BaseDelay() time.Duration { return millis(r.BaseDelayMillis) }

func (r Restart) MaxDelay() time.Duration { return millis(r.MaxDelayMillis) }

func (r Resources) TTL() time.Duration { return millis(r.TTLMillis) }

func (r Resources) SweepInterval() time.Duration { return millis(r.SweepIntervalMillis) }

func millis(v int) time.Duration { return time.Duration(v) * time.Millisecond }
