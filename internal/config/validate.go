package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateBridge(); err != nil {
		return err
	}
	if err := c.validateHealth(); err != nil {
		return err
	}
	if err := c.validateRestart(); err != nil {
		return err
	}
	if err := c.validateResources(); err != nil {
		return err
	}
	if c.Events.SubscriberBuffer < 1 {
		return errors.New("events.subscriber_buffer must be at least 1")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Command == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/toolbridge/config.toml"
		}
		return fmt.Errorf("worker.command is required. Edit %s (create with 'toolbridge config init')", defaultPath)
	}
	return nil
}

func (c *Config) validateBridge() error {
	if c.Bridge.MaxConcurrentRequests < 1 {
		return errors.New("bridge.max_concurrent_requests must be at least 1")
	}
	if c.Bridge.MaxQueueSize < 0 {
		return errors.New("bridge.max_queue_size must not be negative")
	}
	if c.Bridge.DefaultTimeoutMillis < 1 {
		return errors.New("bridge.default_timeout_ms must be positive")
	}
	if c.Bridge.ShutdownGraceMillis < 0 {
		return errors.New("bridge.shutdown_grace_ms must not be negative")
	}
	return nil
}

func (c *Config) validateHealth() error {
	if c.Health.IntervalMillis < 1 {
		return errors.New("health.interval_ms must be positive")
	}
	if c.Health.TimeoutMillis < 1 {
		return errors.New("health.timeout_ms must be positive")
	}
	if c.Health.FailureThreshold < 1 {
		return errors.New("health.failure_threshold must be at least 1")
	}
	return nil
}

func (c *Config) validateRestart() error {
	if c.Restart.BaseDelayMillis < 1 {
		return errors.New("restart.base_delay_ms must be positive")
	}
	if c.Restart.MaxDelayMillis < c.Restart.BaseDelayMillis {
		return errors.New("restart.max_delay_ms must not be below restart.base_delay_ms")
	}
	if c.Restart.MaxAttempts < 0 {
		return errors.New("restart.max_attempts must not be negative")
	}
	return nil
}

func (c *Config) validateResources() error {
	if c.Resources.TTLMillis < 1 {
		return errors.New("resources.ttl_ms must be positive")
	}
	if c.Resources.SweepIntervalMillis < 1 {
		return errors.New("resources.sweep_interval_ms must be positive")
	}
	if len(c.Resources.ProducingMethods) > 0 && c.Resources.ReleaseMethod == "" {
		return errors.New("resources.release_method must be set when producing methods are declared")
	}
	return nil
}
