package config

const (
	defaultMaxConcurrentRequests = 20
	defaultMaxQueueSize          = 200
	defaultTimeoutMillis         = 30000
	defaultShutdownGraceMillis   = 5000

	defaultHealthIntervalMillis   = 10000
	defaultHealthTimeoutMillis    = 3000
	defaultHealthFailureThreshold = 3

	defaultRestartBaseDelayMillis = 500
	defaultRestartMaxDelayMillis  = 30000
	defaultRestartMaxAttempts     = 5

	defaultResourceTTLMillis   = 300000
	defaultSweepIntervalMillis = 30000
	defaultReleaseMethod       = "resources/release"

	defaultSubscriberBuffer = 64

	defaultLogDir    = "~/.local/share/toolbridge/logs"
	defaultAPIBind   = "127.0.0.1:7519"
	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Bridge: Bridge{
			MaxConcurrentRequests: defaultMaxConcurrentRequests,
			MaxQueueSize:          defaultMaxQueueSize,
			DefaultTimeoutMillis:  defaultTimeoutMillis,
			ShutdownGraceMillis:   defaultShutdownGraceMillis,
		},
		Health: Health{
			IntervalMillis:   defaultHealthIntervalMillis,
			TimeoutMillis:    defaultHealthTimeoutMillis,
			FailureThreshold: defaultHealthFailureThreshold,
		},
		Restart: Restart{
			BaseDelayMillis: defaultRestartBaseDelayMillis,
			MaxDelayMillis:  defaultRestartMaxDelayMillis,
			MaxAttempts:     defaultRestartMaxAttempts,
		},
		Resources: Resources{
			TTLMillis:           defaultResourceTTLMillis,
			SweepIntervalMillis: defaultSweepIntervalMillis,
			ReleaseMethod:       defaultReleaseMethod,
		},
		Events: Events{
			SubscriberBuffer: defaultSubscriberBuffer,
		},
		Daemon: Daemon{
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
