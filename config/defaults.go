package config

import "time"

// DefaultConfig returns the full default configuration. Defaults favor a
// laptop setup: three workers, file-backed history, no control server.
func DefaultConfig() *Config {
	return &Config{
		Engine:    DefaultEngineConfig(),
		Pool:      DefaultPoolConfig(),
		History:   DefaultHistoryConfig(),
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Task:      DefaultTaskConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultEngineConfig returns the default execution semantics.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RetryBackoff:        time.Second,
		MaxGateRevisions:    10,
		MaxSubWorkflowDepth: 3,
		MaxLoopIterations:   100,
	}
}

// DefaultPoolConfig returns the default worker pool tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxContainers:   3,
		Image:           "agentlanes/worker:latest",
		DormancyTimeout: 10 * time.Minute,
		HealthTimeout:   60 * time.Second,
		HealthInterval:  time.Second,
		PortMin:         42000,
		PortMax:         42999,
	}
}

// DefaultHistoryConfig returns the default archive settings.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Backend: "file",
		Dir:     ".agentlanes/history",
		DBPath:  ".agentlanes/history.db",
	}
}

// DefaultServerConfig returns the default control server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Enabled:         false,
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultRedisConfig returns the default event stream settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled: false,
		Addr:    "localhost:6379",
		Stream:  "agentlanes:events",
	}
}

// DefaultTaskConfig returns the default agent backend command.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Command: "agent",
		Args:    []string{"--task-id", "{task_id}", "--endpoint", "{endpoint}", "{instructions}"},
	}
}

// DefaultLogConfig returns the default logging settings. Logs go to stderr so
// stdout stays a clean event stream.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "console",
		OutputPaths: []string{"stderr"},
	}
}

// DefaultTelemetryConfig returns the default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentlanes",
		SampleRate:   1.0,
	}
}
