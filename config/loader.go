// Package config loads the runner configuration from YAML with environment
// variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentlanes.yaml").
//	    Load()
//
// Precedence: defaults, then the YAML file, then environment variables with
// the AGENTLANES_ prefix (for example AGENTLANES_POOL_MAX_CONTAINERS=5).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runner configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Pool      PoolConfig      `yaml:"pool" env:"POOL"`
	History   HistoryConfig   `yaml:"history" env:"HISTORY"`
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Task      TaskConfig      `yaml:"task" env:"TASK"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// EngineConfig tunes execution semantics.
type EngineConfig struct {
	// RetryBackoff is the base delay between retry attempts
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// MaxGateRevisions caps revise cycles per gated node
	MaxGateRevisions int `yaml:"max_gate_revisions" env:"MAX_GATE_REVISIONS"`
	// MaxSubWorkflowDepth caps sub-workflow nesting
	MaxSubWorkflowDepth int `yaml:"max_subworkflow_depth" env:"MAX_SUBWORKFLOW_DEPTH"`
	// MaxLoopIterations bounds forEach loops without an explicit cap
	MaxLoopIterations int `yaml:"max_loop_iterations" env:"MAX_LOOP_ITERATIONS"`
}

// PoolConfig tunes the container worker pool.
type PoolConfig struct {
	// MaxContainers is the concurrency ceiling
	MaxContainers int `yaml:"max_containers" env:"MAX_CONTAINERS"`
	// Image is the worker container image
	Image string `yaml:"image" env:"IMAGE"`
	// DormancyTimeout terminates workers dormant longer than this
	DormancyTimeout time.Duration `yaml:"dormancy_timeout" env:"DORMANCY_TIMEOUT"`
	// HealthTimeout bounds the post-start readiness wait
	HealthTimeout time.Duration `yaml:"health_timeout" env:"HEALTH_TIMEOUT"`
	// HealthInterval spaces readiness probes
	HealthInterval time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL"`
	// PortMin and PortMax bound the host port range handed to workers
	PortMin int `yaml:"port_min" env:"PORT_MIN"`
	PortMax int `yaml:"port_max" env:"PORT_MAX"`
}

// HistoryConfig selects where finished executions are archived.
type HistoryConfig struct {
	// Backend is one of: file, sqlite, memory
	Backend string `yaml:"backend" env:"BACKEND"`
	// Dir holds the JSON documents for the file backend
	Dir string `yaml:"dir" env:"DIR"`
	// DBPath is the SQLite file for the sqlite backend
	DBPath string `yaml:"db_path" env:"DB_PATH"`
}

// ServerConfig tunes the optional control server.
type ServerConfig struct {
	// Enabled starts the HTTP control surface alongside the run
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Addr is the listen address
	Addr string `yaml:"addr" env:"ADDR"`
	// AuthSecret enables JWT bearer auth on the API when non-empty
	AuthSecret      string        `yaml:"auth_secret" env:"AUTH_SECRET"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RedisConfig tunes the optional event stream publisher.
type RedisConfig struct {
	// Enabled publishes events to a Redis Stream
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// Stream is the stream key events are appended to
	Stream string `yaml:"stream" env:"STREAM"`
}

// TaskConfig configures the agent task backend.
type TaskConfig struct {
	// Command is the agent executable
	Command string `yaml:"command" env:"COMMAND"`
	// Args is the argument template; {instructions}, {endpoint}, {task_id},
	// {node_id} and {workdir} are substituted per task
	Args []string `yaml:"args" env:"ARGS"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format is one of: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths is where log lines go; stderr keeps stdout clean for events
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig configures OTel export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the AGENTLANES env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTLANES",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file to read. A missing file is not an error;
// defaults and env apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv walks the struct, composing env keys from the tags:
// AGENTLANES + _POOL + _MAX_CONTAINERS.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Pool.MaxContainers < 1 {
		errs = append(errs, "pool.max_containers must be at least 1")
	}
	if c.Pool.PortMin <= 0 || c.Pool.PortMax < c.Pool.PortMin {
		errs = append(errs, "pool port range is invalid")
	}
	if c.Engine.MaxSubWorkflowDepth < 1 {
		errs = append(errs, "engine.max_subworkflow_depth must be at least 1")
	}
	if c.Engine.MaxLoopIterations < 1 {
		errs = append(errs, "engine.max_loop_iterations must be at least 1")
	}
	switch c.History.Backend {
	case "file", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Sprintf("history.backend %q is not one of file, sqlite, memory", c.History.Backend))
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MustLoad loads the configuration at path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}
