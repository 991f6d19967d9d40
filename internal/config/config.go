package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Bus         BusConfig         `yaml:"bus"`
	Agent       AgentConfig       `yaml:"agent"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Socket      SocketConfig      `yaml:"socket"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

// BusConfig contains pub/sub bus settings
type BusConfig struct {
	MaxBufferSize int `yaml:"max_buffer_size"`
}

// AgentConfig contains agent command client settings. Timeouts are
// milliseconds.
type AgentConfig struct {
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
	MaxTimeoutMs     int `yaml:"max_timeout_ms"`
}

// DispatchConfig contains subscription dispatch settings
type DispatchConfig struct {
	BroadcastChannel           string `yaml:"broadcast_channel"`
	FastPathCapacity           int    `yaml:"fast_path_capacity"`
	PolicyCacheCapacity        int    `yaml:"policy_cache_capacity"`
	PolicyCacheExpirationSecs  int    `yaml:"policy_cache_expiration_seconds"`
}

// QueueConfig contains durable job queue settings
type QueueConfig struct {
	DataDir  string `yaml:"data_dir"`
	InMemory bool   `yaml:"in_memory"`
}

// WorkerConfig contains delivery worker settings
type WorkerConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
	PollIntervalMs   int `yaml:"poll_interval_ms"`
}

// SocketConfig contains websocket/SSE gateway settings
type SocketConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5,
			WriteTimeout: 70,
			IdleTimeout:  120,
		},
		Bus: BusConfig{
			MaxBufferSize: 100,
		},
		Agent: AgentConfig{
			DefaultTimeoutMs: 5000,
			MaxTimeoutMs:     56000,
		},
		Dispatch: DispatchConfig{
			BroadcastChannel:          "subscriptions:r4:websockets",
			FastPathCapacity:          1024,
			PolicyCacheCapacity:       1024,
			PolicyCacheExpirationSecs: 60,
		},
		Queue: QueueConfig{
			DataDir:  "./data/queue",
			InMemory: false,
		},
		Worker: WorkerConfig{
			MaxAttempts:      8,
			RequestTimeoutMs: 30000,
			PollIntervalMs:   1000,
		},
		Socket: SocketConfig{
			Addr: ":8090",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "fhir-relay",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	// Override with environment variables
	applyEnvOverrides(config)

	// Override with command line flags (highest priority)
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Queue.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("RELAY_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if addr := os.Getenv("RELAY_SOCKET_ADDR"); addr != "" {
		config.Socket.Addr = addr
	}

	if dataDir := os.Getenv("RELAY_QUEUE_DATA_DIR"); dataDir != "" {
		config.Queue.DataDir = dataDir
	}
	if attemptsStr := os.Getenv("RELAY_WORKER_MAX_ATTEMPTS"); attemptsStr != "" {
		if val, err := strconv.Atoi(attemptsStr); err == nil {
			config.Worker.MaxAttempts = val
		}
	}
	if timeoutStr := os.Getenv("RELAY_AGENT_DEFAULT_TIMEOUT_MS"); timeoutStr != "" {
		if val, err := strconv.Atoi(timeoutStr); err == nil {
			config.Agent.DefaultTimeoutMs = val
		}
	}

	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("RELAY_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}
