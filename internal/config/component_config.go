package config

import (
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/agent"
	"github.com/DevJoghurt/fhir-relay/internal/api"
	"github.com/DevJoghurt/fhir-relay/internal/bus"
	"github.com/DevJoghurt/fhir-relay/internal/correlation"
	"github.com/DevJoghurt/fhir-relay/internal/dispatch"
	"github.com/DevJoghurt/fhir-relay/internal/logging"
	"github.com/DevJoghurt/fhir-relay/internal/queue"
	"github.com/DevJoghurt/fhir-relay/internal/socket"
	"github.com/DevJoghurt/fhir-relay/internal/telemetry"
)

// ToBusConfig converts to bus config
func (c *Config) ToBusConfig() bus.Config {
	return bus.Config{
		MaxBufferSize: c.Bus.MaxBufferSize,
	}
}

// ToCorrelationConfig converts to correlation registry config
func (c *Config) ToCorrelationConfig() correlation.Config {
	return correlation.Config{
		DefaultTimeout: time.Duration(c.Agent.DefaultTimeoutMs) * time.Millisecond,
	}
}

// ToAgentConfig converts to agent client config
func (c *Config) ToAgentConfig() agent.Config {
	return agent.Config{
		DefaultTimeout: time.Duration(c.Agent.DefaultTimeoutMs) * time.Millisecond,
		MaxTimeout:     time.Duration(c.Agent.MaxTimeoutMs) * time.Millisecond,
	}
}

// ToDispatchConfig converts to dispatch config
func (c *Config) ToDispatchConfig() dispatch.Config {
	return dispatch.Config{
		BroadcastChannel:      c.Dispatch.BroadcastChannel,
		FastPathCapacity:      c.Dispatch.FastPathCapacity,
		PolicyCacheCapacity:   c.Dispatch.PolicyCacheCapacity,
		PolicyCacheExpiration: time.Duration(c.Dispatch.PolicyCacheExpirationSecs) * time.Second,
	}
}

// ToQueueConfig converts to job queue config
func (c *Config) ToQueueConfig() queue.Config {
	return queue.Config{
		DataDir:  c.Queue.DataDir,
		InMemory: c.Queue.InMemory,
	}
}

// ToWorkerConfig converts to delivery worker config
func (c *Config) ToWorkerConfig() queue.WorkerConfig {
	return queue.WorkerConfig{
		MaxAttempts:    c.Worker.MaxAttempts,
		RequestTimeout: time.Duration(c.Worker.RequestTimeoutMs) * time.Millisecond,
		PollInterval:   time.Duration(c.Worker.PollIntervalMs) * time.Millisecond,
	}
}

// ToSocketConfig converts to socket gateway config
func (c *Config) ToSocketConfig() socket.Config {
	return socket.Config{
		ListenAddr:       c.Socket.Addr,
		BroadcastChannel: c.Dispatch.BroadcastChannel,
	}
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:         c.Server.Addr,
		ReadTimeout:  time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(c.Server.IdleTimeout) * time.Second,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "info":
		level = logging.LevelInfo
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	var format logging.LogFormat
	switch c.Logging.Format {
	case "console":
		format = logging.FormatConsole
	default:
		format = logging.FormatJSON
	}

	return logging.Config{
		Level:               level,
		Format:              format,
		IncludeCaller:       c.Logging.IncludeCaller,
		IncludeStacktrace:   true,
		IncludeTraceContext: c.Logging.IncludeTrace,
		GlobalFields:        c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
