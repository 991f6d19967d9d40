package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)

	// Check some default values
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ":8090", cfg.Socket.Addr)
	assert.Equal(t, "./data/queue", cfg.Queue.DataDir)
	assert.Equal(t, 5000, cfg.Agent.DefaultTimeoutMs)
	assert.Equal(t, 56000, cfg.Agent.MaxTimeoutMs)
	assert.Equal(t, "subscriptions:r4:websockets", cfg.Dispatch.BroadcastChannel)
	assert.Equal(t, 8, cfg.Worker.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromFile(t *testing.T) {
	// Write a test config file
	testConfig := `server:
  addr: ":9090"
queue:
  data_dir: "./test-queue"
agent:
  default_timeout_ms: 2500
logging:
  level: "debug"
`
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	err := os.WriteFile(configFile, []byte(testConfig), 0644)
	require.NoError(t, err)

	// Load the config
	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Check the loaded values
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "./test-queue", cfg.Queue.DataDir)
	assert.Equal(t, 2500, cfg.Agent.DefaultTimeoutMs)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Default values should be used for unspecified fields
	assert.Equal(t, 56000, cfg.Agent.MaxTimeoutMs)
	assert.Equal(t, 8, cfg.Worker.MaxAttempts)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadConfig(t *testing.T) {
	// Write a test config file
	testConfig := `server:
  addr: ":9090"
queue:
  data_dir: "./test-queue"
`
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	err := os.WriteFile(configFile, []byte(testConfig), 0644)
	require.NoError(t, err)

	// Override with environment variables and command-line flags
	t.Setenv("RELAY_SERVER_ADDR", ":8888")

	cfg, err := LoadConfig(configFile, "./cli-queue", "", "warn")
	require.NoError(t, err)

	// Command-line flags should take precedence over env vars and file
	absPath, _ := filepath.Abs("./cli-queue")
	assert.Equal(t, absPath, cfg.Queue.DataDir)

	// Env vars should take precedence over file
	assert.Equal(t, ":8888", cfg.Server.Addr)

	// Command-line flag should take precedence
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_AGENT_DEFAULT_TIMEOUT_MS", "7000")
	t.Setenv("RELAY_WORKER_MAX_ATTEMPTS", "3")
	t.Setenv("RELAY_SOCKET_ADDR", ":7070")

	cfg, err := LoadConfig("", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Agent.DefaultTimeoutMs)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, ":7070", cfg.Socket.Addr)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()

	busCfg := cfg.ToBusConfig()
	assert.Equal(t, cfg.Bus.MaxBufferSize, busCfg.MaxBufferSize)

	agentCfg := cfg.ToAgentConfig()
	assert.Equal(t, 5*time.Second, agentCfg.DefaultTimeout)
	assert.Equal(t, 56*time.Second, agentCfg.MaxTimeout)

	dispatchCfg := cfg.ToDispatchConfig()
	assert.Equal(t, cfg.Dispatch.BroadcastChannel, dispatchCfg.BroadcastChannel)
	assert.Equal(t, time.Minute, dispatchCfg.PolicyCacheExpiration)

	queueCfg := cfg.ToQueueConfig()
	assert.Equal(t, cfg.Queue.DataDir, queueCfg.DataDir)

	workerCfg := cfg.ToWorkerConfig()
	assert.Equal(t, 30*time.Second, workerCfg.RequestTimeout)

	socketCfg := cfg.ToSocketConfig()
	assert.Equal(t, cfg.Socket.Addr, socketCfg.ListenAddr)
	assert.Equal(t, cfg.Dispatch.BroadcastChannel, socketCfg.BroadcastChannel)

	apiCfg := cfg.ToAPIConfig()
	assert.Equal(t, cfg.Server.Addr, apiCfg.Addr)
	assert.Equal(t, 70*time.Second, apiCfg.WriteTimeout)
}
