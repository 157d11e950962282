package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 10, cfg.Security.MaxConnectionsPerIP)
	assert.Equal(t, 5, cfg.Security.MaxConnectionsPerDevice)
	assert.Equal(t, 5, cfg.Security.FailedAttemptLimit)
	assert.Equal(t, 300*time.Second, cfg.Security.FailedAttemptWindow)
	assert.Equal(t, 3, cfg.Gateway.MaxIntegrityFailures)
	assert.Equal(t, 24*time.Hour, cfg.Queue.TTL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	err := os.WriteFile(path, []byte(`
server:
  addr: 127.0.0.1:9000
  path: /socket
gateway:
  instance_id: gw-a
  ping_interval: 10s
  ping_timeout: 30s
security:
  max_connections_per_ip: 4
  max_connections_per_device: 2
  policy_rule: action != "rpc:admin.reset"
queue:
  max_size: 3
redis:
  enabled: true
  addr: redis:6379
logging:
  level: debug
  format: console
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/socket", cfg.Server.Path)
	assert.Equal(t, "gw-a", cfg.Gateway.InstanceID)
	assert.Equal(t, 10*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, 4, cfg.Security.MaxConnectionsPerIP)
	assert.Equal(t, `action != "rpc:admin.reset"`, cfg.Security.PolicyRule)
	assert.Equal(t, 3, cfg.Queue.MaxSize)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Gateway.RPCTimeout, "unset keys keep defaults")
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("KEPHASGATE_QUEUE_MAX_SIZE", "7")
	t.Setenv("KEPHASGATE_AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.MaxSize)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	cfg := Default()
	cfg.Server.Path = "ws"
	cfg.Queue.MaxSize = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.path")
	assert.Contains(t, err.Error(), "queue.max_size")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestValidateRedisOnlyWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Redis.Addr = ""
	assert.NoError(t, cfg.Validate())

	cfg.Redis.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestValidateDeviceCapNotAboveIPCap(t *testing.T) {
	cfg := Default()
	cfg.Security.MaxConnectionsPerDevice = cfg.Security.MaxConnectionsPerIP + 1
	assert.Error(t, cfg.Validate())
}

func TestPropertyValidCaps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ipCap := rapid.IntRange(1, 1000).Draw(t, "ip_cap")
		deviceCap := rapid.IntRange(1, ipCap).Draw(t, "device_cap")
		cfg := Default()
		cfg.Security.MaxConnectionsPerIP = ipCap
		cfg.Security.MaxConnectionsPerDevice = deviceCap
		if err := cfg.Validate(); err != nil {
			t.Fatalf("valid caps ip=%d device=%d rejected: %v", ipCap, deviceCap, err)
		}
	})
}

func TestPropertyInvalidQueueSize(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(-1000, 0).Draw(t, "size")
		cfg := Default()
		cfg.Queue.MaxSize = size
		if err := cfg.Validate(); err == nil {
			t.Fatalf("invalid queue size %d accepted", size)
		}
	})
}
