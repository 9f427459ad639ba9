package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gometer/pkg/meter"
)

const sampleConfig = `
server:
  addr: ":9090"
log:
  level: debug
  format: console
admission:
  failure_policy: closed
  unavailable_retry_after: 3s
  default_tier: free
store:
  backend: redis
  failover_to_memory: false
  redis:
    addr: "redis:6379"
    db: 2
tiers:
  free:
    - { name: minute, duration: 60s, capacity: 10 }
    - { name: hour, duration: 1h, capacity: 100 }
  enterprise:
    - { name: minute, duration: 60s, capacity: 5000 }
    - { name: hour, duration: 1h, capacity: unbounded }
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "closed", cfg.Admission.FailurePolicy)
	assert.Equal(t, 3*time.Second, cfg.Admission.UnavailableRetryAfter)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.False(t, cfg.Store.FailoverToMemory)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 2, cfg.Store.Redis.DB)

	// Defaults fill what the file leaves out
	assert.Equal(t, "gometer:", cfg.Store.KeyPrefix)
	assert.True(t, cfg.Store.CircuitBreaker.Enabled)
	assert.Equal(t, 5, cfg.Store.CircuitBreaker.FailureThreshold)
	assert.Equal(t, meter.DefaultHistoryWindow, cfg.Admission.HistoryWindow)
	assert.Equal(t, "X-Subject-ID", cfg.Server.SubjectHeader)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GOMETER_STORE_BACKEND", "memory")
	t.Setenv("GOMETER_ADMISSION_FAILURE_POLICY", "open")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "open", cfg.Admission.FailurePolicy)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	reg, err := cfg.BuildRegistry()
	require.NoError(t, err)
	assert.Equal(t, meter.DefaultRegistry().Tiers(), reg.Tiers())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "store: { backend: cassandra }"},
		{"unknown policy", "admission: { failure_policy: maybe }"},
		{"closed policy with memory failover",
			"admission: { failure_policy: closed }\nstore: { backend: redis, failover_to_memory: true }"},
		{"postgres without dsn", "store: { backend: postgres }"},
		{"firestore without project", "store: { backend: firestore }"},
		{"bad capacity", "tiers: { free: [ { name: minute, duration: 60s, capacity: lots } ] }"},
		{"short window", "tiers: { free: [ { name: minute, duration: 10ms, capacity: 1 } ] }"},
		{"missing default tier", "tiers: { pro: [ { name: minute, duration: 60s, capacity: 1 } ] }"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, meter.ErrInvalidConfig)
		})
	}
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.False(t, cfg.Store.FailoverToMemory)
	assert.Equal(t, "open", cfg.Admission.FailurePolicy)
}

func TestBuildRegistry(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	reg, err := cfg.BuildRegistry()
	require.NoError(t, err)

	assert.True(t, reg.Known(meter.TierEnterprise))
	assert.False(t, reg.Known(meter.TierPro))

	enterprise := reg.LimitsFor(meter.TierEnterprise)
	require.Len(t, enterprise, 2)
	assert.Equal(t, int64(5000), enterprise[0].Capacity)
	assert.True(t, enterprise[1].Unlimited())

	// Unknown tiers fall back to free
	assert.Equal(t, reg.LimitsFor(meter.TierFree), reg.LimitsFor(meter.TierPro))
}

func TestParseCapacity(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"10", 10, false},
		{"0", 0, false},
		{" 42 ", 42, false},
		{"unbounded", meter.Unlimited, false},
		{"Unlimited", meter.Unlimited, false},
		{"-1", meter.Unlimited, false},
		{"-2", 0, true},
		{"", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCapacity(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
