package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "0.0.0.0:9766", cfg.IngestAddr)
	assert.Equal(t, "0.0.0.0:9767", cfg.FanoutAddr)
	assert.Equal(t, ":9768", cfg.OpsAddr)
	assert.Equal(t, 64<<20, cfg.IngestMaxFrameBytes)
	assert.Equal(t, PolicyCoexist, cfg.IngestProducerPolicy)
	assert.Equal(t, time.Duration(0), cfg.IngestStallTimeout)
	assert.Equal(t, int64(1<<30), cfg.FanoutMaxQueuedBytes)
	assert.False(t, cfg.FanoutTrustProxy)
	assert.Empty(t, cfg.FanoutAllowedOrigins())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("INGEST_ADDR", "127.0.0.1:7000")
	t.Setenv("FANOUT_ADDR", "127.0.0.1:7001")
	t.Setenv("OPS_ADDR", "")
	t.Setenv("INGEST_PRODUCER_POLICY", "displace")
	t.Setenv("INGEST_STALL_TIMEOUT", "3s")
	t.Setenv("FANOUT_TRUST_PROXY", "true")
	t.Setenv("FANOUT_ALLOWED_ORIGINS", "https://viewer.example.com, http://localhost:3000 ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.IngestAddr)
	assert.Equal(t, "127.0.0.1:7001", cfg.FanoutAddr)
	assert.Empty(t, cfg.OpsAddr)
	assert.Equal(t, PolicyDisplace, cfg.IngestProducerPolicy)
	assert.Equal(t, 3*time.Second, cfg.IngestStallTimeout)
	assert.True(t, cfg.FanoutTrustProxy)
	assert.Equal(t, []string{"https://viewer.example.com", "http://localhost:3000"}, cfg.FanoutAllowedOrigins())
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad ingest addr", "INGEST_ADDR", "9766", "INGEST_ADDR must be host:port"},
		{"bad ops addr", "OPS_ADDR", "nope", "OPS_ADDR must be host:port"},
		{"same addresses", "FANOUT_ADDR", "0.0.0.0:9766", "INGEST_ADDR and FANOUT_ADDR must differ"},
		{"unknown policy", "INGEST_PRODUCER_POLICY", "first-wins", "INGEST_PRODUCER_POLICY must be one of"},
		{"zero workers", "INGEST_DECOMPRESS_WORKERS", "0", "INGEST_DECOMPRESS_WORKERS must be at least 1"},
		{"zero bind attempts", "BIND_ATTEMPTS", "0", "BIND_ATTEMPTS must be at least 1"},
		{"negative frame cap", "INGEST_MAX_FRAME_BYTES", "-1", "must not be negative"},
		{"negative stall timeout", "INGEST_STALL_TIMEOUT", "-1s", "INGEST_STALL_TIMEOUT must not be negative"},
		{"negative queue cap", "FANOUT_MAX_QUEUED_BYTES", "-1", "FANOUT_MAX_QUEUED_BYTES must not be negative"},
		{"zero connect rate", "FANOUT_CONNECT_RATE", "0", "FANOUT_CONNECT_RATE must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
