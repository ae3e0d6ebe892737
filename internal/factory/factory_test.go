package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"abuse-guard/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		Environment: "development",
		Server: config.ServerConfig{
			Port:         8080,
			WriteTimeout: 5 * time.Second,
		},
		Guard: config.GuardConfig{
			Default:      config.PolicyConfig{MaxAttempts: 2, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute},
			StoreTimeout: time.Second,
		},
		Store:     config.StoreConfig{Backend: backend},
		Redis:     config.RedisConfig{PoolSize: 4},
		Kafka:     config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "security-events"},
		Bucketing: config.BucketingConfig{RecordBuckets: 8, EventBuckets: 4},
		Events:    config.EventsConfig{BufferSize: 16, BatchSize: 4, FlushInterval: time.Second},
	}
}

func check(t *testing.T, h http.Handler) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/guard/check",
		strings.NewReader(`{"identity":"alice@example.com","action":"login"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestFactory_MemoryBackend(t *testing.T) {
	f, err := New(testConfig("memory"))
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, f.Dispatcher())
	assert.Nil(t, f.TLSManager())

	router := f.Router()
	assert.Equal(t, http.StatusOK, check(t, router))
	assert.Equal(t, http.StatusOK, check(t, router))
	assert.Equal(t, http.StatusTooManyRequests, check(t, router))

	health := f.HealthCheck(context.Background())
	assert.Equal(t, map[string]error{"store": nil}, health)
	assert.True(t, f.IsHealthy(context.Background()))
}

func TestFactory_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig("redis")
	cfg.Redis.URL = "redis://" + mr.Addr()

	f, err := New(cfg)
	require.NoError(t, err)
	defer f.Close()

	router := f.Router()
	assert.Equal(t, http.StatusOK, check(t, router))
	assert.True(t, mr.Exists("rate_record:alice@example.com_login"))
	assert.True(t, f.IsHealthy(context.Background()))

	mr.SetError("ERR simulated outage")
	assert.False(t, f.IsHealthy(context.Background()))
	assert.Equal(t, http.StatusOK, check(t, router), "store outage fails open")
}

func TestFactory_RedisUnreachable(t *testing.T) {
	cfg := testConfig("redis")
	cfg.Redis.URL = "redis://127.0.0.1:1"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counter store")
}

func TestFactory_UnreachableSinkIsOptionalOutsideProduction(t *testing.T) {
	cfg := testConfig("memory")
	cfg.Kafka.Enabled = true

	f, err := New(cfg)
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, f.Dispatcher())
}

func TestFactory_UnreachableSinkFailsInProduction(t *testing.T) {
	cfg := testConfig("memory")
	cfg.Environment = "production"
	cfg.Kafka.Enabled = true

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
}

func TestFactory_CloseIsIdempotent(t *testing.T) {
	f, err := New(testConfig("memory"))
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
}
