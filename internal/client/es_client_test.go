package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestESClient(t *testing.T, handler http.HandlerFunc) *ESClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return WrapElasticsearchClient(es, "security-events", zap.NewNop())
}

func TestESClient_HealthCheck(t *testing.T) {
	healthy := newTestESClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":{"number":"8.19.0"}}`))
	})
	assert.NoError(t, healthy.HealthCheck(context.Background()))
	assert.Equal(t, "security-events", healthy.Index())

	down := newTestESClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"reason":"cluster_block_exception"}}`))
	})
	err := down.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster_block_exception")
}
