package handler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"abuse-guard/internal/models"
	"abuse-guard/internal/repository"
	"abuse-guard/internal/repository/memory"
	"abuse-guard/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (*models.RateRecord, error) {
	return nil, errors.New("connection refused")
}
func (brokenStore) Create(context.Context, string, models.RateRecord) error {
	return errors.New("connection refused")
}
func (brokenStore) Update(context.Context, string, models.RecordUpdate) error {
	return errors.New("connection refused")
}
func (brokenStore) HealthCheck(context.Context) error { return errors.New("connection refused") }

type staticReadiness map[string]error

func (s staticReadiness) HealthCheck(context.Context) map[string]error { return s }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestRouter(t *testing.T, store repository.CounterStore, opts RouterOptions) http.Handler {
	t.Helper()
	return newClockedRouter(t, store, &testClock{now: t0}, opts)
}

func newClockedRouter(t *testing.T, store repository.CounterStore, clock service.Clock, opts RouterOptions) http.Handler {
	t.Helper()
	guard, err := service.NewRateGuard(store, service.RateGuardConfig{
		Default: service.Policy{MaxAttempts: 2, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute},
		Clock:   clock,
	}, zap.NewNop())
	require.NoError(t, err)
	return NewRouter(NewGuardHandler(guard, zap.NewNop()), staticReadiness{"store": nil}, opts, zap.NewNop())
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type decisionResponse struct {
	Success bool            `json:"success"`
	Data    models.Decision `json:"data"`
	Error   string          `json:"error"`
}

func decodeDecision(t *testing.T, rec *httptest.ResponseRecorder) decisionResponse {
	t.Helper()
	var resp decisionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestCheckAttempt_AllowsThenBlocks(t *testing.T) {
	router := newTestRouter(t, memory.NewStore(), RouterOptions{})
	body := `{"identity":"alice@example.com","action":"login"}`

	rec := doJSON(t, router, http.MethodPost, "/api/v1/guard/check", body)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeDecision(t, rec)
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.Allowed)
	require.NotNil(t, resp.Data.RemainingAttempts)
	assert.Equal(t, 1, *resp.Data.RemainingAttempts)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/guard/check", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/guard/check", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Equal(t, 1800, retryAfter)

	resp = decodeDecision(t, rec)
	assert.False(t, resp.Success)
	assert.False(t, resp.Data.Allowed)
	assert.NotNil(t, resp.Data.BlockedUntil)
	assert.Nil(t, resp.Data.RemainingAttempts)
}

func TestCheckAttempt_InvalidInput(t *testing.T) {
	router := newTestRouter(t, memory.NewStore(), RouterOptions{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"identity":`},
		{"missing identity", `{"action":"login"}`},
		{"empty action", `{"identity":"alice","action":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/v1/guard/check", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCheckAttempt_StoreDownFailsOpen(t *testing.T) {
	router := newTestRouter(t, brokenStore{}, RouterOptions{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/guard/check", `{"identity":"alice","action":"login"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeDecision(t, rec)
	assert.True(t, resp.Data.Allowed)
	assert.Nil(t, resp.Data.RemainingAttempts)
	assert.Nil(t, resp.Data.BlockedUntil)
}

func TestRecordSuccess_ResetsCounter(t *testing.T) {
	router := newTestRouter(t, memory.NewStore(), RouterOptions{})
	body := `{"identity":"alice@example.com","action":"login"}`

	for i := 0; i < 3; i++ {
		doJSON(t, router, http.MethodPost, "/api/v1/guard/check", body)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/guard/success", body)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/guard/records/login/alice@example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data RecordView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "login", resp.Data.Action)
	assert.Equal(t, 0, resp.Data.Attempts)
	assert.False(t, resp.Data.Blocked)
	assert.Nil(t, resp.Data.BlockedUntil)
	assert.Equal(t, 2, resp.Data.Policy.MaxAttempts)
	assert.Equal(t, int64(900), resp.Data.Policy.WindowSeconds)
}

func TestRecordSuccess_InvalidInput(t *testing.T) {
	router := newTestRouter(t, memory.NewStore(), RouterOptions{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/guard/success", `{"identity":"","action":"login"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRecord_NotFoundAndUnavailable(t *testing.T) {
	rec := doJSON(t, newTestRouter(t, memory.NewStore(), RouterOptions{}),
		http.MethodGet, "/api/v1/guard/records/login/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, newTestRouter(t, brokenStore{}, RouterOptions{}),
		http.MethodGet, "/api/v1/guard/records/login/nobody", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetRecord_ShowsActiveBlock(t *testing.T) {
	router := newTestRouter(t, memory.NewStore(), RouterOptions{})
	body := `{"identity":"bob","action":"otp"}`
	for i := 0; i < 3; i++ {
		doJSON(t, router, http.MethodPost, "/api/v1/guard/check", body)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/guard/records/otp/bob", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data RecordView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Data.Attempts)
	assert.True(t, resp.Data.Blocked)
	assert.NotNil(t, resp.Data.BlockedUntil)
}

func TestHandler_UsesGuardClock(t *testing.T) {
	clock := &testClock{now: t0}
	router := newClockedRouter(t, memory.NewStore(), clock, RouterOptions{})
	body := `{"identity":"carol","action":"login"}`
	for i := 0; i < 2; i++ {
		doJSON(t, router, http.MethodPost, "/api/v1/guard/check", body)
	}

	clock.now = t0.Add(10 * time.Minute)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/guard/check", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1800", rec.Header().Get("Retry-After"))

	clock.now = t0.Add(25 * time.Minute)
	rec = doJSON(t, router, http.MethodPost, "/api/v1/guard/check", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))

	clock.now = t0.Add(41 * time.Minute)
	rec = doJSON(t, router, http.MethodGet, "/api/v1/guard/records/login/carol", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data RecordView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Data.Blocked, "block ended at t0+40m")
}

func TestRouter_HealthAndReadiness(t *testing.T) {
	guard, err := service.NewRateGuard(memory.NewStore(), service.RateGuardConfig{}, zap.NewNop())
	require.NoError(t, err)
	handler := NewGuardHandler(guard, zap.NewNop())

	healthy := NewRouter(handler, staticReadiness{"store": nil}, RouterOptions{}, zap.NewNop())
	rec := doJSON(t, healthy, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, healthy, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"store":"ok"`)

	degraded := NewRouter(handler, staticReadiness{"store": nil, "kafka": errors.New("dial tcp: refused")}, RouterOptions{}, zap.NewNop())
	rec = doJSON(t, degraded, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "dial tcp: refused")
}

func TestRouter_RequireHTTPS(t *testing.T) {
	router := newTestRouter(t, memory.NewStore(), RouterOptions{RequireHTTPS: true})

	rec := doJSON(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_UnknownRoute(t *testing.T) {
	router := newTestRouter(t, memory.NewStore(), RouterOptions{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/guard/check", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 30, retryAfterSeconds(now.Add(29500*time.Millisecond), now))
	assert.Equal(t, 1, retryAfterSeconds(now.Add(-time.Second), now))
}
