package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"abuse-guard/internal/service"
	"abuse-guard/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxRequestBody = 4 << 10

var errRateLimited = errors.New("too many attempts")

// GuardHandler exposes the rate guard over HTTP.
type GuardHandler struct {
	guard  *service.RateGuard
	logger *zap.Logger
}

func NewGuardHandler(guard *service.RateGuard, logger *zap.Logger) *GuardHandler {
	if logger == nil {
		logger = util.Get()
	}
	return &GuardHandler{guard: guard, logger: logger}
}

// Response is the envelope for every API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

type AttemptRequest struct {
	Identity string `json:"identity"`
	Action   string `json:"action"`
}

type PolicyView struct {
	MaxAttempts          int   `json:"max_attempts"`
	WindowSeconds        int64 `json:"window_seconds"`
	BlockDurationSeconds int64 `json:"block_duration_seconds"`
}

type RecordView struct {
	Action       string     `json:"action"`
	Attempts     int        `json:"attempts"`
	LastAttempt  time.Time  `json:"last_attempt"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Blocked      bool       `json:"blocked"`
	Policy       PolicyView `json:"policy"`
}

func (h *GuardHandler) RegisterRoutes(router chi.Router) {
	router.Route("/guard", func(r chi.Router) {
		r.Post("/check", h.CheckAttempt)
		r.Post("/success", h.RecordSuccess)
		r.Get("/records/{action}/{identity}", h.GetRecord)
	})
}

// CheckAttempt records an attempt and answers 200 when it may proceed or
// 429 with Retry-After when the pair is blocked.
func (h *GuardHandler) CheckAttempt(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAttempt(w, r)
	if !ok {
		return
	}

	decision, err := h.guard.CheckAndRecord(r.Context(), req.Identity, req.Action)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Attempt could not be checked")
		return
	}

	if decision.Allowed {
		h.respondWithJSON(w, http.StatusOK, successResponse(decision, "Attempt allowed"))
		return
	}

	if decision.BlockedUntil != nil {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(*decision.BlockedUntil, h.guard.Now())))
	}
	h.respondWithJSON(w, http.StatusTooManyRequests, Response{
		Success: false,
		Data:    decision,
		Error:   errRateLimited.Error(),
		Message: "Attempt blocked",
	})
}

// RecordSuccess clears the counter after the guarded action succeeded.
func (h *GuardHandler) RecordSuccess(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAttempt(w, r)
	if !ok {
		return
	}

	if err := h.guard.RecordSuccess(r.Context(), req.Identity, req.Action); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Success could not be recorded")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRecord returns the stored counter for an (action, identity) pair.
func (h *GuardHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	action, err := url.PathUnescape(chi.URLParam(r, "action"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "Invalid action")
		return
	}
	identity, err := url.PathUnescape(chi.URLParam(r, "identity"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "Invalid identity")
		return
	}

	record, err := h.guard.Inspect(r.Context(), identity, action)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Record could not be loaded")
		return
	}

	policy := h.guard.PolicyFor(action)
	view := RecordView{
		Action:       action,
		Attempts:     record.Attempts,
		LastAttempt:  record.LastAttempt,
		BlockedUntil: record.BlockedUntil,
		Blocked:      record.IsBlocked(h.guard.Now()),
		Policy: PolicyView{
			MaxAttempts:          policy.MaxAttempts,
			WindowSeconds:        int64(policy.Window / time.Second),
			BlockDurationSeconds: int64(policy.BlockDuration / time.Second),
		},
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(view, "Record retrieved"))
}

func (h *GuardHandler) decodeAttempt(w http.ResponseWriter, r *http.Request) (AttemptRequest, bool) {
	var req AttemptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return req, false
	}
	return req, true
}

func (h *GuardHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *GuardHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message))
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *GuardHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// retryAfterSeconds rounds up so clients never retry before the block ends.
func retryAfterSeconds(until, now time.Time) int {
	seconds := int(math.Ceil(until.Sub(now).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
