package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PlainFunction/redactgate/internal/auth"
	"github.com/PlainFunction/redactgate/internal/common/config"
	"github.com/PlainFunction/redactgate/internal/common/models"
	"github.com/PlainFunction/redactgate/internal/common/types"
	"github.com/PlainFunction/redactgate/internal/ratelimit"
	"github.com/PlainFunction/redactgate/internal/redact"
)

type Handler struct {
	config       *config.Config
	logger       *zap.Logger
	verifier     *auth.Verifier
	limiter      *ratelimit.Limiter
	redactor     *redact.Redactor
	reidentifier *redact.Reidentifier
	forwarder    types.Forwarder
	// redisPinger is nil when the gateway runs on the in-memory store.
	redisPinger types.Pinger
	// recorder is nil when no audit database is configured.
	recorder types.Recorder

	// Prometheus metrics
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitDenied  prometheus.Counter
	entitiesRedacted *prometheus.CounterVec
}

func NewHandler(
	cfg *config.Config,
	logger *zap.Logger,
	verifier *auth.Verifier,
	limiter *ratelimit.Limiter,
	redactor *redact.Redactor,
	reidentifier *redact.Reidentifier,
	forwarder types.Forwarder,
	redisPinger types.Pinger,
	recorder types.Recorder,
) *Handler {
	// Initialize Prometheus metrics on a handler-owned registry so that
	// independent handler instances never collide.
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of gateway requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of gateway requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	rateLimitDenied := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_denied_total",
			Help: "Total number of requests denied by rate limiting",
		},
	)

	entitiesRedacted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_entities_redacted_total",
			Help: "Total number of PII entities redacted from outbound prompts",
		},
		[]string{"entity_type"},
	)

	// Register metrics
	registry.MustRegister(requestsTotal, requestDuration, rateLimitDenied, entitiesRedacted)

	return &Handler{
		config:           cfg,
		logger:           logger,
		verifier:         verifier,
		limiter:          limiter,
		redactor:         redactor,
		reidentifier:     reidentifier,
		forwarder:        forwarder,
		redisPinger:      redisPinger,
		recorder:         recorder,
		registry:         registry,
		requestsTotal:    requestsTotal,
		requestDuration:  requestDuration,
		rateLimitDenied:  rateLimitDenied,
		entitiesRedacted: entitiesRedacted,
	}
}

// ChatCompletions runs the full gateway pipeline: authenticate, admit,
// redact, forward, reidentify.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "/chat/completions"
	ctx := r.Context()

	// Authenticate
	orgID, err := h.verifier.VerifyHeader(r.Header.Get("Authorization"))
	if err != nil {
		h.observe(r.Method, endpoint, http.StatusUnauthorized, start)
		h.writeError(w, http.StatusUnauthorized, authErrorMessage(err))
		return
	}

	// Validate body
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.observe(r.Method, endpoint, http.StatusUnprocessableEntity, start)
		h.writeError(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		h.observe(r.Method, endpoint, http.StatusUnprocessableEntity, start)
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// Admit against the organization's sliding window
	decision, err := h.limiter.Allow(ctx, orgID)
	if err != nil {
		h.logger.Error("admission check failed", zap.String("org_id", orgID), zap.Error(err))
		h.observe(r.Method, endpoint, http.StatusServiceUnavailable, start)
		h.writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	}
	if !decision.Allowed {
		h.rateLimitDenied.Inc()
		h.observe(r.Method, endpoint, http.StatusTooManyRequests, start)

		resp := models.RateLimitResponse{Error: "Rate limit exceeded", Remaining: decision.Remaining}
		if decision.ResetAt > 0 {
			resetAt := decision.ResetAt
			resp.ResetTime = &resetAt
			if wait := resetAt - time.Now().Unix(); wait > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(wait, 10))
			}
		}
		h.writeJSON(w, http.StatusTooManyRequests, resp)
		h.record(r, orgID, req.Model, http.StatusTooManyRequests, start, len(req.Messages), 0)
		return
	}

	// Redact PII from every message before anything leaves the gateway
	redacted, mappings, err := h.redactor.Redact(ctx, req.Messages)
	if err != nil {
		h.logger.Error("pii detection failed", zap.String("org_id", orgID), zap.Error(err))
		h.observe(r.Method, endpoint, http.StatusServiceUnavailable, start)
		h.writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return
	}
	for _, m := range mappings {
		h.entitiesRedacted.WithLabelValues(m.EntityType).Inc()
	}

	req.Messages = redacted
	payload, err := json.Marshal(req)
	if err != nil {
		h.observe(r.Method, endpoint, http.StatusInternalServerError, start)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Forward the sanitized request upstream
	result, err := h.forwarder.ChatCompletions(ctx, payload)
	if err != nil {
		var ue *types.UpstreamError
		if errors.As(err, &ue) && ue.StatusCode > 0 {
			// Relay upstream failures verbatim; they carry no gateway tokens
			// and must not be reidentified.
			h.observe(r.Method, endpoint, ue.StatusCode, start)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ue.StatusCode)
			w.Write(ue.Body)
			h.record(r, orgID, req.Model, ue.StatusCode, start, len(req.Messages), len(mappings))
			return
		}
		h.logger.Error("upstream request failed", zap.String("org_id", orgID), zap.Error(err))
		h.observe(r.Method, endpoint, http.StatusBadGateway, start)
		h.writeError(w, http.StatusBadGateway, "Upstream request failed")
		return
	}

	// Restore original values in the response before returning it
	body, err := h.reidentifier.ReidentifyResponse(result.Body, mappings)
	if err != nil {
		h.logger.Error("response reidentification failed", zap.String("org_id", orgID), zap.Error(err))
		h.observe(r.Method, endpoint, http.StatusInternalServerError, start)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.observe(r.Method, endpoint, result.StatusCode, start)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	w.Write(body)

	h.record(r, orgID, req.Model, result.StatusCode, start, len(req.Messages), len(mappings))
}

// HealthCheck reports gateway liveness and counter-store connectivity. It
// always answers 200; a broken store shows up in redis_status only.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	redisStatus := "unavailable"
	if h.redisPinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.redisPinger.Ping(ctx); err != nil {
			redisStatus = "disconnected"
		} else {
			redisStatus = "connected"
		}
		cancel()
	}

	h.observe(r.Method, "/healthz", http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:      "healthy",
		Version:     config.Version,
		RedisStatus: redisStatus,
	})
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// authErrorMessage maps verifier failures onto the wire-level error strings.
func authErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidAuthHeader):
		return "Invalid authorization header"
	case errors.Is(err, auth.ErrInvalidPayload):
		return "Invalid token payload"
	default:
		return "Invalid token"
	}
}

func (h *Handler) observe(method, endpoint string, status int, start time.Time) {
	h.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	h.requestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response failed", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, models.ErrorResponse{Error: message})
}

func (h *Handler) record(r *http.Request, orgID, model string, status int, start time.Time, messageCount, entities int) {
	if h.recorder == nil {
		return
	}
	h.recorder.Record(types.UsageRecord{
		OrgID:            orgID,
		Model:            model,
		StatusCode:       status,
		LatencyMS:        time.Since(start).Milliseconds(),
		MessageCount:     messageCount,
		EntitiesRedacted: entities,
		ClientIP:         r.RemoteAddr,
	})
}
