package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PlainFunction/redactgate/internal/auth"
	"github.com/PlainFunction/redactgate/internal/common/config"
	"github.com/PlainFunction/redactgate/internal/common/models"
	"github.com/PlainFunction/redactgate/internal/common/types"
	"github.com/PlainFunction/redactgate/internal/ratelimit"
	"github.com/PlainFunction/redactgate/internal/redact"
)

const contactText = "Contact John Smith at john.smith@example.com"

type fakeDetector struct {
	analyzeFn func(ctx context.Context, text, language string) ([]types.Span, error)
}

func (d *fakeDetector) Analyze(ctx context.Context, text, language string) ([]types.Span, error) {
	if d.analyzeFn == nil {
		return nil, nil
	}
	return d.analyzeFn(ctx, text, language)
}

// contactDetector finds the person and email in contactText and nothing else.
func contactDetector() *fakeDetector {
	return &fakeDetector{analyzeFn: func(ctx context.Context, text, language string) ([]types.Span, error) {
		if text != contactText {
			return nil, nil
		}
		return []types.Span{
			{EntityType: "PERSON", Start: 8, End: 18, Score: 0.85},
			{EntityType: "EMAIL_ADDRESS", Start: 22, End: 44, Score: 0.99},
		}, nil
	}}
}

type fakeForwarder struct {
	fn       func(ctx context.Context, payload []byte) (*types.UpstreamResult, error)
	captured [][]byte
}

func (f *fakeForwarder) ChatCompletions(ctx context.Context, payload []byte) (*types.UpstreamResult, error) {
	f.captured = append(f.captured, payload)
	if f.fn == nil {
		return &types.UpstreamResult{StatusCode: http.StatusOK, Body: []byte(`{"choices":[]}`)}, nil
	}
	return f.fn(ctx, payload)
}

// echoForwarder answers every request with an assistant message quoting the
// last inbound message, the way a parroting model would.
func echoForwarder() *fakeForwarder {
	f := &fakeForwarder{}
	f.fn = func(ctx context.Context, payload []byte) (*types.UpstreamResult, error) {
		var req models.ChatCompletionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &types.UpstreamError{Err: err}
		}
		content := ""
		if len(req.Messages) > 0 {
			content = "Received: " + req.Messages[len(req.Messages)-1].Content
		}
		stop := "stop"
		body, _ := json.Marshal(models.ChatCompletionResponse{
			ID:      "chatcmpl-test",
			Object:  "chat.completion",
			Created: 1700000000,
			Model:   req.Model,
			Choices: []models.Choice{
				{
					Index:        0,
					Message:      models.Message{Role: "assistant", Content: content},
					FinishReason: &stop,
				},
			},
			Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
		return &types.UpstreamResult{StatusCode: http.StatusOK, Body: body}, nil
	}
	return f
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type captureRecorder struct {
	mu      sync.Mutex
	records []types.UsageRecord
}

func (c *captureRecorder) Record(rec types.UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureRecorder) Close() error { return nil }

type failingStore struct{}

func (failingStore) Admit(ctx context.Context, key string, windowStart, now int64, limit int, ttl time.Duration, member string) (ratelimit.AdmitResult, error) {
	return ratelimit.AdmitResult{}, errors.New("connection refused")
}

func (failingStore) Count(ctx context.Context, key string, windowStart int64) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingStore) OldestScore(ctx context.Context, key string) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}

func (failingStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func (failingStore) Close() error { return nil }

type gatewayOptions struct {
	limit     int
	store     ratelimit.CounterStore
	failOpen  bool
	detector  *fakeDetector
	forwarder *fakeForwarder
	pinger    types.Pinger
	recorder  types.Recorder
}

type testGateway struct {
	router    http.Handler
	verifier  *auth.Verifier
	forwarder *fakeForwarder
}

func newTestGateway(t *testing.T, opts gatewayOptions) *testGateway {
	t.Helper()

	if opts.limit == 0 {
		opts.limit = 10
	}
	if opts.store == nil {
		opts.store = ratelimit.NewMemoryStore()
	}
	if opts.detector == nil {
		opts.detector = &fakeDetector{}
	}
	if opts.forwarder == nil {
		opts.forwarder = &fakeForwarder{}
	}

	cfg := &config.Config{
		Host:               "127.0.0.1",
		Port:               "0",
		Environment:        "test",
		PIILanguage:        "en",
		SupportedLanguages: []string{"en"},
	}
	logger := zap.NewNop()
	verifier := auth.NewVerifier("test-secret")
	limiter := ratelimit.New(opts.store, opts.limit, time.Minute, ratelimit.WithFailOpen(opts.failOpen))
	redactor := redact.NewRedactor(opts.detector, "en", []string{"en"})

	handler := NewHandler(cfg, logger, verifier, limiter, redactor, redact.NewReidentifier(),
		opts.forwarder, opts.pinger, opts.recorder)
	server := NewServer(cfg, logger, handler)

	return &testGateway{
		router:    server.Router(),
		verifier:  verifier,
		forwarder: opts.forwarder,
	}
}

func (g *testGateway) bearer(t *testing.T, orgID string) string {
	t.Helper()
	token, err := g.verifier.Mint(orgID, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func (g *testGateway) post(path, authorization, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	g.router.ServeHTTP(rr, req)
	return rr
}

func (g *testGateway) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	g.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), "body: %s", rr.Body.String())
	return body
}

const validRequest = `{"model":"gpt-4","messages":[{"role":"user","content":"Contact John Smith at john.smith@example.com"}]}`

func TestChatCompletionsMissingAuthHeader(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{})

	rr := gw.post("/chat/completions", "", validRequest)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Invalid authorization header", decodeBody(t, rr)["error"])
}

func TestChatCompletionsNonBearerHeader(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{})

	rr := gw.post("/chat/completions", "Basic dXNlcjpwYXNz", validRequest)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Invalid authorization header", decodeBody(t, rr)["error"])
}

func TestChatCompletionsInvalidToken(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{})

	rr := gw.post("/chat/completions", "Bearer not-a-real-token", validRequest)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Invalid token", decodeBody(t, rr)["error"])
}

func TestChatCompletionsTokenWithoutOrgID(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{})

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	rr := gw.post("/chat/completions", "Bearer "+token, validRequest)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Invalid token payload", decodeBody(t, rr)["error"])
}

func TestChatCompletionsRedactsBeforeForwarding(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{detector: contactDetector(), forwarder: echoForwarder()})

	rr := gw.post("/chat/completions", gw.bearer(t, "org-1"), validRequest)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	// The upstream only ever saw token markers.
	require.Len(t, gw.forwarder.captured, 1)
	sent := string(gw.forwarder.captured[0])
	assert.NotContains(t, sent, "John Smith")
	assert.NotContains(t, sent, "john.smith@example.com")
	assert.Contains(t, sent, "[PERSON_")
	assert.Contains(t, sent, "[EMAIL_")

	// The caller got the original values back, with no markers left over.
	body := decodeBody(t, rr)
	choices := body["choices"].([]interface{})
	content := choices[0].(map[string]interface{})["message"].(map[string]interface{})["content"].(string)
	assert.Contains(t, content, "John Smith")
	assert.Contains(t, content, "john.smith@example.com")
	assert.NotContains(t, content, "[PERSON_")
	assert.NotContains(t, content, "[EMAIL_")

	// CORS headers ride on proxied responses.
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestChatCompletionsV1Alias(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{detector: contactDetector(), forwarder: echoForwarder()})

	rr := gw.post("/v1/chat/completions", gw.bearer(t, "org-1"), validRequest)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, gw.forwarder.captured, 1)
	assert.NotContains(t, string(gw.forwarder.captured[0]), "John Smith")
}

func TestChatCompletionsRelaysUpstreamErrors(t *testing.T) {
	upstreamBody := `{"error":{"message":"Invalid API key","type":"invalid_request_error"}}`
	forwarder := &fakeForwarder{fn: func(ctx context.Context, payload []byte) (*types.UpstreamResult, error) {
		return nil, &types.UpstreamError{StatusCode: http.StatusUnauthorized, Body: []byte(upstreamBody)}
	}}
	gw := newTestGateway(t, gatewayOptions{forwarder: forwarder})

	rr := gw.post("/chat/completions", gw.bearer(t, "org-1"), validRequest)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, upstreamBody, rr.Body.String())

	body := decodeBody(t, rr)
	assert.Equal(t, "Invalid API key", body["error"].(map[string]interface{})["message"])
}

func TestChatCompletionsUpstreamTransportFailure(t *testing.T) {
	forwarder := &fakeForwarder{fn: func(ctx context.Context, payload []byte) (*types.UpstreamResult, error) {
		return nil, &types.UpstreamError{Err: errors.New("connection refused")}
	}}
	gw := newTestGateway(t, gatewayOptions{forwarder: forwarder})

	rr := gw.post("/chat/completions", gw.bearer(t, "org-1"), validRequest)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "Upstream request failed", decodeBody(t, rr)["error"])
}

func TestChatCompletionsRateLimited(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{limit: 1})
	authz := gw.bearer(t, "org-1")

	rr := gw.post("/chat/completions", authz, validRequest)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = gw.post("/chat/completions", authz, validRequest)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, float64(0), body["remaining"])
	assert.Greater(t, body["reset_time"].(float64), float64(time.Now().Unix()))

	retryAfter, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)

	// A different organization is not affected.
	rr = gw.post("/chat/completions", gw.bearer(t, "org-2"), validRequest)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestChatCompletionsMalformedBody(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{})
	authz := gw.bearer(t, "org-1")

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{not json`, "Invalid request body"},
		{"empty body", ``, "Invalid request body"},
		{"missing messages", `{"model":"gpt-4"}`, "messages is required"},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model is required"},
		{"bad role", `{"model":"gpt-4","messages":[{"role":"robot","content":"hi"}]}`, `messages[0]: invalid role "robot"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := gw.post("/chat/completions", authz, tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
			assert.Equal(t, tt.want, decodeBody(t, rr)["error"])
		})
	}
}

func TestChatCompletionsStoreDownFailsClosed(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{store: failingStore{}})

	rr := gw.post("/chat/completions", gw.bearer(t, "org-1"), validRequest)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Service temporarily unavailable", decodeBody(t, rr)["error"])
	assert.Empty(t, gw.forwarder.captured)
}

func TestChatCompletionsStoreDownFailOpen(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{store: failingStore{}, failOpen: true})

	rr := gw.post("/chat/completions", gw.bearer(t, "org-1"), validRequest)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, gw.forwarder.captured, 1)
}

func TestChatCompletionsDetectorDown(t *testing.T) {
	detector := &fakeDetector{analyzeFn: func(ctx context.Context, text, language string) ([]types.Span, error) {
		return nil, &types.DetectionUnavailableError{Err: errors.New("connection refused")}
	}}
	gw := newTestGateway(t, gatewayOptions{detector: detector})

	rr := gw.post("/chat/completions", gw.bearer(t, "org-1"), validRequest)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Service temporarily unavailable", decodeBody(t, rr)["error"])

	// Nothing unscanned ever reaches the upstream.
	assert.Empty(t, gw.forwarder.captured)
}

func TestChatCompletionsPanicRecovered(t *testing.T) {
	detector := &fakeDetector{analyzeFn: func(ctx context.Context, text, language string) ([]types.Span, error) {
		panic("analyzer blew up")
	}}
	gw := newTestGateway(t, gatewayOptions{detector: detector})

	rr := gw.post("/chat/completions", gw.bearer(t, "org-1"), validRequest)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Internal server error", decodeBody(t, rr)["error"])
}

func TestChatCompletionsRecordsUsage(t *testing.T) {
	recorder := &captureRecorder{}
	gw := newTestGateway(t, gatewayOptions{
		detector:  contactDetector(),
		forwarder: echoForwarder(),
		recorder:  recorder,
	})

	rr := gw.post("/chat/completions", gw.bearer(t, "org-1"), validRequest)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.Equal(t, "org-1", rec.OrgID)
	assert.Equal(t, "gpt-4", rec.Model)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
	assert.Equal(t, 1, rec.MessageCount)
	assert.Equal(t, 2, rec.EntitiesRedacted)

	// The audit record itself carries no prompt material.
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "John Smith")
}

func TestHealthzWithoutRedis(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{})

	rr := gw.get("/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, config.Version, body["version"])
	assert.Equal(t, "unavailable", body["redis_status"])
}

func TestHealthzRedisConnected(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{pinger: fakePinger{}})

	body := decodeBody(t, gw.get("/healthz"))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["redis_status"])
}

func TestHealthzRedisDisconnected(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{pinger: fakePinger{err: errors.New("connection refused")}})

	body := decodeBody(t, gw.get("/healthz"))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "disconnected", body["redis_status"])
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t, gatewayOptions{})

	rr := gw.get("/healthz")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = gw.get("/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "gateway_requests_total")
}
