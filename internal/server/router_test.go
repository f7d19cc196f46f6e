package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevoteMe/webhookd/internal/config"
	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/ingest"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/provider"
	"github.com/DevoteMe/webhookd/internal/store"
)

const jwtSecret = "admin-secret"

type stubIngester struct {
	mu   sync.Mutex
	err  error
	last *provider.Request
	prov event.Provider
}

func (s *stubIngester) seen() (event.Provider, *provider.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prov, s.last
}

func (s *stubIngester) Handle(_ context.Context, p event.Provider, req *provider.Request) (ingest.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prov = p
	s.last = req
	if s.err != nil {
		return ingest.Result{State: ingest.StateFailed}, s.err
	}
	return ingest.Result{State: ingest.StateAcknowledged, EventID: uuid.New()}, nil
}

type stubAdmin struct {
	mu         sync.Mutex
	jobs       map[event.Provider][]store.Job
	requeued   []int64
	requeueErr error
	record     *store.AuditRecord
}

func (a *stubAdmin) ListExhausted(_ context.Context, p event.Provider, _ int) ([]store.Job, error) {
	return a.jobs[p], nil
}

func (a *stubAdmin) Requeue(_ context.Context, _ event.Provider, id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.requeueErr != nil {
		return a.requeueErr
	}
	a.requeued = append(a.requeued, id)
	return nil
}

func (a *stubAdmin) GetEvent(_ context.Context, _ event.Provider, id uuid.UUID) (*store.AuditRecord, error) {
	if a.record == nil || a.record.ID != id {
		return nil, store.ErrNotFound
	}
	return a.record, nil
}

func testConfig() *config.Config {
	return &config.Config{
		PublicBaseURL:      "https://hooks.example.com",
		MaxBodyBytes:       1024,
		RateLimitPerMinute: 1000,
		JWTSecret:          jwtSecret,
	}
}

func newTestServer(t *testing.T, ing *stubIngester, admin *stubAdmin, health map[string]HealthCheck) *httptest.Server {
	t.Helper()
	return newServerWithConfig(t, testConfig(), ing, admin, health)
}

func newServerWithConfig(t *testing.T, cfg *config.Config, ing *stubIngester, admin *stubAdmin, health map[string]HealthCheck) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	SetupRouter(r, cfg, Deps{Ingester: ing, Admin: admin, Health: health}, log.NewNop())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestWebhookStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   map[string]any
	}{
		{"accepted", nil, http.StatusOK, map[string]any{"received": true}},
		{"duplicate acknowledged", nil, http.StatusOK, map[string]any{"received": true}},
		{"bad signature", fmt.Errorf("%w: bad", event.ErrAuthentication), http.StatusUnauthorized, map[string]any{"error": "unauthorized"}},
		{"malformed", fmt.Errorf("%w: no type", event.ErrMalformedPayload), http.StatusBadRequest, map[string]any{"error": "malformed payload"}},
		{"store down", fmt.Errorf("%w: shard 0", ingest.ErrStoreUnavailable), http.StatusServiceUnavailable, map[string]any{"error": "temporarily unavailable"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &stubIngester{err: tt.err}, &stubAdmin{}, nil)
			resp, err := http.Post(srv.URL+"/webhooks/payment-primary", "application/json", strings.NewReader(`{}`))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantBody, decode(t, resp))
		})
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	ing := &stubIngester{}
	srv := newTestServer(t, ing, &stubAdmin{}, nil)
	resp, err := http.Post(srv.URL+"/webhooks/acme", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_, last := ing.seen()
	assert.Nil(t, last)
}

func TestWebhookRequestUsesPublicURL(t *testing.T) {
	ing := &stubIngester{}
	srv := newTestServer(t, ing, &stubAdmin{}, nil)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/sms-voice?attempt=2", strings.NewReader("MessageSid=SM1"))
	require.NoError(t, err)
	req.Header.Set("X-Twilio-Signature", "sig")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	prov, last := ing.seen()
	require.NotNil(t, last)
	assert.Equal(t, event.SMSVoice, prov)
	assert.Equal(t, "https://hooks.example.com/webhooks/sms-voice?attempt=2", last.URL.String())
	assert.Equal(t, "MessageSid=SM1", string(last.Body))
	assert.Equal(t, "sig", last.Header.Get("X-Twilio-Signature"))
	assert.NotEmpty(t, last.RemoteAddr)
}

func TestWebhookBodyLimit(t *testing.T) {
	srv := newTestServer(t, &stubIngester{}, &stubAdmin{}, nil)
	resp, err := http.Post(srv.URL+"/webhooks/payment-primary", "application/json", strings.NewReader(strings.Repeat("x", 2048)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubIngester{}, &stubAdmin{}, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	srv = newTestServer(t, &stubIngester{}, &stubAdmin{}, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "redis", decode(t, resp)["dependency"])
}

func adminToken(t *testing.T, secret string, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "ops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func adminRequest(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAdminRequiresValidToken(t *testing.T) {
	srv := newTestServer(t, &stubIngester{}, &stubAdmin{}, nil)
	url := srv.URL + "/admin/jobs/exhausted"

	for name, token := range map[string]string{
		"missing":      "",
		"wrong secret": adminToken(t, "other", jwt.SigningMethodHS256),
		"wrong alg":    adminToken(t, jwtSecret, jwt.SigningMethodHS512),
		"garbage":      "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			resp := adminRequest(t, http.MethodGet, url, token)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestAdminExhaustedAndRequeue(t *testing.T) {
	lastErr := "platform down"
	admin := &stubAdmin{jobs: map[event.Provider][]store.Job{
		event.MediaPipeline: {{ID: 42, Queue: "webhooks.media-pipeline", Provider: event.MediaPipeline,
			Attempt: 3, MaxAttempts: 3, Status: store.JobExhausted, LastError: &lastErr}},
	}}
	srv := newTestServer(t, &stubIngester{}, admin, nil)
	token := adminToken(t, jwtSecret, jwt.SigningMethodHS256)

	resp := adminRequest(t, http.MethodGet, srv.URL+"/admin/jobs/exhausted?provider=media-pipeline", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []jobView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(42), jobs[0].ID)
	assert.Equal(t, "platform down", *jobs[0].LastError)

	resp = adminRequest(t, http.MethodPost, srv.URL+"/admin/jobs/media-pipeline/42/requeue", token)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	admin.mu.Lock()
	assert.Equal(t, []int64{42}, admin.requeued)
	admin.requeueErr = fmt.Errorf("requeue job 7: %w", store.ErrNotFound)
	admin.mu.Unlock()
	resp = adminRequest(t, http.MethodPost, srv.URL+"/admin/jobs/media-pipeline/7/requeue", token)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminEventLookup(t *testing.T) {
	id := uuid.New()
	admin := &stubAdmin{record: &store.AuditRecord{
		InboundEvent: event.InboundEvent{ID: id, Provider: event.PaymentPrimary, ExternalEventID: "evt_1", EventType: "invoice.paid"},
		Outcome:      event.OutcomeSucceeded,
	}}
	srv := newTestServer(t, &stubIngester{}, admin, nil)
	token := adminToken(t, jwtSecret, jwt.SigningMethodHS256)

	resp := adminRequest(t, http.MethodGet, srv.URL+"/admin/events/payment-primary/"+id.String(), token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "evt_1", body["external_event_id"])
	assert.Equal(t, "succeeded", body["outcome"])

	resp = adminRequest(t, http.MethodGet, srv.URL+"/admin/events/payment-primary/"+uuid.NewString(), token)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func postWebhook(t *testing.T, url string, header map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader("{}"))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestForwardedForIgnoredByDefault(t *testing.T) {
	ing := &stubIngester{}
	srv := newTestServer(t, ing, &stubAdmin{}, nil)

	postWebhook(t, srv.URL+"/webhooks/payment-primary", map[string]string{
		"X-Forwarded-For": "203.0.113.9",
		"X-Real-IP":       "203.0.113.9",
	})

	_, req := ing.seen()
	require.NotNil(t, req)
	assert.True(t, strings.HasPrefix(req.RemoteAddr, "127.0.0.1:"), req.RemoteAddr)
}

func TestForwardedForTrustedWhenConfigured(t *testing.T) {
	ing := &stubIngester{}
	cfg := testConfig()
	cfg.TrustProxyHeaders = true
	srv := newServerWithConfig(t, cfg, ing, &stubAdmin{}, nil)

	postWebhook(t, srv.URL+"/webhooks/payment-primary", map[string]string{"X-Forwarded-For": "203.0.113.9"})

	_, req := ing.seen()
	require.NotNil(t, req)
	assert.Equal(t, "203.0.113.9", req.RemoteAddr)
}

func TestCallbackValidationGet(t *testing.T) {
	ing := &stubIngester{}
	srv := newTestServer(t, ing, &stubAdmin{}, nil)

	resp, err := http.Get(srv.URL + "/webhooks/email-marketing")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	resp, err = http.Get(srv.URL + "/webhooks/payment-primary")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	_, req := ing.seen()
	assert.Nil(t, req, "validation requests are not ingested")
}
