package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jholhewres/mwaai/pkg/mwaai/channels"
)

type fakeWebhook struct {
	bodies [][]byte
	err    error
}

func (f *fakeWebhook) VerifyWebhook(mode, token, challenge string) (string, bool) {
	if mode == "subscribe" && token == "secret" {
		return challenge, true
	}
	return "", false
}

func (f *fakeWebhook) HandleWebhook(_ context.Context, body []byte) error {
	f.bodies = append(f.bodies, body)
	return f.err
}

type fakeHealth map[string]channels.HealthStatus

func (f fakeHealth) Health() map[string]channels.HealthStatus { return f }

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoot(t *testing.T) {
	t.Parallel()

	h := New(DefaultConfig(), nil, nil, nil, nil).Handler()

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		if rec := do(t, h, method, "/", "", nil); rec.Code != http.StatusOK {
			t.Errorf("%s / = %d", method, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodPost, "/", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST / = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d", rec.Code)
	}
}

func TestWebhookVerification(t *testing.T) {
	t.Parallel()

	h := New(DefaultConfig(), &fakeWebhook{}, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=42", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Errorf("verify = %d %q, want 200 42", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", nil)
	if rec.Code != http.StatusForbidden || rec.Body.String() != "Forbidden" {
		t.Errorf("bad token = %d %q, want 403 Forbidden", rec.Code, rec.Body.String())
	}
}

func TestWebhookPost(t *testing.T) {
	t.Parallel()

	wh := &fakeWebhook{}
	h := New(DefaultConfig(), wh, nil, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/webhook", `{"entry":[]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /webhook = %d", rec.Code)
	}
	if len(wh.bodies) != 1 || string(wh.bodies[0]) != `{"entry":[]}` {
		t.Errorf("handler got %q", wh.bodies)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "received" {
		t.Errorf("status = %q", resp["status"])
	}

	wh.err = errors.New("invalid webhook payload")
	if rec := do(t, h, http.MethodPost, "/webhook", "{", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body = %d, want 400", rec.Code)
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 8
	h := New(cfg, &fakeWebhook{}, nil, nil, nil).Handler()

	if rec := do(t, h, http.MethodPost, "/webhook", strings.Repeat("x", 64), nil); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body = %d, want 413", rec.Code)
	}
}

func TestWebhook_NotConfigured(t *testing.T) {
	t.Parallel()

	h := New(DefaultConfig(), nil, nil, nil, nil).Handler()
	if rec := do(t, h, http.MethodPost, "/webhook", "{}", nil); rec.Code != http.StatusNotFound {
		t.Errorf("POST /webhook without channel = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	health := fakeHealth{
		"cloudapi": {Connected: true},
		"whatsapp": {Connected: false},
	}
	h := New(DefaultConfig(), nil, health, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rec.Code)
	}
	var resp struct {
		Status   string            `json:"status"`
		Channels map[string]string `json:"channels"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" || resp.Channels["cloudapi"] != "connected" || resp.Channels["whatsapp"] != "disconnected" {
		t.Errorf("unexpected health: %+v", resp)
	}
}

func TestMetricsAuth(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "mwaai_up 1\n")
	})
	cfg := DefaultConfig()
	cfg.AuthToken = "tok"
	h := New(cfg, nil, nil, metrics, nil).Handler()

	if rec := do(t, h, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/metrics", "", map[string]string{"Authorization": "Bearer tok"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mwaai_up") {
		t.Errorf("with token = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	g := New(DefaultConfig(), nil, nil, nil, nil)
	h := g.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	if rec := do(t, h, http.MethodGet, "/", "", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("panic = %d, want 500", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	g := New(cfg, nil, nil, nil, nil)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
