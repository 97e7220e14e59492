package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nexushq/rectoc/pkg/store"
)

type fakeEnqueuer struct {
	kinds []string
	fail  bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	if f.fail {
		return "", context.DeadlineExceeded
	}
	f.kinds = append(f.kinds, kind)
	return "job_1", nil
}

func testServer(t *testing.T, cfg Config, jobs Enqueuer) *Server {
	t.Helper()
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return NewServer(cfg, slog.Default(), NewMetrics(), jobs, store.NewMemoryStore(), nil)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := testServer(t, Config{}, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMintTokenProxiesUpstream(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime/sessions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-upstream" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o-realtime-preview" {
			t.Errorf("model = %q", body["model"])
		}
		w.Write([]byte(`{"client_secret":{"value":"ek_test","expires_at":1735689600}}`))
	}))
	defer upstream.Close()

	s := testServer(t, Config{
		OpenAIAPIKey:  "sk-upstream",
		OpenAIBaseURL: upstream.URL,
		RealtimeModel: "gpt-4o-realtime-preview",
		RealtimeVoice: "alloy",
	}, nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/realtime/token", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp mintResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token != "ek_test" {
		t.Fatalf("Token = %q", resp.Token)
	}
}

func TestMintTokenUpstreamFailure(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	s := testServer(t, Config{OpenAIAPIKey: "sk", OpenAIBaseURL: upstream.URL}, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/realtime/token", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestAuthRequiredWhenKeysConfigured(t *testing.T) {
	t.Parallel()

	cfg := Config{APIKeys: map[string]struct{}{"gw-key": {}}}
	s := testServer(t, cfg, nil)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/realtime/token", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	// healthz stays open
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}
}

func TestSubmitApplicationEnqueues(t *testing.T) {
	t.Parallel()

	jobs := &fakeEnqueuer{}
	s := testServer(t, Config{}, jobs)

	body := strings.NewReader(`{"user_id":"u1","job_id":"123","job_title":"Backend Engineer"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/applications", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(jobs.kinds) != 1 || jobs.kinds[0] != "submit_application" {
		t.Fatalf("enqueued = %v", jobs.kinds)
	}
}

func TestSubmitApplicationValidation(t *testing.T) {
	t.Parallel()

	jobs := &fakeEnqueuer{}
	s := testServer(t, Config{}, jobs)

	req := httptest.NewRequest(http.MethodPost, "/v1/applications", strings.NewReader(`{"job_id":"123"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(jobs.kinds) != 0 {
		t.Fatalf("enqueued despite validation failure: %v", jobs.kinds)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := testServer(t, Config{}, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
