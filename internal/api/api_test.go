package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(1000)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})

	policies, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	if err := policies.LoadRules(policy.BuiltinRules()); err != nil {
		t.Fatalf("failed to load builtin rules: %v", err)
	}

	eng, err := engine.New(domain.DefaultEngineConfig(),
		engine.WithStore(repo),
		engine.WithPolicy(policies),
	)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	cfg := domain.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: 30, WriteTimeout: 30}
	return NewServer(cfg, repo, c, b, eng, policies, nil, "test")
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func assessBody(user string, ts time.Time) AssessRequest {
	return AssessRequest{
		Identity: &domain.IdentityContext{
			UserID:    user,
			DeviceID:  "dev-1",
			IP:        "203.0.113.10",
			UserAgent: "Mozilla/5.0",
			SessionID: "sess-1",
			Roles:     []string{"user"},
			Timestamp: ts,
		},
		Event: &domain.ActivityEvent{
			Timestamp:  ts,
			Endpoint:   "/orders",
			Method:     "GET",
			StatusCode: 200,
			LatencyMs:  80,
			Service:    "api",
		},
	}
}

func TestHealthAndReady(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var health map[string]string
	decode(t, rec, &health)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %q", health["status"])
	}
	if health["version"] != "test" {
		t.Errorf("expected version test, got %q", health["version"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready returned %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("kestrel_")) {
		t.Error("metrics output should include kestrel namespace")
	}
}

func TestAssess(t *testing.T) {
	srv := testServer(t)
	now := time.Now().UTC()

	t.Run("benign event", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/assess", assessBody("api-user", now))
		if rec.Code != http.StatusOK {
			t.Fatalf("assess returned %d: %s", rec.Code, rec.Body.String())
		}
		var a domain.Assessment
		decode(t, rec, &a)
		if a.ID == "" || a.UserID != "api-user" {
			t.Errorf("unexpected assessment: %+v", a)
		}
		if a.Action != domain.ActionAllow {
			t.Errorf("benign event should allow, got %s", a.Action)
		}
		if len(a.Signals) != 8 {
			t.Errorf("expected 8 signals, got %d", len(a.Signals))
		}

		t.Run("assessment is retrievable", func(t *testing.T) {
			got := doJSON(t, srv, http.MethodGet, "/assessments/"+a.ID, nil)
			if got.Code != http.StatusOK {
				t.Fatalf("get assessment returned %d", got.Code)
			}
			var stored domain.Assessment
			decode(t, got, &stored)
			if stored.ID != a.ID {
				t.Errorf("id mismatch: %q != %q", stored.ID, a.ID)
			}

			// Second read is served from cache and must agree.
			again := doJSON(t, srv, http.MethodGet, "/assessments/"+a.ID, nil)
			if again.Code != http.StatusOK {
				t.Fatalf("cached get returned %d", again.Code)
			}
		})
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/assess", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		body := assessBody("api-user-2", now)
		body.Identity.UserID = ""
		rec := doJSON(t, srv, http.MethodPost, "/assess", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("missing assessment", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/assessments/does-not-exist", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestAssessEscalation(t *testing.T) {
	srv := testServer(t)
	now := time.Now().UTC()

	body := assessBody("esc-api-user", now)
	body.Identity.Roles = []string{"user", "admin"}
	body.Event.Endpoint = "/admin/users"
	body.Event.Method = "POST"
	body.PrivilegeChange = &domain.PrivilegeChange{
		PreviousRoles: []string{"user"},
		NewRoles:      []string{"user", "admin"},
		Timestamp:     now,
	}

	rec := doJSON(t, srv, http.MethodPost, "/assess", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("assess returned %d: %s", rec.Code, rec.Body.String())
	}
	var a domain.Assessment
	decode(t, rec, &a)
	if a.Action != domain.ActionForceLogout {
		t.Errorf("expected force_logout, got %s (score %.3f)", a.Action, a.TotalScore)
	}
	if !a.SessionInvalidated {
		t.Error("sessions should be invalidated")
	}
}

func TestAssessAsync(t *testing.T) {
	srv := testServer(t)
	now := time.Now().UTC()

	rec := doJSON(t, srv, http.MethodPost, "/assess/async", assessBody("async-api-user", now))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("async assess returned %d: %s", rec.Code, rec.Body.String())
	}
	var accepted map[string]string
	decode(t, rec, &accepted)
	if accepted["requestId"] == "" || accepted["status"] != "pending" {
		t.Fatalf("unexpected response: %v", accepted)
	}

	t.Run("task is queryable", func(t *testing.T) {
		// No worker is attached in this test, so the task stays pending.
		got := doJSON(t, srv, http.MethodGet, "/tasks/"+accepted["requestId"], nil)
		if got.Code != http.StatusOK {
			t.Fatalf("get task returned %d", got.Code)
		}
		var status map[string]interface{}
		decode(t, got, &status)
		if status["state"] != "pending" {
			t.Errorf("expected pending, got %v", status["state"])
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		got := doJSON(t, srv, http.MethodGet, "/tasks/unknown-task", nil)
		if got.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", got.Code)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		got := doJSON(t, srv, http.MethodPost, "/assess/async", AssessRequest{})
		if got.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", got.Code)
		}
	})
}

func TestAccountEndpoints(t *testing.T) {
	srv := testServer(t)
	now := time.Now().UTC()

	t.Run("unknown account summary", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/accounts/stranger/summary", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("summary returned %d", rec.Code)
		}
		var sum domain.AccountSummary
		decode(t, rec, &sum)
		if sum.Known {
			t.Error("unknown account should report known=false")
		}
	})

	if rec := doJSON(t, srv, http.MethodPost, "/assess", assessBody("acct-user", now)); rec.Code != http.StatusOK {
		t.Fatalf("setup assess returned %d", rec.Code)
	}

	t.Run("known account summary", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/accounts/acct-user/summary", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("summary returned %d", rec.Code)
		}
		var sum domain.AccountSummary
		decode(t, rec, &sum)
		if !sum.Known || sum.FingerprintCount != 1 {
			t.Errorf("unexpected summary: %+v", sum)
		}
	})

	t.Run("assessment history", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/accounts/acct-user/assessments", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("history returned %d", rec.Code)
		}
		var resp struct {
			Assessments []*domain.Assessment `json:"assessments"`
			Count       int                  `json:"count"`
		}
		decode(t, rec, &resp)
		if resp.Count != 1 || len(resp.Assessments) != 1 {
			t.Errorf("expected 1 assessment, got %d", resp.Count)
		}
	})

	t.Run("bad since parameter", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/accounts/acct-user/assessments?since=yesterday", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("freeze and unfreeze", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/accounts/acct-user/freeze", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("freeze returned %d", rec.Code)
		}

		sumRec := doJSON(t, srv, http.MethodGet, "/accounts/acct-user/summary", nil)
		var sum domain.AccountSummary
		decode(t, sumRec, &sum)
		if !sum.Frozen {
			t.Error("account should be frozen")
		}

		rec = doJSON(t, srv, http.MethodPost, "/accounts/acct-user/unfreeze", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("unfreeze returned %d", rec.Code)
		}
	})

	t.Run("reset sessions", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/accounts/acct-user/reset-sessions", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("reset returned %d", rec.Code)
		}
	})
}

func TestPolicyEndpoints(t *testing.T) {
	srv := testServer(t)

	t.Run("list builtins", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/policies", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("list returned %d", rec.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rec, &resp)
		if resp.Count != len(policy.BuiltinRules()) {
			t.Errorf("expected %d rules, got %d", len(policy.BuiltinRules()), resp.Count)
		}
	})

	t.Run("create", func(t *testing.T) {
		body := CreatePolicyRequest{
			ID:         "test-rule",
			Name:       "test-rule",
			Expression: `geo == "KP"`,
			Action:     "freeze",
			Enabled:    true,
		}
		rec := doJSON(t, srv, http.MethodPost, "/policies", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
		}

		list := doJSON(t, srv, http.MethodGet, "/policies", nil)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, list, &resp)
		if resp.Count != len(policy.BuiltinRules())+1 {
			t.Errorf("created rule not loaded, count %d", resp.Count)
		}
	})

	t.Run("create with bad expression", func(t *testing.T) {
		body := CreatePolicyRequest{
			ID:         "bad-rule",
			Name:       "bad-rule",
			Expression: "this is not CEL",
			Action:     "warn",
			Enabled:    true,
		}
		rec := doJSON(t, srv, http.MethodPost, "/policies", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("create with bad action", func(t *testing.T) {
		body := CreatePolicyRequest{
			ID:         "bad-action",
			Name:       "bad-action",
			Expression: "total_score > 0.5",
			Action:     "nuke",
			Enabled:    true,
		}
		rec := doJSON(t, srv, http.MethodPost, "/policies", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodDelete, "/policies/test-rule", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("delete returned %d", rec.Code)
		}

		rec = doJSON(t, srv, http.MethodDelete, "/policies/test-rule", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 on double delete, got %d", rec.Code)
		}
	})

	t.Run("reload from database", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/policies/reload", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("reload returned %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestRequestTracingHeaders(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("response should carry a request id")
	}
	if rec.Header().Get(TraceIDHeader) == "" {
		t.Error("response should carry a trace id")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/assess", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight returned %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.example.com" {
		t.Errorf("unexpected allowed origin: %q", got)
	}
}

func TestListAssessmentsSinceFilter(t *testing.T) {
	srv := testServer(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		body := assessBody("window-user", now.Add(time.Duration(i)*time.Second))
		if rec := doJSON(t, srv, http.MethodPost, "/assess", body); rec.Code != http.StatusOK {
			t.Fatalf("setup assess %d returned %d", i, rec.Code)
		}
	}

	since := now.Add(1500 * time.Millisecond).Format(time.RFC3339Nano)
	rec := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/accounts/window-user/assessments?since=%s", since), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history returned %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	decode(t, rec, &resp)
	if resp.Count != 1 {
		t.Errorf("since filter should keep only the newest event, got %d", resp.Count)
	}
}
