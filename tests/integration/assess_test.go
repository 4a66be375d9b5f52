// Package integration exercises the full assessment pipeline: HTTP API,
// engine, policy rules, async worker, repository, cache, and event bus
// wired together the way cmd/kestrel wires them.
package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

type stack struct {
	server *api.Server
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	engine *engine.Engine
}

func newStack(t *testing.T) *stack {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-integration.db"),
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

	w := worker.NewWorker(b, repo, c, eng, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	cfg := domain.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: 30, WriteTimeout: 30}
	return &stack{
		server: api.NewServer(cfg, repo, c, b, eng, policies, nil, "integration"),
		repo:   repo,
		cache:  c,
		bus:    b,
		engine: eng,
	}
}

func (s *stack) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
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
	s.server.Router().ServeHTTP(rec, req)
	return rec
}

func assessRequest(user, device, ip, endpoint, method string, ts time.Time) api.AssessRequest {
	return api.AssessRequest{
		Identity: &domain.IdentityContext{
			UserID:    user,
			DeviceID:  device,
			IP:        ip,
			UserAgent: "Mozilla/5.0",
			SessionID: "sess-" + user,
			Roles:     []string{"user"},
			Timestamp: ts,
		},
		Event: &domain.ActivityEvent{
			Timestamp:  ts,
			Endpoint:   endpoint,
			Method:     method,
			StatusCode: 200,
			LatencyMs:  90,
			Service:    "api",
		},
	}
}

func TestAsyncAssessmentPipeline(t *testing.T) {
	s := newStack(t)
	now := time.Now().UTC()

	rec := s.do(t, http.MethodPost, "/assess/async", assessRequest("pipeline-user", "dev-1", "203.0.113.10", "/orders", "GET", now))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("async assess returned %d: %s", rec.Code, rec.Body.String())
	}
	var accepted map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	requestID := accepted["requestId"]
	if requestID == "" {
		t.Fatal("expected a request id")
	}

	// Poll the task endpoint until the worker settles it.
	var status worker.TaskStatus
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("task %s did not settle, last state %q", requestID, status.State)
		}
		got := s.do(t, http.MethodGet, "/tasks/"+requestID, nil)
		if got.Code == http.StatusOK {
			if err := json.Unmarshal(got.Body.Bytes(), &status); err != nil {
				t.Fatalf("failed to decode status: %v", err)
			}
			if status.State == "done" || status.State == "failed" {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	if status.State != "done" {
		t.Fatalf("expected done, got %s (%s)", status.State, status.Error)
	}

	// The worker persisted the assessment; it must be readable over HTTP.
	got := s.do(t, http.MethodGet, "/assessments/"+status.AssessmentID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get assessment returned %d", got.Code)
	}
	var a domain.Assessment
	if err := json.Unmarshal(got.Body.Bytes(), &a); err != nil {
		t.Fatalf("failed to decode assessment: %v", err)
	}
	if a.UserID != "pipeline-user" || a.Action != domain.ActionAllow {
		t.Errorf("unexpected assessment: user=%q action=%s", a.UserID, a.Action)
	}

	// And the account is now known.
	sumRec := s.do(t, http.MethodGet, "/accounts/pipeline-user/summary", nil)
	var sum domain.AccountSummary
	if err := json.Unmarshal(sumRec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if !sum.Known {
		t.Error("account should be known after the pipeline ran")
	}
}

func TestCompromiseScenario(t *testing.T) {
	s := newStack(t)
	base := time.Now().UTC()

	// An attacker account gets frozen by an administrator.
	rec := s.do(t, http.MethodPost, "/assess", assessRequest("mallory", "dev-mallory", "198.51.100.7", "/orders", "GET", base))
	if rec.Code != http.StatusOK {
		t.Fatalf("assess returned %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/accounts/mallory/freeze", nil); rec.Code != http.StatusOK {
		t.Fatalf("freeze returned %d", rec.Code)
	}

	// A second account appears on the same IP with admin privileges on an
	// admin endpoint: graph propagation plus the privilege/surface signals
	// push it past the freeze policy.
	ts := base.Add(10 * time.Second)
	body := assessRequest("compromised", "dev-other", "198.51.100.7", "/admin/settings", "POST", ts)
	body.Identity.Roles = []string{"user", "admin"}
	body.PrivilegeChange = &domain.PrivilegeChange{
		PreviousRoles: []string{"user"},
		NewRoles:      []string{"user", "admin"},
		Timestamp:     ts,
	}

	rec = s.do(t, http.MethodPost, "/assess", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("assess returned %d: %s", rec.Code, rec.Body.String())
	}
	var a domain.Assessment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("failed to decode assessment: %v", err)
	}

	if a.Signal(domain.SignalGraph) != 1.0 {
		t.Errorf("expected graph signal 1.0, got %.2f", a.Signal(domain.SignalGraph))
	}
	if a.Action != domain.ActionFreeze {
		t.Fatalf("expected freeze, got %s (score %.3f, escalated by %q)", a.Action, a.TotalScore, a.EscalatedBy)
	}
	if !a.AccountFrozen {
		t.Error("assessment should report the account frozen")
	}

	// Frozen state is visible on the summary and sessions are dead.
	sumRec := s.do(t, http.MethodGet, "/accounts/compromised/summary", nil)
	var sum domain.AccountSummary
	if err := json.Unmarshal(sumRec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if !sum.Frozen {
		t.Error("summary should report the account frozen")
	}
	if len(sum.ActiveSessions) != 0 {
		t.Errorf("frozen account should have no active sessions, got %v", sum.ActiveSessions)
	}
}

func TestOperatorPolicyEndToEnd(t *testing.T) {
	s := newStack(t)
	now := time.Now().UTC()

	// An operator adds a geo rule; the next matching event escalates.
	create := api.CreatePolicyRequest{
		ID:         "geo-embargo",
		Name:       "geo-embargo",
		Expression: `geo == "XX"`,
		Action:     "force_logout",
		Enabled:    true,
	}
	if rec := s.do(t, http.MethodPost, "/policies", create); rec.Code != http.StatusCreated {
		t.Fatalf("create policy returned %d: %s", rec.Code, rec.Body.String())
	}

	body := assessRequest("traveler", "dev-t", "192.0.2.8", "/orders", "GET", now)
	body.Identity.Geo = "XX"

	rec := s.do(t, http.MethodPost, "/assess", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("assess returned %d", rec.Code)
	}
	var a domain.Assessment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("failed to decode assessment: %v", err)
	}
	if a.Action != domain.ActionForceLogout {
		t.Errorf("expected force_logout from the geo rule, got %s", a.Action)
	}
	if a.EscalatedBy != "geo-embargo" {
		t.Errorf("expected escalation by geo-embargo, got %q", a.EscalatedBy)
	}
}
