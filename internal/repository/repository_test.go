package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testAssessment(id, userID string, ts time.Time) *domain.Assessment {
	return &domain.Assessment{
		ID:        id,
		UserID:    userID,
		SessionID: "sess-1",
		Endpoint:  "/orders",
		TraceID:   "trace-1",
		Timestamp: ts,
		Signals: []domain.RiskSignal{
			{Name: domain.SignalFingerprint, Value: 0.05, Rationale: "first fingerprint observed for this account"},
			{Name: domain.SignalPrivilege, Value: 1.0, Rationale: "sensitive grant added: admin"},
		},
		TotalScore:         0.56,
		Action:             domain.ActionForceLogout,
		SessionInvalidated: true,
		EscalatedBy:        "privilege-escalation-on-admin-surface",
		ProcessMs:          3,
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestPing(t *testing.T) {
	repo := testRepo(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestAccountSnapshotRoundtrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	t.Run("unknown user yields nil", func(t *testing.T) {
		snap, err := repo.LoadAccountSnapshot(ctx, "nobody")
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if snap != nil {
			t.Errorf("expected nil snapshot for unknown user, got %+v", snap)
		}
	})

	now := time.Now().UTC().Truncate(time.Second)
	snap := &domain.AccountSnapshot{
		UserID:         "u-1",
		Frozen:         true,
		SessionEpoch:   3,
		LastScore:      0.42,
		LastAssessedAt: now,
		State:          []byte(`{"userId":"u-1"}`),
		UpdatedAt:      now,
	}

	t.Run("save and load", func(t *testing.T) {
		if err := repo.SaveAccountSnapshot(ctx, snap); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		got, err := repo.LoadAccountSnapshot(ctx, "u-1")
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected snapshot")
		}
		if !got.Frozen || got.SessionEpoch != 3 || got.LastScore != 0.42 {
			t.Errorf("snapshot mismatch: %+v", got)
		}
		if string(got.State) != `{"userId":"u-1"}` {
			t.Errorf("state blob mismatch: %s", got.State)
		}
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		snap.Frozen = false
		snap.SessionEpoch = 4
		if err := repo.SaveAccountSnapshot(ctx, snap); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		got, err := repo.LoadAccountSnapshot(ctx, "u-1")
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if got.Frozen || got.SessionEpoch != 4 {
			t.Errorf("upsert did not overwrite: %+v", got)
		}
	})
}

func TestAssessmentPersistence(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	a := testAssessment("as-1", "u-1", now)
	if err := repo.SaveAssessment(ctx, a); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	t.Run("get by id", func(t *testing.T) {
		got, err := repo.GetAssessment(ctx, "as-1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.UserID != "u-1" || got.Action != domain.ActionForceLogout {
			t.Errorf("assessment mismatch: %+v", got)
		}
		if !got.SessionInvalidated {
			t.Error("sessionInvalidated flag lost")
		}
		if got.EscalatedBy != "privilege-escalation-on-admin-surface" {
			t.Errorf("escalatedBy lost: %q", got.EscalatedBy)
		}
		if len(got.Signals) != 2 {
			t.Errorf("expected 2 signals, got %d", len(got.Signals))
		}
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := repo.GetAssessment(ctx, "no-such")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list by user", func(t *testing.T) {
		for i := 2; i <= 4; i++ {
			b := testAssessment("as-"+string(rune('0'+i)), "u-1", now.Add(time.Duration(i)*time.Minute))
			if err := repo.SaveAssessment(ctx, b); err != nil {
				t.Fatalf("save failed: %v", err)
			}
		}

		list, err := repo.ListAssessmentsByUser(ctx, "u-1", now.Add(-time.Hour), 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(list) != 4 {
			t.Fatalf("expected 4 assessments, got %d", len(list))
		}
		// Newest first.
		for i := 1; i < len(list); i++ {
			if list[i].Timestamp.After(list[i-1].Timestamp) {
				t.Error("list should be ordered newest first")
			}
		}

		limited, err := repo.ListAssessmentsByUser(ctx, "u-1", now.Add(-time.Hour), 2)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("limit ignored, got %d", len(limited))
		}

		since, err := repo.ListAssessmentsByUser(ctx, "u-1", now.Add(90*time.Second), 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(since) != 3 {
			t.Errorf("since filter ignored, got %d", len(since))
		}

		none, err := repo.ListAssessmentsByUser(ctx, "stranger", now.Add(-time.Hour), 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("expected no assessments for stranger, got %d", len(none))
		}
	})
}

func TestPolicyRulePersistence(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	rule := &domain.PolicyRule{
		ID:          "rule-1",
		Name:        "high-score-warn",
		Description: "warn on anything above 0.4",
		Expression:  "total_score > 0.4",
		Action:      domain.ActionWarn,
		Enabled:     true,
	}

	if err := repo.SavePolicyRule(ctx, rule); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	t.Run("list includes disabled", func(t *testing.T) {
		disabled := &domain.PolicyRule{
			ID: "rule-2", Name: "dormant", Expression: "false", Action: domain.ActionFreeze, Enabled: false,
		}
		if err := repo.SavePolicyRule(ctx, disabled); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		rules, err := repo.ListPolicyRules(ctx)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(rules) != 2 {
			t.Errorf("expected 2 rules, got %d", len(rules))
		}
	})

	t.Run("upsert updates in place", func(t *testing.T) {
		rule.Expression = "total_score > 0.3"
		if err := repo.SavePolicyRule(ctx, rule); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		rules, err := repo.ListPolicyRules(ctx)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		found := false
		for _, r := range rules {
			if r.ID == "rule-1" {
				found = true
				if r.Expression != "total_score > 0.3" {
					t.Errorf("expression not updated: %q", r.Expression)
				}
			}
		}
		if !found {
			t.Error("rule-1 missing after upsert")
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := repo.DeletePolicyRule(ctx, "rule-1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if err := repo.DeletePolicyRule(ctx, "rule-1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound on double delete, got %v", err)
		}
	})
}
