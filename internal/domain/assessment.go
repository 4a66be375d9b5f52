package domain

import (
	"time"
)

// RiskSignal is one sub-model's contribution to an assessment.
// Value is always in [0,1]; Rationale explains the value for audit trails.
type RiskSignal struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Rationale string  `json:"rationale"`
}

// Signal names. Every assessment carries exactly this set, in this order,
// even when a signal is zero-valued.
const (
	SignalFingerprint = "fingerprint"
	SignalBaseline    = "baseline"
	SignalSequence    = "sequence"
	SignalTiming      = "timing"
	SignalPrivilege   = "privilege"
	SignalGraph       = "graph"
	SignalPivot       = "pivot"
	SignalSurface     = "surface"
)

// SignalNames returns the fixed signal set in emission order.
func SignalNames() []string {
	return []string{
		SignalFingerprint,
		SignalBaseline,
		SignalSequence,
		SignalTiming,
		SignalPrivilege,
		SignalGraph,
		SignalPivot,
		SignalSurface,
	}
}

// Action is the remediation recommended by an assessment.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionWarn        Action = "warn"
	ActionForceLogout Action = "force_logout"
	ActionFreeze      Action = "freeze"
)

// Severity orders actions for policy escalation. Higher is more severe.
func (a Action) Severity() int {
	switch a {
	case ActionFreeze:
		return 3
	case ActionForceLogout:
		return 2
	case ActionWarn:
		return 1
	default:
		return 0
	}
}

// ValidAction reports whether s names a known action.
func ValidAction(s string) bool {
	switch Action(s) {
	case ActionAllow, ActionWarn, ActionForceLogout, ActionFreeze:
		return true
	}
	return false
}

// Assessment is the complete result of scoring one event.
// Immutable once returned; the engine retains nothing of it beyond what
// AccountState needs for trend signals.
type Assessment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	Endpoint  string    `json:"endpoint"`
	TraceID   string    `json:"traceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Signals    []RiskSignal `json:"signals"`
	TotalScore float64      `json:"totalScore"`
	Action     Action       `json:"action"`

	// Side effects applied by this assessment.
	AccountFrozen      bool `json:"accountFrozen"`
	SessionInvalidated bool `json:"sessionInvalidated"`

	// Policy rule that escalated the action, if any.
	EscalatedBy string `json:"escalatedBy,omitempty"`

	ProcessMs int64 `json:"processMs"`
}

// Signal returns the named signal's value, or zero if absent.
func (a *Assessment) Signal(name string) float64 {
	for _, s := range a.Signals {
		if s.Name == name {
			return s.Value
		}
	}
	return 0
}

// Reasons extracts the rationales of all non-zero signals.
func (a *Assessment) Reasons() []string {
	var reasons []string
	for _, s := range a.Signals {
		if s.Value > 0 {
			reasons = append(reasons, s.Rationale)
		}
	}
	return reasons
}

// AccountSummary is a read-only snapshot of one account's risk state.
// Requesting a never-seen user yields the zero summary with Known=false.
type AccountSummary struct {
	UserID           string    `json:"userId"`
	Known            bool      `json:"known"`
	Frozen           bool      `json:"frozen"`
	SessionEpoch     int64     `json:"sessionEpoch"`
	FingerprintCount int       `json:"fingerprintCount"`
	ActiveSessions   []string  `json:"activeSessions,omitempty"`
	RequestRate      float64   `json:"requestRate"`
	RecentSequence   []string  `json:"recentSequence,omitempty"`
	LastScore        float64   `json:"lastScore"`
	LastAssessedAt   time.Time `json:"lastAssessedAt"`
}
