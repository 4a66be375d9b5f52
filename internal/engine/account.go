// Package engine implements the identity risk scoring core: per-account
// behavioral state, the signal monitors derived from it, and the decision
// policy that combines signals into a remediation action.
package engine

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AccountState is the complete behavioral state for one user. Exactly one
// instance exists per user_id; all reads and writes happen under mu, held
// by the engine for the full compute-then-commit sequence of an assessment.
// Never lock two accounts at once.
type AccountState struct {
	mu sync.Mutex

	UserID       string                 `json:"userId"`
	Frozen       bool                   `json:"frozen"`
	SessionEpoch int64                  `json:"sessionEpoch"`
	Sessions     map[string]sessionInfo `json:"sessions,omitempty"`

	// Fingerprint index: bounded set, most recently seen last.
	Fingerprints []fingerprintEntry `json:"fingerprints,omitempty"`

	// Behavior baseline.
	Rate          rateState      `json:"rate"`
	Endpoints     map[string]int `json:"endpoints,omitempty"`
	EndpointTotal int            `json:"endpointTotal"`

	// Sequence model.
	Transitions map[string]*transitionRow `json:"transitions,omitempty"`
	LastStep    string                    `json:"lastStep,omitempty"`
	RecentPath  []string                  `json:"recentPath,omitempty"`

	// Timing profile, keyed by endpoint.
	Timing map[string]*latencyStats `json:"timing,omitempty"`

	// Privilege history, oldest first, bounded by the drift window.
	PrivHistory []privilegeSnapshot `json:"privHistory,omitempty"`

	LastEventAt    time.Time `json:"lastEventAt"`
	LastAssessedAt time.Time `json:"lastAssessedAt"`
	LastScore      float64   `json:"lastScore"`
}

type sessionInfo struct {
	Epoch    int64     `json:"epoch"`
	DeviceID string    `json:"deviceId,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// pruneStaleSessions drops session entries issued under earlier epochs.
// They can never validate again, and long-lived accounts would otherwise
// accumulate them in the persisted snapshot without bound.
func (a *AccountState) pruneStaleSessions() {
	for id, info := range a.Sessions {
		if info.Epoch != a.SessionEpoch {
			delete(a.Sessions, id)
		}
	}
}

type fingerprintEntry struct {
	Hash     string    `json:"hash"`
	LastSeen time.Time `json:"lastSeen"`
}

type rateState struct {
	// EWMA of the instantaneous request rate, in events per second.
	EWMA        float64   `json:"ewma"`
	LastAt      time.Time `json:"lastAt"`
	Initialized bool      `json:"initialized"`
}

type transitionRow struct {
	Next  map[string]int `json:"next"`
	Total int            `json:"total"`
}

// latencyStats carries Welford's online mean/variance accumulators.
type latencyStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

func (s *latencyStats) update(value float64) {
	s.Count++
	delta := value - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (value - s.Mean)
}

func (s *latencyStats) stddev() float64 {
	if s.Count < 2 {
		return 0
	}
	v := s.M2 / float64(s.Count-1)
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

type privilegeSnapshot struct {
	Grants []string  `json:"grants"` // sorted union of roles and privileges
	At     time.Time `json:"at"`
}

func newAccountState(userID string) *AccountState {
	return &AccountState{
		UserID:      userID,
		Sessions:    make(map[string]sessionInfo),
		Endpoints:   make(map[string]int),
		Transitions: make(map[string]*transitionRow),
		Timing:      make(map[string]*latencyStats),
	}
}

// snapshot serializes the account for the persistence hook.
func (a *AccountState) snapshot(now time.Time) (*domain.AccountSnapshot, error) {
	state, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return &domain.AccountSnapshot{
		UserID:         a.UserID,
		Frozen:         a.Frozen,
		SessionEpoch:   a.SessionEpoch,
		LastScore:      a.LastScore,
		LastAssessedAt: a.LastAssessedAt,
		State:          state,
		UpdatedAt:      now,
	}, nil
}

// restoreAccountState rebuilds an account from a stored snapshot.
func restoreAccountState(snap *domain.AccountSnapshot) (*AccountState, error) {
	acct := newAccountState(snap.UserID)
	if len(snap.State) > 0 {
		if err := json.Unmarshal(snap.State, acct); err != nil {
			return nil, err
		}
	}
	// Indexed columns win over whatever the blob carries.
	acct.UserID = snap.UserID
	acct.Frozen = snap.Frozen
	acct.SessionEpoch = snap.SessionEpoch
	if acct.Sessions == nil {
		acct.Sessions = make(map[string]sessionInfo)
	}
	if acct.Endpoints == nil {
		acct.Endpoints = make(map[string]int)
	}
	if acct.Transitions == nil {
		acct.Transitions = make(map[string]*transitionRow)
	}
	if acct.Timing == nil {
		acct.Timing = make(map[string]*latencyStats)
	}
	return acct, nil
}
