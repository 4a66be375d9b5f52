package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Fingerprint derives a stable actor fingerprint from the device/IP/user-agent
// triple. Empty fields participate as literal values rather than wildcards, so
// a client that strips its user agent still gets a distinct, stable identity.
func Fingerprint(identity *domain.IdentityContext) string {
	payload := strings.Join([]string{
		identity.DeviceID,
		identity.IP,
		normalizeUserAgent(identity.UserAgent),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16])
}

func normalizeUserAgent(ua string) string {
	return strings.ToLower(strings.TrimSpace(ua))
}

// fingerprintIndex tracks the bounded set of fingerprints seen per account
// and scores rapid multi-actor usage: several distinct fingerprints hitting
// one account inside a short window.
type fingerprintIndex struct {
	window time.Duration
	max    int
}

func newFingerprintIndex(cfg domain.EngineConfig) *fingerprintIndex {
	return &fingerprintIndex{
		window: cfg.FingerprintWindow,
		max:    cfg.MaxFingerprints,
	}
}

// observe scores the fingerprint against the account's prior set, then folds
// it in. A known fingerprint scores zero; a first-ever fingerprint scores
// near zero; a new fingerprint alongside other recent distinct fingerprints
// scores progressively higher.
func (f *fingerprintIndex) observe(acct *AccountState, fp string, ts time.Time) domain.RiskSignal {
	known := false
	recentOthers := 0
	cutoff := ts.Add(-f.window)
	for _, entry := range acct.Fingerprints {
		if entry.Hash == fp {
			known = true
			continue
		}
		if entry.LastSeen.After(cutoff) {
			recentOthers++
		}
	}

	var value float64
	var rationale string
	switch {
	case known:
		value = 0
		rationale = "fingerprint previously seen for this account"
	case recentOthers == 0:
		value = 0.05
		rationale = "first fingerprint observed for this account"
	case recentOthers == 1:
		value = 0.4
		rationale = fmt.Sprintf("new fingerprint within %s of 1 other distinct fingerprint", f.window)
	default:
		value = 0.4 + 0.3*float64(recentOthers-1)
		if value > 1 {
			value = 1
		}
		rationale = fmt.Sprintf("new fingerprint alongside %d distinct fingerprints within %s", recentOthers, f.window)
	}

	f.record(acct, fp, ts)

	return domain.RiskSignal{Name: domain.SignalFingerprint, Value: value, Rationale: rationale}
}

// record upserts the fingerprint and evicts the stalest entry beyond the cap.
func (f *fingerprintIndex) record(acct *AccountState, fp string, ts time.Time) {
	for i := range acct.Fingerprints {
		if acct.Fingerprints[i].Hash == fp {
			acct.Fingerprints[i].LastSeen = ts
			return
		}
	}
	acct.Fingerprints = append(acct.Fingerprints, fingerprintEntry{Hash: fp, LastSeen: ts})
	if len(acct.Fingerprints) > f.max {
		oldest := 0
		for i := range acct.Fingerprints {
			if acct.Fingerprints[i].LastSeen.Before(acct.Fingerprints[oldest].LastSeen) {
				oldest = i
			}
		}
		acct.Fingerprints = append(acct.Fingerprints[:oldest], acct.Fingerprints[oldest+1:]...)
	}
}

// fingerprintCount reports the size of the tracked set.
func fingerprintCount(acct *AccountState) int {
	return len(acct.Fingerprints)
}
