package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// privilegeTracker records role/privilege snapshots over time and scores two
// distinct patterns: sudden escalation carried by an explicit privilege
// change, and slow cumulative drift visible only across a trailing window of
// snapshots.
type privilegeTracker struct {
	sensitive   map[string]struct{}
	driftWindow int
	driftLimit  int
}

func newPrivilegeTracker(cfg domain.EngineConfig) *privilegeTracker {
	sensitive := make(map[string]struct{}, len(cfg.SensitiveRoles))
	for _, r := range cfg.SensitiveRoles {
		sensitive[strings.ToLower(r)] = struct{}{}
	}
	return &privilegeTracker{
		sensitive:   sensitive,
		driftWindow: cfg.DriftWindow,
		driftLimit:  cfg.DriftLimit,
	}
}

// observe appends the snapshot implied by the identity's current grants
// (so drift has continuous coverage even without explicit changes), and
// scores escalation only when an explicit change accompanies the event.
func (p *privilegeTracker) observe(acct *AccountState, identity *domain.IdentityContext, change *domain.PrivilegeChange) domain.RiskSignal {
	escalation, escDetail := p.escalationScore(change)

	snapshot := privilegeSnapshot{
		Grants: grantUnion(identity.Roles, identity.Privileges),
		At:     identity.Timestamp,
	}
	acct.PrivHistory = append(acct.PrivHistory, snapshot)
	if keep := p.driftWindow + 1; len(acct.PrivHistory) > keep {
		acct.PrivHistory = acct.PrivHistory[len(acct.PrivHistory)-keep:]
	}

	drift, driftDetail := p.driftScore(acct)

	value := escalation
	rationale := escDetail
	if drift > value {
		value = drift
		rationale = driftDetail
	}
	if value == 0 {
		rationale = "no privilege escalation or drift"
	}

	return domain.RiskSignal{Name: domain.SignalPrivilege, Value: value, Rationale: rationale}
}

// escalationScore weighs newly granted roles/privileges, with security
// sensitive role names scoring maximally regardless of count.
func (p *privilegeTracker) escalationScore(change *domain.PrivilegeChange) (float64, string) {
	if change == nil {
		return 0, ""
	}
	added := diffSet(change.NewRoles, change.PreviousRoles)
	added = append(added, diffSet(change.NewPrivileges, change.PreviousPrivileges)...)
	if len(added) == 0 {
		return 0, ""
	}

	for _, grant := range added {
		if _, ok := p.sensitive[strings.ToLower(grant)]; ok {
			return 1.0, fmt.Sprintf("sensitive grant added: %s", grant)
		}
	}

	value := 0.4 + 0.2*float64(len(added)-1)
	if value > 0.8 {
		value = 0.8
	}
	sort.Strings(added)
	return value, fmt.Sprintf("grants added: %s", strings.Join(added, ", "))
}

// driftScore measures cumulative growth in the grant count across the
// trailing snapshot window, catching creeping over-provisioning even when
// every individual step was small.
func (p *privilegeTracker) driftScore(acct *AccountState) (float64, string) {
	if len(acct.PrivHistory) < 2 {
		return 0, ""
	}
	window := acct.PrivHistory
	if len(window) > p.driftWindow {
		window = window[len(window)-p.driftWindow:]
	}
	minCount := len(window[0].Grants)
	for _, s := range window[1:] {
		if len(s.Grants) < minCount {
			minCount = len(s.Grants)
		}
	}
	current := len(window[len(window)-1].Grants)
	growth := current - minCount
	if growth <= 0 {
		return 0, ""
	}
	value := float64(growth) / float64(p.driftLimit)
	if value > 1 {
		value = 1
	}
	return value, fmt.Sprintf("grant count grew by %d across the trailing window", growth)
}

func grantUnion(roles, privileges []string) []string {
	set := make(map[string]struct{}, len(roles)+len(privileges))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	for _, pr := range privileges {
		set[pr] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func diffSet(a, b []string) []string {
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		seen[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
