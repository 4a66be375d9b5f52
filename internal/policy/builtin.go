package policy

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinRules returns the default escalation rules seeded on first start.
// Operators can disable or replace them through the policy API.
func BuiltinRules() []*domain.PolicyRule {
	return []*domain.PolicyRule{
		{
			ID:          "builtin-privilege-admin-surface",
			Name:        "privilege-escalation-on-admin-surface",
			Description: "Privilege escalation combined with an administrative endpoint forces re-authentication.",
			Expression:  `signals["privilege"] >= 0.9 && signals["surface"] >= 1.0`,
			Action:      domain.ActionForceLogout,
			Enabled:     true,
		},
		{
			ID:          "builtin-shared-frozen-infra",
			Name:        "shared-infrastructure-with-frozen-account",
			Description: "Any event on infrastructure shared with a frozen account at an elevated score is frozen.",
			Expression:  `signals["graph"] >= 1.0 && total_score >= 0.5`,
			Action:      domain.ActionFreeze,
			Enabled:     true,
		},
		{
			ID:          "builtin-automation-burst",
			Name:        "automation-burst-on-new-fingerprint",
			Description: "A traffic burst from a fingerprint never seen before looks like scripted abuse.",
			Expression:  `signals["baseline"] >= 0.8 && signals["fingerprint"] >= 0.4`,
			Action:      domain.ActionForceLogout,
			Enabled:     true,
		},
		{
			ID:          "builtin-export-volume",
			Name:        "bulk-export-warning",
			Description: "Large egress from an export endpoint is at least worth a warning.",
			Expression:  `endpoint.startsWith("/export") && bytes_out > 1048576`,
			Action:      domain.ActionWarn,
			Enabled:     true,
		},
	}
}
