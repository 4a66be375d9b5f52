package domain

// PolicyRule is an operator-defined escalation rule evaluated after signal
// scoring. The CEL expression sees the assessment context (total score,
// per-signal values, event fields) and must return a bool; when it fires,
// the recommended action is raised to Action if that is more severe than
// the threshold decision. Policy can only raise severity, never lower it.
type PolicyRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// CEL expression to evaluate; must produce a bool.
	Expression string `json:"expression"`

	// Action to escalate to when the expression fires.
	Action Action `json:"action"`

	// Whether the rule is active.
	Enabled bool `json:"enabled"`
}
