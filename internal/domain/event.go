package domain

import (
	"fmt"
	"time"
)

// IdentityContext is an immutable snapshot of the identity behind one event.
type IdentityContext struct {
	UserID     string    `json:"userId"`
	DeviceID   string    `json:"deviceId"`
	IP         string    `json:"ip"`
	Geo        string    `json:"geo,omitempty"`
	UserAgent  string    `json:"userAgent"`
	SessionID  string    `json:"sessionId,omitempty"`
	Roles      []string  `json:"roles"`
	Privileges []string  `json:"privileges"`
	Timestamp  time.Time `json:"timestamp"`
}

// ActivityEvent is one observed request. Immutable; one per request.
type ActivityEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	Endpoint   string                 `json:"endpoint"`
	Method     string                 `json:"method"`
	StatusCode int                    `json:"statusCode"`
	LatencyMs  float64                `json:"latencyMs"`
	BytesIn    int64                  `json:"bytesIn"`
	BytesOut   int64                  `json:"bytesOut"`
	Service    string                 `json:"service"`
	TraceID    string                 `json:"traceId"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// PrivilegeChange is an optional companion to an event describing a
// role/privilege grant or revocation that happened with it.
type PrivilegeChange struct {
	PreviousRoles      []string  `json:"previousRoles"`
	NewRoles           []string  `json:"newRoles"`
	PreviousPrivileges []string  `json:"previousPrivileges"`
	NewPrivileges      []string  `json:"newPrivileges"`
	Timestamp          time.Time `json:"timestamp"`
}

// Validate checks the identity snapshot for required fields.
func (id *IdentityContext) Validate() error {
	if id.UserID == "" {
		return fmt.Errorf("%w: identity.userId is required", ErrInvalidInput)
	}
	if id.Timestamp.IsZero() {
		return fmt.Errorf("%w: identity.timestamp is required", ErrInvalidInput)
	}
	// Empty device/IP/user-agent are allowed: fingerprinting treats them
	// as literal values, not wildcards.
	return nil
}

// Validate checks the event for required fields and sane numeric ranges.
func (e *ActivityEvent) Validate() error {
	if e.Endpoint == "" {
		return fmt.Errorf("%w: event.endpoint is required", ErrInvalidInput)
	}
	if e.Method == "" {
		return fmt.Errorf("%w: event.method is required", ErrInvalidInput)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: event.timestamp is required", ErrInvalidInput)
	}
	if e.LatencyMs < 0 {
		return fmt.Errorf("%w: event.latencyMs must be >= 0", ErrInvalidInput)
	}
	if e.BytesIn < 0 || e.BytesOut < 0 {
		return fmt.Errorf("%w: event byte counts must be >= 0", ErrInvalidInput)
	}
	return nil
}

// Validate checks a privilege change against the identity it accompanies.
// The new role set must match the roles the identity currently claims.
func (pc *PrivilegeChange) Validate(identity *IdentityContext) error {
	if pc.Timestamp.IsZero() {
		return fmt.Errorf("%w: privilegeChange.timestamp is required", ErrInvalidInput)
	}
	if !sameStringSet(pc.NewRoles, identity.Roles) {
		return fmt.Errorf("%w: privilegeChange.newRoles inconsistent with identity.roles", ErrInvalidInput)
	}
	return nil
}

func sameStringSet(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		seen[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			return false
		}
	}
	return true
}
