package domain

import (
	"fmt"
	"time"
)

// EngineConfig is the complete configuration surface of the risk engine.
// It is validated eagerly at engine construction and immutable thereafter.
type EngineConfig struct {
	// Per-signal weights (>= 0). An unknown or zero-weighted signal
	// contributes nothing to the total score but is still emitted.
	FingerprintWeight float64 `json:"fingerprintWeight"`
	BaselineWeight    float64 `json:"baselineWeight"`
	SequenceWeight    float64 `json:"sequenceWeight"`
	TimingWeight      float64 `json:"timingWeight"`
	PrivilegeWeight   float64 `json:"privilegeWeight"`
	GraphWeight       float64 `json:"graphWeight"`
	PivotWeight       float64 `json:"pivotWeight"`
	SurfaceWeight     float64 `json:"surfaceWeight"`

	// Action thresholds on the clamped [0,1] total score. Strictly ordered:
	// FreezeThreshold >= ReauthThreshold >= WarnThreshold. Lower bounds are
	// closed: a score exactly at a threshold takes the more severe action.
	WarnThreshold   float64 `json:"warnThreshold"`
	ReauthThreshold float64 `json:"reauthThreshold"`
	FreezeThreshold float64 `json:"freezeThreshold"`

	// Fingerprint index.
	FingerprintWindow time.Duration `json:"fingerprintWindow"`
	MaxFingerprints   int           `json:"maxFingerprints"`

	// Behavior baseline.
	RateSmoothing      float64 `json:"rateSmoothing"`      // EWMA alpha in (0,1)
	BurstSaturation    float64 `json:"burstSaturation"`    // burst ratio mapping to 1.0
	EndpointMinSamples int     `json:"endpointMinSamples"` // events before skew can fire
	BaselineCombine    string  `json:"baselineCombine"`    // "max" or "sum"

	// Sequence model.
	SequenceSmoothing float64 `json:"sequenceSmoothing"` // Laplace alpha in (0,1)
	SequenceMaxRow    int     `json:"sequenceMaxRow"`    // per-state count cap before decay
	SequenceWindow    int     `json:"sequenceWindow"`    // recent-path length kept per account

	// Timing profile.
	TimingMinSamples int     `json:"timingMinSamples"`
	TimingZMax       float64 `json:"timingZMax"` // z-score mapping to 1.0
	TimingMaxSamples int     `json:"timingMaxSamples"`
	TimingDecay      float64 `json:"timingDecay"` // down-weight factor in (0,1)

	// Privilege tracker.
	SensitiveRoles []string `json:"sensitiveRoles"`
	DriftWindow    int      `json:"driftWindow"` // trailing snapshots examined for drift
	DriftLimit     int      `json:"driftLimit"`  // privilege growth mapping to 1.0

	// Behavior graph.
	GraphEdgeTTL       time.Duration `json:"graphEdgeTTL"`
	GraphElevatedScore float64       `json:"graphElevatedScore"` // neighbor score considered elevated
	GraphAttenuation   float64       `json:"graphAttenuation"`   // discount on propagated scores

	// Pivot tracker.
	PivotWindow       time.Duration `json:"pivotWindow"` // trace inactivity expiry
	PivotDepth        int           `json:"pivotDepth"`  // distinct services mapping to 1.0
	SensitiveServices []string      `json:"sensitiveServices"`

	// Surface signal.
	AdminEndpoints     []string `json:"adminEndpoints"`
	SurfaceVolumeBytes int64    `json:"surfaceVolumeBytes"` // bytes_out mapping to 1.0
}

// DefaultEngineConfig returns the default scoring policy. Exact constants are
// policy choices, not contracts; operators tune them per deployment.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FingerprintWeight: 0.20,
		BaselineWeight:    0.15,
		SequenceWeight:    0.15,
		TimingWeight:      0.10,
		PrivilegeWeight:   0.35,
		GraphWeight:       0.20,
		PivotWeight:       0.10,
		SurfaceWeight:     0.20,

		WarnThreshold:   0.25,
		ReauthThreshold: 0.50,
		FreezeThreshold: 0.75,

		FingerprintWindow: 5 * time.Minute,
		MaxFingerprints:   16,

		RateSmoothing:      0.3,
		BurstSaturation:    8.0,
		EndpointMinSamples: 5,
		BaselineCombine:    "max",

		SequenceSmoothing: 0.5,
		SequenceMaxRow:    10000,
		SequenceWindow:    10,

		TimingMinSamples: 5,
		TimingZMax:       6.0,
		TimingMaxSamples: 10000,
		TimingDecay:      0.5,

		SensitiveRoles: []string{"admin", "root", "superuser", "security", "billing_admin"},
		DriftWindow:    10,
		DriftLimit:     5,

		GraphEdgeTTL:       30 * time.Minute,
		GraphElevatedScore: 0.6,
		GraphAttenuation:   0.6,

		PivotWindow:       10 * time.Minute,
		PivotDepth:        4,
		SensitiveServices: []string{"billing", "credentials", "audit"},

		AdminEndpoints:     []string{"/admin", "/export", "/internal", "/elevate"},
		SurfaceVolumeBytes: 5 * 1024 * 1024,
	}
}

// Validate rejects a configuration the engine must never run with.
func (c *EngineConfig) Validate() error {
	weights := map[string]float64{
		"fingerprintWeight": c.FingerprintWeight,
		"baselineWeight":    c.BaselineWeight,
		"sequenceWeight":    c.SequenceWeight,
		"timingWeight":      c.TimingWeight,
		"privilegeWeight":   c.PrivilegeWeight,
		"graphWeight":       c.GraphWeight,
		"pivotWeight":       c.PivotWeight,
		"surfaceWeight":     c.SurfaceWeight,
	}
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("%w: %s must be >= 0, got %v", ErrConfiguration, name, w)
		}
	}

	if c.FreezeThreshold < c.ReauthThreshold || c.ReauthThreshold < c.WarnThreshold {
		return fmt.Errorf("%w: thresholds must satisfy freeze >= reauth >= warn (got %v/%v/%v)",
			ErrConfiguration, c.FreezeThreshold, c.ReauthThreshold, c.WarnThreshold)
	}

	for name, v := range map[string]float64{
		"rateSmoothing":     c.RateSmoothing,
		"sequenceSmoothing": c.SequenceSmoothing,
		"timingDecay":       c.TimingDecay,
	} {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("%w: %s must be in (0,1), got %v", ErrConfiguration, name, v)
		}
	}

	for name, d := range map[string]time.Duration{
		"fingerprintWindow": c.FingerprintWindow,
		"graphEdgeTTL":      c.GraphEdgeTTL,
		"pivotWindow":       c.PivotWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrConfiguration, name, d)
		}
	}

	for name, n := range map[string]int{
		"maxFingerprints":    c.MaxFingerprints,
		"endpointMinSamples": c.EndpointMinSamples,
		"sequenceMaxRow":     c.SequenceMaxRow,
		"sequenceWindow":     c.SequenceWindow,
		"timingMinSamples":   c.TimingMinSamples,
		"timingMaxSamples":   c.TimingMaxSamples,
		"driftWindow":        c.DriftWindow,
		"driftLimit":         c.DriftLimit,
		"pivotDepth":         c.PivotDepth,
	} {
		if n <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, name, n)
		}
	}

	if c.BurstSaturation <= 1 {
		return fmt.Errorf("%w: burstSaturation must be > 1, got %v", ErrConfiguration, c.BurstSaturation)
	}
	if c.TimingZMax <= 0 {
		return fmt.Errorf("%w: timingZMax must be positive, got %v", ErrConfiguration, c.TimingZMax)
	}
	if c.GraphElevatedScore <= 0 || c.GraphElevatedScore > 1 {
		return fmt.Errorf("%w: graphElevatedScore must be in (0,1], got %v", ErrConfiguration, c.GraphElevatedScore)
	}
	if c.GraphAttenuation <= 0 || c.GraphAttenuation > 1 {
		return fmt.Errorf("%w: graphAttenuation must be in (0,1], got %v", ErrConfiguration, c.GraphAttenuation)
	}
	if c.SurfaceVolumeBytes <= 0 {
		return fmt.Errorf("%w: surfaceVolumeBytes must be positive, got %d", ErrConfiguration, c.SurfaceVolumeBytes)
	}
	switch c.BaselineCombine {
	case "max", "sum":
	default:
		return fmt.Errorf("%w: baselineCombine must be \"max\" or \"sum\", got %q", ErrConfiguration, c.BaselineCombine)
	}
	return nil
}

// Weight returns the configured weight for a signal name.
func (c *EngineConfig) Weight(signal string) float64 {
	switch signal {
	case SignalFingerprint:
		return c.FingerprintWeight
	case SignalBaseline:
		return c.BaselineWeight
	case SignalSequence:
		return c.SequenceWeight
	case SignalTiming:
		return c.TimingWeight
	case SignalPrivilege:
		return c.PrivilegeWeight
	case SignalGraph:
		return c.GraphWeight
	case SignalPivot:
		return c.PivotWeight
	case SignalSurface:
		return c.SurfaceWeight
	default:
		return 0
	}
}

// ActionFor maps a clamped total score to the recommended action.
// Lower bounds are closed: a score exactly at a threshold takes the more
// severe action.
func (c *EngineConfig) ActionFor(score float64) Action {
	switch {
	case score >= c.FreezeThreshold:
		return ActionFreeze
	case score >= c.ReauthThreshold:
		return ActionForceLogout
	case score >= c.WarnThreshold:
		return ActionWarn
	default:
		return ActionAllow
	}
}
