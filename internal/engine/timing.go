package engine

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// timingProfile keeps a rolling latency mean/variance per (account, endpoint)
// using Welford's online algorithm and flags statistically outlying response
// latencies. Cold endpoints below the minimum sample count are never
// penalized.
type timingProfile struct {
	minSamples int
	zMax       float64
	maxSamples int
	decay      float64
}

func newTimingProfile(cfg domain.EngineConfig) *timingProfile {
	return &timingProfile{
		minSamples: cfg.TimingMinSamples,
		zMax:       cfg.TimingZMax,
		maxSamples: cfg.TimingMaxSamples,
		decay:      cfg.TimingDecay,
	}
}

func (t *timingProfile) observe(acct *AccountState, event *domain.ActivityEvent) domain.RiskSignal {
	stats := acct.Timing[event.Endpoint]
	if stats == nil {
		stats = &latencyStats{}
		acct.Timing[event.Endpoint] = stats
	}

	value := 0.0
	rationale := "latency within profile"
	if stats.Count >= t.minSamples {
		std := stats.stddev()
		z := math.Abs(event.LatencyMs-stats.Mean) / (std + 1e-6)
		// Latencies within one standard deviation score zero; the score
		// saturates at the configured z cap.
		if z > 1 {
			value = (z - 1) / (t.zMax - 1)
			if value > 1 {
				value = 1
			}
			rationale = fmt.Sprintf("latency %.1fms is %.1f sigma from endpoint mean %.1fms", event.LatencyMs, z, stats.Mean)
		}
	} else {
		rationale = fmt.Sprintf("endpoint has %d samples, below flagging minimum", stats.Count)
	}

	stats.update(event.LatencyMs)
	if stats.Count > t.maxSamples {
		t.ageOut(stats)
	}

	return domain.RiskSignal{Name: domain.SignalTiming, Value: value, Rationale: rationale}
}

// ageOut down-weights the accumulators so old latency behavior loses
// influence once the sample cap is reached.
func (t *timingProfile) ageOut(stats *latencyStats) {
	stats.Count = int(float64(stats.Count) * t.decay)
	if stats.Count < 2 {
		stats.Count = 2
	}
	stats.M2 *= t.decay
}
