package engine

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// behaviorBaseline maintains each account's rolling traffic profile: an EWMA
// of request rate and a frequency table over endpoints. Every event is scored
// against the profile as it stood before the event, then folded in, so a
// burst cannot dilute itself.
type behaviorBaseline struct {
	alpha      float64
	saturation float64
	minSamples int
	combine    string
}

func newBehaviorBaseline(cfg domain.EngineConfig) *behaviorBaseline {
	return &behaviorBaseline{
		alpha:      cfg.RateSmoothing,
		saturation: cfg.BurstSaturation,
		minSamples: cfg.EndpointMinSamples,
		combine:    cfg.BaselineCombine,
	}
}

func (b *behaviorBaseline) observe(acct *AccountState, event *domain.ActivityEvent) domain.RiskSignal {
	burst, instRate := b.burstScore(&acct.Rate, event.Timestamp)
	skew := b.skewScore(acct, event.Endpoint)

	var value float64
	switch b.combine {
	case "sum":
		value = 0.5*burst + 0.5*skew
	default:
		value = burst
		if skew > value {
			value = skew
		}
	}

	rationale := "traffic consistent with account baseline"
	switch {
	case burst > 0 && burst >= skew:
		rationale = fmt.Sprintf("request rate %.2f/s is %.1fx the account baseline", instRate, instRate/maxFloat(acct.Rate.EWMA, 1e-9))
	case skew > 0:
		rationale = fmt.Sprintf("endpoint %s is rare for this account (skew %.2f)", event.Endpoint, skew)
	}

	// Fold the event into the profile after scoring.
	b.updateRate(&acct.Rate, event.Timestamp, instRate)
	acct.Endpoints[event.Endpoint]++
	acct.EndpointTotal++

	return domain.RiskSignal{Name: domain.SignalBaseline, Value: value, Rationale: rationale}
}

// burstScore compares the instantaneous rate implied by the inter-arrival
// gap to the EWMA rate. A steady rate scores zero; the score saturates at
// the configured burst multiple.
func (b *behaviorBaseline) burstScore(rs *rateState, ts time.Time) (score, instRate float64) {
	if !rs.Initialized {
		return 0, 0
	}
	gap := ts.Sub(rs.LastAt)
	if gap <= 0 {
		gap = time.Millisecond
	}
	instRate = 1.0 / gap.Seconds()
	if rs.EWMA <= 0 {
		return 0, instRate
	}
	ratio := instRate / rs.EWMA
	if ratio <= 1 {
		return 0, instRate
	}
	score = (ratio - 1) / (b.saturation - 1)
	if score > 1 {
		score = 1
	}
	return score, instRate
}

func (b *behaviorBaseline) updateRate(rs *rateState, ts time.Time, instRate float64) {
	if !rs.Initialized {
		rs.Initialized = true
		rs.LastAt = ts
		return
	}
	if rs.EWMA == 0 {
		rs.EWMA = instRate
	} else {
		rs.EWMA = b.alpha*instRate + (1-b.alpha)*rs.EWMA
	}
	rs.LastAt = ts
}

// skewScore measures how unlikely the endpoint is under the account's
// historical distribution. Laplace smoothing floors the probability of
// never-seen endpoints, and accounts below the minimum sample count score
// zero so cold accounts are not overweighted.
func (b *behaviorBaseline) skewScore(acct *AccountState, endpoint string) float64 {
	total := acct.EndpointTotal
	if total < b.minSamples {
		return 0
	}
	count := acct.Endpoints[endpoint]
	distinct := len(acct.Endpoints)
	p := float64(count+1) / float64(total+distinct+1)
	return 1 - p
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
