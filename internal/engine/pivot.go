package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// pivotTracker watches the service dimension of traces to flag suspicious
// cross-service call chains. Trace state is shared across accounts and
// short-lived: entries expire after the configured inactivity window.
type pivotTracker struct {
	mu     sync.Mutex
	traces map[string]*traceState

	window    time.Duration
	depth     int
	sensitive map[string]struct{}

	lastPrune time.Time
}

type traceState struct {
	Entry    string
	Services []string // ordered distinct services visited
	LastSeen time.Time
}

func newPivotTracker(cfg domain.EngineConfig) *pivotTracker {
	sensitive := make(map[string]struct{}, len(cfg.SensitiveServices))
	for _, s := range cfg.SensitiveServices {
		sensitive[s] = struct{}{}
	}
	return &pivotTracker{
		traces:    make(map[string]*traceState),
		window:    cfg.PivotWindow,
		depth:     cfg.PivotDepth,
		sensitive: sensitive,
	}
}

func (p *pivotTracker) observe(traceID, service string, ts time.Time) domain.RiskSignal {
	if traceID == "" || service == "" {
		return domain.RiskSignal{Name: domain.SignalPivot, Value: 0, Rationale: "no trace context"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.maybePrune(ts)

	t := p.traces[traceID]
	if t == nil || ts.Sub(t.LastSeen) > p.window {
		t = &traceState{Entry: service}
		p.traces[traceID] = t
	}
	seen := false
	for _, s := range t.Services {
		if s == service {
			seen = true
			break
		}
	}
	if !seen {
		t.Services = append(t.Services, service)
	}
	t.LastSeen = ts

	value := 0.0
	rationale := "trace within normal service depth"

	if n := len(t.Services); n >= p.depth {
		value = 0.7 + 0.1*float64(n-p.depth)
		if value > 1 {
			value = 1
		}
		rationale = fmt.Sprintf("trace %s pivoted across %d distinct services", traceID, n)
	}

	if _, ok := p.sensitive[service]; ok && t.Entry != service {
		if value < 0.7 {
			value = 0.7
			rationale = fmt.Sprintf("trace %s reached sensitive service %s from entry %s", traceID, service, t.Entry)
		}
	}

	return domain.RiskSignal{Name: domain.SignalPivot, Value: value, Rationale: rationale}
}

// maybePrune drops expired traces. Runs at most once per window interval so
// the hot path stays cheap; callers already hold p.mu.
func (p *pivotTracker) maybePrune(now time.Time) {
	if now.Sub(p.lastPrune) < p.window {
		return
	}
	for id, t := range p.traces {
		if now.Sub(t.LastSeen) > p.window {
			delete(p.traces, id)
		}
	}
	p.lastPrune = now
}
