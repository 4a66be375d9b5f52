package engine

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// surfaceScorer rates the intrinsic risk surface of the request itself:
// administrative endpoints and unusually large egress volumes. It keeps no
// per-account state.
type surfaceScorer struct {
	adminPrefixes []string
	volumeBytes   int64
}

func newSurfaceScorer(cfg domain.EngineConfig) *surfaceScorer {
	return &surfaceScorer{
		adminPrefixes: cfg.AdminEndpoints,
		volumeBytes:   cfg.SurfaceVolumeBytes,
	}
}

func (s *surfaceScorer) observe(event *domain.ActivityEvent) domain.RiskSignal {
	for _, prefix := range s.adminPrefixes {
		if strings.HasPrefix(event.Endpoint, prefix) {
			return domain.RiskSignal{
				Name:      domain.SignalSurface,
				Value:     1.0,
				Rationale: fmt.Sprintf("administrative endpoint %s", event.Endpoint),
			}
		}
	}

	volume := float64(event.BytesOut) / float64(s.volumeBytes)
	if volume > 1 {
		volume = 1
	}
	value := 0.6 * volume
	rationale := "no elevated request surface"
	if value > 0 {
		rationale = fmt.Sprintf("egress volume %d bytes", event.BytesOut)
	}
	return domain.RiskSignal{Name: domain.SignalSurface, Value: value, Rationale: rationale}
}
