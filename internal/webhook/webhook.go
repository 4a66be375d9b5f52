// Package webhook delivers assessment outcomes to an operator-configured
// HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Notifier posts assessment results to a webhook URL. Delivery is
// best-effort: failures are logged and counted, never retried, and never
// block the assessment path.
type Notifier struct {
	url        string
	alertsOnly bool
	client     *http.Client
	logger     *slog.Logger
}

// payload is the delivered document.
type payload struct {
	Event      string             `json:"event"`
	Assessment *domain.Assessment `json:"assessment"`
	Reasons    []string           `json:"reasons,omitempty"`
	SentAt     time.Time          `json:"sentAt"`
}

// NewNotifier builds a notifier from config. A nil notifier is returned
// when no URL is configured; its methods are safe no-ops.
func NewNotifier(cfg domain.WebhookConfig, logger *slog.Logger) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:        cfg.URL,
		alertsOnly: cfg.AlertsOnly,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Notify delivers the assessment asynchronously. Safe on a nil notifier.
func (n *Notifier) Notify(a *domain.Assessment) {
	if n == nil {
		return
	}
	if n.alertsOnly && a.Action == domain.ActionAllow {
		return
	}
	go n.deliver(a)
}

func (n *Notifier) deliver(a *domain.Assessment) {
	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	body, err := json.Marshal(payload{
		Event:      eventName(a.Action),
		Assessment: a,
		Reasons:    a.Reasons(),
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		n.logger.Error("webhook payload marshal failed", "assessment_id", a.ID, "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("webhook request build failed", "assessment_id", a.ID, "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kestrel-Event", eventName(a.Action))

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "assessment_id", a.ID, "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected",
			"assessment_id", a.ID,
			"status", resp.StatusCode,
			"url", n.url)
		metrics.WebhookDeliveriesTotal.WithLabelValues(fmt.Sprintf("http_%s", metrics.StatusBucket(resp.StatusCode))).Inc()
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
}

func eventName(action domain.Action) string {
	switch action {
	case domain.ActionFreeze:
		return "account.frozen"
	case domain.ActionForceLogout:
		return "session.invalidated"
	case domain.ActionWarn:
		return "assessment.warned"
	default:
		return "assessment.completed"
	}
}
