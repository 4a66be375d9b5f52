// Package worker provides async assessment processing off the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/webhook"
)

// statusTTL bounds how long async request outcomes stay queryable.
const statusTTL = time.Hour

// AssessRequest is the bus payload for an async assessment.
type AssessRequest struct {
	RequestID       string                  `json:"requestId"`
	Identity        *domain.IdentityContext `json:"identity"`
	Event           *domain.ActivityEvent   `json:"event"`
	PrivilegeChange *domain.PrivilegeChange `json:"privilegeChange,omitempty"`
}

// TaskStatus is the cached outcome of an async assessment, queryable by
// request id until it expires.
type TaskStatus struct {
	RequestID    string             `json:"requestId"`
	State        string             `json:"state"` // pending, done, failed
	AssessmentID string             `json:"assessmentId,omitempty"`
	Assessment   *domain.Assessment `json:"assessment,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Worker consumes assessment requests from the EventBus, runs them through
// the engine, persists the results, and fans out completion events.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	cache    domain.Cache
	engine   *engine.Engine
	notifier *webhook.Notifier

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker. repo, cache, and notifier may be
// nil; the corresponding steps are skipped.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, eng *engine.Engine, notifier *webhook.Notifier) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		cache:    cache,
		engine:   eng,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the assessment request topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicAssessRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started", "topic", domain.TopicAssessRequested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req AssessRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse assessment request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}
	return w.process(ctx, &req)
}

// process runs one assessment end to end.
func (w *Worker) process(ctx context.Context, req *AssessRequest) error {
	start := time.Now()
	defer metrics.AsyncQueueDepth.Dec()

	assessment, err := w.engine.Assess(ctx, req.Identity, req.Event, req.PrivilegeChange)
	if err != nil {
		slog.Warn("async assessment failed",
			"request_id", req.RequestID,
			"error", err,
		)
		w.setStatus(ctx, &TaskStatus{
			RequestID: req.RequestID,
			State:     "failed",
			Error:     err.Error(),
		})
		return err
	}

	signals := make(map[string]float64, len(assessment.Signals))
	for _, s := range assessment.Signals {
		signals[s.Name] = s.Value
	}
	metrics.ObserveAssessment(string(assessment.Action), assessment.TotalScore, signals, time.Since(start), assessment.EscalatedBy)
	if assessment.Action == domain.ActionFreeze {
		metrics.AccountsFrozenTotal.WithLabelValues("assessment").Inc()
	}

	if w.repo != nil {
		if err := w.repo.SaveAssessment(ctx, assessment); err != nil {
			slog.Error("failed to save assessment",
				"assessment_id", assessment.ID,
				"error", err,
			)
		}
	}

	w.setStatus(ctx, &TaskStatus{
		RequestID:    req.RequestID,
		State:        "done",
		AssessmentID: assessment.ID,
		Assessment:   assessment,
	})

	resultPayload, _ := json.Marshal(assessment)
	if err := w.bus.Publish(ctx, domain.TopicAssessCompleted, resultPayload); err != nil {
		slog.Error("failed to publish assessment result",
			"assessment_id", assessment.ID,
			"error", err,
		)
	}

	if assessment.Action != domain.ActionAllow {
		if err := w.bus.Publish(ctx, domain.TopicAlert, resultPayload); err != nil {
			slog.Error("failed to publish alert",
				"assessment_id", assessment.ID,
				"error", err,
			)
		}
	}

	w.notifier.Notify(assessment)

	slog.Info("assessment processed",
		"request_id", req.RequestID,
		"assessment_id", assessment.ID,
		"user_id", assessment.UserID,
		"action", assessment.Action,
		"score", assessment.TotalScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// setStatus records the async request outcome for polling clients.
func (w *Worker) setStatus(ctx context.Context, status *TaskStatus) {
	if w.cache == nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := w.cache.Set(ctx, StatusKey(status.RequestID), data, statusTTL); err != nil {
		slog.Warn("failed to cache task status",
			"request_id", status.RequestID,
			"error", err,
		)
	}
}

// StatusKey is the cache key for an async request's status.
func StatusKey(requestID string) string {
	return "task:" + requestID
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
