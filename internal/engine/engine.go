package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// PolicyInput is everything a policy rule may inspect when deciding whether
// to escalate a scored assessment.
type PolicyInput struct {
	Assessment *domain.Assessment
	Identity   *domain.IdentityContext
	Event      *domain.ActivityEvent
}

// PolicyEvaluator escalates the action of an already-scored assessment.
// Implementations may only raise severity; the engine ignores any result
// less severe than the threshold-derived action.
type PolicyEvaluator interface {
	Escalate(ctx context.Context, input *PolicyInput) (domain.Action, string, error)
}

// Engine scores identity activity events and applies the resulting
// remediation to per-account state. Safe for concurrent use; assessments
// for the same user serialize on that account's lock, assessments for
// different users proceed in parallel.
type Engine struct {
	cfg    domain.EngineConfig
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*AccountState

	fingerprints *fingerprintIndex
	baseline     *behaviorBaseline
	sequences    *sequenceModel
	timing       *timingProfile
	privileges   *privilegeTracker
	pivots       *pivotTracker
	surface      *surfaceScorer
	graph        *graph.Graph

	store  domain.AccountStore
	policy PolicyEvaluator
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithStore attaches a persistence hook: accounts are loaded on first
// sight and saved after every mutation.
func WithStore(store domain.AccountStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithPolicy attaches a post-scoring policy evaluator.
func WithPolicy(policy PolicyEvaluator) Option {
	return func(e *Engine) { e.policy = policy }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New validates the configuration and builds an engine.
func New(cfg domain.EngineConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:          cfg,
		logger:       slog.Default(),
		accounts:     make(map[string]*AccountState),
		fingerprints: newFingerprintIndex(cfg),
		baseline:     newBehaviorBaseline(cfg),
		sequences:    newSequenceModel(cfg),
		timing:       newTimingProfile(cfg),
		privileges:   newPrivilegeTracker(cfg),
		pivots:       newPivotTracker(cfg),
		surface:      newSurfaceScorer(cfg),
		graph: graph.New(graph.Config{
			EdgeTTL:       cfg.GraphEdgeTTL,
			ElevatedScore: cfg.GraphElevatedScore,
			Attenuation:   cfg.GraphAttenuation,
		}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's immutable configuration.
func (e *Engine) Config() domain.EngineConfig { return e.cfg }

// Assess scores one event against the account's behavioral state, applies
// the resulting side effects, and returns the complete assessment. Invalid
// input leaves all state untouched.
func (e *Engine) Assess(ctx context.Context, identity *domain.IdentityContext, event *domain.ActivityEvent, change *domain.PrivilegeChange) (*domain.Assessment, error) {
	start := time.Now()

	if identity == nil || event == nil {
		return nil, fmt.Errorf("%w: identity and event are required", domain.ErrInvalidInput)
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if change != nil {
		if err := change.Validate(identity); err != nil {
			return nil, err
		}
	}

	acct, err := e.getOrCreate(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	// Events must arrive in order per account; replays and clock skew are
	// rejected before any state mutates.
	if event.Timestamp.Before(acct.LastEventAt) {
		return nil, fmt.Errorf("%w: event timestamp %s precedes account's last event %s",
			domain.ErrInvalidInput, event.Timestamp.Format(time.RFC3339Nano), acct.LastEventAt.Format(time.RFC3339Nano))
	}

	if identity.SessionID != "" {
		acct.Sessions[identity.SessionID] = sessionInfo{
			Epoch:    acct.SessionEpoch,
			DeviceID: identity.DeviceID,
			LastSeen: event.Timestamp,
		}
	}

	e.graph.Record(identity.UserID, identity.IP, identity.DeviceID, event.Timestamp)

	fp := Fingerprint(identity)
	graphValue, graphRationale := e.graph.SharedRisk(identity.UserID, event.Timestamp)

	signals := []domain.RiskSignal{
		e.fingerprints.observe(acct, fp, event.Timestamp),
		e.baseline.observe(acct, event),
		e.sequences.observe(acct, event),
		e.timing.observe(acct, event),
		e.privileges.observe(acct, identity, change),
		{Name: domain.SignalGraph, Value: graphValue, Rationale: graphRationale},
		e.pivots.observe(event.TraceID, event.Service, event.Timestamp),
		e.surface.observe(event),
	}

	total := 0.0
	for _, s := range signals {
		total += e.cfg.Weight(s.Name) * s.Value
	}
	if total > 1 {
		total = 1
	}
	if total < 0 {
		total = 0
	}

	assessment := &domain.Assessment{
		ID:         uuid.New().String(),
		UserID:     identity.UserID,
		SessionID:  identity.SessionID,
		Endpoint:   event.Endpoint,
		TraceID:    event.TraceID,
		Timestamp:  event.Timestamp,
		Signals:    signals,
		TotalScore: total,
		Action:     e.cfg.ActionFor(total),
	}

	if e.policy != nil {
		action, rule, perr := e.policy.Escalate(ctx, &PolicyInput{
			Assessment: assessment,
			Identity:   identity,
			Event:      event,
		})
		switch {
		case perr != nil:
			e.logger.Warn("policy evaluation failed, keeping threshold action",
				"user_id", identity.UserID, "error", perr)
		case action.Severity() > assessment.Action.Severity():
			assessment.Action = action
			assessment.EscalatedBy = rule
		}
	}

	e.applyAction(acct, assessment)

	acct.LastEventAt = event.Timestamp
	acct.LastAssessedAt = event.Timestamp
	acct.LastScore = total

	e.graph.MarkUser(identity.UserID, total, acct.Frozen, event.Timestamp)
	e.persist(ctx, acct, event.Timestamp)

	assessment.ProcessMs = time.Since(start).Milliseconds()

	e.logger.Debug("assessment complete",
		"user_id", identity.UserID,
		"endpoint", event.Endpoint,
		"score", total,
		"action", assessment.Action,
		"process_ms", assessment.ProcessMs)

	return assessment, nil
}

// applyAction commits the side effects the action demands. Freezing also
// invalidates sessions; both effects are idempotent.
func (e *Engine) applyAction(acct *AccountState, a *domain.Assessment) {
	if a.Action.Severity() >= domain.ActionForceLogout.Severity() {
		acct.SessionEpoch++
		acct.pruneStaleSessions()
		a.SessionInvalidated = true
	}
	if a.Action == domain.ActionFreeze {
		acct.Frozen = true
	}
	a.AccountFrozen = acct.Frozen
}

// getOrCreate returns the live account, loading a stored snapshot on first
// sight. Concurrent first sights race harmlessly; the first insert wins.
func (e *Engine) getOrCreate(ctx context.Context, userID string) (*AccountState, error) {
	e.mu.RLock()
	acct, ok := e.accounts[userID]
	e.mu.RUnlock()
	if ok {
		return acct, nil
	}

	fresh := newAccountState(userID)
	if e.store != nil {
		snap, err := e.store.LoadAccountSnapshot(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("loading account %s: %w", userID, err)
		}
		if snap != nil {
			fresh, err = restoreAccountState(snap)
			if err != nil {
				return nil, fmt.Errorf("restoring account %s: %w", userID, err)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if acct, ok := e.accounts[userID]; ok {
		return acct, nil
	}
	e.accounts[userID] = fresh
	return fresh, nil
}

// persist saves the account snapshot. Persistence failures never fail the
// assessment; the in-memory state is authoritative.
func (e *Engine) persist(ctx context.Context, acct *AccountState, now time.Time) {
	if e.store == nil {
		return
	}
	snap, err := acct.snapshot(now)
	if err != nil {
		e.logger.Warn("serializing account snapshot failed", "user_id", acct.UserID, "error", err)
		return
	}
	if err := e.store.SaveAccountSnapshot(ctx, snap); err != nil {
		e.logger.Warn("saving account snapshot failed", "user_id", acct.UserID, "error", err)
	}
}

// Summary reports the account's current risk state. A never-seen user
// yields the zero summary with Known=false.
func (e *Engine) Summary(ctx context.Context, userID string) (*domain.AccountSummary, error) {
	e.mu.RLock()
	acct, ok := e.accounts[userID]
	e.mu.RUnlock()

	if !ok && e.store != nil {
		snap, err := e.store.LoadAccountSnapshot(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("loading account %s: %w", userID, err)
		}
		if snap != nil {
			if acct, err = e.getOrCreate(ctx, userID); err != nil {
				return nil, err
			}
			ok = true
		}
	}
	if !ok {
		return &domain.AccountSummary{UserID: userID}, nil
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	var active []string
	for sid, info := range acct.Sessions {
		if info.Epoch == acct.SessionEpoch {
			active = append(active, sid)
		}
	}

	return &domain.AccountSummary{
		UserID:           userID,
		Known:            true,
		Frozen:           acct.Frozen,
		SessionEpoch:     acct.SessionEpoch,
		FingerprintCount: fingerprintCount(acct),
		ActiveSessions:   active,
		RequestRate:      acct.Rate.EWMA,
		RecentSequence:   append([]string(nil), acct.RecentPath...),
		LastScore:        acct.LastScore,
		LastAssessedAt:   acct.LastAssessedAt,
	}, nil
}

// Freeze administratively freezes the account. Idempotent.
func (e *Engine) Freeze(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	acct, err := e.getOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	now := time.Now().UTC()
	if !acct.Frozen {
		acct.Frozen = true
		acct.SessionEpoch++
		acct.pruneStaleSessions()
		e.logger.Info("account frozen", "user_id", userID)
	}
	e.graph.MarkUser(userID, acct.LastScore, true, now)
	e.persist(ctx, acct, now)
	return nil
}

// Unfreeze lifts an administrative or automatic freeze. Idempotent.
func (e *Engine) Unfreeze(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	acct, err := e.getOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	now := time.Now().UTC()
	if acct.Frozen {
		acct.Frozen = false
		e.logger.Info("account unfrozen", "user_id", userID)
	}
	e.graph.MarkUser(userID, acct.LastScore, false, now)
	e.persist(ctx, acct, now)
	return nil
}

// ResetSessions invalidates every session the account holds by advancing
// its session epoch.
func (e *Engine) ResetSessions(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	acct, err := e.getOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.SessionEpoch++
	acct.pruneStaleSessions()
	e.logger.Info("sessions reset", "user_id", userID, "session_epoch", acct.SessionEpoch)
	e.persist(ctx, acct, time.Now().UTC())
	return nil
}

// SessionValid reports whether the session is live: known, issued in the
// current epoch, and on an unfrozen account.
func (e *Engine) SessionValid(userID, sessionID string) bool {
	e.mu.RLock()
	acct, ok := e.accounts[userID]
	e.mu.RUnlock()
	if !ok {
		return false
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.Frozen {
		return false
	}
	info, ok := acct.Sessions[sessionID]
	return ok && info.Epoch == acct.SessionEpoch
}

// Sweep prunes expired graph edges and marks. Intended for a periodic
// background ticker.
func (e *Engine) Sweep(now time.Time) {
	e.graph.Sweep(now)
}
