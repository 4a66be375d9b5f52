// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// LoadAccountSnapshot retrieves an account's persisted risk state.
// Unknown users yield (nil, nil) so the engine can start them cold.
func (r *SQLRepository) LoadAccountSnapshot(ctx context.Context, userID string) (*domain.AccountSnapshot, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT user_id, frozen, session_epoch, last_score, last_assessed_at, state, updated_at
		FROM accounts
		WHERE user_id = ?
	`

	var snap domain.AccountSnapshot
	var frozen int
	var lastAssessed sql.NullTime
	var state sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&snap.UserID, &frozen, &snap.SessionEpoch, &snap.LastScore,
		&lastAssessed, &state, &snap.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap.Frozen = frozen == 1
	if lastAssessed.Valid {
		snap.LastAssessedAt = lastAssessed.Time
	}
	if state.Valid {
		snap.State = []byte(state.String)
	}

	return &snap, nil
}

// SaveAccountSnapshot upserts an account's risk state.
func (r *SQLRepository) SaveAccountSnapshot(ctx context.Context, snap *domain.AccountSnapshot) error {
	if snap == nil || snap.UserID == "" {
		return fmt.Errorf("%w: account snapshot with userID is required", domain.ErrInvalidInput)
	}

	frozen := 0
	if snap.Frozen {
		frozen = 1
	}

	query := `
		INSERT INTO accounts (
			user_id, frozen, session_epoch, last_score, last_assessed_at, state, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			frozen = excluded.frozen,
			session_epoch = excluded.session_epoch,
			last_score = excluded.last_score,
			last_assessed_at = excluded.last_assessed_at,
			state = excluded.state,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		snap.UserID, frozen, snap.SessionEpoch, snap.LastScore,
		snap.LastAssessedAt, string(snap.State), snap.UpdatedAt,
	)
	return err
}

// SaveAssessment appends one assessment to the audit trail.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.Assessment) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: assessment with id is required", domain.ErrInvalidInput)
	}

	signals, _ := json.Marshal(a.Signals)

	frozen := 0
	if a.AccountFrozen {
		frozen = 1
	}
	invalidated := 0
	if a.SessionInvalidated {
		invalidated = 1
	}

	query := `
		INSERT INTO assessments (
			id, user_id, session_id, endpoint, trace_id, timestamp,
			signals, total_score, action, account_frozen, session_invalidated,
			escalated_by, process_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.UserID, a.SessionID, a.Endpoint, a.TraceID, a.Timestamp,
		string(signals), a.TotalScore, string(a.Action), frozen, invalidated,
		a.EscalatedBy, a.ProcessMs,
	)
	return err
}

// GetAssessment retrieves an assessment by ID.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.Assessment, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: assessment id is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, session_id, endpoint, trace_id, timestamp,
			   signals, total_score, action, account_frozen, session_invalidated,
			   escalated_by, process_ms
		FROM assessments
		WHERE id = ?
	`

	a, err := scanAssessment(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAssessmentsByUser retrieves a user's assessments since a point in
// time, most recent first.
func (r *SQLRepository) ListAssessmentsByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*domain.Assessment, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, user_id, session_id, endpoint, trace_id, timestamp,
			   signals, total_score, action, account_frozen, session_invalidated,
			   escalated_by, process_ms
		FROM assessments
		WHERE user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assessments []*domain.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		assessments = append(assessments, a)
	}

	return assessments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row rowScanner) (*domain.Assessment, error) {
	var a domain.Assessment
	var signals string
	var sessionID, traceID, escalatedBy sql.NullString
	var frozen, invalidated int
	var action string

	if err := row.Scan(
		&a.ID, &a.UserID, &sessionID, &a.Endpoint, &traceID, &a.Timestamp,
		&signals, &a.TotalScore, &action, &frozen, &invalidated,
		&escalatedBy, &a.ProcessMs,
	); err != nil {
		return nil, err
	}

	a.SessionID = sessionID.String
	a.TraceID = traceID.String
	a.EscalatedBy = escalatedBy.String
	a.Action = domain.Action(action)
	a.AccountFrozen = frozen == 1
	a.SessionInvalidated = invalidated == 1
	if signals != "" {
		json.Unmarshal([]byte(signals), &a.Signals)
	}

	return &a, nil
}

// SavePolicyRule upserts a policy rule.
func (r *SQLRepository) SavePolicyRule(ctx context.Context, rule *domain.PolicyRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: policy rule with id is required", domain.ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO policy_rules (
			id, name, description, expression, action, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			action = excluded.action,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		string(rule.Action), enabled, now, now,
	)
	return err
}

// ListPolicyRules retrieves every stored policy rule, disabled ones
// included, so callers can present and re-enable them.
func (r *SQLRepository) ListPolicyRules(ctx context.Context) ([]*domain.PolicyRule, error) {
	query := `
		SELECT id, name, description, expression, action, enabled
		FROM policy_rules
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.PolicyRule
	for rows.Next() {
		var rule domain.PolicyRule
		var description sql.NullString
		var action string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &description, &rule.Expression, &action, &enabled,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Action = domain.Action(action)
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// DeletePolicyRule removes a policy rule.
func (r *SQLRepository) DeletePolicyRule(ctx context.Context, ruleID string) error {
	if ruleID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	query := `DELETE FROM policy_rules WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
