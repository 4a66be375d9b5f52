// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// AccountSnapshot is the persistable form of one account's risk state.
// State carries the engine's serialized sub-model state opaquely; the
// indexed columns are duplicated for querying.
type AccountSnapshot struct {
	UserID         string    `json:"userId"`
	Frozen         bool      `json:"frozen"`
	SessionEpoch   int64     `json:"sessionEpoch"`
	LastScore      float64   `json:"lastScore"`
	LastAssessedAt time.Time `json:"lastAssessedAt"`
	State          []byte    `json:"state,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AccountStore is the persistence hook the engine calls: load-on-create,
// save-on-mutate. Implementations must tolerate unknown users by returning
// (nil, nil) from LoadAccountSnapshot.
type AccountStore interface {
	LoadAccountSnapshot(ctx context.Context, userID string) (*AccountSnapshot, error)
	SaveAccountSnapshot(ctx context.Context, snap *AccountSnapshot) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	AccountStore

	// Assessment audit trail
	SaveAssessment(ctx context.Context, a *Assessment) error
	GetAssessment(ctx context.Context, id string) (*Assessment, error)
	ListAssessmentsByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*Assessment, error)

	// Policy rule configuration
	SavePolicyRule(ctx context.Context, rule *PolicyRule) error
	ListPolicyRules(ctx context.Context) ([]*PolicyRule, error)
	DeletePolicyRule(ctx context.Context, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
