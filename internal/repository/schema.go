package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id TEXT PRIMARY KEY,
    frozen INTEGER NOT NULL DEFAULT 0,
    session_epoch INTEGER NOT NULL DEFAULT 0,
    last_score REAL NOT NULL DEFAULT 0,
    last_assessed_at TIMESTAMP,
    state TEXT,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_frozen ON accounts(frozen);
CREATE INDEX IF NOT EXISTS idx_accounts_updated ON accounts(updated_at);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_id TEXT,
    endpoint TEXT NOT NULL,
    trace_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    signals TEXT NOT NULL,
    total_score REAL NOT NULL,
    action TEXT NOT NULL,
    account_frozen INTEGER NOT NULL DEFAULT 0,
    session_invalidated INTEGER NOT NULL DEFAULT 0,
    escalated_by TEXT,
    process_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_assessments_user ON assessments(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_assessments_action ON assessments(action);
CREATE INDEX IF NOT EXISTS idx_assessments_timestamp ON assessments(timestamp);
`

const schemaPolicyRules = `
CREATE TABLE IF NOT EXISTS policy_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    action TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policy_rules_enabled ON policy_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAccounts,
		schemaAssessments,
		schemaPolicyRules,
	}
}
