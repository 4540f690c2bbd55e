// Package postgres implements the PostgreSQL persistence layer for the admission hub.
package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE STUDENTS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create students table
-- Version: 001

CREATE TABLE IF NOT EXISTS students (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    full_name VARCHAR(200) NOT NULL,
    phone VARCHAR(20) NOT NULL UNIQUE,
    timezone VARCHAR(64) NOT NULL DEFAULT '',
    status VARCHAR(30) NOT NULL DEFAULT 'inquiry_submitted',
    last_activity_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    contact_attempts INTEGER NOT NULL DEFAULT 0,
    last_contact_at TIMESTAMP WITH TIME ZONE,
    last_contact_channel VARCHAR(20) NOT NULL DEFAULT '',
    last_contact_outcome VARCHAR(20) NOT NULL DEFAULT '',
    opted_out_channels JSONB NOT NULL DEFAULT '{}'::jsonb,
    risk_score INTEGER NOT NULL DEFAULT 0,
    risk_level VARCHAR(10) NOT NULL DEFAULT 'low',
    risk_factors JSONB NOT NULL DEFAULT '[]'::jsonb,
    last_assessed_at TIMESTAMP WITH TIME ZONE,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    -- Constraints for data integrity
    CONSTRAINT valid_status CHECK (status IN (
        'inquiry_submitted', 'documents_pending', 'application_in_progress',
        'application_completed', 'interview_scheduled', 'accepted',
        'enrolled', 'dropout_risk', 'counselor_required', 'deleted'
    )),
    CONSTRAINT valid_risk_level CHECK (risk_level IN ('low', 'medium', 'high')),
    CONSTRAINT valid_risk_score CHECK (risk_score >= 0 AND risk_score <= 100),
    CONSTRAINT valid_version CHECK (version >= 1),
    CONSTRAINT valid_contact_attempts CHECK (contact_attempts >= 0)
);

-- Indexes for common queries
CREATE INDEX IF NOT EXISTS idx_students_status ON students(status);
CREATE INDEX IF NOT EXISTS idx_students_last_activity_at ON students(last_activity_at);
CREATE INDEX IF NOT EXISTS idx_students_risk_level ON students(risk_level);

-- Scan cycle reads every non-terminal student ordered by staleness
CREATE INDEX IF NOT EXISTS idx_students_scannable
    ON students(last_activity_at ASC)
    WHERE status NOT IN ('deleted', 'enrolled');
`

const migration001Down = `
DROP TABLE IF EXISTS students;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE DISPATCH ATTEMPTS (LEDGER)
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create dispatch_attempts ledger
-- Version: 002

CREATE TABLE IF NOT EXISTS dispatch_attempts (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    student_id UUID NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    action_type VARCHAR(50) NOT NULL,
    channel VARCHAR(20) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    attempt_number INTEGER NOT NULL DEFAULT 1,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    failure_class VARCHAR(30) NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    external_id VARCHAR(100) NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    resolved_at TIMESTAMP WITH TIME ZONE,
    next_retry_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT valid_attempt_status CHECK (status IN (
        'pending', 'sent', 'delivered', 'failed', 'cancelled', 'exhausted'
    )),
    CONSTRAINT valid_channel CHECK (channel IN ('voice', 'whatsapp', 'internal')),
    CONSTRAINT valid_attempt_number CHECK (attempt_number >= 1),
    CONSTRAINT valid_max_attempts CHECK (max_attempts >= 1)
);

-- At most one pending attempt per (student, action): the database-level
-- half of the in-flight guard.
CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_one_in_flight
    ON dispatch_attempts(student_id, action_type)
    WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_attempts_student_id ON dispatch_attempts(student_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_retry_due
    ON dispatch_attempts(next_retry_at ASC)
    WHERE status = 'failed' AND next_retry_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_attempts_stale_pending
    ON dispatch_attempts(created_at ASC)
    WHERE status = 'pending';
`

const migration002Down = `
DROP TABLE IF EXISTS dispatch_attempts;
`

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_students",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_dispatch_attempts",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
	}
}
