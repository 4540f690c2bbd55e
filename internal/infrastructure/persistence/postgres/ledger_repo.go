// Package postgres implements the PostgreSQL persistence layer for the admission hub.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

const attemptColumns = `
	id, student_id, action_type, channel, status, attempt_number, max_attempts,
	failure_class, error, external_id, payload, created_at, resolved_at, next_retry_at`

// LedgerRepository implements ledger.Repository for PostgreSQL.
// The partial unique index on (student_id, action_type) WHERE status='pending'
// backs the in-flight guard at the storage level.
type LedgerRepository struct {
	conn *Connection
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(conn *Connection) *LedgerRepository {
	return &LedgerRepository{conn: conn}
}

// Record inserts a new attempt. A unique violation on the pending index
// means another attempt for the same (student, action) is already in
// flight, which surfaces as ledger.ErrAttemptInFlight.
func (r *LedgerRepository) Record(ctx context.Context, a *ledger.Attempt) error {
	query := `
		INSERT INTO dispatch_attempts (
			id, student_id, action_type, channel, status, attempt_number, max_attempts,
			failure_class, error, external_id, payload, created_at, resolved_at, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.conn.Exec(ctx, query,
		a.ID,
		a.StudentID,
		a.ActionType,
		string(a.Channel),
		string(a.Status),
		a.AttemptNumber,
		a.MaxAttempts,
		string(a.FailureClass),
		a.Error,
		a.ExternalID,
		a.Payload,
		a.CreatedAt,
		a.ResolvedAt,
		a.NextRetryAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return ledger.ErrAttemptInFlight
		}
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	return nil
}

// Resolve persists the resolution of an attempt.
func (r *LedgerRepository) Resolve(ctx context.Context, a *ledger.Attempt) error {
	query := `
		UPDATE dispatch_attempts SET
			status = $1,
			failure_class = $2,
			error = $3,
			external_id = $4,
			resolved_at = $5,
			next_retry_at = $6
		WHERE id = $7
	`

	result, err := r.conn.Exec(ctx, query,
		string(a.Status),
		string(a.FailureClass),
		a.Error,
		a.ExternalID,
		a.ResolvedAt,
		a.NextRetryAt,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve attempt: %w", err)
	}

	if result.RowsAffected() == 0 {
		return shared.ErrNotFound
	}

	return nil
}

// GetByID returns an attempt by ID.
func (r *LedgerRepository) GetByID(ctx context.Context, id string) (*ledger.Attempt, error) {
	query := `SELECT` + attemptColumns + `
		FROM dispatch_attempts
		WHERE id = $1
	`

	row := r.conn.QueryRow(ctx, query, id)
	a, err := scanAttemptFields(row)
	if IsNoRows(err) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attempt: %w", err)
	}
	return a, nil
}

// FindInFlight returns the pending attempt for (studentID, actionType)
// or nil if none exists.
func (r *LedgerRepository) FindInFlight(ctx context.Context, studentID, actionType string) (*ledger.Attempt, error) {
	query := `SELECT` + attemptColumns + `
		FROM dispatch_attempts
		WHERE student_id = $1 AND action_type = $2 AND status = 'pending'
	`

	row := r.conn.QueryRow(ctx, query, studentID, actionType)
	a, err := scanAttemptFields(row)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find in-flight attempt: %w", err)
	}
	return a, nil
}

// PendingDueBefore returns failed attempts whose retry target is at or
// before t, oldest first.
func (r *LedgerRepository) PendingDueBefore(ctx context.Context, t time.Time) ([]*ledger.Attempt, error) {
	query := `SELECT` + attemptColumns + `
		FROM dispatch_attempts
		WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
	`

	rows, err := r.conn.Query(ctx, query, t)
	if err != nil {
		return nil, fmt.Errorf("failed to query due retries: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

// StalePendingBefore returns pending attempts created before t that were
// never resolved: the process died between recording and the gateway reply.
func (r *LedgerRepository) StalePendingBefore(ctx context.Context, t time.Time) ([]*ledger.Attempt, error) {
	query := `SELECT` + attemptColumns + `
		FROM dispatch_attempts
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
	`

	rows, err := r.conn.Query(ctx, query, t)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale pending attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

// CountOutboundSince counts outbound (voice + whatsapp) attempts for the
// student created at or after since. Internal escalations are excluded.
func (r *LedgerRepository) CountOutboundSince(ctx context.Context, studentID string, since time.Time) (int, error) {
	var count int
	err := r.conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM dispatch_attempts
		WHERE student_id = $1
		  AND channel IN ('voice', 'whatsapp')
		  AND created_at >= $2
	`, studentID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbound attempts: %w", err)
	}
	return count, nil
}

// LastExhaustedVoice returns the student's most recent exhausted voice
// attempt, or nil if there is none.
func (r *LedgerRepository) LastExhaustedVoice(ctx context.Context, studentID string) (*ledger.Attempt, error) {
	query := `SELECT` + attemptColumns + `
		FROM dispatch_attempts
		WHERE student_id = $1 AND channel = 'voice' AND status = 'exhausted'
		ORDER BY resolved_at DESC
		LIMIT 1
	`

	row := r.conn.QueryRow(ctx, query, studentID)
	a, err := scanAttemptFields(row)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find exhausted voice attempt: %w", err)
	}
	return a, nil
}

// ListByStudent returns the student's attempt history, newest first.
func (r *LedgerRepository) ListByStudent(ctx context.Context, studentID string, limit int) ([]*ledger.Attempt, error) {
	query := `SELECT` + attemptColumns + `
		FROM dispatch_attempts
		WHERE student_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.conn.Query(ctx, query, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPER METHODS
// ══════════════════════════════════════════════════════════════════════════════

func scanAttemptFields(row pgx.Row) (*ledger.Attempt, error) {
	var a ledger.Attempt
	var channel, status, failureClass string

	err := row.Scan(
		&a.ID,
		&a.StudentID,
		&a.ActionType,
		&channel,
		&status,
		&a.AttemptNumber,
		&a.MaxAttempts,
		&failureClass,
		&a.Error,
		&a.ExternalID,
		&a.Payload,
		&a.CreatedAt,
		&a.ResolvedAt,
		&a.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}

	a.Channel = shared.Channel(channel)
	a.Status = ledger.Status(status)
	a.FailureClass = ledger.FailureClass(failureClass)

	return &a, nil
}

func scanAttempts(rows pgx.Rows) ([]*ledger.Attempt, error) {
	var attempts []*ledger.Attempt

	for rows.Next() {
		a, err := scanAttemptFields(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return attempts, nil
}
