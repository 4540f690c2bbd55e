// Package postgres implements the PostgreSQL persistence layer for the admission hub.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

const studentColumns = `
	id, full_name, phone, timezone, status, last_activity_at,
	contact_attempts, last_contact_at, last_contact_channel, last_contact_outcome,
	opted_out_channels, risk_score, risk_level, risk_factors, last_assessed_at,
	version, created_at, updated_at`

// StudentRepository implements student.Repository for PostgreSQL.
type StudentRepository struct {
	conn *Connection
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(conn *Connection) *StudentRepository {
	return &StudentRepository{conn: conn}
}

// Create creates a new student.
func (r *StudentRepository) Create(ctx context.Context, s *student.Student) error {
	query := `
		INSERT INTO students (
			id, full_name, phone, timezone, status, last_activity_at,
			contact_attempts, last_contact_at, last_contact_channel, last_contact_outcome,
			opted_out_channels, risk_score, risk_level, risk_factors, last_assessed_at,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	optedOutJSON, err := json.Marshal(optedOutToMap(s.OptedOutChannels))
	if err != nil {
		return fmt.Errorf("failed to marshal opted-out channels: %w", err)
	}

	factorsJSON, err := json.Marshal(factorsOrEmpty(s.RiskFactors))
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}

	_, err = r.conn.Exec(ctx, query,
		s.ID,
		s.FullName,
		string(s.Phone),
		string(s.Timezone),
		string(s.Status),
		s.LastActivityAt,
		s.ContactAttempts,
		s.LastContactAt,
		string(s.LastContactChannel),
		string(s.LastContactOutcome),
		optedOutJSON,
		s.RiskScore,
		string(s.RiskLevel),
		factorsJSON,
		s.LastAssessedAt,
		s.Version,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return student.ErrStudentAlreadyExists
		}
		return fmt.Errorf("failed to create student: %w", err)
	}

	return nil
}

// GetByID returns a student by internal ID.
func (r *StudentRepository) GetByID(ctx context.Context, id string) (*student.Student, error) {
	query := `SELECT` + studentColumns + `
		FROM students
		WHERE id = $1
	`

	row := r.conn.QueryRow(ctx, query, id)
	return r.scanStudent(row)
}

// ListScannable returns all students eligible for risk assessment,
// stalest first so they are scored before fresher records.
func (r *StudentRepository) ListScannable(ctx context.Context) ([]*student.Student, error) {
	query := `SELECT` + studentColumns + `
		FROM students
		WHERE status NOT IN ('deleted', 'enrolled')
		ORDER BY last_activity_at ASC
	`

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scannable students: %w", err)
	}
	defer rows.Close()

	return r.scanStudents(rows)
}

// Update saves a student with optimistic concurrency: the write applies
// only if the stored version matches expectedVersion. On success the
// version is bumped both in the database and on the passed entity.
func (r *StudentRepository) Update(ctx context.Context, s *student.Student, expectedVersion int64) error {
	query := `
		UPDATE students SET
			full_name = $1,
			phone = $2,
			timezone = $3,
			status = $4,
			last_activity_at = $5,
			contact_attempts = $6,
			last_contact_at = $7,
			last_contact_channel = $8,
			last_contact_outcome = $9,
			opted_out_channels = $10,
			risk_score = $11,
			risk_level = $12,
			risk_factors = $13,
			last_assessed_at = $14,
			version = version + 1,
			updated_at = $15
		WHERE id = $16 AND version = $17
	`

	optedOutJSON, err := json.Marshal(optedOutToMap(s.OptedOutChannels))
	if err != nil {
		return fmt.Errorf("failed to marshal opted-out channels: %w", err)
	}

	factorsJSON, err := json.Marshal(factorsOrEmpty(s.RiskFactors))
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}

	result, err := r.conn.Exec(ctx, query,
		s.FullName,
		string(s.Phone),
		string(s.Timezone),
		string(s.Status),
		s.LastActivityAt,
		s.ContactAttempts,
		s.LastContactAt,
		string(s.LastContactChannel),
		string(s.LastContactOutcome),
		optedOutJSON,
		s.RiskScore,
		string(s.RiskLevel),
		factorsJSON,
		s.LastAssessedAt,
		time.Now().UTC(),
		s.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update student: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Either the row is gone or someone raced us. Distinguish so the
		// caller can tell a deleted student from a concurrent write.
		exists, exErr := r.exists(ctx, s.ID)
		if exErr != nil {
			return exErr
		}
		if !exists {
			return student.ErrStudentNotFound
		}
		return student.ErrVersionConflict
	}

	s.Version = expectedVersion + 1
	return nil
}

func (r *StudentRepository) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.conn.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM students WHERE id = $1)",
		id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check student existence: %w", err)
	}
	return exists, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPER METHODS
// ══════════════════════════════════════════════════════════════════════════════

// scanStudent scans a single student from a row.
func (r *StudentRepository) scanStudent(row pgx.Row) (*student.Student, error) {
	s, err := scanStudentFields(row)
	if IsNoRows(err) {
		return nil, student.ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan student: %w", err)
	}
	return s, nil
}

// scanStudents scans multiple students from rows.
func (r *StudentRepository) scanStudents(rows pgx.Rows) ([]*student.Student, error) {
	var students []*student.Student

	for rows.Next() {
		s, err := scanStudentFields(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		students = append(students, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return students, nil
}

func scanStudentFields(row pgx.Row) (*student.Student, error) {
	var s student.Student
	var phone, timezone, status, contactChannel, contactOutcome, riskLevel string
	var optedOutJSON, factorsJSON []byte

	err := row.Scan(
		&s.ID,
		&s.FullName,
		&phone,
		&timezone,
		&status,
		&s.LastActivityAt,
		&s.ContactAttempts,
		&s.LastContactAt,
		&contactChannel,
		&contactOutcome,
		&optedOutJSON,
		&s.RiskScore,
		&riskLevel,
		&factorsJSON,
		&s.LastAssessedAt,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Phone = shared.Phone(phone)
	s.Timezone = shared.Timezone(timezone)
	s.Status = student.Status(status)
	s.LastContactChannel = shared.Channel(contactChannel)
	s.LastContactOutcome = shared.ContactOutcome(contactOutcome)
	s.OptedOutChannels = mapToOptedOut(optedOutJSON)
	s.RiskLevel = student.RiskLevel(riskLevel)
	s.RiskFactors = jsonToFactors(factorsJSON)

	return &s, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// JSONB CONVERSION
// ══════════════════════════════════════════════════════════════════════════════

// optedOutToMap converts the opted-out channel set to a map for JSONB storage.
func optedOutToMap(channels map[shared.Channel]bool) map[string]bool {
	out := make(map[string]bool, len(channels))
	for ch, v := range channels {
		if v {
			out[string(ch)] = true
		}
	}
	return out
}

// mapToOptedOut converts JSONB bytes back to the opted-out channel set.
func mapToOptedOut(data []byte) map[shared.Channel]bool {
	out := make(map[shared.Channel]bool)
	if len(data) == 0 {
		return out
	}

	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return out
	}

	for ch, v := range m {
		if v {
			out[shared.Channel(ch)] = true
		}
	}
	return out
}

func factorsOrEmpty(factors []string) []string {
	if factors == nil {
		return []string{}
	}
	return factors
}

func jsonToFactors(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var factors []string
	if err := json.Unmarshal(data, &factors); err != nil {
		return nil
	}
	if len(factors) == 0 {
		return nil
	}
	return factors
}
