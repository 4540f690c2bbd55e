package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT CACHE
// Hot student snapshots for the read API. The cache is read-through and
// invalidated on every write, so a stale read costs at most one cycle.
// ══════════════════════════════════════════════════════════════════════════════

// cachedStudent is the cache representation of a student snapshot.
type cachedStudent struct {
	ID                 string     `json:"id"`
	FullName           string     `json:"full_name"`
	Phone              string     `json:"phone"`
	Timezone           string     `json:"timezone"`
	Status             string     `json:"status"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	ContactAttempts    int        `json:"contact_attempts"`
	LastContactAt      *time.Time `json:"last_contact_at,omitempty"`
	LastContactChannel string     `json:"last_contact_channel,omitempty"`
	LastContactOutcome string     `json:"last_contact_outcome,omitempty"`
	OptedOutChannels   []string   `json:"opted_out_channels,omitempty"`
	RiskScore          int        `json:"risk_score"`
	RiskLevel          string     `json:"risk_level"`
	RiskFactors        []string   `json:"risk_factors,omitempty"`
	LastAssessedAt     *time.Time `json:"last_assessed_at,omitempty"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// StudentCache caches student snapshots in Redis.
type StudentCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewStudentCache creates a new StudentCache.
func NewStudentCache(cache *Cache) *StudentCache {
	return &StudentCache{cache: cache, ttl: TTLStudentCache}
}

// Get returns a cached student snapshot or ErrCacheMiss.
func (sc *StudentCache) Get(ctx context.Context, studentID string) (*student.Student, error) {
	var cached cachedStudent
	if err := sc.cache.Get(ctx, StudentKey(studentID), &cached); err != nil {
		return nil, err
	}
	return cached.toDomain(), nil
}

// Set stores a student snapshot.
func (sc *StudentCache) Set(ctx context.Context, s *student.Student) error {
	if s == nil || s.ID == "" {
		return errors.New("student cache: nil or unidentified student")
	}
	return sc.cache.Set(ctx, StudentKey(s.ID), fromDomain(s), sc.ttl)
}

// Invalidate drops a cached snapshot after a write.
func (sc *StudentCache) Invalidate(ctx context.Context, studentID string) error {
	if err := sc.cache.Delete(ctx, StudentKey(studentID)); err != nil {
		return fmt.Errorf("student cache invalidate: %w", err)
	}
	return nil
}

func fromDomain(s *student.Student) cachedStudent {
	var optedOut []string
	for ch, v := range s.OptedOutChannels {
		if v {
			optedOut = append(optedOut, string(ch))
		}
	}

	return cachedStudent{
		ID:                 s.ID,
		FullName:           s.FullName,
		Phone:              string(s.Phone),
		Timezone:           string(s.Timezone),
		Status:             string(s.Status),
		LastActivityAt:     s.LastActivityAt,
		ContactAttempts:    s.ContactAttempts,
		LastContactAt:      s.LastContactAt,
		LastContactChannel: string(s.LastContactChannel),
		LastContactOutcome: string(s.LastContactOutcome),
		OptedOutChannels:   optedOut,
		RiskScore:          s.RiskScore,
		RiskLevel:          string(s.RiskLevel),
		RiskFactors:        s.RiskFactors,
		LastAssessedAt:     s.LastAssessedAt,
		Version:            s.Version,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func (c cachedStudent) toDomain() *student.Student {
	optedOut := make(map[shared.Channel]bool, len(c.OptedOutChannels))
	for _, ch := range c.OptedOutChannels {
		optedOut[shared.Channel(ch)] = true
	}

	return &student.Student{
		ID:                 c.ID,
		FullName:           c.FullName,
		Phone:              shared.Phone(c.Phone),
		Timezone:           shared.Timezone(c.Timezone),
		Status:             student.Status(c.Status),
		LastActivityAt:     c.LastActivityAt,
		ContactAttempts:    c.ContactAttempts,
		LastContactAt:      c.LastContactAt,
		LastContactChannel: shared.Channel(c.LastContactChannel),
		LastContactOutcome: shared.ContactOutcome(c.LastContactOutcome),
		OptedOutChannels:   optedOut,
		RiskScore:          c.RiskScore,
		RiskLevel:          student.RiskLevel(c.RiskLevel),
		RiskFactors:        c.RiskFactors,
		LastAssessedAt:     c.LastAssessedAt,
		Version:            c.Version,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}
