// Package student содержит доменную модель абитуриента приёмной воронки.
// Это ядро бизнес-логики - здесь нет внешних зависимостей.
package student

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Status определяет текущий этап абитуриента в приёмной воронке.
type Status string

const (
	// StatusInquirySubmitted - абитуриент оставил заявку.
	StatusInquirySubmitted Status = "inquiry_submitted"
	// StatusDocumentsPending - ожидаются документы.
	StatusDocumentsPending Status = "documents_pending"
	// StatusApplicationInProgress - заявление заполняется.
	StatusApplicationInProgress Status = "application_in_progress"
	// StatusApplicationCompleted - заявление подано полностью.
	StatusApplicationCompleted Status = "application_completed"
	// StatusInterviewScheduled - назначено собеседование.
	StatusInterviewScheduled Status = "interview_scheduled"
	// StatusAccepted - абитуриент принят.
	StatusAccepted Status = "accepted"
	// StatusEnrolled - абитуриент зачислен (воронка пройдена).
	StatusEnrolled Status = "enrolled"
	// StatusDropoutRisk - абитуриент на грани отказа от поступления.
	StatusDropoutRisk Status = "dropout_risk"
	// StatusCounselorRequired - требуется вмешательство консультанта.
	StatusCounselorRequired Status = "counselor_required"
	// StatusDeleted - мягкое удаление. Запись остаётся, но абитуриент
	// исключается из скоринга и рассылок навсегда.
	StatusDeleted Status = "deleted"
)

// IsValid проверяет, что статус корректен.
func (s Status) IsValid() bool {
	switch s {
	case StatusInquirySubmitted, StatusDocumentsPending, StatusApplicationInProgress,
		StatusApplicationCompleted, StatusInterviewScheduled, StatusAccepted,
		StatusEnrolled, StatusDropoutRisk, StatusCounselorRequired, StatusDeleted:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление статуса.
func (s Status) String() string {
	return string(s)
}

// IsScannable возвращает true, если абитуриента нужно оценивать на риск.
// Удалённые исключаются всегда, зачисленные - воронку уже прошли.
func (s Status) IsScannable() bool {
	return s != StatusDeleted && s != StatusEnrolled
}

// CanBeContacted возвращает true, если абитуриенту можно отправлять интервенции.
func (s Status) CanBeContacted() bool {
	return s != StatusDeleted
}

// ══════════════════════════════════════════════════════════════════════════════
// RISK LEVEL
// ══════════════════════════════════════════════════════════════════════════════

// RiskLevel определяет уровень риска отказа от поступления.
// Уровень всегда детерминированно выводится из балла (см. domain/risk),
// здесь он только хранится.
type RiskLevel string

const (
	// RiskLow - низкий риск.
	RiskLow RiskLevel = "low"
	// RiskMedium - средний риск.
	RiskMedium RiskLevel = "medium"
	// RiskHigh - высокий риск.
	RiskHigh RiskLevel = "high"
)

// IsValid проверяет корректность уровня риска.
func (l RiskLevel) IsValid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление уровня.
func (l RiskLevel) String() string {
	return string(l)
}

// AtLeast возвращает true, если уровень не ниже указанного.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.rank() >= other.rank()
}

func (l RiskLevel) rank() int {
	switch l {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return -1
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN ENTITY: STUDENT
// ══════════════════════════════════════════════════════════════════════════════

// Student - центральная сущность системы, представляющая абитуриента.
type Student struct {
	// ID - внутренний уникальный идентификатор (UUID в строковом формате).
	ID string

	// FullName - имя абитуриента.
	FullName string

	// Phone - телефон для голосовых звонков и WhatsApp.
	Phone shared.Phone

	// Timezone - часовой пояс абитуриента (пустой = UTC).
	Timezone shared.Timezone

	// Status - текущий этап воронки.
	Status Status

	// LastActivityAt - время последнего входящего взаимодействия.
	// Монотонно не убывает: более ранние вебхуки не откатывают его назад.
	LastActivityAt time.Time

	// ContactAttempts - сколько раз движок связывался с абитуриентом.
	ContactAttempts int

	// LastContactAt - время последнего исходящего контакта.
	LastContactAt *time.Time

	// LastContactChannel - канал последнего контакта.
	LastContactChannel shared.Channel

	// LastContactOutcome - результат последнего контакта.
	LastContactOutcome shared.ContactOutcome

	// OptedOutChannels - каналы, от которых абитуриент отказался.
	OptedOutChannels map[shared.Channel]bool

	// RiskScore - текущий балл риска [0, 100].
	RiskScore int

	// RiskLevel - уровень риска, выведенный из балла.
	RiskLevel RiskLevel

	// RiskFactors - сработавшие правила скоринга, в порядке вычисления.
	RiskFactors []string

	// LastAssessedAt - время последней оценки риска.
	LastAssessedAt *time.Time

	// Version - версия записи для оптимистичной блокировки.
	// Каждое успешное обновление в хранилище увеличивает её на 1.
	Version int64

	// CreatedAt - время создания записи (подачи заявки).
	CreatedAt time.Time

	// UpdatedAt - время последнего обновления.
	UpdatedAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidPhone - невалидный телефонный номер.
	ErrInvalidPhone = errors.New("invalid phone: must be E.164 format")

	// ErrInvalidFullName - невалидное имя.
	ErrInvalidFullName = errors.New("invalid full name: must be 1-200 chars")

	// ErrInvalidStatus - невалидный статус.
	ErrInvalidStatus = errors.New("invalid student status")

	// ErrStudentNotFound - абитуриент не найден.
	ErrStudentNotFound = errors.New("student not found")

	// ErrStudentAlreadyExists - абитуриент уже существует.
	ErrStudentAlreadyExists = errors.New("student already exists")

	// ErrStudentDeleted - абитуриент удалён, операция запрещена.
	ErrStudentDeleted = errors.New("student is deleted")

	// ErrVersionConflict - версия записи устарела (параллельное обновление).
	ErrVersionConflict = errors.New("student version conflict")

	// ErrMalformedSnapshot - снимок абитуриента не проходит базовую валидацию
	// и должен быть пропущен скорингом.
	ErrMalformedSnapshot = errors.New("malformed student snapshot")
)

// ══════════════════════════════════════════════════════════════════════════════
// FACTORY & VALIDATION
// ══════════════════════════════════════════════════════════════════════════════

// NewStudentParams содержит параметры для создания нового абитуриента.
type NewStudentParams struct {
	ID       string
	FullName string
	Phone    shared.Phone
	Timezone shared.Timezone
}

// NewStudent создаёт нового абитуриента с валидацией всех полей.
// Новая запись всегда начинает воронку со статуса inquiry_submitted.
func NewStudent(params NewStudentParams) (*Student, error) {
	if params.ID == "" {
		return nil, errors.New("student id is required")
	}

	fullName := strings.TrimSpace(params.FullName)
	if len(fullName) == 0 || len(fullName) > 200 {
		return nil, ErrInvalidFullName
	}

	if !params.Phone.IsValid() {
		return nil, ErrInvalidPhone
	}

	now := time.Now().UTC()

	return &Student{
		ID:               params.ID,
		FullName:         fullName,
		Phone:            params.Phone,
		Timezone:         params.Timezone,
		Status:           StatusInquirySubmitted,
		LastActivityAt:   now,
		OptedOutChannels: make(map[shared.Channel]bool),
		RiskScore:        0,
		RiskLevel:        RiskLow,
		RiskFactors:      nil,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Validate проверяет, что снимок абитуриента пригоден для скоринга.
// Битые снимки пропускаются циклом, а не роняют его.
func (s *Student) Validate() error {
	if s == nil || s.ID == "" {
		return ErrMalformedSnapshot
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("%w: status %q", ErrMalformedSnapshot, s.Status)
	}
	if s.CreatedAt.IsZero() || s.LastActivityAt.IsZero() {
		return fmt.Errorf("%w: zero timestamps", ErrMalformedSnapshot)
	}
	if s.LastActivityAt.Before(s.CreatedAt) {
		return fmt.Errorf("%w: activity before creation", ErrMalformedSnapshot)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN METHODS (Business Logic)
// ══════════════════════════════════════════════════════════════════════════════

// RecordActivity фиксирует входящее взаимодействие.
// LastActivityAt монотонно не убывает: опоздавшие вебхуки игнорируются.
func (s *Student) RecordActivity(at time.Time) {
	at = at.UTC()
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	s.UpdatedAt = time.Now().UTC()
}

// ChangeStatus переводит абитуриента на другой этап воронки.
func (s *Student) ChangeStatus(newStatus Status) error {
	if !newStatus.IsValid() {
		return ErrInvalidStatus
	}
	if s.Status == StatusDeleted {
		return ErrStudentDeleted
	}

	s.Status = newStatus
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// SoftDelete мягко удаляет абитуриента. Физического удаления нет:
// запись сохраняется для аудита, но исключается из скоринга и рассылок.
func (s *Student) SoftDelete() {
	s.Status = StatusDeleted
	s.UpdatedAt = time.Now().UTC()
}

// RecordContact фиксирует исходящий контакт и его результат.
func (s *Student) RecordContact(channel shared.Channel, outcome shared.ContactOutcome, at time.Time) {
	at = at.UTC()
	s.ContactAttempts++
	s.LastContactAt = &at
	s.LastContactChannel = channel
	s.LastContactOutcome = outcome
	s.UpdatedAt = time.Now().UTC()
}

// OptOut отмечает отказ абитуриента от канала связи.
func (s *Student) OptOut(channel shared.Channel) {
	if s.OptedOutChannels == nil {
		s.OptedOutChannels = make(map[shared.Channel]bool)
	}
	s.OptedOutChannels[channel] = true
	s.UpdatedAt = time.Now().UTC()
}

// HasOptedOut возвращает true, если абитуриент отказался от канала.
func (s *Student) HasOptedOut(channel shared.Channel) bool {
	return s.OptedOutChannels[channel]
}

// ApplyAssessment записывает результат свежей оценки риска.
func (s *Student) ApplyAssessment(score int, level RiskLevel, factors []string, at time.Time) {
	at = at.UTC()
	s.RiskScore = score
	s.RiskLevel = level
	s.RiskFactors = factors
	s.LastAssessedAt = &at
	s.UpdatedAt = time.Now().UTC()
}

// DaysSinceLastActivity возвращает полные дни с последней активности.
func (s *Student) DaysSinceLastActivity(now time.Time) int {
	d := int(now.UTC().Sub(s.LastActivityAt).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// DaysSinceCreation возвращает полные дни с подачи заявки.
func (s *Student) DaysSinceCreation(now time.Time) int {
	d := int(now.UTC().Sub(s.CreatedAt).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Location возвращает часовой пояс абитуриента (UTC, если пояс неизвестен).
// Используется шлюзом допуска для тихих часов и дневного лимита.
func (s *Student) Location() *time.Location {
	return s.Timezone.Location()
}

// String возвращает строковое представление абитуриента для логирования.
func (s *Student) String() string {
	return fmt.Sprintf(
		"Student{ID: %s, Status: %s, Risk: %d/%s, Contacts: %d}",
		s.ID, s.Status, s.RiskScore, s.RiskLevel, s.ContactAttempts,
	)
}

// Clone создаёт глубокую копию абитуриента.
func (s *Student) Clone() *Student {
	if s == nil {
		return nil
	}

	clone := *s

	if s.LastContactAt != nil {
		t := *s.LastContactAt
		clone.LastContactAt = &t
	}
	if s.LastAssessedAt != nil {
		t := *s.LastAssessedAt
		clone.LastAssessedAt = &t
	}
	if s.OptedOutChannels != nil {
		clone.OptedOutChannels = make(map[shared.Channel]bool, len(s.OptedOutChannels))
		for k, v := range s.OptedOutChannels {
			clone.OptedOutChannels[k] = v
		}
	}
	if s.RiskFactors != nil {
		clone.RiskFactors = append([]string(nil), s.RiskFactors...)
	}

	return &clone
}
