// Package ledger содержит журнал попыток отправки интервенций.
// Журнал append-only: записи никогда не удаляются, завершённые и
// отменённые попытки остаются для аудита и статистики. Журнал - источник
// истины для планирования повторов: после рестарта движок восстанавливает
// таймеры повторов из журнала, а не из памяти.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ATTEMPT STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status определяет состояние попытки отправки.
type Status string

const (
	// StatusPending - попытка создана, шлюз ещё не ответил.
	StatusPending Status = "pending"

	// StatusSent - шлюз принял отправку, исход контакта ещё не известен.
	StatusSent Status = "sent"

	// StatusDelivered - контакт состоялся. Провайдеры отвечают синхронно,
	// поэтому успешная отправка переходит сюда сразу, минуя sent.
	StatusDelivered Status = "delivered"

	// StatusFailed - отправка не удалась. Если класс ошибки временный
	// и лимит попыток не исчерпан, у записи назначено время повтора.
	StatusFailed Status = "failed"

	// StatusCancelled - попытка отменена до разрешения.
	StatusCancelled Status = "cancelled"

	// StatusExhausted - лимит повторов исчерпан, автоматических
	// повторов больше не будет.
	StatusExhausted Status = "exhausted"
)

// IsValid проверяет корректность статуса.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusCancelled, StatusExhausted:
		return true
	default:
		return false
	}
}

// IsFinal возвращает true, если это конечный статус.
func (s Status) IsFinal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusExhausted:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление статуса.
func (s Status) String() string {
	return string(s)
}

// ══════════════════════════════════════════════════════════════════════════════
// FAILURE CLASS
// ══════════════════════════════════════════════════════════════════════════════

// FailureClass классифицирует ошибку шлюза для решения о повторе.
type FailureClass string

const (
	// FailureTimeout - шлюз не ответил вовремя.
	FailureTimeout FailureClass = "timeout"
	// FailureNoAnswer - абитуриент не ответил на звонок.
	FailureNoAnswer FailureClass = "no_answer"
	// FailureBusy - линия занята.
	FailureBusy FailureClass = "busy"
	// FailureRateLimited - провайдер ограничил частоту запросов.
	FailureRateLimited FailureClass = "rate_limited"
	// FailureInvalidTarget - номер не существует. Повтор бессмысленен.
	FailureInvalidTarget FailureClass = "invalid_number"
	// FailureOptedOut - получатель отказался от канала на стороне провайдера.
	FailureOptedOut FailureClass = "opted_out"
	// FailureUnknown - неклассифицированная ошибка. Не повторяется.
	FailureUnknown FailureClass = "unknown"
)

// IsRetryable возвращает true, если ошибка временная и попытку
// имеет смысл повторить.
func (f FailureClass) IsRetryable() bool {
	switch f {
	case FailureTimeout, FailureNoAnswer, FailureBusy, FailureRateLimited:
		return true
	default:
		return false
	}
}

// ContactOutcome переводит класс ошибки в результат контакта абитуриента.
func (f FailureClass) ContactOutcome() shared.ContactOutcome {
	switch f {
	case FailureNoAnswer:
		return shared.OutcomeNoAnswer
	case FailureBusy:
		return shared.OutcomeBusy
	default:
		return shared.OutcomeFailed
	}
}

// String возвращает строковое представление класса.
func (f FailureClass) String() string {
	return string(f)
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrAttemptInFlight - для пары (абитуриент, действие) уже есть
	// pending-запись. Инвариант "не больше одной в полёте".
	ErrAttemptInFlight = errors.New("attempt already in flight for this student and action")

	// ErrInvalidTransition - недопустимый переход статуса.
	ErrInvalidTransition = errors.New("invalid attempt status transition")

	// ErrAttemptNotFound - запись не найдена.
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrRetriesExhausted - лимит повторов исчерпан.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ══════════════════════════════════════════════════════════════════════════════
// ATTEMPT ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Attempt - одна попытка отправки интервенции. Запись журнала.
type Attempt struct {
	// ID - уникальный идентификатор попытки (UUID).
	ID string

	// StudentID - абитуриент, которому адресована интервенция.
	StudentID string

	// ActionType - тип действия (см. domain/intervention).
	ActionType string

	// Channel - канал отправки.
	Channel shared.Channel

	// Status - текущее состояние попытки.
	Status Status

	// AttemptNumber - порядковый номер попытки, начиная с 1.
	// Повтор создаёт новую запись с номером n+1, а не мутирует старую.
	AttemptNumber int

	// MaxAttempts - предел попыток для этого действия.
	MaxAttempts int

	// FailureClass - класс ошибки (для failed/exhausted).
	FailureClass FailureClass

	// Error - текст последней ошибки.
	Error string

	// ExternalID - идентификатор отправки на стороне шлюза.
	ExternalID string

	// Payload - текст/скрипт интервенции, переданный шлюзу.
	Payload string

	// CreatedAt - время создания записи (до вызова шлюза).
	CreatedAt time.Time

	// ResolvedAt - время разрешения попытки (ответ шлюза).
	ResolvedAt *time.Time

	// NextRetryAt - целевое время повтора для временных ошибок.
	// nil, если повтор не запланирован.
	NextRetryAt *time.Time
}

// NewAttemptParams содержит параметры для создания попытки.
type NewAttemptParams struct {
	ID            string
	StudentID     string
	ActionType    string
	Channel       shared.Channel
	AttemptNumber int
	MaxAttempts   int
	Payload       string
}

// NewAttempt создаёт новую попытку в состоянии pending.
func NewAttempt(params NewAttemptParams) (*Attempt, error) {
	if params.ID == "" {
		return nil, errors.New("attempt id is required")
	}
	if params.StudentID == "" {
		return nil, errors.New("student id is required")
	}
	if params.ActionType == "" {
		return nil, errors.New("action type is required")
	}
	if !params.Channel.IsValid() {
		return nil, fmt.Errorf("invalid channel: %q", params.Channel)
	}

	attemptNumber := params.AttemptNumber
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	return &Attempt{
		ID:            params.ID,
		StudentID:     params.StudentID,
		ActionType:    params.ActionType,
		Channel:       params.Channel,
		Status:        StatusPending,
		AttemptNumber: attemptNumber,
		MaxAttempts:   maxAttempts,
		Payload:       params.Payload,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STATE MACHINE
// created -> pending -> {sent | failed} -> [retry -> pending(n+1)]
//                    -> terminal(delivered | cancelled | exhausted)
// ══════════════════════════════════════════════════════════════════════════════

// MarkSent фиксирует успешный ответ шлюза.
func (a *Attempt) MarkSent(externalID string, at time.Time) error {
	if a.Status != StatusPending {
		return fmt.Errorf("%w: %s -> sent", ErrInvalidTransition, a.Status)
	}
	at = at.UTC()
	a.Status = StatusSent
	a.ExternalID = externalID
	a.ResolvedAt = &at
	a.NextRetryAt = nil
	return nil
}

// MarkDelivered фиксирует подтверждение доставки.
func (a *Attempt) MarkDelivered(at time.Time) error {
	if a.Status != StatusSent {
		return fmt.Errorf("%w: %s -> delivered", ErrInvalidTransition, a.Status)
	}
	at = at.UTC()
	a.Status = StatusDelivered
	a.ResolvedAt = &at
	return nil
}

// MarkFailed фиксирует неудачу. Для временной ошибки при неисчерпанном
// лимите назначает время повтора nextRetryAt; для исчерпанного лимита
// переводит запись в exhausted; постоянные ошибки остаются failed
// без повтора.
func (a *Attempt) MarkFailed(class FailureClass, errMsg string, at time.Time, nextRetryAt *time.Time) error {
	if a.Status != StatusPending {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, a.Status)
	}
	at = at.UTC()
	a.FailureClass = class
	a.Error = errMsg
	a.ResolvedAt = &at

	switch {
	case !class.IsRetryable():
		a.Status = StatusFailed
		a.NextRetryAt = nil
	case a.AttemptNumber >= a.MaxAttempts:
		a.Status = StatusExhausted
		a.NextRetryAt = nil
	default:
		a.Status = StatusFailed
		a.NextRetryAt = nextRetryAt
	}
	return nil
}

// MarkCancelled отменяет неразрешённую попытку.
func (a *Attempt) MarkCancelled(reason string, at time.Time) error {
	if a.Status.IsFinal() {
		return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, a.Status)
	}
	at = at.UTC()
	a.Status = StatusCancelled
	a.Error = reason
	a.ResolvedAt = &at
	a.NextRetryAt = nil
	return nil
}

// RetryDue возвращает true, если запись ждёт повтора и срок наступил.
func (a *Attempt) RetryDue(now time.Time) bool {
	return a.Status == StatusFailed &&
		a.NextRetryAt != nil &&
		!a.NextRetryAt.After(now.UTC())
}

// NextAttempt создаёт следующую попытку той же интервенции.
func (a *Attempt) NextAttempt(id string) (*Attempt, error) {
	if a.AttemptNumber >= a.MaxAttempts {
		return nil, ErrRetriesExhausted
	}
	return NewAttempt(NewAttemptParams{
		ID:            id,
		StudentID:     a.StudentID,
		ActionType:    a.ActionType,
		Channel:       a.Channel,
		AttemptNumber: a.AttemptNumber + 1,
		MaxAttempts:   a.MaxAttempts,
		Payload:       a.Payload,
	})
}

// IsStale возвращает true, если попытка зависла в pending дольше
// допустимого: процесс упал между записью и ответом шлюза.
func (a *Attempt) IsStale(now time.Time, grace time.Duration) bool {
	return a.Status == StatusPending && now.UTC().Sub(a.CreatedAt) > grace
}

// String возвращает строковое представление попытки для логирования.
func (a *Attempt) String() string {
	return fmt.Sprintf(
		"Attempt{ID: %s, Student: %s, Action: %s, Channel: %s, Status: %s, N: %d/%d}",
		a.ID, a.StudentID, a.ActionType, a.Channel, a.Status, a.AttemptNumber, a.MaxAttempts,
	)
}
