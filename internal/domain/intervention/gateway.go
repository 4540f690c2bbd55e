package intervention

import (
	"context"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHANNEL GATEWAY
// Порт исходящего канала. Реализации живут в infrastructure/gateway и
// никогда не возвращают ошибку Go: любой исход - успешный или нет -
// упаковывается в DeliveryResult с классом сбоя для журнала.
// ══════════════════════════════════════════════════════════════════════════════

// DispatchRequest - запрос на отправку интервенции через канал.
type DispatchRequest struct {
	// StudentID - абитуриент-адресат.
	StudentID string

	// Phone - телефон для голосовых звонков и WhatsApp.
	Phone shared.Phone

	// FullName - имя для подстановки в шаблон.
	FullName string

	// ActionType - тип действия (определяет сценарий звонка или шаблон).
	ActionType ActionType

	// Payload - подготовленный текст сообщения или сценарий звонка.
	Payload string

	// AttemptNumber - номер попытки, для логов провайдера.
	AttemptNumber int
}

// DeliveryResult - результат доставки через канал.
type DeliveryResult struct {
	// Success - доставка принята провайдером.
	Success bool

	// ExternalID - идентификатор вызова/сообщения у провайдера.
	ExternalID string

	// Outcome - результат контакта с точки зрения абитуриента.
	Outcome shared.ContactOutcome

	// FailureClass - класс сбоя для журнала (пустой при успехе).
	FailureClass ledger.FailureClass

	// Err - исходная ошибка для логов (не для ветвления).
	Err error
}

// NewSuccessResult создаёт успешный результат доставки.
func NewSuccessResult(externalID string, outcome shared.ContactOutcome) DeliveryResult {
	return DeliveryResult{
		Success:    true,
		ExternalID: externalID,
		Outcome:    outcome,
	}
}

// NewFailureResult создаёт неуспешный результат с классом сбоя.
func NewFailureResult(class ledger.FailureClass, err error) DeliveryResult {
	return DeliveryResult{
		Success:      false,
		Outcome:      class.ContactOutcome(),
		FailureClass: class,
		Err:          err,
	}
}

// ChannelGateway определяет интерфейс исходящего канала.
type ChannelGateway interface {
	// Channel возвращает канал, который обслуживает шлюз.
	Channel() shared.Channel

	// Dispatch выполняет отправку. Не возвращает ошибку Go: все исходы
	// упакованы в DeliveryResult.
	Dispatch(ctx context.Context, req DispatchRequest) DeliveryResult

	// IsHealthy проверяет доступность канала.
	IsHealthy(ctx context.Context) bool
}

// PayloadBuilder готовит текст сообщения или сценарий звонка для действия.
// Реализация может ходить во внешний генератор контента, но обязана
// деградировать в статический шаблон, а не в ошибку.
type PayloadBuilder interface {
	Build(ctx context.Context, req DispatchRequest) string
}
