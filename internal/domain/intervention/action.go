// Package intervention содержит словарь интервенций, политику их подбора
// и шлюз допуска. Интервенция - конкретное действие по удержанию
// абитуриента: звонок, сообщение в WhatsApp или эскалация на консультанта.
package intervention

import (
	"fmt"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTION TYPE
// Фиксированный словарь действий. Новые действия добавляются только
// вместе с правилом политики, которое их рекомендует.
// ══════════════════════════════════════════════════════════════════════════════

// ActionType определяет тип интервенции.
type ActionType string

const (
	// ActionImmediateVoiceCall - немедленный звонок абитуриенту с высоким риском.
	ActionImmediateVoiceCall ActionType = "immediate_voice_call"

	// ActionVoiceRetry - повторный звонок после недозвона.
	ActionVoiceRetry ActionType = "voice_retry"

	// ActionWhatsAppFollowup - сообщение в WhatsApp при среднем риске.
	ActionWhatsAppFollowup ActionType = "whatsapp_followup"

	// ActionDocumentReminder - напоминание о недосланных документах.
	ActionDocumentReminder ActionType = "document_reminder"

	// ActionWelcomeMessage - приветствие новому абитуриенту.
	ActionWelcomeMessage ActionType = "welcome_message"

	// ActionCounselorEscalation - передача абитуриента консультанту.
	// Собственный тип действия со своим внутренним каналом: не считается
	// голосовым или чат-контактом и не попадает под их лимиты.
	ActionCounselorEscalation ActionType = "counselor_escalation"
)

// IsValid проверяет корректность типа действия.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionImmediateVoiceCall, ActionVoiceRetry, ActionWhatsAppFollowup,
		ActionDocumentReminder, ActionWelcomeMessage, ActionCounselorEscalation:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление типа.
func (a ActionType) String() string {
	return string(a)
}

// Channel возвращает канал, через который выполняется действие.
func (a ActionType) Channel() shared.Channel {
	switch a {
	case ActionImmediateVoiceCall, ActionVoiceRetry:
		return shared.ChannelVoice
	case ActionWhatsAppFollowup, ActionDocumentReminder, ActionWelcomeMessage:
		return shared.ChannelWhatsApp
	case ActionCounselorEscalation:
		return shared.ChannelInternal
	default:
		return ""
	}
}

// IsVoice возвращает true для голосовых действий.
func (a ActionType) IsVoice() bool {
	return a.Channel() == shared.ChannelVoice
}

// ══════════════════════════════════════════════════════════════════════════════
// CANDIDATE
// ══════════════════════════════════════════════════════════════════════════════

// Candidate - кандидат на интервенцию, произведённый политикой за один цикл.
// Не персистится: пересчитывается каждый цикл из текущего состояния
// абитуриента.
type Candidate struct {
	// StudentID - абитуриент, которому адресовано действие.
	StudentID string

	// ActionType - тип действия.
	ActionType ActionType

	// Priority - приоритет: 1 - наивысший. Внутри одного абитуриента
	// действия отправляются строго в порядке приоритета.
	Priority int

	// Reason - сработавшее правило политики, для аудита.
	Reason string

	// Channel - канал отправки (выводится из типа действия).
	Channel shared.Channel
}

// String возвращает строковое представление кандидата для логирования.
func (c Candidate) String() string {
	return fmt.Sprintf("Candidate{%s -> %s, p%d, %s}", c.StudentID, c.ActionType, c.Priority, c.Reason)
}
