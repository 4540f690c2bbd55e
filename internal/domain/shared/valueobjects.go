// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHANNEL
// ══════════════════════════════════════════════════════════════════════════════

// Channel определяет канал связи, через который выполняется интервенция.
type Channel string

const (
	// ChannelVoice - голосовой звонок абитуриенту.
	ChannelVoice Channel = "voice"

	// ChannelWhatsApp - текстовое сообщение в WhatsApp.
	ChannelWhatsApp Channel = "whatsapp"

	// ChannelInternal - внутренний канал (эскалация на консультанта).
	// Не проходит через внешние шлюзы и не считается исходящим контактом
	// с точки зрения лимитов на голос/чат.
	ChannelInternal Channel = "internal"
)

// IsValid проверяет корректность канала.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelVoice, ChannelWhatsApp, ChannelInternal:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление канала.
func (c Channel) String() string {
	return string(c)
}

// IsOutbound возвращает true, если канал связывается с абитуриентом напрямую.
func (c Channel) IsOutbound() bool {
	return c == ChannelVoice || c == ChannelWhatsApp
}

// SubjectToVoiceCooldown возвращает true, если на канал распространяется
// пауза между голосовыми контактами.
func (c Channel) SubjectToVoiceCooldown() bool {
	return c == ChannelVoice
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTACT OUTCOME
// ══════════════════════════════════════════════════════════════════════════════

// ContactOutcome определяет результат последней попытки связаться с абитуриентом.
type ContactOutcome string

const (
	// OutcomeCompleted - контакт состоялся.
	OutcomeCompleted ContactOutcome = "completed"

	// OutcomeFailed - попытка не удалась (техническая ошибка).
	OutcomeFailed ContactOutcome = "failed"

	// OutcomeNoAnswer - абитуриент не ответил.
	OutcomeNoAnswer ContactOutcome = "no_answer"

	// OutcomeBusy - линия занята.
	OutcomeBusy ContactOutcome = "busy"

	// OutcomeCancelled - попытка отменена до завершения.
	OutcomeCancelled ContactOutcome = "cancelled"
)

// IsValid проверяет корректность результата.
func (o ContactOutcome) IsValid() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeNoAnswer, OutcomeBusy, OutcomeCancelled:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление результата.
func (o ContactOutcome) String() string {
	return string(o)
}

// IsUnreached возвращает true, если до абитуриента не удалось дозвониться.
// Такие исходы повышают риск и переключают политику на повторный звонок.
func (o ContactOutcome) IsUnreached() bool {
	return o == OutcomeFailed || o == OutcomeNoAnswer
}

// ══════════════════════════════════════════════════════════════════════════════
// PHONE
// ══════════════════════════════════════════════════════════════════════════════

// Phone представляет телефонный номер абитуриента в формате E.164.
type Phone string

// IsValid проверяет базовую корректность номера: "+" и 7-15 цифр.
func (p Phone) IsValid() bool {
	s := string(p)
	if len(s) < 8 || len(s) > 16 || !strings.HasPrefix(s, "+") {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String возвращает строковое представление номера.
func (p Phone) String() string {
	return string(p)
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMEZONE
// ══════════════════════════════════════════════════════════════════════════════

// Timezone представляет часовой пояс абитуриента (IANA name, например "Asia/Almaty").
// Пустое значение означает неизвестный пояс - используется UTC.
type Timezone string

// Location возвращает *time.Location для пояса. Неизвестный или
// некорректный пояс деградирует в UTC, а не в ошибку: движку важнее
// продолжить цикл, чем идеально угадать локальное время.
func (tz Timezone) Location() *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(string(tz))
	if err != nil {
		return time.UTC
	}
	return loc
}

// String возвращает строковое представление пояса.
func (tz Timezone) String() string {
	return string(tz)
}
