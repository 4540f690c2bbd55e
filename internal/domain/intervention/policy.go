// Package intervention содержит словарь интервенций, политику их подбора
// и шлюз допуска.
package intervention

import (
	"sort"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/risk"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// Чистая функция: (уровень риска, этап воронки, прошлые исходы) ->
// упорядоченный список кандидатов. Правила вычисляются в фиксированном
// порядке, результат дедуплицируется по типу действия (первое вхождение
// выигрывает) и ограничивается MaxActionsPerCycle.
// ══════════════════════════════════════════════════════════════════════════════

const (
	// MaxActionsPerCycle ограничивает число действий на абитуриента
	// за один цикл, чтобы не перегружать каналы.
	MaxActionsPerCycle = 3

	// documentStaleDays - дни без активности в статусе documents_pending,
	// после которых отправляется напоминание о документах.
	documentStaleDays = 5

	// followupInactivityDays - дни без активности при среднем риске,
	// после которых отправляется WhatsApp-сообщение.
	followupInactivityDays = 2
)

// PriorOutcomes - сигналы из журнала о прошлых попытках, влияющие
// на подбор действий.
type PriorOutcomes struct {
	// VoiceExhausted - голосовые повторы исчерпаны. Политика отвечает
	// эскалацией на консультанта на следующем цикле.
	VoiceExhausted bool
}

// Policy подбирает интервенции для абитуриента.
type Policy struct{}

// NewPolicy создаёт политику подбора интервенций.
func NewPolicy() *Policy {
	return &Policy{}
}

// Recommend возвращает дедуплицированный, упорядоченный по приоритету
// список кандидатов. Детерминирован: повторный вызов на неизменном
// снимке даёт тот же список.
func (p *Policy) Recommend(s *student.Student, a risk.Assessment, prior PriorOutcomes, now time.Time) []Candidate {
	now = now.UTC()
	candidates := make([]Candidate, 0, 4)

	add := func(action ActionType, priority int, reason string) {
		for _, c := range candidates {
			if c.ActionType == action {
				return // первое вхождение выигрывает
			}
		}
		candidates = append(candidates, Candidate{
			StudentID:  s.ID,
			ActionType: action,
			Priority:   priority,
			Reason:     reason,
			Channel:    action.Channel(),
		})
	}

	hasVoiceQueued := func() bool {
		for _, c := range candidates {
			if c.ActionType.IsVoice() {
				return true
			}
		}
		return false
	}

	// Правило 1: статус dropout_risk - безусловная эскалация.
	if s.Status == student.StatusDropoutRisk {
		add(ActionCounselorEscalation, 1, "status is dropout_risk")
	}

	// Правило 1а: голосовые повторы исчерпаны - эскалация.
	if prior.VoiceExhausted {
		add(ActionCounselorEscalation, 1, "voice retries exhausted")
	}

	// Правило 2: высокий риск - немедленный звонок.
	if a.Level == student.RiskHigh {
		add(ActionImmediateVoiceCall, 1, "risk level high")
	}

	// Правило 3: документы зависли.
	if s.Status == student.StatusDocumentsPending && s.DaysSinceLastActivity(now) >= documentStaleDays {
		add(ActionDocumentReminder, 2, "documents pending and stale")
	}

	// Правило 4: средний риск и затишье.
	if a.Level == student.RiskMedium && s.DaysSinceLastActivity(now) >= followupInactivityDays {
		add(ActionWhatsAppFollowup, 2, "medium risk with inactivity")
	}

	// Правило 5: недозвон - повторный звонок, если голосового действия
	// ещё нет в списке.
	if s.LastContactOutcome.IsUnreached() && !hasVoiceQueued() {
		add(ActionVoiceRetry, 2, "last contact unreached")
	}

	// Правило 6: свежая заявка - приветствие.
	if s.Status == student.StatusInquirySubmitted && s.DaysSinceCreation(now) < 1 {
		add(ActionWelcomeMessage, 3, "new inquiry")
	}

	// Упорядочиваем по приоритету; внутри приоритета сохраняется
	// порядок правил (стабильная сортировка).
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	if len(candidates) > MaxActionsPerCycle {
		candidates = candidates[:MaxActionsPerCycle]
	}

	return candidates
}
