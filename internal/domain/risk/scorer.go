// Package risk содержит скоринг риска отказа абитуриента от поступления.
// Скоринг - чистая функция без ввода-вывода: один и тот же снимок
// абитуриента всегда даёт один и тот же результат. Это единственное
// авторитетное место вычисления балла и уровня риска - дублировать
// пороги в других пакетах запрещено.
package risk

import (
	"fmt"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCORING CONSTANTS
// Аддитивная балльная система. Каждое правило проверяет непересекающиеся
// числовые диапазоны, поэтому неоднозначности порядка нет. Итог
// ограничивается диапазоном [0, 100].
// ══════════════════════════════════════════════════════════════════════════════

const (
	// Баллы за дни без активности (берётся старшая ступень).
	inactivity7DaysPoints = 30
	inactivity3DaysPoints = 15
	inactivity1DayPoints  = 5

	// Баллы за недозвонившиеся попытки контакта (старшая ступень).
	unreached3AttemptsPoints = 25
	unreached2AttemptsPoints = 15
	unreached1AttemptPoints  = 5

	// Баллы за возраст заявки без прогресса (старшая ступень).
	stale14DaysPoints = 20
	stale7DaysPoints  = 10

	// Баллы за неудачный последний контакт.
	lastContactUnreachedPoints = 15

	// MaxScore - верхняя граница балла риска.
	MaxScore = 100

	// Пороги уровней. Единственное место в системе, где балл
	// превращается в уровень.
	mediumThreshold = 30
	highThreshold   = 60
)

// statusWeights - вклад этапа воронки в балл риска.
// Отсутствующие статусы дают 0.
var statusWeights = map[student.Status]int{
	student.StatusInquirySubmitted:      10,
	student.StatusDocumentsPending:      20,
	student.StatusApplicationInProgress: 5,
	student.StatusDropoutRisk:           40,
	student.StatusCounselorRequired:     35,
}

// ══════════════════════════════════════════════════════════════════════════════
// ASSESSMENT
// ══════════════════════════════════════════════════════════════════════════════

// Assessment - результат оценки риска одного абитуриента.
type Assessment struct {
	// Score - итоговый балл [0, 100].
	Score int

	// Level - уровень риска, выведенный из балла.
	Level student.RiskLevel

	// Factors - сработавшие правила в порядке вычисления, для аудита.
	Factors []string

	// AssessedAt - момент оценки.
	AssessedAt time.Time
}

// LevelForScore выводит уровень риска из балла.
// score >= 60 - high, score >= 30 - medium, иначе low.
// Функция монотонна: больший балл никогда не даёт меньший уровень.
func LevelForScore(score int) student.RiskLevel {
	switch {
	case score >= highThreshold:
		return student.RiskHigh
	case score >= mediumThreshold:
		return student.RiskMedium
	default:
		return student.RiskLow
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SCORER
// ══════════════════════════════════════════════════════════════════════════════

// Score оценивает риск отказа абитуриента на момент now.
// Чистая функция: не мутирует снимок, не делает ввода-вывода.
// Битый снимок возвращает ошибку - вызывающий цикл пропускает такого
// абитуриента, не прерывая обход остальных.
func Score(s *student.Student, now time.Time) (Assessment, error) {
	if err := s.Validate(); err != nil {
		return Assessment{}, err
	}

	now = now.UTC()
	score := 0
	factors := make([]string, 0, 5)

	// Правило 1: дни без активности.
	inactiveDays := s.DaysSinceLastActivity(now)
	switch {
	case inactiveDays >= 7:
		score += inactivity7DaysPoints
		factors = append(factors, fmt.Sprintf("no activity for %d days (+%d)", inactiveDays, inactivity7DaysPoints))
	case inactiveDays >= 3:
		score += inactivity3DaysPoints
		factors = append(factors, fmt.Sprintf("no activity for %d days (+%d)", inactiveDays, inactivity3DaysPoints))
	case inactiveDays >= 1:
		score += inactivity1DayPoints
		factors = append(factors, fmt.Sprintf("no activity for %d days (+%d)", inactiveDays, inactivity1DayPoints))
	}

	// Правило 2: попытки контакта, не достигшие абитуриента.
	// Если последний контакт состоялся, серия считается прерванной
	// и попытки не штрафуются.
	unreached := 0
	if s.ContactAttempts > 0 && s.LastContactOutcome != shared.OutcomeCompleted {
		unreached = s.ContactAttempts
	}
	switch {
	case unreached >= 3:
		score += unreached3AttemptsPoints
		factors = append(factors, fmt.Sprintf("%d unreturned contact attempts (+%d)", unreached, unreached3AttemptsPoints))
	case unreached >= 2:
		score += unreached2AttemptsPoints
		factors = append(factors, fmt.Sprintf("%d unreturned contact attempts (+%d)", unreached, unreached2AttemptsPoints))
	case unreached >= 1:
		score += unreached1AttemptPoints
		factors = append(factors, fmt.Sprintf("%d unreturned contact attempt (+%d)", unreached, unreached1AttemptPoints))
	}

	// Правило 3: вес этапа воронки.
	if w := statusWeights[s.Status]; w > 0 {
		score += w
		factors = append(factors, fmt.Sprintf("funnel status %s (+%d)", s.Status, w))
	}

	// Правило 4: возраст заявки без прогресса. Применяется, пока
	// заявление не подано полностью.
	if statusStalled(s.Status) {
		ageDays := s.DaysSinceCreation(now)
		switch {
		case ageDays >= 14:
			score += stale14DaysPoints
			factors = append(factors, fmt.Sprintf("%d days in funnel without progress (+%d)", ageDays, stale14DaysPoints))
		case ageDays >= 7:
			score += stale7DaysPoints
			factors = append(factors, fmt.Sprintf("%d days in funnel without progress (+%d)", ageDays, stale7DaysPoints))
		}
	}

	// Правило 5: последний контакт не достиг абитуриента.
	if s.LastContactOutcome.IsUnreached() {
		score += lastContactUnreachedPoints
		factors = append(factors, fmt.Sprintf("last contact %s (+%d)", s.LastContactOutcome, lastContactUnreachedPoints))
	}

	// Ограничение диапазона.
	if score > MaxScore {
		score = MaxScore
	}
	if score < 0 {
		score = 0
	}

	return Assessment{
		Score:      score,
		Level:      LevelForScore(score),
		Factors:    factors,
		AssessedAt: now,
	}, nil
}

// statusStalled возвращает true, если этап считается "без прогресса":
// заявление ещё не подано полностью.
func statusStalled(st student.Status) bool {
	switch st {
	case student.StatusInquirySubmitted, student.StatusDocumentsPending,
		student.StatusApplicationInProgress, student.StatusDropoutRisk,
		student.StatusCounselorRequired:
		return true
	default:
		return false
	}
}
