package intervention

import (
	"context"
	"fmt"
	"time"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/ledger"
	"github.com/abitura-hub/abitura-admission-hub/internal/domain/student"
	"github.com/abitura-hub/abitura-admission-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ELIGIBILITY GATE
// Шлюз допуска: кандидат + история контактов -> allow/deny с причиной.
// Правила проверяются строго по порядку, первый отказ останавливает
// проверку. Чистая функция за исключением двух чтений журнала
// (дневной лимит и in-flight guard).
// ══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultDailyContactCap - максимум исходящих контактов (voice +
	// whatsapp) на абитуриента за один локальный календарный день.
	DefaultDailyContactCap = 3

	// DefaultVoiceCooldown - минимальный интервал между любым контактом
	// и следующим звонком. На WhatsApp не распространяется.
	DefaultVoiceCooldown = 2 * time.Hour

	// Тихие часы: звонки разрешены только в локальном окне [9, 21).
	// Если пояс абитуриента неизвестен, окно считается по UTC.
	DefaultQuietStartHour = 9
	DefaultQuietEndHour   = 21
)

// Причины отказа. Фиксированные строки: пишутся в журнал и логи,
// по ним строится статистика цикла.
const (
	DenyOptedOut       = "channel opted out"
	DenyDailyLimit     = "daily limit reached"
	DenyCooldown       = "cooldown active"
	DenyQuietHours     = "quiet hours"
	DenyInFlight       = "already in flight"
	DenyNotContactable = "student not contactable"
)

// Decision - результат проверки кандидата.
type Decision struct {
	Allowed bool
	Reason  string // заполняется при отказе
}

// Allow возвращает положительное решение.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny возвращает отказ с причиной.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// GateConfig - настройки шлюза допуска.
type GateConfig struct {
	DailyContactCap int
	VoiceCooldown   time.Duration
	QuietStartHour  int
	QuietEndHour    int
}

// DefaultGateConfig возвращает настройки по умолчанию.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		DailyContactCap: DefaultDailyContactCap,
		VoiceCooldown:   DefaultVoiceCooldown,
		QuietStartHour:  DefaultQuietStartHour,
		QuietEndHour:    DefaultQuietEndHour,
	}
}

// Gate проверяет допустимость интервенции.
type Gate struct {
	ledger ledger.Repository
	cfg    GateConfig
}

// NewGate создаёт шлюз допуска.
func NewGate(ledgerRepo ledger.Repository, cfg GateConfig) *Gate {
	if cfg.DailyContactCap <= 0 {
		cfg.DailyContactCap = DefaultDailyContactCap
	}
	if cfg.VoiceCooldown <= 0 {
		cfg.VoiceCooldown = DefaultVoiceCooldown
	}
	if cfg.QuietEndHour <= cfg.QuietStartHour {
		cfg.QuietStartHour = DefaultQuietStartHour
		cfg.QuietEndHour = DefaultQuietEndHour
	}
	return &Gate{ledger: ledgerRepo, cfg: cfg}
}

// Check проверяет кандидата по упорядоченным правилам. Эскалация идёт
// по внутреннему каналу и не попадает под лимиты контактов: для неё
// действует только in-flight guard.
func (g *Gate) Check(ctx context.Context, s *student.Student, c Candidate, now time.Time) (Decision, error) {
	if !s.Status.CanBeContacted() && c.Channel.IsOutbound() {
		return Deny(DenyNotContactable), nil
	}

	if c.Channel.IsOutbound() {
		// Правило 1: канал отключён самим абитуриентом.
		if s.HasOptedOut(c.Channel) {
			return Deny(DenyOptedOut), nil
		}

		// Правило 2: дневной лимит контактов. День считается по
		// локальному календарю абитуриента.
		dayStart := timeutil.StartOfDay(now, s.Location())
		count, err := g.ledger.CountOutboundSince(ctx, s.ID, dayStart)
		if err != nil {
			return Decision{}, fmt.Errorf("count outbound attempts: %w", err)
		}
		if count >= g.cfg.DailyContactCap {
			return Deny(DenyDailyLimit), nil
		}

		if c.Channel.SubjectToVoiceCooldown() {
			// Правило 3: кулдаун после последнего контакта.
			if s.LastContactAt != nil && now.Sub(*s.LastContactAt) < g.cfg.VoiceCooldown {
				return Deny(DenyCooldown), nil
			}

			// Правило 4: тихие часы в локальном поясе.
			if !timeutil.WithinHourWindow(now, s.Location(), g.cfg.QuietStartHour, g.cfg.QuietEndHour) {
				return Deny(DenyQuietHours), nil
			}
		}
	}

	// Правило 5: уже есть незавершённая попытка того же действия.
	inFlight, err := g.ledger.FindInFlight(ctx, s.ID, c.ActionType.String())
	if err != nil {
		return Decision{}, fmt.Errorf("find in-flight attempt: %w", err)
	}
	if inFlight != nil {
		return Deny(DenyInFlight), nil
	}

	return Allow(), nil
}
