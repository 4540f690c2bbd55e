// Package ledger содержит журнал попыток отправки интервенций.
package ledger

import (
	"context"
	"time"
)

// Repository определяет интерфейс хранилища журнала.
// Путь записи append-only: Record добавляет, Resolve обновляет статус
// существующей записи. Удаления нет - завершённые записи остаются
// для аудита и статистики.
type Repository interface {
	// Record добавляет новую попытку. Хранилище обеспечивает уникальность
	// pending-записи для пары (studentID, actionType) и возвращает
	// ErrAttemptInFlight при нарушении.
	Record(ctx context.Context, a *Attempt) error

	// Resolve сохраняет разрешение попытки (sent/failed/cancelled/
	// delivered/exhausted) вместе с временем повтора, если оно назначено.
	Resolve(ctx context.Context, a *Attempt) error

	// GetByID возвращает попытку по ID.
	GetByID(ctx context.Context, id string) (*Attempt, error)

	// FindInFlight возвращает pending-запись для пары (studentID,
	// actionType) или nil, если такой нет. Используется шлюзом допуска.
	FindInFlight(ctx context.Context, studentID, actionType string) (*Attempt, error)

	// PendingDueBefore возвращает записи, ожидающие повтора со сроком
	// не позже t. Используется циклом для восстановления повторов.
	PendingDueBefore(ctx context.Context, t time.Time) ([]*Attempt, error)

	// StalePendingBefore возвращает pending-записи, созданные до t и так
	// и не разрешённые: процесс упал между записью и ответом шлюза.
	StalePendingBefore(ctx context.Context, t time.Time) ([]*Attempt, error)

	// CountOutboundSince возвращает число исходящих попыток (voice и
	// whatsapp) абитуриента, созданных начиная с since. Используется
	// для дневного лимита контактов.
	CountOutboundSince(ctx context.Context, studentID string, since time.Time) (int, error)

	// LastExhaustedVoice возвращает последнюю exhausted-запись голосовой
	// интервенции абитуриента или nil. Политика по ней решает,
	// эскалировать ли на консультанта.
	LastExhaustedVoice(ctx context.Context, studentID string) (*Attempt, error)

	// ListByStudent возвращает историю попыток абитуриента, новые первыми.
	ListByStudent(ctx context.Context, studentID string, limit int) ([]*Attempt, error)
}
