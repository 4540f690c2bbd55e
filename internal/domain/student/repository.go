// Package student содержит доменную модель абитуриента приёмной воронки.
package student

import (
	"context"
)

// Repository определяет интерфейс хранилища абитуриентов.
// Хранилище - единственный владелец долговременного состояния: движок
// не держит мутабельного состояния между циклами.
type Repository interface {
	// Create создаёт нового абитуриента.
	// Возвращает ErrStudentAlreadyExists при конфликте ID.
	Create(ctx context.Context, s *Student) error

	// GetByID возвращает абитуриента по ID.
	// Возвращает ErrStudentNotFound, если записи нет.
	GetByID(ctx context.Context, id string) (*Student, error)

	// ListScannable возвращает всех абитуриентов, подлежащих скорингу.
	// Удалённые и зачисленные не возвращаются никогда.
	ListScannable(ctx context.Context) ([]*Student, error)

	// Update сохраняет изменения абитуриента при совпадении версии.
	// Если запись была изменена параллельно (версия в базе не равна
	// expectedVersion), возвращает ErrVersionConflict и ничего не пишет.
	// При успехе версия записи увеличивается на 1 (и в базе, и в s).
	Update(ctx context.Context, s *Student, expectedVersion int64) error
}
