// Пакет mcperr собирает в одном месте таксономию ошибок, общую для всех
// слоёв mcptelegram: Gateway, Dialog Index, Archive Store, Tool
// Dispatcher говорят на одном языке sentinel-ошибок, оборачиваемых через
// fmt.Errorf("%w: ...") и различаемых через errors.Is/errors.As.
package mcperr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPeerId — непригодный идентификатор собеседника (пустая
	// строка, NaN, смешанный ввод).
	ErrInvalidPeerId = errors.New("invalid peer id")

	// ErrInvalidArgument — параметр инструмента не проходит базовую
	// валидацию (например, отрицательный limit).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidPattern — регулярное выражение не компилируется движком RE2.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrNotFound — собеседник отсутствует в Dialog Index даже после
	// однократного обновления.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized — сессия недействительна; требуется перезапуск
	// процесса для интерактивного повторного входа.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDatabaseError — ошибка Archive Store; фатальна при старте,
	// в остальных случаях пробрасывается вызывающему инструменту.
	ErrDatabaseError = errors.New("database error")

	// ErrTransport — любая сетевая/MTProto ошибка, не подпадающая под
	// остальные классы.
	ErrTransport = errors.New("transport error")
)

// FloodWaitError сигнализирует о серверном FLOOD_WAIT_n.
// Обрабатывается внутри Sync Worker-а; для прямых вызовов инструментов
// пробрасывается как есть.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: %ds", e.Seconds)
}
