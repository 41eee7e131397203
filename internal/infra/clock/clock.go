// Package clock — единая точка получения текущего времени. Метка
// last_synced_at, которую Sync Worker пишет в Archive Store, берётся отсюда
// в UTC, чтобы не зависеть от таймзоны хоста. created_at/updated_at
// заполняет сам gorm своим источником времени, не этим пакетом.
package clock

import "time"

// nowFunc подменяется в тестах через SetNow.
var nowFunc = func() time.Time { return time.Now().UTC() }

// Now возвращает текущее время в UTC.
func Now() time.Time {
	return nowFunc()
}

// SetNow подменяет источник времени; возвращает функцию восстановления.
// Только для тестов.
func SetNow(fn func() time.Time) func() {
	prev := nowFunc
	nowFunc = fn
	return func() { nowFunc = prev }
}
