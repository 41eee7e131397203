// Package throttle — прерываемые паузы для фонового синхронизатора.
// Все ожидания (между батчами истории, между заданиями, FLOOD_WAIT) идут через
// select между таймером и контекстом: shutdown снимает паузу немедленно, не
// дожидаясь конца интервала. Джиттер между батчами размывает нагрузку на
// MTProto, чтобы последовательность запросов не выглядела машинной.
package throttle

import (
	"context"
	"math/rand/v2"
	"time"
)

// Sleep блокируется на duration или до отмены ctx. Возвращает false, если
// ожидание было прервано контекстом — вызывающий цикл должен завершаться.
func Sleep(ctx context.Context, duration time.Duration) bool {
	if duration <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(duration)
	defer stopTimer(timer)

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SleepJitter ждёт случайный интервал в [base, base+spread) — пауза между
// батчами истории.
func SleepJitter(ctx context.Context, base, spread time.Duration) bool {
	d := base
	if spread > 0 {
		d += time.Duration(rand.Int64N(int64(spread)))
	}
	return Sleep(ctx, d)
}

// stopTimer гасит таймер и вычитывает канал, если срабатывание уже произошло,
// чтобы не оставлять висящих значений.
func stopTimer(timer *time.Timer) {
	if timer.Stop() {
		return
	}
	select {
	case <-timer.C:
	default:
	}
}
