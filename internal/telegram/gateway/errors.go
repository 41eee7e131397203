// Пакет gateway инкапсулирует единственное MTProto-соединение процесса:
// авторизацию, проверку сессии, перечисление диалогов, резолвинг собеседников
// и постраничное чтение истории. Диспетчера апдейтов здесь нет намеренно:
// push-модель апдейтов этой системе не нужна, только вызовы по запросу
// инструментов и фонового синхронизатора.
package gateway

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"mcptelegram/internal/mcperr"
)

// ErrUnauthorized, ErrNotFound и ErrTransport реэкспортируют общую
// таксономию mcperr, чтобы вызывающий код мог проверять их через
// errors.Is независимо от того, идёт ли ошибка из Gateway напрямую или
// после дополнительного оборачивания в вышестоящих слоях.
var (
	ErrUnauthorized = mcperr.ErrUnauthorized
	ErrNotFound     = mcperr.ErrNotFound
	ErrTransport    = mcperr.ErrTransport
)

// FloodWaitError сигнализирует о серверном FLOOD_WAIT_n; Seconds — сколько
// нужно подождать перед повтором. Обрабатывается только внутри Sync Worker-а;
// для прямых вызовов инструментов пробрасывается как есть.
type FloodWaitError = mcperr.FloodWaitError

// floodWaitRe и floodWaitPhraseRe разбирают оба формата, которыми MTProto и
// обёртки gotd сообщают о необходимости подождать: "FLOOD_WAIT_42" и
// "wait of 42 seconds is required".
var (
	floodWaitRe       = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)
	floodWaitPhraseRe = regexp.MustCompile(`wait of (\d+) seconds is required`)
)

// AuthFailedReason перечисляет причины неудачной авторизации.
type AuthFailedReason string

const (
	AuthFailedBadCredentials AuthFailedReason = "bad-credentials"
	AuthFailedCancelled      AuthFailedReason = "cancelled"
	AuthFailedTransport      AuthFailedReason = "transport"
)

// AuthFailedError оборачивает причину отказа авторизации вместе с исходной ошибкой.
type AuthFailedError struct {
	Reason AuthFailedReason
	Err    error
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("auth failed (%s): %v", e.Reason, e.Err)
}

func (e *AuthFailedError) Unwrap() error { return e.Err }

// classifyError сперва распознаёт FLOOD_WAIT (по двум
// форматам сообщений), затем Unauthorized-маркеры, иначе считает ошибку
// транспортной. Разбирает текст err.Error(), в который входят сообщения
// всей цепочки обёрток; errors.Unwrap не используется.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	if m := floodWaitRe.FindStringSubmatch(msg); m != nil {
		if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &FloodWaitError{Seconds: secs}
		}
	}
	if m := floodWaitPhraseRe.FindStringSubmatch(msg); m != nil {
		if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
			return &FloodWaitError{Seconds: secs}
		}
	}

	if isUnauthorizedMessage(msg) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	}

	return fmt.Errorf("%w: %s", ErrTransport, msg)
}

func isUnauthorizedMessage(msg string) bool {
	upper := strings.ToUpper(msg)
	markers := []string{"AUTH_KEY", "SESSION_PASSWORD_NEEDED", "401"}
	for _, marker := range markers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
