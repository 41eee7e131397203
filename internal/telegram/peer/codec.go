// Пакет peer реализует кодек внешних идентификаторов собеседников Telegram:
// числовой id (signed 64-bit, включая отрицательные id супергрупп/каналов с
// префиксом "-100…") или имя пользователя (с опциональным "@"). Кодек чистый
// и тотальный: для любого допустимого входа он детерминированно возвращает
// Reference или ошибку ErrInvalidPeerID.
//
// Числовая строка (в том числе с префиксом "-100") сохраняется буквально (не
// режется и не достраивается); нечисловая строка трактуется как username,
// кроме смешанного ввода вида "12abc", который отклоняется.
package peer

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidPeerID возвращается для пустой строки, NaN-значения или смешанного
// по смыслу ввода (например, "12abc").
var ErrInvalidPeerID = errors.New("invalid peer id")

// Kind классифицирует собеседника по типу сущности Telegram.
type Kind string

const (
	KindUser    Kind = "user"
	KindChat    Kind = "chat"
	KindChannel Kind = "channel"
)

// Reference — нормализованная ссылка на собеседника: либо числовой id (IsID=true),
// либо username в нижнем регистре без ведущего "@" (IsID=false).
type Reference struct {
	ID       int64
	Username string
	IsID     bool
}

// String возвращает каноническое текстовое представление ссылки, пригодное
// для использования как ключ индекса диалогов или строки БД.
func (r Reference) String() string {
	if r.IsID {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Username
}

// Decode нормализует произвольный внешний идентификатор (число, числовая строка
// или имя пользователя) в Reference. Принимает int, int64, float64 или string —
// ровно то множество форм, в котором JSON-RPC параметры инструментов приходят
// на вход (channelId: number | string).
func Decode(raw any) (Reference, error) {
	switch v := raw.(type) {
	case int:
		return Reference{ID: int64(v), IsID: true}, nil
	case int64:
		return Reference{ID: v, IsID: true}, nil
	case float64:
		// encoding/json декодирует числа в float64; значение обязано быть целым.
		if v != float64(int64(v)) {
			return Reference{}, ErrInvalidPeerID
		}
		return Reference{ID: int64(v), IsID: true}, nil
	case string:
		return decodeString(v)
	default:
		return Reference{}, ErrInvalidPeerID
	}
}

func decodeString(raw string) (Reference, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Reference{}, ErrInvalidPeerID
	}

	if looksNumeric(s) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Reference{}, ErrInvalidPeerID
		}
		return Reference{ID: id, IsID: true}, nil
	}

	username := strings.ToLower(strings.TrimPrefix(s, "@"))
	if username == "" {
		return Reference{}, ErrInvalidPeerID
	}
	// Смешанный ввод вида "12abc" — не username (имена в Telegram не
	// начинаются с цифры или знака) и не число; отклоняем.
	if c := username[0]; c == '+' || c == '-' || (c >= '0' && c <= '9') {
		return Reference{}, ErrInvalidPeerID
	}
	return Reference{Username: username, IsID: false}, nil
}

// looksNumeric проверяет, что строка целиком состоит из опционального знака и
// цифр — то есть не является смешанным вводом вида "12abc".
func looksNumeric(s string) bool {
	i := 0
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		i = 1
	}
	if i == len(s) {
		return false
	}
	for ; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ClassifyKind определяет тип собеседника по знаку/величине числового id, следуя
// соглашению MTProto: положительные id — пользователи, отрицательные с префиксом
// "-100" — каналы/супергруппы, прочие отрицательные — обычные группы (chat).
func ClassifyKind(id int64) Kind {
	switch {
	case id > 0:
		return KindUser
	case strings.HasPrefix(strconv.FormatInt(id, 10), "-100"):
		return KindChannel
	default:
		return KindChat
	}
}

// channelIDMarker — величина, на которую MTProto сдвигает "голый" id канала,
// формируя его внешнее представление с префиксом "-100" (см. ClassifyKind).
// Используется, чтобы хранить и сравнивать каналы в Dialog Index в том же
// виде, в каком их id приходит снаружи (через tools/listChannels), не
// теряя обратимости при обращении к tg.InputPeerChannel.ChannelID.
const channelIDMarker = int64(1000000000000)

// ChannelStorageID переводит "голый" ChannelID из tg.InputPeerChannel во
// внешний вид с префиксом "-100", которым оперируют Dialog Index и кодек.
func ChannelStorageID(channelID int64) int64 {
	return -channelIDMarker - channelID
}

// FromChannelStorageID — обратное преобразование: из внешнего id с префиксом
// "-100" восстанавливает голый ChannelID, ожидаемый tg.InputPeerChannel.
func FromChannelStorageID(storageID int64) int64 {
	return -channelIDMarker - storageID
}

// ChatStorageID переводит голый ChatID обычной группы во внешний отрицательный
// вид (Telegram снаружи отличает группы от пользователей знаком id).
func ChatStorageID(chatID int64) int64 {
	return -chatID
}

// BareID восстанавливает голый id, ожидаемый MTProto-запросами, из внешнего
// канонического вида: для каналов снимает префикс "-100", для групп — знак,
// id пользователей возвращает как есть.
func BareID(storageID int64) int64 {
	switch ClassifyKind(storageID) {
	case KindChannel:
		return FromChannelStorageID(storageID)
	case KindChat:
		return -storageID
	default:
		return storageID
	}
}
