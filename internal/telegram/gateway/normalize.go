package gateway

import (
	"strconv"
	"strings"

	"github.com/gotd/td/tg"
)

// Message — общая запись, в которую Message Normalizer превращает
// любой *tg.Message: дальше по цепочке (Archive Store, Tool Dispatcher) код
// видит только этот тип, а не duck-typed объект библиотеки gotd/td.
type Message struct {
	ID       int
	Date     *int64
	Text     string
	FromID   string
	PeerType string
	PeerID   int64
	Raw      *tg.Message
}

const unknownSender = "unknown"

// NormalizeMessages: на вход — сырые *tg.MessageClass вместе
// с сопутствующими users/chats (возвращаемыми тем же RPC-ответом) и peer, с
// которым велась история (нужен как отправитель для приватных чатов, где
// FromID у сообщения не заполняется). На выход — нормализованные записи,
// duck-typed объекты библиотеки дальше по цепочке не участвуют.
func NormalizeMessages(messages []tg.MessageClass, users []tg.UserClass, chats []tg.ChatClass, p tg.InputPeerClass) []Message {
	userNames := make(map[int64]string, len(users))
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			userNames[user.ID] = displayName(user)
		}
	}
	chatNames := make(map[int64]string, len(chats))
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Chat:
			chatNames[chat.ID] = chat.Title
		case *tg.Channel:
			chatNames[chat.ID] = chat.Title
		}
	}

	peerType, peerID := classifyPeer(p)

	result := make([]Message, 0, len(messages))
	for _, raw := range messages {
		msg, ok := raw.(*tg.Message)
		if !ok {
			continue
		}

		normalized := Message{
			ID:       msg.ID,
			Text:     extractText(msg),
			PeerType: peerType,
			PeerID:   peerID,
			Raw:      msg,
		}
		if msg.Date != 0 {
			d := int64(msg.Date)
			normalized.Date = &d
		}

		normalized.FromID = extractFromID(msg, p, userNames, chatNames)

		result = append(result, normalized)
	}
	return result
}

// extractText берёт text из первого непустого источника: msg.Message (с
// развёрнутой entity-разметкой — скрытые ссылки дописываются в плоский текст),
// иначе — плоское представление rich-text поля медиа (вопрос опроса, заголовок
// или описание веб-страницы).
func extractText(msg *tg.Message) string {
	if msg.Message != "" {
		return flattenRichText(tg.TextWithEntities{Text: msg.Message, Entities: msg.Entities})
	}
	return mediaText(msg.Media)
}

// mediaText достаёт текстовое содержимое из сообщений без текстового поля:
// опросы и веб-превью несут его внутри медиа-объекта.
func mediaText(media tg.MessageMediaClass) string {
	switch m := media.(type) {
	case *tg.MessageMediaPoll:
		return flattenRichText(m.Poll.Question)
	case *tg.MessageMediaWebPage:
		if page, ok := m.Webpage.(*tg.WebPage); ok {
			if page.Title != "" {
				return page.Title
			}
			return page.Description
		}
	}
	return ""
}

// flattenRichText разворачивает rich-text поле до плоского текста: цель каждой
// text-url разметки дописывается следом за текстом, но только если её экстент
// действительно указывает внутрь строки (смещения проверяются в единицах
// UTF-16, как их кодирует протокол).
func flattenRichText(rt tg.TextWithEntities) string {
	if rt.Text == "" || len(rt.Entities) == 0 {
		return rt.Text
	}

	var b strings.Builder
	b.WriteString(rt.Text)
	for _, e := range rt.Entities {
		ent, ok := e.(*tg.MessageEntityTextURL)
		if !ok || ent.URL == "" {
			continue
		}
		if anchor := extractSubstring(rt.Text, ent.Offset, ent.Length); anchor != "" {
			b.WriteString(" (")
			b.WriteString(ent.URL)
			b.WriteString(")")
		}
	}
	return b.String()
}

// extractSubstring вырезает подстроку по смещениям в code unit-ах UTF-16:
// именно в них Telegram считает позиции entity (эмодзи — 2 единицы, прочие
// символы — 1). Некорректный экстент даёт пустую строку.
func extractSubstring(s string, offset, length int) string {
	if offset < 0 || length <= 0 {
		return ""
	}

	runes := []rune(s)
	end := offset + length

	pos := 0
	start := -1
	stop := -1

	for i, r := range runes {
		if pos >= offset && start < 0 {
			start = i
		}
		if r > 0xFFFF {
			pos += 2
		} else {
			pos++
		}
		if pos >= end {
			stop = i + 1
			break
		}
	}

	if start < 0 || stop < 0 {
		return ""
	}

	return string(runes[start:stop])
}

func extractFromID(msg *tg.Message, fallback tg.InputPeerClass, userNames, chatNames map[int64]string) string {
	if msg.FromID != nil {
		if id, ok := peerClassID(msg.FromID); ok {
			return strconv.FormatInt(id, 10)
		}
	}
	if id, ok := inputPeerClassID(fallback); ok {
		return strconv.FormatInt(id, 10)
	}
	return unknownSender
}

func peerClassID(p tg.PeerClass) (int64, bool) {
	switch t := p.(type) {
	case *tg.PeerUser:
		return t.UserID, true
	case *tg.PeerChat:
		return t.ChatID, true
	case *tg.PeerChannel:
		return t.ChannelID, true
	default:
		return 0, false
	}
}

func inputPeerClassID(p tg.InputPeerClass) (int64, bool) {
	switch t := p.(type) {
	case *tg.InputPeerUser:
		return t.UserID, true
	case *tg.InputPeerChat:
		return t.ChatID, true
	case *tg.InputPeerChannel:
		return t.ChannelID, true
	default:
		return 0, false
	}
}

func classifyPeer(p tg.InputPeerClass) (string, int64) {
	switch t := p.(type) {
	case *tg.InputPeerUser:
		return "user", t.UserID
	case *tg.InputPeerChat:
		return "chat", t.ChatID
	case *tg.InputPeerChannel:
		return "channel", t.ChannelID
	default:
		return "unknown", 0
	}
}

func displayName(u *tg.User) string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}
