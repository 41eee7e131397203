package gateway

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestNormalizeMessages(t *testing.T) {
	t.Parallel()

	channel := &tg.InputPeerChannel{ChannelID: 1234, AccessHash: 99}
	raw := []tg.MessageClass{
		&tg.Message{
			ID:      250,
			Date:    1700000000,
			Message: "hello world",
			FromID:  &tg.PeerUser{UserID: 42},
		},
		&tg.Message{
			ID:      251,
			Message: "no date",
		},
		&tg.MessageService{ID: 252}, // служебные сообщения пропускаются
	}

	got := NormalizeMessages(raw, nil, nil, channel)
	if len(got) != 2 {
		t.Fatalf("NormalizeMessages() returned %d messages, want 2", len(got))
	}

	first := got[0]
	if first.ID != 250 || first.Text != "hello world" {
		t.Fatalf("first message = %+v", first)
	}
	if first.Date == nil || *first.Date != 1700000000 {
		t.Fatalf("first message date = %v, want 1700000000", first.Date)
	}
	if first.FromID != "42" {
		t.Fatalf("first message fromID = %q, want %q", first.FromID, "42")
	}
	if first.PeerType != "channel" || first.PeerID != 1234 {
		t.Fatalf("first message peer = %s/%d", first.PeerType, first.PeerID)
	}

	second := got[1]
	if second.Date != nil {
		t.Fatalf("second message date = %v, want nil", second.Date)
	}
	// Без FromID отправителем считается сам peer истории.
	if second.FromID != "1234" {
		t.Fatalf("second message fromID = %q, want %q", second.FromID, "1234")
	}
}

func TestNormalizeMessagesUnknownSender(t *testing.T) {
	t.Parallel()

	raw := []tg.MessageClass{&tg.Message{ID: 1, Message: "x"}}
	got := NormalizeMessages(raw, nil, nil, &tg.InputPeerEmpty{})
	if len(got) != 1 {
		t.Fatalf("NormalizeMessages() returned %d messages, want 1", len(got))
	}
	if got[0].FromID != "unknown" {
		t.Fatalf("fromID = %q, want %q", got[0].FromID, "unknown")
	}
}

func TestExtractTextFlattensHiddenLinks(t *testing.T) {
	t.Parallel()

	msg := &tg.Message{
		ID:      1,
		Message: "читай тут",
		Entities: []tg.MessageEntityClass{
			&tg.MessageEntityTextURL{Offset: 6, Length: 3, URL: "https://example.com/post"},
		},
	}
	if got := extractText(msg); got != "читай тут (https://example.com/post)" {
		t.Fatalf("extractText() = %q", got)
	}

	// Экстент за пределами текста отбрасывается, цель ссылки не дописывается.
	msg.Entities = []tg.MessageEntityClass{
		&tg.MessageEntityTextURL{Offset: 50, Length: 3, URL: "https://example.com"},
	}
	if got := extractText(msg); got != "читай тут" {
		t.Fatalf("extractText() with bogus extent = %q", got)
	}
}

func TestExtractTextMediaFallback(t *testing.T) {
	t.Parallel()

	poll := &tg.Message{ID: 1, Media: &tg.MessageMediaPoll{
		Poll: tg.Poll{Question: tg.TextWithEntities{Text: "Какой вариант лучше?"}},
	}}
	if got := extractText(poll); got != "Какой вариант лучше?" {
		t.Fatalf("extractText(poll) = %q", got)
	}

	page := &tg.Message{ID: 2, Media: &tg.MessageMediaWebPage{
		Webpage: &tg.WebPage{Title: "Release notes", Description: "v1.0"},
	}}
	if got := extractText(page); got != "Release notes" {
		t.Fatalf("extractText(webpage) = %q", got)
	}

	bare := &tg.Message{ID: 3, Media: &tg.MessageMediaWebPage{
		Webpage: &tg.WebPage{Description: "only description"},
	}}
	if got := extractText(bare); got != "only description" {
		t.Fatalf("extractText(webpage/description) = %q", got)
	}
}

func TestExtractSubstring(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		s      string
		offset int
		length int
		want   string
	}{
		{name: "ascii", s: "hello world", offset: 6, length: 5, want: "world"},
		{name: "cyrillic", s: "читай тут", offset: 6, length: 3, want: "тут"},
		// Эмодзи вне BMP занимает два code unit-а UTF-16.
		{name: "afterEmoji", s: "🚀 go", offset: 3, length: 2, want: "go"},
		{name: "emojiItself", s: "🚀 go", offset: 0, length: 2, want: "🚀"},
		{name: "outOfRange", s: "short", offset: 40, length: 3, want: ""},
		{name: "zeroLength", s: "short", offset: 0, length: 0, want: ""},
		{name: "negativeOffset", s: "short", offset: -1, length: 2, want: ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := extractSubstring(tc.s, tc.offset, tc.length); got != tc.want {
				t.Fatalf("extractSubstring(%q, %d, %d) = %q, want %q", tc.s, tc.offset, tc.length, got, tc.want)
			}
		})
	}
}
