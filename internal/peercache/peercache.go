// Пакет peercache хранит access_hash-и собеседников Telegram на диске (bbolt),
// чтобы после перезапуска процесса не приходилось заново резолвить username в
// числовой id через MTProto. Это чистый кэш: единственный источник правды для
// списка диалогов — MTProto messages.getDialogs, вызываемый заново при каждом
// старте (см. internal/telegram/dialogindex); peercache лишь ускоряет
// повторное обращение к уже виденным собеседникам между перезапусками.
package peercache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mcptelegram/internal/telegram/peer"

	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const (
	peersBucketName                   = "peers"
	dbOpenTimeout                     = time.Second
	dbFileMode            os.FileMode = 0o600
)

var peersBucketBytes = []byte(peersBucketName)

// Cache оборачивает gotd peers.Manager персистентным хранилищем access_hash
// на bbolt. Методы безопасны для конкурентного вызова — peers.Manager и
// contribstorage.PeerStorage сами синхронизируют доступ.
type Cache struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	Mgr   *peers.Manager
}

// Open открывает (создавая при необходимости) файл кэша по пути dbPath и
// строит поверх него peers.Manager для клиента api.
func Open(api *tg.Client, dbPath string) (*Cache, error) {
	if api == nil {
		return nil, errors.New("peercache: api client is nil")
	}
	if dbPath == "" {
		return nil, errors.New("peercache: db path is empty")
	}

	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("peercache: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(dbPath, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("peercache: open db: %w", err)
	}

	cache := &Cache{
		db:    db,
		store: bboltdb.NewPeerStorage(db, peersBucketBytes),
		Mgr:   (peers.Options{}).Build(api),
	}
	return cache, nil
}

// Close закрывает файл базы данных.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Store возвращает персистентное хранилище пиров, пригодное как
// UpdateHook/CollectPeers-приёмник из gotd/contrib.
func (c *Cache) Store() contribstorage.PeerStorage {
	return c.store
}

// WarmUp загружает ранее сохранённые сущности пиров из bbolt в оперативный
// peers.Manager. Вызывается один раз при старте, до первого обращения к
// диалогам — так резолвинг сразу видит ранее известных собеседников без
// сетевого запроса.
func (c *Cache) WarmUp(ctx context.Context) error {
	iter, err := c.store.Iterate(ctx)
	if err != nil {
		if errors.Is(err, contribstorage.ErrPeerNotFound) {
			return nil
		}
		return fmt.Errorf("peercache: iterate stored peers: %w", err)
	}
	defer func() { _ = iter.Close() }()

	var users []tg.UserClass
	var chats []tg.ChatClass

	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{ID: value.Key.ID, AccessHash: value.Key.AccessHash}
			}
			chats = append(chats, channel)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("peercache: iterate stored peers: %w", err)
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return c.Mgr.Apply(ctx, users, chats)
}

// SavePeers применяет свежие сущности к оперативному peers.Manager и
// сохраняет их access_hash-и в bbolt. Вызывается Gateway-ем как побочный
// эффект перечисления диалогов: всё, что сервер вернул в entities, остаётся
// доступным для резолвинга после перезапуска.
func (c *Cache) SavePeers(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) error {
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	if err := c.Mgr.Apply(ctx, users, chats); err != nil {
		return fmt.Errorf("peercache: apply entities: %w", err)
	}

	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		var p contribstorage.Peer
		if ok := p.FromUser(user); !ok {
			continue
		}
		if err := c.store.Add(ctx, p); err != nil {
			return fmt.Errorf("peercache: store user %d: %w", user.ID, err)
		}
	}
	for _, ch := range chats {
		var p contribstorage.Peer
		switch ch.(type) {
		case *tg.Chat, *tg.Channel:
			if ok := p.FromChat(ch); !ok {
				continue
			}
		default:
			continue
		}
		if err := c.store.Add(ctx, p); err != nil {
			return fmt.Errorf("peercache: store chat: %w", err)
		}
	}
	return nil
}

// ResolveUsername возвращает InputPeer для username, при необходимости
// выполняя contacts.resolveUsername через MTProto (gotd peers.Manager кэширует
// результат в памяти; access_hash дополнительно оседает в bbolt при следующем
// SavePeers).
func (c *Cache) ResolveUsername(ctx context.Context, username string) (tg.InputPeerClass, error) {
	p, err := c.Mgr.ResolveDomain(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("peercache: resolve username %q: %w", username, err)
	}
	return p.InputPeer(), nil
}

// ResolveID возвращает InputPeer по типу и «голому» числовому id (для каналов —
// без префикса "-100"; преобразование делает вызывающий через peer.BareID).
func (c *Cache) ResolveID(ctx context.Context, kind peer.Kind, id int64) (tg.InputPeerClass, error) {
	switch kind {
	case peer.KindUser:
		user, err := c.Mgr.ResolveUserID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("peercache: resolve user %d: %w", id, err)
		}
		return user.InputPeer(), nil
	case peer.KindChat:
		chat, err := c.Mgr.ResolveChatID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("peercache: resolve chat %d: %w", id, err)
		}
		return chat.InputPeer(), nil
	case peer.KindChannel:
		channel, err := c.Mgr.ResolveChannelID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("peercache: resolve channel %d: %w", id, err)
		}
		return channel.InputPeer(), nil
	default:
		return nil, fmt.Errorf("peercache: unsupported peer kind %q", kind)
	}
}
