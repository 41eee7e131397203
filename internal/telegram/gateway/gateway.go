package gateway

import (
	"context"
	"fmt"
	"strings"

	"mcptelegram/internal/infra/logger"
	tgauth "mcptelegram/internal/telegram/auth"
	"mcptelegram/internal/telegram/peer"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	gotdauth "github.com/gotd/td/telegram/auth"
	tgpeer "github.com/gotd/td/telegram/message/peer"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Dialog — элемент, который IterDialogs отдаёт индексу диалогов: каноническая
// ссылка на собеседника и отображаемое имя.
type Dialog struct {
	Reference   peer.Reference
	Kind        peer.Kind
	DisplayName string
	Username    string
}

// Gateway — единственная точка доступа к MTProto-соединению процесса.
// Все RPC идут через неё; api и client защищены внутренней сериализацией
// gotd/td (одно TCP-соединение на процесс).
type Gateway struct {
	client   *telegram.Client
	waiter   *floodwait.Waiter
	api      *tg.Client
	phone    string
	resolver PeerResolver
}

// Config описывает параметры подключения, необходимые для построения Gateway.
type Config struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionPath string
}

// New строит MTProto-клиента с флуд-вейт middleware и файловой
// сессией. Сетевое соединение не открывается — только конструирование.
func New(cfg Config, sessionStorage session.Storage) *Gateway {
	waiter := floodwait.NewWaiter().WithCallback(func(ctx context.Context, wait floodwait.FloodWait) {
		logger.Warn("flood wait", zap.Duration("duration", wait.Duration))
	})

	client := telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: sessionStorage,
		Middlewares: []telegram.Middleware{
			waiter,
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "mcptelegram",
			SystemVersion: "linux",
			AppVersion:    "1.0.0",
		},
	})

	return &Gateway{client: client, waiter: waiter, phone: cfg.PhoneNumber}
}

// Run выполняет fn внутри активного MTProto-соединения, оборачивая его
// флуд-вейт ожидателем: waiter.Run(ctx, func(ctx) error { return
// client.Run(ctx, fn) }). Короткие FLOOD_WAIT гасятся middleware-ом,
// длинные всплывают наружу через classifyError.
func (g *Gateway) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.waiter.Run(ctx, func(ctx context.Context) error {
		return g.client.Run(ctx, func(ctx context.Context) error {
			g.api = g.client.API()
			return fn(ctx)
		})
	})
}

// API возвращает сырой tg.Client; валиден только внутри Run.
func (g *Gateway) API() *tg.Client {
	return g.api
}

// Authenticate: если сохранённая сессия валидна, вход происходит без участия
// пользователя; иначе запускается интерактивный поток (код из SMS/приложения,
// затем, если потребуется, 2FA-пароль).
func (g *Gateway) Authenticate(ctx context.Context) error {
	authenticator, err := tgauth.NewTerminalAuthenticator(g.phone)
	if err != nil {
		return &AuthFailedError{Reason: AuthFailedTransport, Err: err}
	}
	defer func() { _ = authenticator.Close() }()

	flow := gotdauth.NewFlow(authenticator, gotdauth.SendCodeOptions{})
	if err := g.client.Auth().IfNecessary(ctx, flow); err != nil {
		reason := AuthFailedTransport
		if errors.Is(err, context.Canceled) {
			reason = AuthFailedCancelled
		} else if isUnauthorizedMessage(err.Error()) {
			reason = AuthFailedBadCredentials
		}
		return &AuthFailedError{Reason: reason, Err: err}
	}
	return nil
}

// IsAuthorized — булева проверка живости сессии через self-lookup;
// ошибка классифицируется либо как Unauthorized, либо как Transport.
func (g *Gateway) IsAuthorized(ctx context.Context) (bool, error) {
	status, err := g.client.Auth().Status(ctx)
	if err != nil {
		return false, classifyError(err)
	}
	return status.Authorized, nil
}

// IterDialogs — конечное перечисление всех диалогов через
// query.GetDialogs(api).Iter(): итератор сам ведёт пагинацию по
// offset_date/offset_id/offset_peer, вручную её дублировать незачем.
func (g *Gateway) IterDialogs(ctx context.Context) ([]Dialog, error) {
	iter := query.GetDialogs(g.api).Iter()
	sink, hasSink := g.resolver.(PeerSink)

	var result []Dialog
	var users []tg.UserClass
	var chats []tg.ChatClass
	for iter.Next(ctx) {
		elem := iter.Value()
		dlg, user, chat, ok := dialogFromInputPeer(elem.Peer, elem.Entities)
		if !ok {
			continue
		}
		result = append(result, dlg)
		if user != nil {
			users = append(users, user)
		}
		if chat != nil {
			chats = append(chats, chat)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, classifyError(err)
	}

	if hasSink {
		if err := sink.SavePeers(ctx, users, chats); err != nil {
			logger.Warn("persist peer entities", zap.Error(err))
		}
	}
	return result, nil
}

func dialogFromInputPeer(p tg.InputPeerClass, entities tgpeer.Entities) (Dialog, tg.UserClass, tg.ChatClass, bool) {
	switch t := p.(type) {
	case *tg.InputPeerUser:
		title, username := "", ""
		var entity tg.UserClass
		if u, ok := entities.User(t.UserID); ok {
			entity = u
			title, username = u.FirstName, u.Username
			if u.LastName != "" {
				title = strings.TrimSpace(title + " " + u.LastName)
			}
		}
		return Dialog{
			Reference:   peer.Reference{ID: t.UserID, IsID: true},
			Kind:        peer.KindUser,
			DisplayName: title,
			Username:    strings.ToLower(username),
		}, entity, nil, true
	case *tg.InputPeerChat:
		title := ""
		var entity tg.ChatClass
		if c, ok := entities.Chat(t.ChatID); ok {
			entity = c
			title = c.Title
		}
		return Dialog{
			Reference:   peer.Reference{ID: peer.ChatStorageID(t.ChatID), IsID: true},
			Kind:        peer.KindChat,
			DisplayName: title,
		}, nil, entity, true
	case *tg.InputPeerChannel:
		title, username := "", ""
		var entity tg.ChatClass
		if c, ok := entities.Channel(t.ChannelID); ok {
			entity = c
			title, username = c.Title, c.Username
		}
		return Dialog{
			Reference:   peer.Reference{ID: peer.ChannelStorageID(t.ChannelID), IsID: true},
			Kind:        peer.KindChannel,
			DisplayName: title,
			Username:    strings.ToLower(username),
		}, nil, entity, true
	default:
		return Dialog{}, nil, nil, false
	}
}

// ResolvePeer по числовому id ищет известный access_hash в peer-менеджере;
// по username резолвит через MTProto напрямую (contacts.resolveUsername под
// капотом gotd peers.Manager). Резолвер назначается через SetResolver после
// открытия peercache внутри Run.
func (g *Gateway) ResolvePeer(ctx context.Context, ref peer.Reference) (tg.InputPeerClass, error) {
	if g.resolver == nil {
		return nil, fmt.Errorf("%w: peer resolver is not ready", ErrTransport)
	}
	if !ref.IsID {
		p, err := g.resolver.ResolveUsername(ctx, ref.Username)
		if err != nil {
			return nil, classifyError(err)
		}
		return p, nil
	}

	kind := peer.ClassifyKind(ref.ID)
	p, err := g.resolver.ResolveID(ctx, kind, peer.BareID(ref.ID))
	if err != nil {
		return nil, classifyError(err)
	}
	return p, nil
}

// PeerResolver — минимальный интерфейс, который Gateway требует от
// кэша пиров (internal/peercache.Cache удовлетворяет ему). Выделен в
// интерфейс, чтобы тесты могли подставить фиктивную реализацию.
type PeerResolver interface {
	ResolveUsername(ctx context.Context, username string) (tg.InputPeerClass, error)
	ResolveID(ctx context.Context, kind peer.Kind, id int64) (tg.InputPeerClass, error)
}

// PeerSink принимает сущности users/chats, попутно возвращаемые MTProto-ответами;
// peercache.Cache реализует его, чтобы access_hash-и переживали перезапуск.
type PeerSink interface {
	SavePeers(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) error
}

// SetResolver подключает кэш пиров. Вызывается один раз после открытия
// peercache внутри Run, до первого обращения к ResolvePeer/History.
func (g *Gateway) SetResolver(r PeerResolver) {
	g.resolver = r
}

// History — составная операция для Sync Worker-а и Tool Dispatcher-а:
// ResolvePeer + IterHistory одним вызовом, чтобы вызывающие слои работали
// только с peer.Reference и нормализованными Message, не видя tg.InputPeerClass.
func (g *Gateway) History(ctx context.Context, ref peer.Reference, opts HistoryOptions) ([]Message, error) {
	p, err := g.ResolvePeer(ctx, ref)
	if err != nil {
		return nil, err
	}
	return g.IterHistory(ctx, p, opts)
}

// HistoryOptions параметризует IterHistory. Reverse=false отдаёт сообщения
// в серверном порядке (новые первыми); Reverse=true — по возрастанию id.
type HistoryOptions struct {
	Limit     int
	ChunkSize int
	Reverse   bool
	OffsetID  int
	MinID     int
	MaxID     int
}

// IterHistory читает историю заданного peer постранично через
// messages.getHistory, нормализуя каждое сообщение в Message.
// Останавливается, когда набрано Limit сообщений или сервер вернул
// пустую страницу.
func (g *Gateway) IterHistory(ctx context.Context, p tg.InputPeerClass, opts HistoryOptions) ([]Message, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = 100
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = chunk
	}

	var result []Message
	offsetID := opts.OffsetID
	minID := opts.MinID

	for len(result) < limit {
		want := chunk
		if remaining := limit - len(result); remaining < want {
			want = remaining
		}

		req := &tg.MessagesGetHistoryRequest{
			Peer:     p,
			Limit:    want,
			OffsetID: offsetID,
			MinID:    minID,
		}
		if opts.MaxID > 0 {
			req.MaxID = opts.MaxID
		}

		resp, err := g.api.MessagesGetHistory(ctx, req)
		if err != nil {
			return result, classifyError(err)
		}

		batch, err := normalizeHistoryResponse(resp, p)
		if err != nil {
			return result, err
		}

		if len(batch) == 0 {
			break
		}

		result = append(result, batch...)
		offsetID = batch[len(batch)-1].ID
	}

	if opts.Reverse {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	return result, nil
}

func normalizeHistoryResponse(resp tg.MessagesMessagesClass, p tg.InputPeerClass) ([]Message, error) {
	var messages []tg.MessageClass
	var users []tg.UserClass
	var chats []tg.ChatClass

	switch hist := resp.(type) {
	case *tg.MessagesMessages:
		messages, users, chats = hist.Messages, hist.Users, hist.Chats
	case *tg.MessagesMessagesSlice:
		messages, users, chats = hist.Messages, hist.Users, hist.Chats
	case *tg.MessagesChannelMessages:
		messages, users, chats = hist.Messages, hist.Users, hist.Chats
	default:
		return nil, fmt.Errorf("%w: unexpected history response type %T", ErrTransport, resp)
	}

	return NormalizeMessages(messages, users, chats, p), nil
}
