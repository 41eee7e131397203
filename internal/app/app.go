// Package app — верхний уровень управления жизненным циклом mcptelegram.
// Здесь сервисы собираются и запускаются в правильном порядке: Archive Store →
// MTProto-шлюз → кэш пиров → Dialog Index → Sync Worker → Transport Host, а
// гасятся при завершении в порядке Transport Host → Sync Worker (он же
// закрывает Archive Store) → кэш пиров → MTProto-шлюз. Бизнес-назначение: стабильный старт
// и предсказуемый shutdown, при котором фоновый синхронизатор успевает
// дописать текущее задание до закрытия базы.
package app

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"mcptelegram/internal/archive"
	"mcptelegram/internal/infra/config"
	"mcptelegram/internal/infra/logger"
	tgsession "mcptelegram/internal/infra/telegram/session"
	"mcptelegram/internal/mcptools"
	"mcptelegram/internal/peercache"
	"mcptelegram/internal/syncworker"
	"mcptelegram/internal/telegram/dialogindex"
	"mcptelegram/internal/telegram/gateway"
	"mcptelegram/internal/transport"

	"github.com/go-faster/errors"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const (
	appName    = "mcptelegram"
	appVersion = "1.0.0"

	peersDBFile = "peers.db"
)

// App агрегирует долгоживущие подсистемы процесса. Конструируется один раз в
// main и владеет порядком их запуска/остановки — никаких скрытых глобалов.
type App struct {
	env   config.EnvConfig
	store *archive.Store
	gw    *gateway.Gateway

	mainCtx context.Context
	stop    context.CancelFunc
}

// NewApp возвращает пустой App; вся инициализация — в Init.
func NewApp() *App {
	return &App{}
}

// Init открывает Archive Store и конструирует MTProto-шлюз. Сетевые операции
// здесь не выполняются; ошибка любой из инициализаций фатальна для процесса
// (выход с кодом 1).
func (a *App) Init(ctx context.Context, stop context.CancelFunc) error {
	a.env = config.Env()
	a.mainCtx = ctx
	a.stop = stop

	if err := os.MkdirAll(a.env.DataDir, 0o700); err != nil {
		return errors.Wrap(err, "ensure data dir")
	}

	store, err := archive.Open(a.env.ArchiveDBPath)
	if err != nil {
		return errors.Wrap(err, "open archive store")
	}
	a.store = store

	a.gw = gateway.New(gateway.Config{
		APIID:       a.env.APIID,
		APIHash:     a.env.APIHash,
		PhoneNumber: a.env.PhoneNumber,
		SessionPath: a.env.SessionPath,
	}, &tgsession.FileStorage{Path: a.env.SessionPath})

	return nil
}

// Run держит MTProto-соединение открытым на всё время жизни процесса и внутри
// него поднимает остальные подсистемы. Блокируется до отмены mainCtx.
func (a *App) Run() error {
	return a.gw.Run(a.mainCtx, func(ctx context.Context) error {
		if err := a.gw.Authenticate(ctx); err != nil {
			return errors.Wrap(err, "authenticate")
		}
		logger.Info("telegram session ready")

		cache, err := peercache.Open(a.gw.API(), filepath.Join(a.env.DataDir, peersDBFile))
		if err != nil {
			return errors.Wrap(err, "open peer cache")
		}
		defer func() {
			if closeErr := cache.Close(); closeErr != nil {
				logger.Warn("close peer cache", zap.Error(closeErr))
			}
		}()
		if err = cache.WarmUp(ctx); err != nil {
			logger.Warn("peer cache warm-up", zap.Error(err))
		}
		a.gw.SetResolver(cache)

		index := dialogindex.New(a.gw)
		if err = index.Initialize(ctx); err != nil {
			return errors.Wrap(err, "initialize dialog index")
		}
		logger.Info("dialog index ready", zap.Int("dialogs", len(index.List(0))))

		worker := syncworker.New(a.store, a.gw, syncworker.Config{
			BatchSize:       a.env.SyncBatchSize,
			InterJobDelay:   time.Duration(a.env.SyncInterJobDelaySeconds) * time.Second,
			InterBatchDelay: time.Duration(a.env.SyncInterBatchDelayMillis) * time.Millisecond,
			BatchJitter:     200 * time.Millisecond,
		})
		worker.Start(ctx)

		mcpServer := server.NewMCPServer(appName, appVersion,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		)
		mcptools.New(index, a.gw, a.gw, a.store, worker).Register(mcpServer)

		host := transport.New(mcpServer, a.env.MCPHost, a.env.MCPPort)
		host.Start()

		// Недоделанные с прошлого запуска задания подбираются сразу после
		// готовности индекса.
		worker.Resume()

		<-ctx.Done()
		logger.Info("shutting down")

		// Порядок остановки: перестать принимать соединения, дождаться воркера
		// (он закрывает базу), затем закрыть MTProto возвратом из Run.
		if shutdownErr := host.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("mcp host shutdown", zap.Error(shutdownErr))
		}
		worker.Shutdown()

		return nil
	})
}
