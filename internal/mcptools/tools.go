// Package mcptools реализует Tool Dispatcher: пять MCP-инструментов
// поверх Dialog Index, Telegram Gateway и Archive Store / Sync Worker. Каждый
// хендлер сперва проверяет авторизацию, валидирует параметры и только затем
// обращается к нижним слоям; доменные ошибки уходят клиенту как tool error с
// человекочитаемым текстом, не роняя MCP-сессию.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"mcptelegram/internal/archive"
	"mcptelegram/internal/mcperr"
	"mcptelegram/internal/telegram/dialogindex"
	"mcptelegram/internal/telegram/gateway"
	"mcptelegram/internal/telegram/peer"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"
)

// Значения по умолчанию и границы параметров.
const (
	defaultListLimit     = 50
	defaultSearchLimit   = 100
	defaultMessagesLimit = 100
	defaultSyncDepth     = 1000
	maxSyncDepth         = 50000

	// historyRPS ограничивает частоту живых обращений к истории через
	// единственное MTProto-соединение, чтобы агрессивный агент не
	// спровоцировал FLOOD_WAIT на весь процесс.
	historyRPS   = 1
	historyBurst = 3
)

// ChannelIndex — нужная диспетчеру часть Dialog Index.
type ChannelIndex interface {
	List(limit int) []dialogindex.Entry
	Search(keyword string, limit int) []dialogindex.Entry
	Lookup(ctx context.Context, ref peer.Reference) (dialogindex.Entry, error)
}

// AuthProbe — проверка живости сессии перед каждым вызовом инструмента.
type AuthProbe interface {
	IsAuthorized(ctx context.Context) (bool, error)
}

// HistorySource — живое чтение истории через Gateway.
type HistorySource interface {
	History(ctx context.Context, ref peer.Reference, opts gateway.HistoryOptions) ([]gateway.Message, error)
}

// JobStore — операции Archive Store, нужные инструментам синхронизации.
type JobStore interface {
	UpsertJob(channelID, peerTitle, peerType string, target int) (*archive.Job, error)
	ListJobs() ([]archive.Job, error)
}

// Scheduler будит Sync Worker после постановки задания.
type Scheduler interface {
	Resume()
}

// Dispatcher связывает пять инструментов с подсистемами процесса.
type Dispatcher struct {
	index   ChannelIndex
	auth    AuthProbe
	source  HistorySource
	jobs    JobStore
	worker  Scheduler
	limiter *rate.Limiter
}

// New собирает диспетчер; все зависимости обязательны.
func New(index ChannelIndex, auth AuthProbe, source HistorySource, jobs JobStore, worker Scheduler) *Dispatcher {
	return &Dispatcher{
		index:   index,
		auth:    auth,
		source:  source,
		jobs:    jobs,
		worker:  worker,
		limiter: rate.NewLimiter(rate.Limit(historyRPS), historyBurst),
	}
}

// Register объявляет инструменты на MCP-сервере;
// channelId описан строкой, но хендлеры принимают и число, и строку —
// нормализация выполняется Peer Codec-ом.
func (d *Dispatcher) Register(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("listChannels",
			mcp.WithDescription("List dialogs (channels, groups, users) visible to the account, most recently active first"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries to return (default 50)")),
		),
		mcp.NewTypedToolHandler(d.handleListChannels),
	)

	s.AddTool(
		mcp.NewTool("searchChannels",
			mcp.WithDescription("Search dialogs by case-insensitive substring of title or username"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("keywords", mcp.Required(), mcp.Description("Substring to match against dialog titles and usernames")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of matches to return (default 100)")),
		),
		mcp.NewTypedToolHandler(d.handleSearchChannels),
	)

	s.AddTool(
		mcp.NewTool("getChannelMessages",
			mcp.WithDescription("Fetch recent messages of a channel directly from Telegram, optionally filtered by a regular expression"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("channelId", mcp.Required(), mcp.Description("Channel ID (signed number) or @username")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages to fetch (default 100)")),
			mcp.WithString("filterPattern", mcp.Description("Optional RE2 regular expression applied to message text")),
		),
		mcp.NewTypedToolHandler(d.handleGetChannelMessages),
	)

	s.AddTool(
		mcp.NewTool("scheduleMessageSync",
			mcp.WithDescription("Schedule background archiving of a channel's history up to the requested depth"),
			mcp.WithString("channelId", mcp.Required(), mcp.Description("Channel ID (signed number) or @username")),
			mcp.WithNumber("depth", mcp.Description("Target number of archived messages, 1..50000 (default 1000)")),
		),
		mcp.NewTypedToolHandler(d.handleScheduleMessageSync),
	)

	s.AddTool(
		mcp.NewTool("listMessageSyncJobs",
			mcp.WithDescription("List all background archiving jobs with their progress"),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		mcp.NewTypedToolHandler(d.handleListMessageSyncJobs),
	)
}

// channelPayload — элемент ответов listChannels/searchChannels.
type channelPayload struct {
	ID       int64  `json:"id"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
}

func toChannelPayloads(entries []dialogindex.Entry) []channelPayload {
	result := make([]channelPayload, 0, len(entries))
	for _, e := range entries {
		result = append(result, channelPayload{
			ID:       e.Reference.ID,
			Kind:     string(e.Kind),
			Title:    e.DisplayName,
			Username: e.Username,
		})
	}
	return result
}

// messagePayload — элемент ответа getChannelMessages.
type messagePayload struct {
	ID     int    `json:"id"`
	Date   *int64 `json:"date"`
	Text   string `json:"text"`
	FromID string `json:"fromId"`
}

// jobPayload — строка jobs в том виде, в котором её видят агенты.
type jobPayload struct {
	ID                 uint       `json:"id"`
	ChannelID          string     `json:"channelId"`
	PeerTitle          string     `json:"peerTitle"`
	PeerType           string     `json:"peerType"`
	Status             string     `json:"status"`
	LastMessageID      int        `json:"lastMessageId"`
	OldestMessageID    *int       `json:"oldestMessageId"`
	TargetMessageCount int        `json:"targetMessageCount"`
	MessageCount       int        `json:"messageCount"`
	LastSyncedAt       *time.Time `json:"lastSyncedAt"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	Error              *string    `json:"error"`
}

func toJobPayload(j archive.Job) jobPayload {
	return jobPayload{
		ID:                 j.ID,
		ChannelID:          j.ChannelID,
		PeerTitle:          j.PeerTitle,
		PeerType:           j.PeerType,
		Status:             j.Status,
		LastMessageID:      j.LastMessageID,
		OldestMessageID:    j.OldestMessageID,
		TargetMessageCount: j.TargetMessageCount,
		MessageCount:       j.MessageCount,
		LastSyncedAt:       j.LastSyncedAt,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
		Error:              j.Error,
	}
}

type listChannelsArgs struct {
	Limit int `json:"limit,omitempty"`
}

type searchChannelsArgs struct {
	Keywords string `json:"keywords"`
	Limit    int    `json:"limit,omitempty"`
}

type getChannelMessagesArgs struct {
	ChannelID     any    `json:"channelId"`
	Limit         int    `json:"limit,omitempty"`
	FilterPattern string `json:"filterPattern,omitempty"`
}

type scheduleMessageSyncArgs struct {
	ChannelID any `json:"channelId"`
	Depth     int `json:"depth,omitempty"`
}

type listMessageSyncJobsArgs struct{}

func (d *Dispatcher) handleListChannels(ctx context.Context, _ mcp.CallToolRequest, args listChannelsArgs) (*mcp.CallToolResult, error) {
	if err := d.ensureAuthorized(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit, err := limitOrDefault(args.Limit, defaultListLimit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(toChannelPayloads(d.index.List(limit)))
}

func (d *Dispatcher) handleSearchChannels(ctx context.Context, _ mcp.CallToolRequest, args searchChannelsArgs) (*mcp.CallToolResult, error) {
	if err := d.ensureAuthorized(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if args.Keywords == "" {
		return mcp.NewToolResultError(fmt.Sprintf("%v: keywords must be a non-empty string", mcperr.ErrInvalidArgument)), nil
	}
	limit, err := limitOrDefault(args.Limit, defaultSearchLimit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(toChannelPayloads(d.index.Search(args.Keywords, limit)))
}

func (d *Dispatcher) handleGetChannelMessages(ctx context.Context, _ mcp.CallToolRequest, args getChannelMessagesArgs) (*mcp.CallToolResult, error) {
	if err := d.ensureAuthorized(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit, err := limitOrDefault(args.Limit, defaultMessagesLimit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ref, err := peer.Decode(args.ChannelID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid channelId %v: %v", args.ChannelID, err)), nil
	}

	// Невалидный шаблон отсеивается до любых сетевых запросов.
	var filter *regexp.Regexp
	if args.FilterPattern != "" {
		filter, err = regexp.Compile(args.FilterPattern)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%v: bad filterPattern: %v", mcperr.ErrInvalidArgument, err)), nil
		}
	}

	entry, err := d.index.Lookup(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	msgs, err := d.source.History(ctx, entry.Reference, gateway.HistoryOptions{Limit: limit})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	payload := struct {
		PeerTitle    string           `json:"peerTitle"`
		TotalFetched int              `json:"totalFetched"`
		Returned     int              `json:"returned"`
		Messages     []messagePayload `json:"messages"`
	}{
		PeerTitle:    entry.DisplayName,
		TotalFetched: len(msgs),
		Messages:     make([]messagePayload, 0, len(msgs)),
	}
	for _, m := range msgs {
		if filter != nil && !filter.MatchString(m.Text) {
			continue
		}
		payload.Messages = append(payload.Messages, messagePayload{
			ID:     m.ID,
			Date:   m.Date,
			Text:   m.Text,
			FromID: m.FromID,
		})
	}
	payload.Returned = len(payload.Messages)

	return jsonResult(payload)
}

func (d *Dispatcher) handleScheduleMessageSync(ctx context.Context, _ mcp.CallToolRequest, args scheduleMessageSyncArgs) (*mcp.CallToolResult, error) {
	if err := d.ensureAuthorized(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	depth := args.Depth
	if depth == 0 {
		depth = defaultSyncDepth
	}
	if depth < 1 || depth > maxSyncDepth {
		return mcp.NewToolResultError(fmt.Sprintf("%v: depth must be within 1..%d", mcperr.ErrInvalidArgument, maxSyncDepth)), nil
	}

	ref, err := peer.Decode(args.ChannelID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid channelId %v: %v", args.ChannelID, err)), nil
	}

	entry, err := d.index.Lookup(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, err := d.jobs.UpsertJob(entry.Reference.String(), entry.DisplayName, string(entry.Kind), depth)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// Будим воркер после того, как строка задания уже в базе.
	d.worker.Resume()

	return jsonResult(toJobPayload(*job))
}

func (d *Dispatcher) handleListMessageSyncJobs(ctx context.Context, _ mcp.CallToolRequest, _ listMessageSyncJobsArgs) (*mcp.CallToolResult, error) {
	if err := d.ensureAuthorized(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	jobs, err := d.jobs.ListJobs()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload := make([]jobPayload, 0, len(jobs))
	for _, j := range jobs {
		payload = append(payload, toJobPayload(j))
	}
	return jsonResult(payload)
}

func (d *Dispatcher) ensureAuthorized(ctx context.Context) error {
	ok, err := d.auth.IsAuthorized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session is not authorized, restart the process to re-login", mcperr.ErrUnauthorized)
	}
	return nil
}

func limitOrDefault(limit, def int) (int, error) {
	if limit == 0 {
		return def, nil
	}
	if limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", mcperr.ErrInvalidArgument)
	}
	return limit, nil
}

// jsonResult сериализует полезную нагрузку и заворачивает её в единственный
// text-элемент ответа.
func jsonResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tool payload: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
