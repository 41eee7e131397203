package mcptools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"mcptelegram/internal/archive"
	"mcptelegram/internal/mcperr"
	"mcptelegram/internal/telegram/dialogindex"
	"mcptelegram/internal/telegram/gateway"
	"mcptelegram/internal/telegram/peer"

	"github.com/mark3labs/mcp-go/mcp"
)

type fakeIndexSource struct {
	entries []dialogindex.Entry
}

func (f *fakeIndexSource) IterDialogs(_ context.Context) ([]dialogindex.Entry, error) {
	return f.entries, nil
}

type fakeAuth struct {
	authorized bool
	err        error
}

func (f *fakeAuth) IsAuthorized(_ context.Context) (bool, error) {
	return f.authorized, f.err
}

type fakeHistory struct {
	messages []gateway.Message
	err      error
}

func (f *fakeHistory) History(_ context.Context, _ peer.Reference, _ gateway.HistoryOptions) ([]gateway.Message, error) {
	return f.messages, f.err
}

type fakeScheduler struct {
	resumed atomic.Int32
}

func (f *fakeScheduler) Resume() { f.resumed.Add(1) }

func entry(id int64, kind peer.Kind, title, username string) dialogindex.Entry {
	return gateway.Dialog{
		Reference:   peer.Reference{ID: id, IsID: true},
		Kind:        kind,
		DisplayName: title,
		Username:    username,
	}
}

func newTestIndex(t *testing.T) *dialogindex.Index {
	t.Helper()
	idx := dialogindex.New(&fakeIndexSource{entries: []dialogindex.Entry{
		entry(-1001, peer.KindChannel, "Alpha", ""),
		entry(-1002, peer.KindChannel, "Beta", ""),
		entry(42, peer.KindUser, "Gamma", "gamma"),
	}})
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return idx
}

func openStore(t *testing.T) *archive.Store {
	t.Helper()
	store, err := archive.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newDispatcher(t *testing.T, history *fakeHistory) (*Dispatcher, *archive.Store, *fakeScheduler) {
	t.Helper()
	store := openStore(t)
	scheduler := &fakeScheduler{}
	d := New(newTestIndex(t), &fakeAuth{authorized: true}, history, store, scheduler)
	return d, store, scheduler
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("result has %d content items, want 1", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return text.Text
}

func requireToolError(t *testing.T, res *mcp.CallToolResult, fragment string) {
	t.Helper()
	if !res.IsError {
		t.Fatalf("result is not an error: %s", resultText(t, res))
	}
	if got := resultText(t, res); !strings.Contains(got, fragment) {
		t.Fatalf("error %q does not mention %q", got, fragment)
	}
}

// listChannels без параметров возвращает все записи в порядке вставки.
func TestListChannelsDefault(t *testing.T) {
	t.Parallel()
	d, _, _ := newDispatcher(t, &fakeHistory{})

	res, err := d.handleListChannels(context.Background(), mcp.CallToolRequest{}, listChannelsArgs{})
	if err != nil {
		t.Fatalf("handleListChannels() error = %v", err)
	}

	var got []channelPayload
	if err = json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("returned %d channels, want 3", len(got))
	}
	wantOrder := []int64{-1001, -1002, 42}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Fatalf("payload[%d].ID = %d, want %d", i, got[i].ID, want)
		}
	}
	if got[2].Username != "gamma" || got[2].Kind != "user" {
		t.Fatalf("payload[2] = %+v", got[2])
	}
}

// searchChannels регистронезависим по title и username.
func TestSearchChannels(t *testing.T) {
	t.Parallel()
	d, _, _ := newDispatcher(t, &fakeHistory{})

	res, err := d.handleSearchChannels(context.Background(), mcp.CallToolRequest{}, searchChannelsArgs{Keywords: "beta"})
	if err != nil {
		t.Fatalf("handleSearchChannels() error = %v", err)
	}
	var got []channelPayload
	if err = json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(got) != 1 || got[0].ID != -1002 {
		t.Fatalf("search(beta) = %+v, want only Beta", got)
	}

	res, err = d.handleSearchChannels(context.Background(), mcp.CallToolRequest{}, searchChannelsArgs{Keywords: "GAMMA"})
	if err != nil {
		t.Fatalf("handleSearchChannels() error = %v", err)
	}
	if err = json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(got) != 1 || got[0].ID != 42 {
		t.Fatalf("search(GAMMA) = %+v, want only Gamma", got)
	}

	res, err = d.handleSearchChannels(context.Background(), mcp.CallToolRequest{}, searchChannelsArgs{})
	if err != nil {
		t.Fatalf("handleSearchChannels() error = %v", err)
	}
	requireToolError(t, res, "keywords")
}

// regex-фильтр оставляет только совпавшие сообщения, невалидный
// шаблон отклоняется до сетевого запроса.
func TestGetChannelMessagesWithFilter(t *testing.T) {
	t.Parallel()

	date := int64(1700000001)
	history := &fakeHistory{messages: []gateway.Message{
		{ID: 3, Date: &date, Text: "hello world", FromID: "1"},
		{ID: 2, Date: &date, Text: "abc123", FromID: "1"},
		{ID: 1, Date: &date, Text: "xyz", FromID: "1"},
	}}
	d, _, _ := newDispatcher(t, history)

	res, err := d.handleGetChannelMessages(context.Background(), mcp.CallToolRequest{}, getChannelMessagesArgs{
		ChannelID:     float64(42), // JSON-число приходит как float64
		FilterPattern: `\d+`,
	})
	if err != nil {
		t.Fatalf("handleGetChannelMessages() error = %v", err)
	}

	var payload struct {
		PeerTitle    string           `json:"peerTitle"`
		TotalFetched int              `json:"totalFetched"`
		Returned     int              `json:"returned"`
		Messages     []messagePayload `json:"messages"`
	}
	if err = json.Unmarshal([]byte(resultText(t, res)), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.PeerTitle != "Gamma" {
		t.Fatalf("peerTitle = %q, want Gamma", payload.PeerTitle)
	}
	if payload.TotalFetched != 3 || payload.Returned != 1 {
		t.Fatalf("totals = %d/%d, want 3/1", payload.TotalFetched, payload.Returned)
	}
	if len(payload.Messages) != 1 || payload.Messages[0].Text != "abc123" {
		t.Fatalf("messages = %+v, want only abc123", payload.Messages)
	}
}

func TestGetChannelMessagesInvalidPattern(t *testing.T) {
	t.Parallel()
	d, _, _ := newDispatcher(t, &fakeHistory{})

	res, err := d.handleGetChannelMessages(context.Background(), mcp.CallToolRequest{}, getChannelMessagesArgs{
		ChannelID:     "42",
		FilterPattern: "(",
	})
	if err != nil {
		t.Fatalf("handleGetChannelMessages() error = %v", err)
	}
	requireToolError(t, res, mcperr.ErrInvalidArgument.Error())
}

func TestGetChannelMessagesByUsername(t *testing.T) {
	t.Parallel()

	history := &fakeHistory{messages: []gateway.Message{{ID: 1, Text: "hi", FromID: "1"}}}
	d, _, _ := newDispatcher(t, history)

	res, err := d.handleGetChannelMessages(context.Background(), mcp.CallToolRequest{}, getChannelMessagesArgs{
		ChannelID: "@Gamma",
	})
	if err != nil {
		t.Fatalf("handleGetChannelMessages() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
}

func TestGetChannelMessagesUnknownPeer(t *testing.T) {
	t.Parallel()
	d, _, _ := newDispatcher(t, &fakeHistory{})

	res, err := d.handleGetChannelMessages(context.Background(), mcp.CallToolRequest{}, getChannelMessagesArgs{
		ChannelID: float64(-9999),
	})
	if err != nil {
		t.Fatalf("handleGetChannelMessages() error = %v", err)
	}
	requireToolError(t, res, "not found")
}

func TestScheduleMessageSync(t *testing.T) {
	t.Parallel()
	d, store, scheduler := newDispatcher(t, &fakeHistory{})

	res, err := d.handleScheduleMessageSync(context.Background(), mcp.CallToolRequest{}, scheduleMessageSyncArgs{
		ChannelID: "gamma",
		Depth:     200,
	})
	if err != nil {
		t.Fatalf("handleScheduleMessageSync() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	var job jobPayload
	if err = json.Unmarshal([]byte(resultText(t, res)), &job); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if job.ChannelID != "42" {
		t.Fatalf("channelId = %q, want normalized numeric id", job.ChannelID)
	}
	if job.Status != archive.StatusPending || job.TargetMessageCount != 200 {
		t.Fatalf("job = %+v", job)
	}
	if job.PeerTitle != "Gamma" || job.PeerType != "user" {
		t.Fatalf("job peer = %s/%s", job.PeerTitle, job.PeerType)
	}
	if scheduler.resumed.Load() != 1 {
		t.Fatalf("worker resumed %d times, want 1", scheduler.resumed.Load())
	}

	// задание видно любому читателю общего Archive Store.
	jobs, err := store.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ChannelID != "42" {
		t.Fatalf("ListJobs() = %+v", jobs)
	}
}

func TestScheduleMessageSyncDepthBounds(t *testing.T) {
	t.Parallel()
	d, _, scheduler := newDispatcher(t, &fakeHistory{})

	for _, depth := range []int{-1, 50001} {
		res, err := d.handleScheduleMessageSync(context.Background(), mcp.CallToolRequest{}, scheduleMessageSyncArgs{
			ChannelID: "42",
			Depth:     depth,
		})
		if err != nil {
			t.Fatalf("handleScheduleMessageSync(%d) error = %v", depth, err)
		}
		requireToolError(t, res, "depth")
	}
	if scheduler.resumed.Load() != 0 {
		t.Fatalf("worker resumed on invalid input")
	}
}

func TestListMessageSyncJobs(t *testing.T) {
	t.Parallel()
	d, store, _ := newDispatcher(t, &fakeHistory{})

	if _, err := store.UpsertJob("-1001", "Alpha", "channel", 100); err != nil {
		t.Fatalf("UpsertJob() error = %v", err)
	}

	res, err := d.handleListMessageSyncJobs(context.Background(), mcp.CallToolRequest{}, listMessageSyncJobsArgs{})
	if err != nil {
		t.Fatalf("handleListMessageSyncJobs() error = %v", err)
	}
	var jobs []jobPayload
	if err = json.Unmarshal([]byte(resultText(t, res)), &jobs); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ChannelID != "-1001" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestUnauthorizedSurfacesAsToolError(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	d := New(newTestIndex(t), &fakeAuth{authorized: false}, &fakeHistory{}, store, &fakeScheduler{})

	res, err := d.handleListChannels(context.Background(), mcp.CallToolRequest{}, listChannelsArgs{})
	if err != nil {
		t.Fatalf("handleListChannels() error = %v", err)
	}
	requireToolError(t, res, "unauthorized")
}

func TestInvalidChannelID(t *testing.T) {
	t.Parallel()
	d, _, _ := newDispatcher(t, &fakeHistory{})

	res, err := d.handleGetChannelMessages(context.Background(), mcp.CallToolRequest{}, getChannelMessagesArgs{
		ChannelID: "12abc",
	})
	if err != nil {
		t.Fatalf("handleGetChannelMessages() error = %v", err)
	}
	requireToolError(t, res, "invalid")
}

func TestNegativeLimitRejected(t *testing.T) {
	t.Parallel()
	d, _, _ := newDispatcher(t, &fakeHistory{})

	res, err := d.handleListChannels(context.Background(), mcp.CallToolRequest{}, listChannelsArgs{Limit: -5})
	if err != nil {
		t.Fatalf("handleListChannels() error = %v", err)
	}
	requireToolError(t, res, "limit")
}
