package dialogindex_test

import (
	"context"
	"errors"
	"testing"

	"mcptelegram/internal/mcperr"
	"mcptelegram/internal/telegram/dialogindex"
	"mcptelegram/internal/telegram/gateway"
	"mcptelegram/internal/telegram/peer"
)

// fakeSource считает обращения к IterDialogs и позволяет менять выдачу между
// вызовами — так проверяется однократный refresh-on-miss.
type fakeSource struct {
	batches [][]dialogindex.Entry
	calls   int
}

func (f *fakeSource) IterDialogs(_ context.Context) ([]dialogindex.Entry, error) {
	idx := f.calls
	if idx >= len(f.batches) {
		idx = len(f.batches) - 1
	}
	f.calls++
	return f.batches[idx], nil
}

func entry(id int64, kind peer.Kind, title, username string) dialogindex.Entry {
	return gateway.Dialog{
		Reference:   peer.Reference{ID: id, IsID: true},
		Kind:        kind,
		DisplayName: title,
		Username:    username,
	}
}

func seedIndex(t *testing.T) (*dialogindex.Index, *fakeSource) {
	t.Helper()
	source := &fakeSource{batches: [][]dialogindex.Entry{{
		entry(-1001, peer.KindChannel, "Alpha", ""),
		entry(-1002, peer.KindChannel, "Beta", ""),
		entry(42, peer.KindUser, "Gamma", "gamma"),
	}}}
	idx := dialogindex.New(source)
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return idx, source
}

// list возвращает записи в порядке вставки.
func TestListInsertionOrder(t *testing.T) {
	t.Parallel()
	idx, _ := seedIndex(t)

	got := idx.List(0)
	if len(got) != 3 {
		t.Fatalf("List(0) returned %d entries, want 3", len(got))
	}
	wantOrder := []int64{-1001, -1002, 42}
	for i, want := range wantOrder {
		if got[i].Reference.ID != want {
			t.Fatalf("List()[%d].ID = %d, want %d", i, got[i].Reference.ID, want)
		}
	}

	if limited := idx.List(2); len(limited) != 2 || limited[1].Reference.ID != -1002 {
		t.Fatalf("List(2) = %+v", limited)
	}
}

// регистронезависимый поиск по title и username.
func TestSearch(t *testing.T) {
	t.Parallel()
	idx, _ := seedIndex(t)

	got := idx.Search("beta", 10)
	if len(got) != 1 || got[0].Reference.ID != -1002 {
		t.Fatalf("Search(beta) = %+v, want only Beta", got)
	}

	got = idx.Search("GAMMA", 10)
	if len(got) != 1 || got[0].Reference.ID != 42 {
		t.Fatalf("Search(GAMMA) = %+v, want only Gamma", got)
	}

	if got = idx.Search("a", 2); len(got) != 2 {
		t.Fatalf("Search(a, 2) returned %d entries, want scan to stop at 2", len(got))
	}
}

func TestGetRefreshOnMiss(t *testing.T) {
	t.Parallel()

	source := &fakeSource{batches: [][]dialogindex.Entry{
		{entry(-1001, peer.KindChannel, "Alpha", "")},
		{
			entry(-1001, peer.KindChannel, "Alpha", ""),
			entry(-1002, peer.KindChannel, "Beta", ""),
		},
	}}
	idx := dialogindex.New(source)
	if err := idx.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	got, err := idx.Get(context.Background(), peer.Reference{ID: -1002, IsID: true})
	if err != nil {
		t.Fatalf("Get() after refresh error = %v", err)
	}
	if got.DisplayName != "Beta" {
		t.Fatalf("Get() = %+v, want Beta", got)
	}
	if source.calls != 2 {
		t.Fatalf("source.calls = %d, want exactly one refresh", source.calls)
	}

	if _, err = idx.Get(context.Background(), peer.Reference{ID: -9999, IsID: true}); !errors.Is(err, mcperr.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLookupByUsername(t *testing.T) {
	t.Parallel()
	idx, source := seedIndex(t)

	got, err := idx.Lookup(context.Background(), peer.Reference{Username: "gamma"})
	if err != nil {
		t.Fatalf("Lookup(gamma) error = %v", err)
	}
	if got.Reference.ID != 42 {
		t.Fatalf("Lookup(gamma) = %+v, want id 42", got)
	}
	if source.calls != 1 {
		t.Fatalf("username hit must not refresh, calls = %d", source.calls)
	}

	if _, err = idx.Lookup(context.Background(), peer.Reference{Username: "missing"}); !errors.Is(err, mcperr.ErrNotFound) {
		t.Fatalf("Lookup(missing) error = %v, want ErrNotFound", err)
	}
}
