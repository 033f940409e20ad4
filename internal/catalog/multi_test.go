package catalog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestMulti(t *testing.T, bots []string, factory ClientFactory) *Multi {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return NewMulti(bots, factory, cache, time.Minute, 2, nil)
}

func TestMulti_SearchAllMergesBots(t *testing.T) {
	listings := map[string]string{
		"bot-a": listingBody(row(1, "Show Title", "01", "720p")),
		"bot-b": listingBody(row(2, "Show Title", "02", "1080p")),
	}
	factory := func(ctx context.Context, bot string) (ProtocolClient, error) {
		return &fakeRequester{listing: listings[bot]}, nil
	}
	m := newTestMulti(t, []string{"bot-a", "bot-b"}, factory)

	entryc, errc := m.SearchAll(context.Background(), "Show Title", 0.6)
	byBot := make(map[string]int)
	for e := range entryc {
		byBot[e.Bot]++
	}
	if byBot["bot-a"] != 1 || byBot["bot-b"] != 1 {
		t.Errorf("entries per bot = %v, want one each", byBot)
	}
	for err := range errc {
		t.Errorf("unexpected bot error: %v", err)
	}
}

func TestMulti_OneBotFailingDoesNotAbortOthers(t *testing.T) {
	factory := func(ctx context.Context, bot string) (ProtocolClient, error) {
		if bot == "bot-bad" {
			return nil, errors.New("connection refused")
		}
		return &fakeRequester{listing: listingBody(row(1, "Show Title", "01", "720p"))}, nil
	}
	m := newTestMulti(t, []string{"bot-bad", "bot-good"}, factory)

	entryc, errc := m.SearchAll(context.Background(), "Show Title", 0.6)
	var got []Entry
	for e := range entryc {
		got = append(got, e)
	}
	var errs []error
	for err := range errc {
		errs = append(errs, err)
	}

	if len(got) != 1 || got[0].Bot != "bot-good" {
		t.Errorf("entries = %+v, want one from bot-good", got)
	}
	if len(errs) != 1 {
		t.Errorf("errors = %v, want exactly one for bot-bad", errs)
	}
}

func TestMulti_ListAll(t *testing.T) {
	factory := func(ctx context.Context, bot string) (ProtocolClient, error) {
		return &fakeRequester{listing: listingBody(
			row(1, "Show Title", "01", "720p"),
			row(2, "Other Show", "03", "1080p"),
		)}, nil
	}
	m := newTestMulti(t, []string{"bot-a"}, factory)

	entryc, errc := m.ListAll(context.Background())
	var got []Entry
	for e := range entryc {
		got = append(got, e)
	}
	for err := range errc {
		t.Errorf("unexpected bot error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	// Order within one bot's result is preserved.
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("entries out of order: %+v", got)
	}
}

func TestMulti_CancelStopsStreaming(t *testing.T) {
	factory := func(ctx context.Context, bot string) (ProtocolClient, error) {
		return &fakeRequester{listing: listingBody(row(1, "Show Title", "01", "720p"))}, nil
	}
	m := newTestMulti(t, []string{"bot-a"}, factory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entryc, _ := m.SearchAll(ctx, "Show Title", 0.6)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-entryc:
			if !ok {
				return // channel closed promptly after cancel
			}
		case <-deadline:
			t.Fatal("entry channel not closed after cancellation")
		}
	}
}

// fakeRequester tagging: entries must carry their origin bot.
func TestMulti_EntriesTaggedWithOrigin(t *testing.T) {
	factory := func(ctx context.Context, bot string) (ProtocolClient, error) {
		return &fakeRequester{listing: listingBody(row(1, "Show Title", "01", "720p"))}, nil
	}
	m := newTestMulti(t, []string{"first-bot", "second-bot"}, factory)

	entryc, _ := m.SearchAll(context.Background(), "Show Title", 0.6)
	seen := make(map[string]bool)
	for e := range entryc {
		seen[e.Bot] = true
	}
	if !seen["first-bot"] || !seen["second-bot"] {
		t.Errorf("origin bots seen = %v, want both", seen)
	}
}
