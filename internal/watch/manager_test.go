package watch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/store"
)

type fakeWatchClient struct {
	watch      gmail.Watch
	startCalls int
	stopCalls  int
}

func (f *fakeWatchClient) Profile(context.Context) (gmail.Profile, error) {
	return gmail.Profile{}, nil
}

func (f *fakeWatchClient) StartWatch(context.Context, []gmail.LabelID) (gmail.Watch, error) {
	f.startCalls++
	return f.watch, nil
}

func (f *fakeWatchClient) StopWatch(context.Context) error {
	f.stopCalls++
	return nil
}

func (f *fakeWatchClient) History(context.Context, gmail.HistoryID, string) (gmail.HistoryPage, error) {
	return gmail.HistoryPage{}, nil
}

func (f *fakeWatchClient) GetMessage(context.Context, gmail.MessageID) (gmail.Message, error) {
	return gmail.Message{}, nil
}

func (f *fakeWatchClient) Modify(context.Context, gmail.MessageID, []gmail.LabelID, []gmail.LabelID) error {
	return nil
}

func (f *fakeWatchClient) Send(context.Context, gmail.Outgoing) (gmail.MessageID, error) {
	return "", nil
}

func (f *fakeWatchClient) ListSent(context.Context, int) ([]gmail.Message, error) {
	return nil, nil
}

type fakeProvider struct{ clients map[string]*fakeWatchClient }

func (p fakeProvider) ClientFor(_ context.Context, userKey string) (gmail.Client, error) {
	return p.clients[userKey], nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, clients map[string]*fakeWatchClient) (*Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	m := NewManager(mem, fakeProvider{clients: clients}, nil, discard())
	m.Clock = func() time.Time { return testNow }
	return m, mem
}

func TestOpenSeedsCursorAndExpiry(t *testing.T) {
	client := &fakeWatchClient{watch: gmail.Watch{HistoryID: 500, Expires: testNow.Add(7 * 24 * time.Hour)}}
	m, mem := newTestManager(t, map[string]*fakeWatchClient{"u@example.com": client})
	ctx := context.Background()
	if err := mem.UpsertUser(ctx, store.User{Key: "u@example.com"}); err != nil {
		t.Fatal(err)
	}

	w, err := m.Open(ctx, "u@example.com")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if w.HistoryID != 500 {
		t.Errorf("watch history id = %v, want 500", w.HistoryID)
	}
	user, _ := mem.User(ctx, "u@example.com")
	if user.LastHistoryID != 500 {
		t.Errorf("cursor = %v, want 500", user.LastHistoryID)
	}
	if !user.WatchExpiry.Equal(client.watch.Expires) {
		t.Errorf("expiry = %v, want %v", user.WatchExpiry, client.watch.Expires)
	}
}

func TestOpenNeverRegressesCursor(t *testing.T) {
	// The provider hands back a history id behind the stored cursor; only
	// the expiry may change.
	client := &fakeWatchClient{watch: gmail.Watch{HistoryID: 300, Expires: testNow.Add(7 * 24 * time.Hour)}}
	m, mem := newTestManager(t, map[string]*fakeWatchClient{"u@example.com": client})
	ctx := context.Background()
	if err := mem.UpsertUser(ctx, store.User{Key: "u@example.com", LastHistoryID: 800}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Open(ctx, "u@example.com"); err != nil {
		t.Fatalf("open: %v", err)
	}
	user, _ := mem.User(ctx, "u@example.com")
	if user.LastHistoryID != 800 {
		t.Errorf("cursor = %v, want 800 (renew must never decrease it)", user.LastHistoryID)
	}
	if !user.WatchExpiry.Equal(client.watch.Expires) {
		t.Errorf("expiry = %v, want %v", user.WatchExpiry, client.watch.Expires)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client := &fakeWatchClient{}
	m, mem := newTestManager(t, map[string]*fakeWatchClient{"u@example.com": client})
	ctx := context.Background()
	if err := mem.UpsertUser(ctx, store.User{Key: "u@example.com", WatchExpiry: testNow.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	if err := m.Close(ctx, "u@example.com"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(ctx, "u@example.com"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	user, _ := mem.User(ctx, "u@example.com")
	if !user.WatchExpiry.IsZero() {
		t.Errorf("expiry = %v, want zero after close", user.WatchExpiry)
	}
}

func TestRenewDueSelectsByMargin(t *testing.T) {
	m, mem := newTestManager(t, nil)
	ctx := context.Background()
	users := []store.User{
		{Key: "soon@example.com", WatchExpiry: testNow.Add(6 * time.Hour)},
		{Key: "lapsed@example.com", WatchExpiry: testNow.Add(-time.Hour)},
		{Key: "fresh@example.com", WatchExpiry: testNow.Add(5 * 24 * time.Hour)},
	}
	for _, u := range users {
		if err := mem.UpsertUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	due, err := m.RenewDue(ctx, testNow)
	if err != nil {
		t.Fatalf("renewDue: %v", err)
	}
	want := map[string]bool{"soon@example.com": true, "lapsed@example.com": true}
	if len(due) != len(want) {
		t.Fatalf("due = %v, want keys %v", due, want)
	}
	for _, key := range due {
		if !want[key] {
			t.Errorf("unexpected due user %s", key)
		}
	}
}

func TestRenewAllReopensDueLeases(t *testing.T) {
	soon := &fakeWatchClient{watch: gmail.Watch{HistoryID: 900, Expires: testNow.Add(7 * 24 * time.Hour)}}
	fresh := &fakeWatchClient{watch: gmail.Watch{HistoryID: 901, Expires: testNow.Add(7 * 24 * time.Hour)}}
	m, mem := newTestManager(t, map[string]*fakeWatchClient{
		"soon@example.com":  soon,
		"fresh@example.com": fresh,
	})
	ctx := context.Background()
	if err := mem.UpsertUser(ctx, store.User{Key: "soon@example.com", WatchExpiry: testNow.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := mem.UpsertUser(ctx, store.User{Key: "fresh@example.com", WatchExpiry: testNow.Add(6 * 24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	m.RenewAll(ctx)

	if soon.startCalls != 1 {
		t.Errorf("soon start calls = %d, want 1", soon.startCalls)
	}
	if fresh.startCalls != 0 {
		t.Errorf("fresh start calls = %d, want 0", fresh.startCalls)
	}
	renewed := false
	for _, ev := range mem.Events() {
		if ev.Type == store.EventWatchRenewed && ev.UserKey == "soon@example.com" {
			renewed = true
		}
	}
	if !renewed {
		t.Error("no renewal event recorded for soon@example.com")
	}
}
