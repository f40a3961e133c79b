package confirm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/store"
)

type fakeTexter struct {
	sent []string
	err  error
}

func (f *fakeTexter) SendText(ctx context.Context, phone, message string) (string, error) {
	_ = ctx
	_ = phone
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, message)
	return "txt-1", nil
}

type fakeGateClient struct {
	messages map[gmail.MessageID]gmail.Message
	sends    []gmail.Outgoing
}

func (f *fakeGateClient) Profile(ctx context.Context) (gmail.Profile, error) {
	_ = ctx
	return gmail.Profile{}, nil
}

func (f *fakeGateClient) StartWatch(ctx context.Context, labelIDs []gmail.LabelID) (gmail.Watch, error) {
	_ = ctx
	_ = labelIDs
	return gmail.Watch{}, nil
}

func (f *fakeGateClient) StopWatch(ctx context.Context) error { _ = ctx; return nil }

func (f *fakeGateClient) History(ctx context.Context, start gmail.HistoryID, pageToken string) (gmail.HistoryPage, error) {
	_ = ctx
	_ = start
	_ = pageToken
	return gmail.HistoryPage{}, nil
}

func (f *fakeGateClient) GetMessage(ctx context.Context, id gmail.MessageID) (gmail.Message, error) {
	_ = ctx
	msg, ok := f.messages[id]
	if !ok {
		return gmail.Message{}, errors.New("message not found")
	}
	return msg, nil
}

func (f *fakeGateClient) Modify(ctx context.Context, id gmail.MessageID, add, remove []gmail.LabelID) error {
	_ = ctx
	_ = id
	_ = add
	_ = remove
	return nil
}

func (f *fakeGateClient) Send(ctx context.Context, out gmail.Outgoing) (gmail.MessageID, error) {
	_ = ctx
	f.sends = append(f.sends, out)
	return "sent-1", nil
}

func (f *fakeGateClient) ListSent(ctx context.Context, max int) ([]gmail.Message, error) {
	_ = ctx
	_ = max
	return nil, nil
}

type fakeProvider struct{ client *fakeGateClient }

func (f *fakeProvider) ClientFor(ctx context.Context, userKey string) (gmail.Client, error) {
	_ = ctx
	_ = userKey
	return f.client, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setupGate(t *testing.T) (*Gate, *store.Memory, *fakeTexter, *fakeGateClient) {
	t.Helper()
	mem := store.NewMemory()
	if err := mem.UpsertUser(context.Background(), store.User{
		Key:   "ada@example.com",
		Phone: "+15550001111",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	texter := &fakeTexter{}
	client := &fakeGateClient{messages: map[gmail.MessageID]gmail.Message{
		"orig-1": {
			ID:     "orig-1",
			Thread: "t-1",
			Headers: map[string]string{
				"From":       "Grace <grace@example.org>",
				"Subject":    "Lunch?",
				"Message-ID": "<abc@example.org>",
			},
		},
	}}
	gate := NewGate(mem, texter, &fakeProvider{client: client}, discard())
	return gate, mem, texter, client
}

func TestRequestStoresPendingAndTexts(t *testing.T) {
	gate, mem, texter, _ := setupGate(t)
	ctx := context.Background()
	user, _ := mem.User(ctx, "ada@example.com")

	if err := gate.Request(ctx, user, "orig-1", "sounds great"); err != nil {
		t.Fatalf("request: %v", err)
	}
	pc, err := mem.Confirmation(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("confirmation: %v", err)
	}
	if pc.RespondTo != "orig-1" || pc.Draft != "sounds great" {
		t.Fatalf("unexpected pending: %+v", pc)
	}
	if len(texter.sent) != 1 {
		t.Fatalf("expected 1 sms, got %d", len(texter.sent))
	}
}

func TestRequestPromptTruncatesOnRuneBoundary(t *testing.T) {
	gate, mem, texter, _ := setupGate(t)
	ctx := context.Background()
	user, _ := mem.User(ctx, "ada@example.com")

	draft := strings.Repeat("é", 200)
	if err := gate.Request(ctx, user, "orig-1", draft); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(texter.sent) != 1 {
		t.Fatalf("expected 1 sms, got %d", len(texter.sent))
	}
	if !utf8.ValidString(texter.sent[0]) {
		t.Fatalf("prompt contains a split rune: %q", texter.sent[0])
	}
}

func TestRequestReplacesPrior(t *testing.T) {
	gate, mem, _, _ := setupGate(t)
	ctx := context.Background()
	user, _ := mem.User(ctx, "ada@example.com")

	if err := gate.Request(ctx, user, "orig-1", "first draft"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := gate.Request(ctx, user, "orig-1", "second draft"); err != nil {
		t.Fatalf("request: %v", err)
	}
	pc, _ := mem.Confirmation(ctx, "ada@example.com")
	if pc.Draft != "second draft" {
		t.Fatalf("expected replacement, got %q", pc.Draft)
	}
}

func TestResolveYesSendsOnceAndDeletes(t *testing.T) {
	gate, mem, texter, client := setupGate(t)
	ctx := context.Background()
	user, _ := mem.User(ctx, "ada@example.com")
	if err := gate.Request(ctx, user, "orig-1", "sounds great"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := gate.Resolve(ctx, "ada@example.com", "YES"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(client.sends) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(client.sends))
	}
	out := client.sends[0]
	if out.Thread != "t-1" || out.InReplyTo != "<abc@example.org>" {
		t.Fatalf("reply not threaded: %+v", out)
	}
	if out.Subject != "Re: Lunch?" {
		t.Fatalf("subject=%q", out.Subject)
	}
	if _, err := mem.Confirmation(ctx, "ada@example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("pending record should be deleted, got %v", err)
	}

	// A second yes finds nothing pending and must not send again.
	if err := gate.Resolve(ctx, "ada@example.com", "yes"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if len(client.sends) != 1 {
		t.Fatalf("second resolve sent again: %d sends", len(client.sends))
	}
	// Prompt + success notification.
	if len(texter.sent) < 2 {
		t.Fatalf("expected outcome sms, got %d messages", len(texter.sent))
	}
}

func TestResolveNoDiscards(t *testing.T) {
	gate, mem, _, client := setupGate(t)
	ctx := context.Background()
	user, _ := mem.User(ctx, "ada@example.com")
	if err := gate.Request(ctx, user, "orig-1", "sounds great"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := gate.Resolve(ctx, "ada@example.com", "no"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(client.sends) != 0 {
		t.Fatalf("discarded draft must not be sent")
	}
	if _, err := mem.Confirmation(ctx, "ada@example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("pending record should be deleted, got %v", err)
	}
}

func TestResolveUnknownTextLeavesPending(t *testing.T) {
	gate, mem, _, client := setupGate(t)
	ctx := context.Background()
	user, _ := mem.User(ctx, "ada@example.com")
	if err := gate.Request(ctx, user, "orig-1", "sounds great"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := gate.Resolve(ctx, "ada@example.com", "maybe later"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(client.sends) != 0 {
		t.Fatalf("unknown decision must not send")
	}
	if _, err := mem.Confirmation(ctx, "ada@example.com"); err != nil {
		t.Fatalf("confirmation should remain pending: %v", err)
	}
}
