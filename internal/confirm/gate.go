// Package confirm holds outbound replies until the user approves them over
// SMS.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/store"
)

// Texter sends one SMS and returns the provider's text id.
type Texter interface {
	SendText(ctx context.Context, phone, message string) (string, error)
}

// Gate tracks at most one pending outbound reply per user and resolves it on
// the user's yes/no SMS answer.
type Gate struct {
	Store   store.Store
	Texter  Texter
	Clients gmail.ClientProvider
	Log     *slog.Logger
	Clock   func() time.Time
}

func NewGate(st store.Store, texter Texter, clients gmail.ClientProvider, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{Store: st, Texter: texter, Clients: clients, Log: logger, Clock: time.Now}
}

const smsPromptLimit = 300

// Request stores a drafted reply as the user's single pending confirmation
// (replacing any prior one) and texts the user for approval.
func (g *Gate) Request(ctx context.Context, user store.User, respondTo gmail.MessageID, draft string) error {
	if user.Phone == "" {
		return errors.New("user has no phone on file")
	}
	pc := store.PendingConfirmation{
		UserKey:   user.Key,
		RespondTo: respondTo,
		Draft:     draft,
		CreatedAt: g.Clock(),
	}
	if err := g.Store.PutConfirmation(ctx, pc); err != nil {
		return fmt.Errorf("store confirmation: %w", err)
	}

	prompt := fmt.Sprintf("mailsentinel drafted this reply:\n\n%s\n\nReply YES to send or NO to discard.",
		truncate(draft, smsPromptLimit))
	if _, err := g.Texter.SendText(ctx, user.Phone, prompt); err != nil {
		return fmt.Errorf("send confirmation sms: %w", err)
	}
	g.audit(ctx, user.Key, store.EventConfirmAsked, map[string]string{"respondTo": string(respondTo)})
	return nil
}

// Resolve applies the user's decision. "yes" sends the held draft as a
// threaded reply, "no" discards it; both delete the pending record and text
// back the outcome. Anything else leaves the confirmation pending. Resolving
// with nothing pending is a no-op.
func (g *Gate) Resolve(ctx context.Context, userKey, decision string) error {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "yes":
		return g.approve(ctx, userKey)
	case "no":
		return g.cancel(ctx, userKey)
	default:
		g.Log.InfoContext(ctx, "unrecognized confirmation reply, leaving pending",
			"user", userKey, "text", decision)
		return nil
	}
}

func (g *Gate) approve(ctx context.Context, userKey string) error {
	pc, err := g.Store.Confirmation(ctx, userKey)
	if errors.Is(err, store.ErrNotFound) {
		g.Log.InfoContext(ctx, "no pending confirmation", "user", userKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load confirmation: %w", err)
	}

	client, err := g.Clients.ClientFor(ctx, userKey)
	if err != nil {
		return fmt.Errorf("client for %s: %w", userKey, err)
	}
	original, err := client.GetMessage(ctx, pc.RespondTo)
	if err != nil {
		return fmt.Errorf("fetch original %s: %w", pc.RespondTo, err)
	}
	sentID, err := client.Send(ctx, gmail.ReplyTo(original, pc.Draft))
	if err != nil {
		return fmt.Errorf("send approved reply: %w", err)
	}

	if err := g.Store.DeleteConfirmation(ctx, userKey); err != nil {
		return fmt.Errorf("delete confirmation: %w", err)
	}
	g.audit(ctx, userKey, store.EventConfirmSent, map[string]string{"sent": string(sentID)})
	g.notify(ctx, userKey, "Reply sent.")
	return nil
}

func (g *Gate) cancel(ctx context.Context, userKey string) error {
	_, err := g.Store.Confirmation(ctx, userKey)
	if errors.Is(err, store.ErrNotFound) {
		g.Log.InfoContext(ctx, "no pending confirmation", "user", userKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load confirmation: %w", err)
	}
	if err := g.Store.DeleteConfirmation(ctx, userKey); err != nil {
		return fmt.Errorf("delete confirmation: %w", err)
	}
	g.audit(ctx, userKey, store.EventConfirmNo, nil)
	g.notify(ctx, userKey, "Reply discarded.")
	return nil
}

func (g *Gate) notify(ctx context.Context, userKey, message string) {
	user, err := g.Store.User(ctx, userKey)
	if err != nil || user.Phone == "" {
		return
	}
	if _, err := g.Texter.SendText(ctx, user.Phone, message); err != nil {
		g.Log.WarnContext(ctx, "outcome sms failed", "user", userKey, "error", err)
	}
}

func (g *Gate) audit(ctx context.Context, userKey, eventType string, details map[string]string) {
	ev := store.Event{UserKey: userKey, Type: eventType, Details: details, At: g.Clock()}
	if err := g.Store.AppendEvent(ctx, ev); err != nil {
		g.Log.WarnContext(ctx, "audit append failed", "user", userKey, "type", eventType, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := n - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
