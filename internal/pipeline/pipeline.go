// Package pipeline classifies each mailbox delta and acts on it: spam
// labeling, and persona-drafted replies that are either sent directly or held
// for SMS confirmation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joshsymonds/mailsentinel/internal/classify"
	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/store"
)

// SpamLabel is Gmail's built-in spam label id.
const SpamLabel gmail.LabelID = "SPAM"

// Confirmer holds a drafted reply for out-of-band approval.
type Confirmer interface {
	Request(ctx context.Context, user store.User, respondTo gmail.MessageID, draft string) error
}

// Pipeline processes one ChangeEvent at a time. Methods are safe for
// concurrent use across users.
type Pipeline struct {
	Store      store.Store
	Classifier classify.Classifier
	Gate       Confirmer
	Log        *slog.Logger
	Clock      func() time.Time
}

func New(st store.Store, classifier classify.Classifier, gate Confirmer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Store: st, Classifier: classifier, Gate: gate, Log: logger, Clock: time.Now}
}

// Process handles one delta for one user. Label-only deltas are recorded and
// nothing more; added messages run the classify-and-act steps.
func (p *Pipeline) Process(ctx context.Context, client gmail.Client, user store.User, ev gmail.ChangeEvent) error {
	if ev.Kind == gmail.ChangeLabels {
		p.audit(ctx, user.Key, store.EventLabelsChanged, map[string]string{
			"message": string(ev.Message),
			"added":   joinLabels(ev.LabelsAdded),
			"removed": joinLabels(ev.LabelsRemoved),
		})
		return nil
	}

	msg, err := client.GetMessage(ctx, ev.Message)
	if err != nil {
		return fmt.Errorf("fetch message %s: %w", ev.Message, err)
	}
	content := ExtractText(msg)

	from := msg.Headers["From"]
	if gmail.SenderAddress(from) == user.Key {
		p.Log.InfoContext(ctx, "skipping self-sent message", "user", user.Key, "message", ev.Message)
		return nil
	}

	domain := gmail.SenderDomain(from)
	subject := msg.Headers["Subject"]

	spam, err := p.Classifier.ClassifySpam(ctx, domain, subject, content)
	if err != nil {
		// Fail-safe: a broken classifier never marks legitimate mail.
		p.Log.WarnContext(ctx, "spam classification failed, treating as not-spam",
			"user", user.Key, "message", ev.Message, "error", err)
		spam = classify.NotSpam
	}
	if spam == classify.Spam {
		if err := client.Modify(ctx, ev.Message, []gmail.LabelID{SpamLabel}, nil); err != nil {
			return fmt.Errorf("apply spam label to %s: %w", ev.Message, err)
		}
		p.Log.InfoContext(ctx, "labeled spam", "user", user.Key, "message", ev.Message, "domain", domain)
	}

	reply, err := p.Classifier.ClassifyReply(ctx, domain, subject, content)
	if err != nil {
		p.Log.WarnContext(ctx, "reply classification failed, treating as no-reply",
			"user", user.Key, "message", ev.Message, "error", err)
		reply = classify.NoReply
	}
	if reply != classify.Reply {
		return nil
	}

	if user.Persona == "" {
		// Persona is a prerequisite for drafting, not optional with a default.
		p.Log.InfoContext(ctx, "reply wanted but no persona on file", "user", user.Key, "message", ev.Message)
		return nil
	}
	draft, err := p.Classifier.Draft(ctx, user.Persona, classify.Email{
		From:    from,
		Subject: subject,
		Body:    content,
	})
	if err != nil {
		return fmt.Errorf("draft reply to %s: %w", ev.Message, err)
	}

	if user.Phone != "" {
		if err := p.Gate.Request(ctx, user, ev.Message, draft); err != nil {
			return fmt.Errorf("request confirmation: %w", err)
		}
		return nil
	}

	sentID, err := client.Send(ctx, gmail.ReplyTo(msg, draft))
	if err != nil {
		return fmt.Errorf("send reply to %s: %w", ev.Message, err)
	}
	p.Log.InfoContext(ctx, "replied", "user", user.Key, "message", ev.Message, "sent", sentID)
	return nil
}

func (p *Pipeline) audit(ctx context.Context, userKey, eventType string, details map[string]string) {
	ev := store.Event{UserKey: userKey, Type: eventType, Details: details, At: p.Clock()}
	if err := p.Store.AppendEvent(ctx, ev); err != nil {
		p.Log.WarnContext(ctx, "audit append failed", "user", userKey, "type", eventType, "error", err)
	}
}

func joinLabels(labels []gmail.LabelID) string {
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += ","
		}
		out += string(l)
	}
	return out
}
