// internal/runtime/googleapi.go — adapts *gmail.Service to our small interface
package runtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/rate"
)

const callTimeout = 30 * time.Second

type googleClient struct {
	svc     *gmailapi.Service
	topic   string
	limiter rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGoogleAPIClient wraps a bound gmail service. topic is the fully
// qualified Pub/Sub topic handed to users.watch. The limiter and breaker are
// typically shared across all users' clients so quota and failure accounting
// are global.
func NewGoogleAPIClient(svc *gmailapi.Service, topic string, limiter rate.Limiter, breaker *gobreaker.CircuitBreaker) gc.Client {
	if limiter == nil {
		limiter = rate.Unlimited{}
	}
	return &googleClient{svc: svc, topic: topic, limiter: limiter, breaker: breaker}
}

// NewBreaker builds the circuit breaker used for provider calls. Only
// server-side failures trip it; auth and not-found responses pass through.
func NewBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "gmail-api",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && ratio >= 0.6)
		},
	})
}

func (g *googleClient) Profile(ctx context.Context) (gc.Profile, error) {
	var res *gmailapi.Profile
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.svc.Users.GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return gc.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return gc.Profile{EmailAddress: res.EmailAddress, HistoryID: gc.HistoryID(res.HistoryId)}, nil
}

func (g *googleClient) StartWatch(ctx context.Context, labelIDs []gc.LabelID) (gc.Watch, error) {
	req := &gmailapi.WatchRequest{TopicName: g.topic}
	for _, id := range labelIDs {
		req.LabelIds = append(req.LabelIds, string(id))
	}
	var res *gmailapi.WatchResponse
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.svc.Users.Watch("me", req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return gc.Watch{}, fmt.Errorf("start watch: %w", err)
	}
	return gc.Watch{
		HistoryID: gc.HistoryID(res.HistoryId),
		Expires:   time.Unix(0, res.Expiration*int64(time.Millisecond)),
	}, nil
}

func (g *googleClient) StopWatch(ctx context.Context) error {
	err := g.call(ctx, func(ctx context.Context) error {
		return g.svc.Users.Stop("me").Context(ctx).Do()
	})
	if err != nil {
		// Stopping an already-stopped watch reports not-found; that is fine.
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil
		}
		return fmt.Errorf("stop watch: %w", err)
	}
	return nil
}

func (g *googleClient) History(ctx context.Context, start gc.HistoryID, pageToken string) (gc.HistoryPage, error) {
	call := g.svc.Users.History.List("me").
		StartHistoryId(uint64(start)).
		HistoryTypes("messageAdded", "labelAdded", "labelRemoved")
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	var res *gmailapi.ListHistoryResponse
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		// A 404 here means the cursor rolled out of the provider's bounded
		// change log, not that anything is missing.
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return gc.HistoryPage{}, fmt.Errorf("history from %s: %w", start, gc.ErrHistoryExpired)
		}
		return gc.HistoryPage{}, fmt.Errorf("history from %s: %w", start, err)
	}

	page := gc.HistoryPage{NextToken: res.NextPageToken, HistoryID: gc.HistoryID(res.HistoryId)}
	for _, h := range res.History {
		var rec gc.HistoryRecord
		for _, a := range h.MessagesAdded {
			rec.Added = append(rec.Added, gc.AddedMessage{
				ID:     gc.MessageID(a.Message.Id),
				Thread: gc.ThreadID(a.Message.ThreadId),
			})
		}
		for _, l := range h.LabelsAdded {
			rec.LabelsAdded = append(rec.LabelsAdded, labelChange(l.Message, l.LabelIds))
		}
		for _, l := range h.LabelsRemoved {
			rec.LabelsRemoved = append(rec.LabelsRemoved, labelChange(l.Message, l.LabelIds))
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func labelChange(msg *gmailapi.Message, labelIDs []string) gc.LabelChange {
	lc := gc.LabelChange{ID: gc.MessageID(msg.Id), Thread: gc.ThreadID(msg.ThreadId)}
	for _, id := range labelIDs {
		lc.Labels = append(lc.Labels, gc.LabelID(id))
	}
	return lc
}

func (g *googleClient) GetMessage(ctx context.Context, id gc.MessageID) (gc.Message, error) {
	var res *gmailapi.Message
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.svc.Users.Messages.Get("me", string(id)).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return gc.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return convertMessage(res), nil
}

func (g *googleClient) Modify(ctx context.Context, id gc.MessageID, add, remove []gc.LabelID) error {
	req := &gmailapi.ModifyMessageRequest{}
	for _, l := range add {
		req.AddLabelIds = append(req.AddLabelIds, string(l))
	}
	for _, l := range remove {
		req.RemoveLabelIds = append(req.RemoveLabelIds, string(l))
	}
	err := g.call(ctx, func(ctx context.Context) error {
		_, err := g.svc.Users.Messages.Modify("me", string(id), req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("modify %s: %w", id, err)
	}
	return nil
}

func (g *googleClient) Send(ctx context.Context, out gc.Outgoing) (gc.MessageID, error) {
	msg := &gmailapi.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(buildRaw(out))),
		ThreadId: string(out.Thread),
	}
	var res *gmailapi.Message
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", out.To, err)
	}
	return gc.MessageID(res.Id), nil
}

func (g *googleClient) ListSent(ctx context.Context, max int) ([]gc.Message, error) {
	var list *gmailapi.ListMessagesResponse
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		list, err = g.svc.Users.Messages.List("me").
			LabelIds("SENT").MaxResults(int64(max)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sent: %w", err)
	}
	var msgs []gc.Message
	for _, ref := range list.Messages {
		m, err := g.GetMessage(ctx, gc.MessageID(ref.Id))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// call runs one provider request behind the rate limiter, the circuit
// breaker, and a bounded timeout, translating auth failures to
// ErrAuthRequired.
func (g *googleClient) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	run := func() error { return fn(ctx) }
	var err error
	if g.breaker != nil {
		_, err = g.breaker.Execute(func() (any, error) {
			if err := run(); err != nil {
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) && apiErr.Code < 500 && apiErr.Code != 429 {
					// Client-side responses must not trip the breaker.
					return nil, &passthroughError{err}
				}
				return nil, err
			}
			return nil, nil
		})
		var pass *passthroughError
		if errors.As(err, &pass) {
			err = pass.err
		}
	} else {
		err = run()
	}
	return translate(err)
}

type passthroughError struct{ err error }

func (e *passthroughError) Error() string { return e.err.Error() }

func translate(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 403) {
		return fmt.Errorf("%w: %v", gc.ErrAuthRequired, err)
	}
	return err
}

func convertMessage(msg *gmailapi.Message) gc.Message {
	out := gc.Message{
		ID:      gc.MessageID(msg.Id),
		Thread:  gc.ThreadID(msg.ThreadId),
		Snippet: msg.Snippet,
		Headers: map[string]string{},
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			out.Headers[h.Name] = h.Value
		}
		out.Payload = convertPart(msg.Payload)
	}
	return out
}

func convertPart(p *gmailapi.MessagePart) gc.Part {
	part := gc.Part{MIMEType: p.MimeType}
	if p.Body != nil && p.Body.Data != "" {
		// body data arrives base64url encoded, sometimes without padding
		if data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p.Body.Data, "=")); err == nil {
			part.Body = data
		}
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

func buildRaw(out gc.Outgoing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", out.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", out.Subject)
	if out.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", out.InReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", out.InReplyTo)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(out.Body)
	return b.String()
}
