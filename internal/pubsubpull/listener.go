// Package pubsubpull consumes mailbox notifications over a streaming Pub/Sub
// subscription, the low-latency alternative to the push webhook. Both feed the
// same ingestion path.
package pubsubpull

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/joshsymonds/mailsentinel/internal/envelope"
	"github.com/joshsymonds/mailsentinel/internal/gmail"
)

// Ingester is the single entry point every delivery source funnels through.
type Ingester interface {
	Ingest(ctx context.Context, userKey string, announced gmail.HistoryID) error
}

// Listener receives messages from one subscription until stopped.
type Listener struct {
	Ingester Ingester
	Log      *slog.Logger

	client *pubsub.Client
	sub    *pubsub.Subscription
}

// NewListener connects to the subscription. maxOutstanding bounds how many
// messages are handled at once; zero keeps the client default.
func NewListener(ctx context.Context, projectID, subscriptionID string, maxOutstanding int, ing Ingester, logger *slog.Logger, opts ...option.ClientOption) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client for %s: %w", projectID, err)
	}
	sub := client.Subscription(subscriptionID)
	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}
	return &Listener{Ingester: ing, Log: logger, client: client, sub: sub}, nil
}

// Run blocks receiving messages until ctx is cancelled. Every message is
// acked whether or not ingestion succeeds: a failed ingest leaves the cursor
// unadvanced, so the next notification (or the poller) re-drives the window.
// Nacking here would only make the broker replay a payload that carries no
// information the cursor doesn't already encode.
func (l *Listener) Run(ctx context.Context) error {
	err := l.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()
		l.handle(ctx, msg.Data)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive on %s: %w", l.sub.ID(), err)
	}
	return nil
}

// Close releases the underlying client. Call after Run has returned.
func (l *Listener) Close() error {
	return l.client.Close()
}

func (l *Listener) handle(ctx context.Context, data []byte) {
	note, err := envelope.Decode(data)
	if err != nil {
		l.Log.WarnContext(ctx, "undecodable pull message dropped", "error", err)
		return
	}
	if err := l.Ingester.Ingest(ctx, note.UserKey, note.HistoryID); err != nil {
		l.Log.ErrorContext(ctx, "pull ingest failed", "user", note.UserKey, "error", err)
	}
}
