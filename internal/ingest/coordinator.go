// Package ingest is the single serialization point for every notification
// delivery channel. It converts at-least-once, unorderered, multi-source
// delivery into effectively-once, per-user-ordered processing.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/histsync"
	"github.com/joshsymonds/mailsentinel/internal/store"
)

// ErrShuttingDown is returned to sources once Close has been called. In-flight
// ingests are allowed to finish.
var ErrShuttingDown = errors.New("ingestion is shutting down")

// Syncer fetches the deltas between two cursors.
type Syncer interface {
	Sync(ctx context.Context, client gmail.Client, from, to gmail.HistoryID) (histsync.Result, error)
}

// Processor handles one delta.
type Processor interface {
	Process(ctx context.Context, client gmail.Client, user store.User, ev gmail.ChangeEvent) error
}

// Coordinator owns the idempotency and ordering guarantee. Every delivery
// source (webhook, streaming pull, poller, manual trigger) calls Ingest and
// nothing else.
type Coordinator struct {
	Store     store.Store
	Clients   gmail.ClientProvider
	Syncer    Syncer
	Processor Processor
	Log       *slog.Logger
	Clock     func() time.Time

	mu        sync.Mutex // guards userLocks, closed, and inflight admission
	userLocks map[string]*sync.Mutex
	inflight  sync.WaitGroup
	closed    bool
}

func NewCoordinator(st store.Store, clients gmail.ClientProvider, syncer Syncer, proc Processor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Store:     st,
		Clients:   clients,
		Syncer:    syncer,
		Processor: proc,
		Log:       logger,
		Clock:     time.Now,
		userLocks: map[string]*sync.Mutex{},
	}
}

// Ingest drives one announced cursor through the sync/classify pipeline. It
// is safe to call concurrently and redundantly from any source; calls for the
// same user serialize, and a cursor at or behind the stored one is a no-op.
//
// The returned error is for the caller's observability only. Sources must ack
// their delivery regardless: a failed ingest leaves the cursor unadvanced, so
// the channel's own at-least-once redelivery is the retry mechanism.
func (c *Coordinator) Ingest(ctx context.Context, userKey string, announced gmail.HistoryID) error {
	// Admission and the inflight count move together under mu so a draining
	// Close cannot miss a call that already passed the closed check.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	lock := c.userLock(userKey)
	lock.Lock()
	defer lock.Unlock()

	user, err := c.Store.User(ctx, userKey)
	if errors.Is(err, store.ErrNotFound) {
		// Notifications never create users.
		c.Log.WarnContext(ctx, "notification for unknown user dropped", "user", userKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user %s: %w", userKey, err)
	}

	// Integer compare on the parsed cursor. Duplicate and out-of-order
	// deliveries stop here.
	if user.LastHistoryID != 0 && announced <= user.LastHistoryID {
		c.Log.DebugContext(ctx, "stale notification ignored",
			"user", userKey, "announced", announced, "cursor", user.LastHistoryID)
		c.audit(ctx, userKey, announced, store.EventDuplicate, map[string]string{
			"cursor": user.LastHistoryID.String(),
		})
		return nil
	}

	client, err := c.Clients.ClientFor(ctx, userKey)
	if err != nil {
		if errors.Is(err, gmail.ErrAuthRequired) {
			c.audit(ctx, userKey, announced, store.EventAuthRequired, nil)
		}
		return fmt.Errorf("client for %s: %w", userKey, err)
	}

	res, err := c.Syncer.Sync(ctx, client, user.LastHistoryID, announced)
	if err != nil {
		c.audit(ctx, userKey, announced, store.EventError, map[string]string{"error": err.Error()})
		return fmt.Errorf("sync %s: %w", userKey, err)
	}

	switch res.State {
	case histsync.Uninitialized:
		c.advance(ctx, userKey, announced)
		c.audit(ctx, userKey, announced, store.EventInitialized, nil)
		return nil
	case histsync.Expired:
		// The provider's change log rolled past our cursor: a data-loss
		// window. Reset to the announced value and move on.
		c.advance(ctx, userKey, announced)
		c.audit(ctx, userKey, announced, store.EventExpired, map[string]string{
			"from": user.LastHistoryID.String(),
		})
		return nil
	}

	var failed int
	for _, ev := range res.Changes {
		if err := c.Processor.Process(ctx, client, user, ev); err != nil {
			// One message failing must not abort its siblings.
			failed++
			c.Log.ErrorContext(ctx, "change event failed",
				"user", userKey, "message", ev.Message, "kind", ev.Kind.String(), "error", err)
		}
	}
	if failed > 0 {
		// Leave the cursor where it was: the next delivery re-drives this
		// window. Label mutations are idempotent on replay.
		c.audit(ctx, userKey, announced, store.EventError, map[string]string{
			"failed": fmt.Sprint(failed),
			"total":  fmt.Sprint(len(res.Changes)),
		})
		return fmt.Errorf("ingest %s: %d of %d events failed", userKey, failed, len(res.Changes))
	}

	c.advance(ctx, userKey, res.Latest)
	c.audit(ctx, userKey, res.Latest, store.EventProcessed, map[string]string{
		"events": fmt.Sprint(len(res.Changes)),
	})
	return nil
}

// advance persists the cursor with compare-and-set semantics: a concurrent
// ingest that already moved it further wins.
func (c *Coordinator) advance(ctx context.Context, userKey string, to gmail.HistoryID) {
	moved, err := c.Store.AdvanceCursor(ctx, userKey, to)
	if err != nil {
		c.Log.ErrorContext(ctx, "cursor write failed", "user", userKey, "to", to, "error", err)
		return
	}
	if !moved {
		c.Log.DebugContext(ctx, "cursor already ahead", "user", userKey, "to", to)
	}
}

// Close stops accepting new ingests and waits for in-flight ones, or until
// ctx expires.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight ingests: %w", ctx.Err())
	}
}

func (c *Coordinator) userLock(userKey string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.userLocks[userKey]
	if !ok {
		lock = &sync.Mutex{}
		c.userLocks[userKey] = lock
	}
	return lock
}

func (c *Coordinator) audit(ctx context.Context, userKey string, id gmail.HistoryID, eventType string, details map[string]string) {
	ev := store.Event{UserKey: userKey, HistoryID: id, Type: eventType, Details: details, At: c.Clock()}
	if err := c.Store.AppendEvent(ctx, ev); err != nil {
		c.Log.WarnContext(ctx, "audit append failed", "user", userKey, "type", eventType, "error", err)
	}
}
