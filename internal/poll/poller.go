// Package poll is the safety net behind push notifications: it periodically
// asks the provider for each user's current history id and feeds it through
// the same ingestion path a push delivery would take. A missed or dropped
// notification is picked up on the next poll.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/store"
)

const defaultConcurrency = 4

// Ingester is the single entry point every delivery source funnels through.
type Ingester interface {
	Ingest(ctx context.Context, userKey string, announced gmail.HistoryID) error
}

// Poller sweeps all watched users on a fixed interval.
type Poller struct {
	Store       store.Store
	Clients     gmail.ClientProvider
	Ingester    Ingester
	Interval    time.Duration
	Concurrency int
	Log         *slog.Logger
}

func NewPoller(st store.Store, clients gmail.ClientProvider, ing Ingester, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		Store:       st,
		Clients:     clients,
		Ingester:    ing,
		Interval:    interval,
		Concurrency: defaultConcurrency,
		Log:         logger,
	}
}

// Run polls until ctx is cancelled. The first sweep happens after one full
// interval so startup isn't a thundering herd of profile calls.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep polls every watched user once, a bounded number at a time. Errors are
// logged per user; a poll is best-effort by nature and the next sweep retries.
func (p *Poller) Sweep(ctx context.Context) {
	users, err := p.Store.UsersWithWatch(ctx)
	if err != nil {
		p.Log.ErrorContext(ctx, "poll sweep failed to list users", "error", err)
		return
	}

	limit := p.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, u := range users {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.pollUser(ctx, u.Key)
		}()
	}
	wg.Wait()
}

func (p *Poller) pollUser(ctx context.Context, userKey string) {
	client, err := p.Clients.ClientFor(ctx, userKey)
	if err != nil {
		p.Log.WarnContext(ctx, "poll skipped user", "user", userKey, "error", err)
		return
	}
	profile, err := client.Profile(ctx)
	if err != nil {
		p.Log.WarnContext(ctx, "poll profile fetch failed", "user", userKey, "error", err)
		return
	}
	if err := p.Ingester.Ingest(ctx, userKey, profile.HistoryID); err != nil {
		p.Log.WarnContext(ctx, "poll ingest failed", "user", userKey, "error", err)
	}
}
