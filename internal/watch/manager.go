// Package watch manages mailbox notification leases. A lease is time-bounded;
// the manager re-opens each one well before it lapses so notifications never
// stop flowing.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/store"
)

const (
	// RenewalMargin is how far ahead of expiry a lease is re-opened.
	RenewalMargin = 24 * time.Hour
	// renewInterval is how often the background loop scans for due leases.
	renewInterval = time.Hour
)

// Manager opens, closes, and renews watch leases and keeps their expiries in
// the store. It never participates in the ingestion critical section: it only
// extends leases and, via compare-and-set, seeds cursors for fresh users.
type Manager struct {
	Store    store.Store
	Clients  gmail.ClientProvider
	LabelIDs []gmail.LabelID
	Log      *slog.Logger
	Clock    func() time.Time
}

func NewManager(st store.Store, clients gmail.ClientProvider, labels []gmail.LabelID, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Store: st, Clients: clients, LabelIDs: labels, Log: logger, Clock: time.Now}
}

// Open starts (or restarts) the watch lease for one user and persists the new
// expiry. The history id the provider hands back seeds the cursor only when it
// moves the cursor forward; a stale value updates nothing but the expiry.
func (m *Manager) Open(ctx context.Context, userKey string) (gmail.Watch, error) {
	client, err := m.Clients.ClientFor(ctx, userKey)
	if err != nil {
		return gmail.Watch{}, fmt.Errorf("client for %s: %w", userKey, err)
	}
	w, err := client.StartWatch(ctx, m.LabelIDs)
	if err != nil {
		return gmail.Watch{}, fmt.Errorf("start watch for %s: %w", userKey, err)
	}

	moved, err := m.Store.AdvanceCursor(ctx, userKey, w.HistoryID)
	if err != nil {
		return gmail.Watch{}, fmt.Errorf("seed cursor for %s: %w", userKey, err)
	}
	if err := m.Store.SetWatchExpiry(ctx, userKey, w.Expires); err != nil {
		return gmail.Watch{}, fmt.Errorf("record expiry for %s: %w", userKey, err)
	}

	m.Log.InfoContext(ctx, "watch opened",
		"user", userKey, "historyID", w.HistoryID, "expires", w.Expires, "cursorSeeded", moved)
	m.audit(ctx, userKey, w.HistoryID, store.EventWatchOpened)
	return w, nil
}

// Close stops the watch lease. Stopping a lease that is already closed is not
// an error.
func (m *Manager) Close(ctx context.Context, userKey string) error {
	client, err := m.Clients.ClientFor(ctx, userKey)
	if err != nil {
		return fmt.Errorf("client for %s: %w", userKey, err)
	}
	if err := client.StopWatch(ctx); err != nil {
		return fmt.Errorf("stop watch for %s: %w", userKey, err)
	}
	if err := m.Store.SetWatchExpiry(ctx, userKey, time.Time{}); err != nil {
		return fmt.Errorf("clear expiry for %s: %w", userKey, err)
	}
	m.Log.InfoContext(ctx, "watch closed", "user", userKey)
	m.audit(ctx, userKey, 0, store.EventWatchStopped)
	return nil
}

// RenewDue returns the users whose lease expires within RenewalMargin of now.
func (m *Manager) RenewDue(ctx context.Context, now time.Time) ([]string, error) {
	users, err := m.Store.UsersWithWatch(ctx)
	if err != nil {
		return nil, fmt.Errorf("list watched users: %w", err)
	}
	var due []string
	for _, u := range users {
		if u.WatchExpiry.Sub(now) < RenewalMargin {
			due = append(due, u.Key)
		}
	}
	return due, nil
}

// RenewAll re-opens every due lease. A failure for one user is logged and does
// not block the others.
func (m *Manager) RenewAll(ctx context.Context) {
	due, err := m.RenewDue(ctx, m.Clock())
	if err != nil {
		m.Log.ErrorContext(ctx, "renewal scan failed", "error", err)
		return
	}
	for _, userKey := range due {
		w, err := m.Open(ctx, userKey)
		if err != nil {
			m.Log.ErrorContext(ctx, "watch renewal failed", "user", userKey, "error", err)
			continue
		}
		m.audit(ctx, userKey, w.HistoryID, store.EventWatchRenewed)
	}
}

// Run renews due leases on a fixed interval until ctx is cancelled. The first
// scan runs immediately, then hourly with a little jitter so a fleet of
// instances doesn't hammer the provider in lockstep.
func (m *Manager) Run(ctx context.Context) {
	m.RenewAll(ctx)
	for {
		jitter := time.Duration(rand.Int64N(int64(renewInterval / 10)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(renewInterval + jitter):
			m.RenewAll(ctx)
		}
	}
}

func (m *Manager) audit(ctx context.Context, userKey string, id gmail.HistoryID, eventType string) {
	ev := store.Event{UserKey: userKey, HistoryID: id, Type: eventType, At: m.Clock()}
	if err := m.Store.AppendEvent(ctx, ev); err != nil {
		m.Log.WarnContext(ctx, "audit append failed", "user", userKey, "type", eventType, "error", err)
	}
}
