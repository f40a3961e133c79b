// Package store persists user cursors, watch leases, pending confirmations,
// and the append-only audit event log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
)

var ErrNotFound = errors.New("not found")

// User is one watched mailbox. LastHistoryID is the monotonic ingestion
// cursor; zero means the user has never completed a sync.
type User struct {
	Key           string // mailbox address, unique
	Credential    []byte // opaque OAuth token blob, owned by the auth layer
	LastHistoryID gmail.HistoryID
	WatchExpiry   time.Time // zero when no active watch
	Persona       string    // drafting persona prompt, empty when not indexed
	Phone         string    // SMS confirmation number, empty to send directly
	UpdatedAt     time.Time
}

// PendingConfirmation is an outbound reply awaiting SMS approval. At most one
// exists per user; a new request replaces the old one.
type PendingConfirmation struct {
	UserKey   string
	RespondTo gmail.MessageID
	Draft     string
	CreatedAt time.Time
}

// Event is one audit log entry. Every ingestion outcome, watch renewal, and
// confirmation resolution is recorded.
type Event struct {
	ID        string
	UserKey   string
	HistoryID gmail.HistoryID
	Type      string
	Details   map[string]string
	At        time.Time
}

// Audit event types.
const (
	EventInitialized   = "initialized"
	EventProcessed     = "processed"
	EventDuplicate     = "duplicate"
	EventExpired       = "history_expired"
	EventError         = "error"
	EventAuthRequired  = "auth_required"
	EventWatchOpened   = "watch_opened"
	EventWatchRenewed  = "watch_renewed"
	EventWatchStopped  = "watch_stopped"
	EventConfirmAsked  = "confirmation_requested"
	EventConfirmSent   = "confirmation_sent"
	EventConfirmNo     = "confirmation_cancelled"
	EventLabelsChanged = "labels_changed"
)

// Store is the persistence surface. AdvanceCursor is the one compare-and-set
// operation: it must persist the new cursor only when it is strictly greater
// than the stored value, and report whether it did. An unknown key is
// ErrNotFound, never a silent (false, nil).
type Store interface {
	User(ctx context.Context, key string) (User, error)
	UserByPhone(ctx context.Context, phone string) (User, error)
	Users(ctx context.Context) ([]User, error)
	UsersWithWatch(ctx context.Context) ([]User, error)
	UpsertUser(ctx context.Context, u User) error
	AdvanceCursor(ctx context.Context, key string, to gmail.HistoryID) (bool, error)
	SetWatchExpiry(ctx context.Context, key string, expiry time.Time) error
	SetPersona(ctx context.Context, key, persona string) error

	PutConfirmation(ctx context.Context, pc PendingConfirmation) error
	Confirmation(ctx context.Context, key string) (PendingConfirmation, error)
	DeleteConfirmation(ctx context.Context, key string) error

	AppendEvent(ctx context.Context, ev Event) error
}
