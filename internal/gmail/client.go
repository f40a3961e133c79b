package gmail

import (
	"context"
	"errors"
)

// ErrAuthRequired marks a credential that is invalid and cannot be refreshed.
// Processing for that user halts until re-authorization.
var ErrAuthRequired = errors.New("mailbox authorization required")

// ErrHistoryExpired marks a sync cursor that has rolled out of the provider's
// bounded change log. The caller must reset the cursor and accept the gap.
var ErrHistoryExpired = errors.New("history cursor expired")

// Client is the narrow Gmail surface required by mailsentinel, bound to one
// mailbox.
type Client interface {
	Profile(ctx context.Context) (Profile, error)
	StartWatch(ctx context.Context, labelIDs []LabelID) (Watch, error)
	StopWatch(ctx context.Context) error
	History(ctx context.Context, start HistoryID, pageToken string) (HistoryPage, error)
	GetMessage(ctx context.Context, id MessageID) (Message, error)
	Modify(ctx context.Context, id MessageID, add, remove []LabelID) error
	Send(ctx context.Context, out Outgoing) (MessageID, error)
	ListSent(ctx context.Context, max int) ([]Message, error)
}

// ClientProvider resolves the stored credential for a user into a bound
// Client. Returns ErrAuthRequired (possibly wrapped) when the credential is
// unusable.
type ClientProvider interface {
	ClientFor(ctx context.Context, userKey string) (Client, error)
}
