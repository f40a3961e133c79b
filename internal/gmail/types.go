package gmail

import (
	"fmt"
	"strconv"
	"time"
)

type MessageID string
type ThreadID string
type LabelID string

// HistoryID is a mailbox change-log cursor. Gmail transmits it as a decimal
// string; all ordering decisions happen on the parsed integer. Zero means
// "no cursor yet".
type HistoryID uint64

// ParseHistoryID converts the wire representation of a cursor.
func ParseHistoryID(s string) (HistoryID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse history id %q: %w", s, err)
	}
	return HistoryID(v), nil
}

func (h HistoryID) String() string { return strconv.FormatUint(uint64(h), 10) }

// Profile is the subset of the mailbox profile the engine needs.
type Profile struct {
	EmailAddress string
	HistoryID    HistoryID
}

// Watch is a time-bounded subscription for change notifications.
type Watch struct {
	HistoryID HistoryID
	Expires   time.Time
}

// ChangeKind distinguishes the two normalized delta shapes.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeLabels
)

func (k ChangeKind) String() string {
	if k == ChangeAdded {
		return "added"
	}
	return "labels-changed"
}

// ChangeEvent is one normalized, provider-agnostic mailbox delta.
type ChangeEvent struct {
	Message       MessageID
	Thread        ThreadID
	Kind          ChangeKind
	LabelsAdded   []LabelID
	LabelsRemoved []LabelID
}

// HistoryPage is one page of raw history records plus pagination state.
// HistoryID is the provider's high-water mark for the whole listing and may
// exceed the cursor announced by the notification that triggered the sync.
type HistoryPage struct {
	Records   []HistoryRecord
	NextToken string
	HistoryID HistoryID
}

// HistoryRecord mirrors one users.history.list entry before merging.
type HistoryRecord struct {
	Added         []AddedMessage
	LabelsAdded   []LabelChange
	LabelsRemoved []LabelChange
}

type AddedMessage struct {
	ID     MessageID
	Thread ThreadID
}

type LabelChange struct {
	ID     MessageID
	Thread ThreadID
	Labels []LabelID
}

// Part is one decoded MIME part of a message payload.
type Part struct {
	MIMEType string
	Body     []byte
	Parts    []Part
}

// Message is a fetched full-format message.
type Message struct {
	ID      MessageID
	Thread  ThreadID
	Snippet string
	Headers map[string]string // From, To, Subject, Message-ID, Date, ...
	Payload Part
}

// Outgoing describes a message to send. InReplyTo and Thread keep replies in
// the original conversation.
type Outgoing struct {
	To        string
	Subject   string
	Body      string
	InReplyTo string
	Thread    ThreadID
}
