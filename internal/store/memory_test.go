package store

import (
	"context"
	"errors"
	"testing"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
)

func TestAdvanceCursorIsCompareAndSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.UpsertUser(ctx, User{Key: "ada@example.com", LastHistoryID: 100}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tests := []struct {
		name    string
		to      uint64
		want    bool
		wantCur uint64
	}{
		{name: "forward", to: 150, want: true, wantCur: 150},
		{name: "equal-is-noop", to: 150, want: false, wantCur: 150},
		{name: "stale-write-rejected", to: 120, want: false, wantCur: 150},
		{name: "forward-again", to: 151, want: true, wantCur: 151},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			ok, err := m.AdvanceCursor(ctx, "ada@example.com", gmail.HistoryID(tc.to))
			if err != nil {
				t.Fatalf("advance: %v", err)
			}
			if ok != tc.want {
				t.Fatalf("advanced=%v want %v", ok, tc.want)
			}
			u, err := m.User(ctx, "ada@example.com")
			if err != nil {
				t.Fatalf("user: %v", err)
			}
			if uint64(u.LastHistoryID) != tc.wantCur {
				t.Fatalf("cursor=%d want %d", u.LastHistoryID, tc.wantCur)
			}
		})
	}
}

func TestAdvanceCursorUnknownUser(t *testing.T) {
	m := NewMemory()
	if _, err := m.AdvanceCursor(context.Background(), "ghost@example.com", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirmationUpsertReplaces(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.PutConfirmation(ctx, PendingConfirmation{UserKey: "ada@example.com", RespondTo: "m1", Draft: "first"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.PutConfirmation(ctx, PendingConfirmation{UserKey: "ada@example.com", RespondTo: "m2", Draft: "second"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	pc, err := m.Confirmation(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pc.RespondTo != "m2" || pc.Draft != "second" {
		t.Fatalf("expected replacement, got %+v", pc)
	}
	if err := m.DeleteConfirmation(ctx, "ada@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Confirmation(ctx, "ada@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
