// Package histsync turns a pair of history cursors into the ordered change
// set between them.
package histsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
	"github.com/joshsymonds/mailsentinel/internal/rate"
)

// State classifies a sync outcome.
type State int

const (
	// Uninitialized means there was no baseline cursor. The engine does not
	// fetch anything: replaying an entire mailbox on first contact is never
	// wanted. The caller records the announced cursor and moves on.
	Uninitialized State = iota
	// Expired means the provider's change log no longer reaches back to the
	// baseline. The caller must reset the cursor and accept the gap.
	Expired
	// Synced means Changes holds the merged delta set.
	Synced
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Expired:
		return "expired"
	default:
		return "synced"
	}
}

// Result is the outcome of one Sync call. Latest is the provider-reported
// high-water mark and is the value to persist; it may exceed the announced
// cursor.
type Result struct {
	State   State
	Changes []gmail.ChangeEvent
	Latest  gmail.HistoryID
}

// Engine fetches and normalizes history deltas.
type Engine struct {
	Limiter rate.Limiter
	Log     *slog.Logger
}

func NewEngine(limiter rate.Limiter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Limiter: limiter, Log: logger}
}

// Sync fetches every history page from `from` and merges the records into
// per-message ChangeEvents. `to` is only used as the fallback high-water mark
// when the provider does not report one.
func (e *Engine) Sync(ctx context.Context, client gmail.Client, from, to gmail.HistoryID) (Result, error) {
	if from == 0 {
		return Result{State: Uninitialized, Latest: to}, nil
	}

	var (
		records []gmail.HistoryRecord
		latest  = to
		token   string
	)
	for {
		if err := e.wait(ctx); err != nil {
			return Result{}, err
		}
		page, err := client.History(ctx, from, token)
		if errors.Is(err, gmail.ErrHistoryExpired) {
			e.Log.WarnContext(ctx, "history cursor expired", "from", from, "announced", to)
			return Result{State: Expired, Latest: to}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("list history from %s: %w", from, err)
		}
		records = append(records, page.Records...)
		if page.HistoryID > latest {
			latest = page.HistoryID
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	return Result{State: Synced, Changes: merge(records), Latest: latest}, nil
}

func (e *Engine) wait(ctx context.Context) error {
	if e.Limiter == nil {
		return nil
	}
	if err := e.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit history: %w", err)
	}
	return nil
}

// merge folds raw history records into one ChangeEvent per message,
// preserving first-seen order. An Added record wins: later label churn on a
// freshly added message is folded into the add rather than reported twice.
// Label sets accumulate as unions across records.
func merge(records []gmail.HistoryRecord) []gmail.ChangeEvent {
	var (
		order  []gmail.MessageID
		byID   = map[gmail.MessageID]*gmail.ChangeEvent{}
		lookup = func(id gmail.MessageID, thread gmail.ThreadID, kind gmail.ChangeKind) *gmail.ChangeEvent {
			if ev, ok := byID[id]; ok {
				return ev
			}
			ev := &gmail.ChangeEvent{Message: id, Thread: thread, Kind: kind}
			byID[id] = ev
			order = append(order, id)
			return ev
		}
	)

	for _, rec := range records {
		for _, added := range rec.Added {
			ev := lookup(added.ID, added.Thread, gmail.ChangeAdded)
			ev.Kind = gmail.ChangeAdded
		}
		for _, lc := range rec.LabelsAdded {
			ev := lookup(lc.ID, lc.Thread, gmail.ChangeLabels)
			if ev.Kind == gmail.ChangeAdded {
				continue
			}
			ev.LabelsAdded = unionLabels(ev.LabelsAdded, lc.Labels)
		}
		for _, lc := range rec.LabelsRemoved {
			ev := lookup(lc.ID, lc.Thread, gmail.ChangeLabels)
			if ev.Kind == gmail.ChangeAdded {
				continue
			}
			ev.LabelsRemoved = unionLabels(ev.LabelsRemoved, lc.Labels)
		}
	}

	out := make([]gmail.ChangeEvent, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func unionLabels(have, add []gmail.LabelID) []gmail.LabelID {
	for _, l := range add {
		seen := false
		for _, h := range have {
			if h == l {
				seen = true
				break
			}
		}
		if !seen {
			have = append(have, l)
		}
	}
	return have
}
