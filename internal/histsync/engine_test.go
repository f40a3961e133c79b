package histsync

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
)

type fakeHistoryClient struct {
	pages      []gmail.HistoryPage
	historyErr error
	calls      int
	starts     []gmail.HistoryID
}

func (f *fakeHistoryClient) History(ctx context.Context, start gmail.HistoryID, pageToken string) (gmail.HistoryPage, error) {
	_ = ctx
	_ = pageToken
	f.calls++
	f.starts = append(f.starts, start)
	if f.historyErr != nil {
		return gmail.HistoryPage{}, f.historyErr
	}
	if len(f.pages) == 0 {
		return gmail.HistoryPage{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeHistoryClient) Profile(ctx context.Context) (gmail.Profile, error) {
	_ = ctx
	return gmail.Profile{}, nil
}

func (f *fakeHistoryClient) StartWatch(ctx context.Context, labelIDs []gmail.LabelID) (gmail.Watch, error) {
	_ = ctx
	_ = labelIDs
	return gmail.Watch{}, nil
}

func (f *fakeHistoryClient) StopWatch(ctx context.Context) error { _ = ctx; return nil }

func (f *fakeHistoryClient) GetMessage(ctx context.Context, id gmail.MessageID) (gmail.Message, error) {
	_ = ctx
	return gmail.Message{ID: id}, nil
}

func (f *fakeHistoryClient) Modify(ctx context.Context, id gmail.MessageID, add, remove []gmail.LabelID) error {
	_ = ctx
	_ = id
	_ = add
	_ = remove
	return nil
}

func (f *fakeHistoryClient) Send(ctx context.Context, out gmail.Outgoing) (gmail.MessageID, error) {
	_ = ctx
	_ = out
	return "sent", nil
}

func (f *fakeHistoryClient) ListSent(ctx context.Context, max int) ([]gmail.Message, error) {
	_ = ctx
	_ = max
	return nil, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSyncUninitializedSkipsFetch(t *testing.T) {
	fake := &fakeHistoryClient{}
	eng := NewEngine(nil, discard())

	res, err := eng.Sync(context.Background(), fake, 0, 500)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.State != Uninitialized {
		t.Fatalf("state=%v want uninitialized", res.State)
	}
	if res.Latest != 500 {
		t.Fatalf("latest=%d want 500", res.Latest)
	}
	if fake.calls != 0 {
		t.Fatalf("expected no history calls, got %d", fake.calls)
	}
}

func TestSyncExpired(t *testing.T) {
	fake := &fakeHistoryClient{historyErr: gmail.ErrHistoryExpired}
	eng := NewEngine(nil, discard())

	res, err := eng.Sync(context.Background(), fake, 100, 150)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.State != Expired {
		t.Fatalf("state=%v want expired", res.State)
	}
	if res.Latest != 150 {
		t.Fatalf("latest=%d want 150", res.Latest)
	}
	if len(res.Changes) != 0 {
		t.Fatalf("expected no changes, got %d", len(res.Changes))
	}
}

func TestSyncPaginatesAndTracksHighWaterMark(t *testing.T) {
	fake := &fakeHistoryClient{pages: []gmail.HistoryPage{
		{
			Records:   []gmail.HistoryRecord{{Added: []gmail.AddedMessage{{ID: "m1", Thread: "t1"}}}},
			NextToken: "page2",
			HistoryID: 160,
		},
		{
			Records:   []gmail.HistoryRecord{{Added: []gmail.AddedMessage{{ID: "m2", Thread: "t2"}}}},
			HistoryID: 170,
		},
	}}
	eng := NewEngine(nil, discard())

	res, err := eng.Sync(context.Background(), fake, 100, 150)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", fake.calls)
	}
	if res.Latest != 170 {
		t.Fatalf("latest=%d want provider high-water mark 170", res.Latest)
	}
	if len(res.Changes) != 2 || res.Changes[0].Message != "m1" || res.Changes[1].Message != "m2" {
		t.Fatalf("unexpected changes: %+v", res.Changes)
	}
}

func TestMergeAddedSuppressesLabelChurn(t *testing.T) {
	records := []gmail.HistoryRecord{
		{Added: []gmail.AddedMessage{{ID: "m1", Thread: "t1"}}},
		{LabelsAdded: []gmail.LabelChange{{ID: "m1", Thread: "t1", Labels: []gmail.LabelID{"UNREAD"}}}},
		{LabelsRemoved: []gmail.LabelChange{{ID: "m1", Thread: "t1", Labels: []gmail.LabelID{"INBOX"}}}},
	}
	got := merge(records)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ev := got[0]
	if ev.Kind != gmail.ChangeAdded {
		t.Fatalf("kind=%v want added", ev.Kind)
	}
	if len(ev.LabelsAdded) != 0 || len(ev.LabelsRemoved) != 0 {
		t.Fatalf("added message should not carry label churn: %+v", ev)
	}
}

func TestMergeAccumulatesLabelSets(t *testing.T) {
	records := []gmail.HistoryRecord{
		{LabelsAdded: []gmail.LabelChange{{ID: "m1", Thread: "t1", Labels: []gmail.LabelID{"STARRED"}}}},
		{LabelsAdded: []gmail.LabelChange{{ID: "m1", Thread: "t1", Labels: []gmail.LabelID{"IMPORTANT", "STARRED"}}}},
		{LabelsRemoved: []gmail.LabelChange{{ID: "m1", Thread: "t1", Labels: []gmail.LabelID{"UNREAD"}}}},
	}
	got := merge(records)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ev := got[0]
	if ev.Kind != gmail.ChangeLabels {
		t.Fatalf("kind=%v want labels-changed", ev.Kind)
	}
	if len(ev.LabelsAdded) != 2 {
		t.Fatalf("labels added should union to 2, got %v", ev.LabelsAdded)
	}
	if len(ev.LabelsRemoved) != 1 || ev.LabelsRemoved[0] != "UNREAD" {
		t.Fatalf("unexpected removed labels: %v", ev.LabelsRemoved)
	}
}

func TestMergePreservesInsertionOrder(t *testing.T) {
	records := []gmail.HistoryRecord{
		{Added: []gmail.AddedMessage{{ID: "m1"}}},
		{LabelsAdded: []gmail.LabelChange{{ID: "m2", Labels: []gmail.LabelID{"X"}}}},
		{Added: []gmail.AddedMessage{{ID: "m3"}}},
	}
	got := merge(records)
	want := []gmail.MessageID{"m1", "m2", "m3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].Message != id {
			t.Fatalf("event %d: got %s want %s", i, got[i].Message, id)
		}
	}
}
