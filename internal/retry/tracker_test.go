package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rss_relay/internal/eventbus"
	"rss_relay/internal/model"
	"rss_relay/internal/storage"
)

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(e eventbus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func newTestTracker(t *testing.T, maxAttempts int, cutoff time.Duration) (*Tracker, *storage.SQLite, *recordingBus, int64) {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	feed := model.FeedConfig{URL: "https://broken.example.com/rss"}
	if err := s.CreateFeed(context.Background(), &feed); err != nil {
		t.Fatalf("create feed: %v", err)
	}

	bus := &recordingBus{}
	tr := NewTracker(s, bus, slog.New(slog.NewTextHandler(io.Discard, nil)), maxAttempts, cutoff)
	return tr, s, bus, feed.ID
}

func TestRecordFailureDisablesAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	tr, s, bus, feedID := newTestTracker(t, 3, 0)

	var states []State
	for i := 0; i < 3; i++ {
		st, err := tr.RecordFailure(ctx, feedID, "invalid xml")
		if err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		states = append(states, st)
	}
	if diff := cmp.Diff([]State{Failing, Failing, Disabled}, states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	feed, err := s.GetFeed(ctx, feedID)
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	if diff := cmp.Diff(model.DisabledFailedParse, feed.Disabled); diff != "" {
		t.Errorf("disabled code mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.GetRetryRecord(ctx, feedID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected retry record removed, got %v", err)
	}

	if diff := cmp.Diff(1, len(bus.events)); diff != "" {
		t.Fatalf("event count mismatch (-want +got):\n%s", diff)
	}
	want := eventbus.Event{
		Type: eventbus.FeedDisabled,
		Data: eventbus.FeedStatus{FeedID: feedID, Code: model.DisabledFailedParse, Reason: "invalid xml"},
	}
	if diff := cmp.Diff(want, bus.events[0]); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordFailureDisablesAfterCutoff(t *testing.T) {
	ctx := context.Background()
	tr, s, bus, feedID := newTestTracker(t, 100, 72*time.Hour)

	start := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return start }
	if st, err := tr.RecordFailure(ctx, feedID, "timeout"); err != nil || st != Failing {
		t.Fatalf("first failure: state=%s err=%v", st, err)
	}

	tr.now = func() time.Time { return start.Add(72 * time.Hour) }
	st, err := tr.RecordFailure(ctx, feedID, "timeout")
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if diff := cmp.Diff(Disabled, st); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	feed, _ := s.GetFeed(ctx, feedID)
	if !feed.IsDisabled() {
		t.Error("expected feed disabled")
	}
	if diff := cmp.Diff(1, len(bus.events)); diff != "" {
		t.Errorf("event count mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordSuccessResets(t *testing.T) {
	ctx := context.Background()
	tr, s, bus, feedID := newTestTracker(t, 2, 0)

	if _, err := tr.RecordFailure(ctx, feedID, "bad"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := tr.RecordSuccess(ctx, feedID); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if _, err := s.GetRetryRecord(ctx, feedID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected retry record removed, got %v", err)
	}

	// The counter starts over, so one more failure does not disable.
	st, err := tr.RecordFailure(ctx, feedID, "bad")
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if diff := cmp.Diff(Failing, st); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if len(bus.events) != 0 {
		t.Errorf("expected no events, got %+v", bus.events)
	}
}

type failingDeleteStore struct {
	*storage.SQLite
}

func (failingDeleteStore) DeleteRetryRecord(context.Context, int64) error {
	return errors.New("database is locked")
}

func TestRecordFailurePublishesWhenClearFails(t *testing.T) {
	ctx := context.Background()
	_, s, bus, feedID := newTestTracker(t, 1, 0)
	tr := NewTracker(failingDeleteStore{s}, bus, slog.New(slog.NewTextHandler(io.Discard, nil)), 1, 0)

	st, err := tr.RecordFailure(ctx, feedID, "invalid xml")
	if err == nil {
		t.Fatal("expected error from failed clear")
	}
	if diff := cmp.Diff(Disabled, st); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	feed, err := s.GetFeed(ctx, feedID)
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	if diff := cmp.Diff(model.DisabledFailedParse, feed.Disabled); diff != "" {
		t.Errorf("disabled code mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, len(bus.events)); diff != "" {
		t.Fatalf("event count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(eventbus.FeedDisabled, bus.events[0].Type); diff != "" {
		t.Errorf("event type mismatch (-want +got):\n%s", diff)
	}
}
