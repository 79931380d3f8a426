// Package retry tracks consecutive parse failures per feed and disables
// feeds that keep failing.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rss_relay/internal/eventbus"
	"rss_relay/internal/model"
)

// Store is the persistence the tracker needs.
type Store interface {
	IncrementRetryRecord(ctx context.Context, feedID int64, now time.Time) (model.RetryRecord, error)
	DeleteRetryRecord(ctx context.Context, feedID int64) error
	DisableFeed(ctx context.Context, id int64, code model.DisabledCode) error
}

// State is where a feed sits in the failure lifecycle.
type State int

// Failure lifecycle states.
const (
	Healthy State = iota
	Failing
	Disabled
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Failing:
		return "failing"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Tracker drives the healthy, failing and disabled transitions.
type Tracker struct {
	store       Store
	events      eventbus.Publisher
	log         *slog.Logger
	maxAttempts int
	cutoff      time.Duration
	now         func() time.Time
}

// NewTracker creates a Tracker that disables a feed after maxAttempts
// consecutive failures or once its first failure is older than cutoff.
func NewTracker(store Store, events eventbus.Publisher, log *slog.Logger, maxAttempts int, cutoff time.Duration) *Tracker {
	return &Tracker{
		store:       store,
		events:      events,
		log:         log,
		maxAttempts: maxAttempts,
		cutoff:      cutoff,
		now:         time.Now,
	}
}

// RecordFailure counts one failure for the feed and disables it when a
// threshold is crossed. The returned state is Failing or Disabled.
func (t *Tracker) RecordFailure(ctx context.Context, feedID int64, reason string) (State, error) {
	now := t.now()
	rec, err := t.store.IncrementRetryRecord(ctx, feedID, now)
	if err != nil {
		return Healthy, fmt.Errorf("record failure: %w", err)
	}

	if !t.exhausted(rec, now) {
		t.log.Debug("feed failing", "feed_id", feedID, "attempts", rec.AttemptsSoFar, "reason", reason)
		return Failing, nil
	}

	if err := t.store.DisableFeed(ctx, feedID, model.DisabledFailedParse); err != nil {
		return Failing, fmt.Errorf("disable feed: %w", err)
	}
	t.log.Warn("feed disabled after repeated failures",
		"feed_id", feedID, "attempts", rec.AttemptsSoFar, "since", rec.CreatedAt, "reason", reason)
	t.events.Publish(eventbus.Event{
		Type: eventbus.FeedDisabled,
		Data: eventbus.FeedStatus{FeedID: feedID, Code: model.DisabledFailedParse, Reason: reason},
	})

	// The feed stays disabled even if this fails. A leftover record is
	// cleared by the next successful parse.
	if err := t.store.DeleteRetryRecord(ctx, feedID); err != nil {
		return Disabled, fmt.Errorf("clear retry record: %w", err)
	}
	return Disabled, nil
}

// RecordSuccess clears any failure history of the feed.
func (t *Tracker) RecordSuccess(ctx context.Context, feedID int64) error {
	if err := t.store.DeleteRetryRecord(ctx, feedID); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

func (t *Tracker) exhausted(rec model.RetryRecord, now time.Time) bool {
	if t.maxAttempts > 0 && rec.AttemptsSoFar >= t.maxAttempts {
		return true
	}
	return t.cutoff > 0 && now.Sub(rec.CreatedAt) >= t.cutoff
}
