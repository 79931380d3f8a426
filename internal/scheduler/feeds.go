package scheduler

import (
	"context"
	"fmt"
	"time"

	"rss_relay/internal/eventbus"
	"rss_relay/internal/model"
	"rss_relay/internal/schedule"
	"rss_relay/internal/storage"
)

// GetFailRecordsMap loads the fail records of urls keyed by URL.
func GetFailRecordsMap(ctx context.Context, store storage.FailStore, urls []string) (map[string]model.FailRecord, error) {
	records, err := store.GetFailRecords(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("get fail records: %w", err)
	}
	out := make(map[string]model.FailRecord, len(records))
	for _, r := range records {
		out[r.URL] = r
	}
	return out, nil
}

// IsEligibleFeed reports whether a feed may be scheduled: it is enabled and
// its URL has no fail record past the grace period.
func IsEligibleFeed(feed model.FeedConfig, failRecords map[string]model.FailRecord, now time.Time, grace time.Duration) bool {
	if feed.IsDisabled() {
		return false
	}
	rec, ok := failRecords[feed.URL]
	return !ok || !rec.HasFailed(now, grace)
}

// GetEligibleFeeds filters feeds with IsEligibleFeed.
func GetEligibleFeeds(feeds []model.FeedConfig, failRecords map[string]model.FailRecord, now time.Time, grace time.Duration) []model.FeedConfig {
	var out []model.FeedConfig
	for _, f := range feeds {
		if IsEligibleFeed(f, failRecords, now, grace) {
			out = append(out, f)
		}
	}
	return out
}

// GetScheduleFeeds returns the feeds the policy resolves to the schedule
// named name.
func GetScheduleFeeds(feeds []model.FeedConfig, policy *schedule.Policy, name string, failed func(url string) bool) []model.FeedConfig {
	var out []model.FeedConfig
	for _, f := range feeds {
		s := policy.Determine(f, failed(f.URL))
		if s != nil && s.Name == name {
			out = append(out, f)
		}
	}
	return out
}

// StatusChanges are the feed transitions found by a maintenance check.
type StatusChanges struct {
	Enabled  []int64
	Disabled []int64
	Code     model.DisabledCode
}

// UpdateFeedsStatus emits one event per feed transition.
func UpdateFeedsStatus(events eventbus.Publisher, changes StatusChanges) {
	for _, id := range changes.Enabled {
		events.Publish(eventbus.Event{Type: eventbus.FeedEnabled, Data: eventbus.FeedStatus{FeedID: id}})
	}
	for _, id := range changes.Disabled {
		events.Publish(eventbus.Event{
			Type: eventbus.FeedDisabled,
			Data: eventbus.FeedStatus{FeedID: id, Code: changes.Code},
		})
	}
}

func uniqueURLs(feeds []model.FeedConfig) []string {
	var out []string
	seen := make(map[string]bool)
	for _, f := range feeds {
		if !seen[f.URL] {
			seen[f.URL] = true
			out = append(out, f.URL)
		}
	}
	return out
}
