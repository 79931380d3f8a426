// Package scheduler runs the fetch, compare and deliver cycle of a schedule
// over batches of URLs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rss_relay/internal/compare"
	"rss_relay/internal/delivery"
	"rss_relay/internal/eventbus"
	"rss_relay/internal/fetcher"
	"rss_relay/internal/model"
	"rss_relay/internal/retry"
	"rss_relay/internal/schedule"
	"rss_relay/internal/storage"
)

const (
	// watchdogSlack is how long past the unit timeout the watchdog waits
	// before abandoning a unit that ignores cancellation.
	watchdogSlack = 5 * time.Second
	// bookkeepingTimeout bounds failure writes made after the unit's own
	// context is done.
	bookkeepingTimeout = 10 * time.Second
)

var errUnitAbandoned = errors.New("unit abandoned by watchdog")

// Fetcher downloads and parses feeds.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Response, error)
	Parse(body []byte) (*fetcher.Parsed, error)
}

// Comparer decides which articles of a feed are deliverable.
type Comparer interface {
	Compare(ctx context.Context, feedID int64, articles []model.Article, opts compare.Options) (compare.Result, error)
}

// Deliverer sends deliverable articles to a feed's destinations.
type Deliverer interface {
	Deliver(ctx context.Context, entries []compare.Entry, dests []model.Destination, opts delivery.Options) ([]model.DeliveryState, error)
}

// RetryTracker follows per-feed parse failures.
type RetryTracker interface {
	RecordFailure(ctx context.Context, feedID int64, reason string) (retry.State, error)
	RecordSuccess(ctx context.Context, feedID int64) error
}

// Options tunes a Scheduler.
type Options struct {
	BatchSize           int
	UnitTimeout         time.Duration
	FailGracePeriod     time.Duration
	OldArticleThreshold time.Duration
	SeedNewFeeds        bool
	ArticleDayLimit     int
	DefaultFeedLimit    int
}

// RunStats summarizes one scheduling run.
type RunStats struct {
	Schedule  string
	Feeds     int
	Eligible  int
	URLs      int
	Batches   int
	Succeeded int
	Failed    int
	TimedOut  int
	Hung      HungReport
	Duration  time.Duration
}

type unitCounters struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

// Scheduler runs schedules.
type Scheduler struct {
	store     storage.Storage
	fetcher   Fetcher
	comparer  Comparer
	deliverer Deliverer
	retries   RetryTracker
	events    eventbus.Publisher
	log       *slog.Logger
	opts      Options
	slack     time.Duration
	now       func() time.Time
}

// New creates a Scheduler.
func New(store storage.Storage, f Fetcher, c Comparer, d Deliverer, r RetryTracker, events eventbus.Publisher, log *slog.Logger, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.UnitTimeout <= 0 {
		opts.UnitTimeout = 2 * time.Minute
	}
	return &Scheduler{
		store:     store,
		fetcher:   f,
		comparer:  c,
		deliverer: d,
		retries:   r,
		events:    events,
		log:       log,
		opts:      opts,
		slack:     watchdogSlack,
		now:       time.Now,
	}
}

// NewWithHTTPClient wires the default fetcher around client.
func NewWithHTTPClient(store storage.Storage, client fetcher.HTTPClient, c Comparer, d Deliverer, r RetryTracker, events eventbus.Publisher, log *slog.Logger, opts Options) *Scheduler {
	if client == nil {
		client = http.DefaultClient
	}
	return New(store, fetcher.New(client), c, d, r, events, log, opts)
}

// RunSchedule performs one full run of sched. Only failures to load feeds
// or fail records abort the run; everything else is isolated per URL.
func (s *Scheduler) RunSchedule(ctx context.Context, policy *schedule.Policy, sched model.Schedule) (*RunStats, error) {
	start := s.now()
	stats := &RunStats{Schedule: sched.Name}

	feeds, err := s.store.ListFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	failRecords, err := GetFailRecordsMap(ctx, s.store, uniqueURLs(feeds))
	if err != nil {
		return nil, err
	}

	failed := func(url string) bool {
		rec, ok := failRecords[url]
		return ok && rec.HasFailed(start, s.opts.FailGracePeriod)
	}
	scheduled := GetScheduleFeeds(feeds, policy, sched.Name, failed)
	eligible := GetEligibleFeeds(scheduled, failRecords, start, s.opts.FailGracePeriod)
	stats.Feeds = len(scheduled)
	stats.Eligible = len(eligible)

	run := NewScheduleRun(sched)
	groups := MapFeedsByURL(eligible, run.Excluded())
	batches := CreateBatches(groups, s.opts.BatchSize)
	run.CreateURLRecords(batches)
	stats.URLs = len(groups)
	stats.Batches = len(batches)

	var counters unitCounters
	for i, batch := range batches {
		if ctx.Err() != nil {
			s.log.Warn("run cancelled", "schedule", sched.Name, "batch", i, "error", ctx.Err())
			break
		}
		s.runBatch(ctx, run, i, batch, &counters)
	}

	stats.Succeeded = int(counters.succeeded.Load())
	stats.Failed = int(counters.failed.Load())
	stats.TimedOut = int(counters.timedOut.Load())
	stats.Hung = run.GetHungUpURLs()
	stats.Duration = s.now().Sub(start)

	if stats.Hung.Total > 0 {
		s.log.Warn("hung urls after run",
			"schedule", sched.Name, "total", stats.Hung.Total, "remaining", stats.Hung.Remaining, "summary", stats.Hung.Summary)
	}
	s.log.Info("schedule run finished",
		"schedule", sched.Name,
		"feeds", stats.Feeds,
		"eligible", stats.Eligible,
		"urls", stats.URLs,
		"batches", stats.Batches,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"timed_out", stats.TimedOut,
		"duration", stats.Duration,
	)
	return stats, nil
}

// runBatch dispatches every URL of the batch and returns once each unit has
// completed or been abandoned by its watchdog.
func (s *Scheduler) runBatch(ctx context.Context, run *ScheduleRun, index int, batch Batch, counters *unitCounters) {
	var g errgroup.Group
	g.SetLimit(s.opts.BatchSize)
	for _, group := range batch {
		g.Go(func() error {
			s.runUnit(ctx, run, index, group, counters)
			return nil
		})
	}
	_ = g.Wait()
}

// runUnit processes one URL under a watchdog. A unit that outlives the
// watchdog counts as failed and timed out, and its URL gets a synthetic fail
// record so it sits out once the grace period passes. The URL stays in the
// batch record until the unit actually returns, so the hang report names
// every unit still running when the run ends.
func (s *Scheduler) runUnit(ctx context.Context, run *ScheduleRun, index int, group URLFeeds, counters *unitCounters) {
	uctx, cancel := context.WithTimeout(ctx, s.opts.UnitTimeout)
	done := make(chan error, 1)

	go func() {
		defer cancel()
		var err error
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
			run.RemoveFromBatchRecords(index, group.URL)
			done <- err
		}()
		err = s.processURL(uctx, run, group)
	}()

	watchdog := time.NewTimer(s.opts.UnitTimeout + s.slack)
	defer watchdog.Stop()

	select {
	case err := <-done:
		if err == nil {
			counters.succeeded.Add(1)
			return
		}
		counters.failed.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			counters.timedOut.Add(1)
		}
		s.log.Debug("url unit failed", "url", group.URL, "batch", index, "error", err)
	case <-watchdog.C:
		counters.failed.Add(1)
		counters.timedOut.Add(1)
		s.recordURLFailure(ctx, group.URL, errUnitAbandoned)
		s.log.Warn("url unit timed out", "url", group.URL, "batch", index, "feeds", len(group.Feeds))
	}
}

// processURL fetches and parses the URL once, then compares and delivers
// for every feed sharing it.
func (s *Scheduler) processURL(ctx context.Context, run *ScheduleRun, group URLFeeds) error {
	resp, err := s.fetcher.Fetch(ctx, group.URL)
	if err != nil {
		s.recordURLFailure(ctx, group.URL, err)
		return fmt.Errorf("fetch: %w", err)
	}
	if err := s.store.DeleteFailRecord(ctx, group.URL); err != nil {
		s.log.Error("clear fail record", "url", group.URL, "error", err)
	}

	parsed, err := s.fetcher.Parse(resp.Body)
	if err != nil {
		for _, feed := range group.Feeds {
			if run.IsExcluded(feed.ID) {
				continue
			}
			state, rerr := s.recordParseFailure(ctx, feed.ID, err)
			if rerr != nil {
				s.log.Error("record parse failure", "feed_id", feed.ID, "error", rerr)
			}
			if state == retry.Disabled {
				run.Exclude(feed.ID)
			}
		}
		return fmt.Errorf("parse: %w", err)
	}

	for _, feed := range group.Feeds {
		if run.IsExcluded(feed.ID) {
			continue
		}
		if err := s.retries.RecordSuccess(ctx, feed.ID); err != nil {
			s.log.Error("record parse success", "feed_id", feed.ID, "error", err)
		}
		if err := s.processFeed(ctx, feed, parsed); err != nil {
			s.log.Error("process feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) processFeed(ctx context.Context, feed model.FeedConfig, parsed *fetcher.Parsed) error {
	res, err := s.comparer.Compare(ctx, feed.ID, parsed.Articles, compare.Options{
		Blocking:            feed.Comparisons.Blocking,
		Passing:             feed.Comparisons.Passing,
		OldArticleThreshold: s.opts.OldArticleThreshold,
		SeedOnFirstRun:      s.opts.SeedNewFeeds,
	})
	if err != nil {
		return fmt.Errorf("compare articles: %w", err)
	}
	if len(res.ToDeliver) == 0 {
		return nil
	}

	if _, err := s.deliverer.Deliver(ctx, res.ToDeliver, feed.Destinations, delivery.Options{
		FeedID:          feed.ID,
		FeedTitle:       parsed.Title,
		ArticleDayLimit: s.opts.ArticleDayLimit,
	}); err != nil {
		return fmt.Errorf("deliver articles: %w", err)
	}
	return nil
}

// bookkeeping returns a context for failure writes that survives the
// cancellation of ctx.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func (s *Scheduler) recordParseFailure(ctx context.Context, feedID int64, err error) (retry.State, error) {
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	return s.retries.RecordFailure(bctx, feedID, err.Error())
}

func (s *Scheduler) recordURLFailure(ctx context.Context, url string, err error) {
	reason := err.Error()
	var statusErr *fetcher.StatusError
	var reqErr *fetcher.RequestError
	switch {
	case errors.As(err, &statusErr):
		reason = fmt.Sprintf("status %d", statusErr.Code)
	case errors.As(err, &reqErr):
		reason = reqErr.Err.Error()
	}

	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if uerr := s.store.UpsertFailRecord(bctx, url, reason, s.now()); uerr != nil {
		s.log.Error("record url failure", "url", url, "error", uerr)
	}
	s.log.Debug("url request failed", "url", url, "reason", reason)
}

// AlertFailedURLs announces every URL that has just become actionably
// failed and marks its record alerted so it is announced once.
func (s *Scheduler) AlertFailedURLs(ctx context.Context) (int, error) {
	feeds, err := s.store.ListFeeds(ctx)
	if err != nil {
		return 0, fmt.Errorf("list feeds: %w", err)
	}
	failRecords, err := GetFailRecordsMap(ctx, s.store, uniqueURLs(feeds))
	if err != nil {
		return 0, err
	}

	now := s.now()
	alerted := 0
	for _, url := range uniqueURLs(feeds) {
		rec, ok := failRecords[url]
		if !ok || rec.Alerted || !rec.HasFailed(now, s.opts.FailGracePeriod) {
			continue
		}
		if err := s.store.MarkFailRecordAlerted(ctx, url); err != nil {
			return alerted, fmt.Errorf("mark fail record alerted: %w", err)
		}
		s.log.Warn("url failing past grace period", "url", url, "reason", rec.Reason, "failed_at", rec.FailedAt)
		s.events.Publish(eventbus.Event{
			Type: eventbus.URLFailed,
			Data: eventbus.URLFailure{URL: url, Reason: rec.Reason, FailedAt: rec.FailedAt},
		})
		alerted++
	}
	return alerted, nil
}
