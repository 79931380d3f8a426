// Package delivery sends compared articles to feed destinations under
// rate limits and records one outcome per article and destination.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"rss_relay/internal/compare"
	"rss_relay/internal/eventbus"
	"rss_relay/internal/filter"
	"rss_relay/internal/model"
	"rss_relay/internal/sender"
	"rss_relay/internal/storage"
)

const (
	defaultFlushThreshold = 500
	dayWindow             = 24 * time.Hour
	confirmTimeout        = time.Minute
)

// Store is the delivery record persistence the pipeline needs.
type Store interface {
	InsertDeliveryStates(ctx context.Context, states []model.DeliveryState) error
	UpdatePendingDelivery(ctx context.Context, state model.DeliveryState) error
	CountSent(ctx context.Context, q storage.SentQuery) (int, error)
}

// Options carries the feed-level inputs of one delivery.
type Options struct {
	FeedID    int64
	FeedTitle string
	// ArticleDayLimit caps sent articles of the feed over 24 hours. Zero
	// disables the cap.
	ArticleDayLimit int
}

// Pipeline delivers articles and records their outcomes.
type Pipeline struct {
	store          Store
	sender         sender.Sender
	events         eventbus.Publisher
	log            *slog.Logger
	flushThreshold int
	now            func() time.Time
	newID          func() string
	pending        sync.WaitGroup
}

// New creates a Pipeline.
func New(store Store, s sender.Sender, events eventbus.Publisher, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:          store,
		sender:         s,
		events:         events,
		log:            log,
		flushThreshold: defaultFlushThreshold,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// SetFlushThreshold sets how many buffered states trigger a mid-run write.
func (p *Pipeline) SetFlushThreshold(n int) {
	if n > 0 {
		p.flushThreshold = n
	}
}

// Wait blocks until every pending confirmation has resolved.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}

type confirmation struct {
	state   model.DeliveryState
	payload sender.Payload
	dest    model.Destination
}

// run is the buffered state of one Deliver call.
type run struct {
	opts     Options
	buf      []model.DeliveryState
	queued   []confirmation
	out      []model.DeliveryState
	baseline map[string]int
	sent     map[string]int
	feedSent int
}

// Deliver processes every (article, destination) pair and returns the
// recorded states. One destination's failure never affects another. Only a
// failed write of the outcome log is returned as an error.
func (p *Pipeline) Deliver(ctx context.Context, entries []compare.Entry, dests []model.Destination, opts Options) ([]model.DeliveryState, error) {
	if len(entries) == 0 || len(dests) == 0 {
		return nil, nil
	}

	r := &run{
		opts:     opts,
		baseline: make(map[string]int),
		sent:     make(map[string]int),
	}
	if err := p.loadBaselines(ctx, r, dests); err != nil {
		return nil, err
	}

	for _, dest := range dests {
		matcher, ferr := filter.Compile(dest.Filter)
		for _, en := range entries {
			st := p.deliverOne(ctx, r, en, dest, matcher, ferr)
			r.buf = append(r.buf, st)
			if len(r.buf) >= p.flushThreshold {
				if err := p.flush(ctx, r); err != nil {
					return r.out, err
				}
			}
		}
	}
	if err := p.flush(ctx, r); err != nil {
		return r.out, err
	}

	p.logSummary(opts.FeedID, r.out)
	return r.out, nil
}

// loadBaselines reads the sent counts of every window once, so counts stay
// exact across mid-run flushes.
func (p *Pipeline) loadBaselines(ctx context.Context, r *run, dests []model.Destination) error {
	now := p.now()
	for _, dest := range dests {
		for _, rl := range dest.RateLimits {
			key := limitKey(dest.ID, rl.Window())
			if _, ok := r.baseline[key]; ok {
				continue
			}
			n, err := p.store.CountSent(ctx, storage.SentQuery{MediumID: dest.ID, Since: now.Add(-rl.Window())})
			if err != nil {
				return fmt.Errorf("count sent for %s: %w", dest.ID, err)
			}
			r.baseline[key] = n
		}
	}
	if r.opts.ArticleDayLimit > 0 {
		n, err := p.store.CountSent(ctx, storage.SentQuery{FeedID: r.opts.FeedID, Since: now.Add(-dayWindow)})
		if err != nil {
			return fmt.Errorf("count sent for feed %d: %w", r.opts.FeedID, err)
		}
		r.baseline[feedKey] = n
	}
	return nil
}

const feedKey = "feed"

func limitKey(mediumID string, window time.Duration) string {
	return mediumID + "/" + window.String()
}

func (p *Pipeline) deliverOne(ctx context.Context, r *run, en compare.Entry, dest model.Destination, matcher *filter.Matcher, filterErr error) model.DeliveryState {
	st := model.DeliveryState{
		ID:            p.newID(),
		FeedID:        r.opts.FeedID,
		MediumID:      dest.ID,
		CreatedAt:     p.now().UTC(),
		ArticleID:     en.IDValue,
		ArticleIDHash: en.ID,
		ArticleData:   map[string]string{"title": en.Article.Title, "link": en.Article.Link},
	}

	if err := dest.Validate(); err != nil {
		st.Status = model.StatusRejected
		st.ErrorCode = model.ErrorCodeNoChannelOrWebhook
		st.InternalMessage = err.Error()
		return st
	}
	if filterErr != nil {
		st.Status = model.StatusRejected
		st.ErrorCode = model.ErrorCodeInvalidFilter
		st.InternalMessage = filterErr.Error()
		st.ExternalDetail = "invalid filter: " + filterErr.Error()
		return st
	}
	if !matcher.Match(en.Article) {
		st.Status = model.StatusFilteredOut
		return st
	}
	if status, limited := r.limited(dest); limited {
		st.Status = status
		return st
	}

	payload := sender.Payload{
		FeedID:    r.opts.FeedID,
		FeedTitle: r.opts.FeedTitle,
		ArticleID: en.IDValue,
		Article:   en.Article,
	}

	r.sent[dest.ID]++
	r.feedSent++

	if dest.RequiresConfirmation() {
		st.Status = model.StatusPendingDelivery
		r.queued = append(r.queued, confirmation{state: st, payload: payload, dest: dest})
		return st
	}

	res, err := p.send(ctx, payload, dest)
	classify(&st, res, err)
	if st.Status != model.StatusSent {
		r.sent[dest.ID]--
		r.feedSent--
		p.log.Debug("delivery not sent",
			"feed_id", r.opts.FeedID, "medium_id", dest.ID, "status", st.Status, "error_code", st.ErrorCode)
	}
	return st
}

// limited reports whether a destination rule or the feed day limit is at
// capacity.
func (r *run) limited(dest model.Destination) (model.DeliveryStatus, bool) {
	for _, rl := range dest.RateLimits {
		if rl.Limit <= 0 {
			continue
		}
		if r.baseline[limitKey(dest.ID, rl.Window())]+r.sent[dest.ID] >= rl.Limit {
			if rl.UserConfigured {
				return model.StatusMediumRateLimitedByUser, true
			}
			return model.StatusRateLimited, true
		}
	}
	if r.opts.ArticleDayLimit > 0 && r.baseline[feedKey]+r.feedSent >= r.opts.ArticleDayLimit {
		return model.StatusRateLimited, true
	}
	return "", false
}

// send calls the medium and turns a panic into an error.
func (p *Pipeline) send(ctx context.Context, payload sender.Payload, dest model.Destination) (res sender.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sender panic: %v", rec)
		}
	}()
	return p.sender.Send(ctx, payload, dest)
}

// classify sets status and error details from a send outcome.
func classify(st *model.DeliveryState, res sender.Result, err error) {
	switch {
	case errors.Is(err, sender.ErrUnsupportedDestination):
		st.Status = model.StatusRejected
		st.ErrorCode = model.ErrorCodeNoChannelOrWebhook
		st.InternalMessage = err.Error()
		return
	case err != nil:
		st.Status = model.StatusFailed
		st.ErrorCode = model.ErrorCodeInternal
		st.InternalMessage = err.Error()
		return
	case res.OK():
		st.Status = model.StatusSent
		return
	}

	st.ExternalDetail = res.Body
	switch {
	case res.Status == http.StatusNotFound:
		st.Status = model.StatusRejected
		st.ErrorCode = model.ErrorCodeNoChannelOrWebhook
	case res.Status == http.StatusForbidden:
		st.Status = model.StatusRejected
		st.ErrorCode = model.ErrorCodeThirdPartyForbidden
	case res.Status == http.StatusTooManyRequests:
		st.Status = model.StatusFailed
		st.ErrorCode = model.ErrorCodeThirdPartyInternal
	case res.Status >= 400 && res.Status < 500:
		st.Status = model.StatusRejected
		st.ErrorCode = model.ErrorCodeThirdPartyBadRequest
	default:
		st.Status = model.StatusFailed
		st.ErrorCode = model.ErrorCodeThirdPartyInternal
	}
}

// flush writes the buffered states in one call, publishes them, and starts
// the confirmations whose pending records are now stored.
func (p *Pipeline) flush(ctx context.Context, r *run) error {
	if len(r.buf) == 0 {
		return nil
	}
	if err := p.store.InsertDeliveryStates(ctx, r.buf); err != nil {
		return fmt.Errorf("insert delivery states: %w", err)
	}
	for _, st := range r.buf {
		p.events.Publish(eventbus.Event{Type: eventbus.ArticleDelivery, Data: st})
	}
	r.out = append(r.out, r.buf...)
	r.buf = nil

	for _, c := range r.queued {
		p.confirm(ctx, c)
	}
	r.queued = nil
	return nil
}

// confirm resolves a pending delivery in the background. It outlives the
// caller's cancellation but is bounded by confirmTimeout.
func (p *Pipeline) confirm(ctx context.Context, c confirmation) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), confirmTimeout)
		defer cancel()

		st := c.state
		res, err := p.send(cctx, c.payload, c.dest)
		classify(&st, res, err)

		if err := p.store.UpdatePendingDelivery(cctx, st); err != nil {
			p.log.Error("resolve pending delivery", "delivery_id", st.ID, "medium_id", st.MediumID, "error", err)
			return
		}
		p.events.Publish(eventbus.Event{Type: eventbus.ArticleDelivery, Data: st})
	}()
}

func (p *Pipeline) logSummary(feedID int64, states []model.DeliveryState) {
	counts := make(map[model.DeliveryStatus]int)
	for _, st := range states {
		counts[st.Status]++
	}
	p.log.Info("delivered articles",
		"feed_id", feedID,
		"records", len(states),
		"sent", counts[model.StatusSent],
		"pending", counts[model.StatusPendingDelivery],
		"failed", counts[model.StatusFailed],
		"rejected", counts[model.StatusRejected],
		"filtered", counts[model.StatusFilteredOut],
		"rate_limited", counts[model.StatusRateLimited]+counts[model.StatusMediumRateLimitedByUser],
	)
}
