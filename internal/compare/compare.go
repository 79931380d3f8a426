// Package compare decides which freshly parsed articles of a feed are new,
// already seen, duplicates of a seen article, or changed since last seen.
package compare

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rss_relay/internal/model"
)

// Store is the article field ledger the engine reads and writes.
type Store interface {
	HasArticles(ctx context.Context, feedID int64) (bool, error)
	FindArticleFields(ctx context.Context, feedID int64, articleIDs []string) (map[string]map[string]string, error)
	FindFieldHashes(ctx context.Context, feedID int64, field string, hashes []string) (map[string]string, error)
	UpsertArticleFields(ctx context.Context, records []model.ArticleFieldRecord) error
}

// Options configures one comparison.
type Options struct {
	// Blocking fields mark a new article as a duplicate when another recorded
	// article of the feed carries the same value.
	Blocking []string
	// Passing fields trigger re-delivery of a seen article when they change.
	Passing []string
	// OldArticleThreshold keeps articles published longer ago than this out
	// of delivery. Zero disables the check.
	OldArticleThreshold time.Duration
	// SeedOnFirstRun records every article of a feed with an empty ledger
	// without delivering any of them.
	SeedOnFirstRun bool
}

// Result partitions the compared articles. Passed entries are also part of
// ToDeliver. Entries keep the input order.
type Result struct {
	ToDeliver []Entry
	Blocked   []Entry
	Passed    []Entry
	Stale     []Entry
	Seeded    bool
}

type decision int

const (
	decisionSeen decision = iota
	decisionNew
	decisionPassed
	decisionBlocked
	decisionStale
)

// Engine compares articles against the ledger.
type Engine struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// New creates an Engine.
func New(store Store, log *slog.Logger) *Engine {
	return &Engine{store: store, log: log, now: time.Now}
}

// Compare classifies articles for feedID and persists every ledger change in
// a single write.
func (e *Engine) Compare(ctx context.Context, feedID int64, articles []model.Article, opts Options) (Result, error) {
	var res Result
	if len(articles) == 0 {
		return res, nil
	}
	opts.Blocking = normalizeFields(opts.Blocking)
	opts.Passing = normalizeFields(opts.Passing)
	tracked := normalizeFields(append(append([]string(nil), opts.Blocking...), opts.Passing...))

	entries := Identify(articles)

	if opts.SeedOnFirstRun {
		has, err := e.store.HasArticles(ctx, feedID)
		if err != nil {
			return res, fmt.Errorf("check ledger: %w", err)
		}
		if !has {
			var records []model.ArticleFieldRecord
			seen := make(map[string]bool)
			for _, en := range entries {
				if !en.Identified() || seen[en.ID] {
					continue
				}
				seen[en.ID] = true
				records = append(records, record(feedID, en, tracked))
			}
			if err := e.store.UpsertArticleFields(ctx, records); err != nil {
				return res, fmt.Errorf("seed ledger: %w", err)
			}
			e.log.Debug("seeded ledger", "feed_id", feedID, "articles", len(records))
			res.Seeded = true
			return res, nil
		}
	}

	var ids []string
	for _, en := range entries {
		if en.Identified() {
			ids = append(ids, en.ID)
		}
	}
	stored, err := e.store.FindArticleFields(ctx, feedID, ids)
	if err != nil {
		return res, fmt.Errorf("load ledger: %w", err)
	}

	now := e.now()
	decisions := make([]decision, len(entries))
	handled := make(map[string]bool)
	var fresh []int
	var records []model.ArticleFieldRecord

	for i, en := range entries {
		if en.Identified() {
			if handled[en.ID] {
				continue
			}
			handled[en.ID] = true
		}
		prev, found := stored[en.ID]

		if isStale(en.Article, now, opts.OldArticleThreshold) {
			decisions[i] = decisionStale
			if en.Identified() && (!found || !sameFields(prev, fieldHashes(en, tracked))) {
				records = append(records, record(feedID, en, tracked))
			}
			continue
		}
		if !en.Identified() || !found {
			fresh = append(fresh, i)
			continue
		}

		current := fieldHashes(en, tracked)
		changed := false
		for _, name := range opts.Passing {
			old, ok := prev[name]
			if ok && old != current[name] {
				changed = true
			}
		}
		if changed {
			decisions[i] = decisionPassed
		}
		if changed || !sameFields(prev, current) {
			records = append(records, record(feedID, en, tracked))
		}
	}

	blocked, err := e.findBlocked(ctx, feedID, entries, fresh, opts.Blocking)
	if err != nil {
		return res, err
	}
	for _, i := range fresh {
		if blocked[i] {
			decisions[i] = decisionBlocked
		} else {
			decisions[i] = decisionNew
		}
		if entries[i].Identified() {
			records = append(records, record(feedID, entries[i], tracked))
		}
	}

	if len(records) > 0 {
		if err := e.store.UpsertArticleFields(ctx, records); err != nil {
			return res, fmt.Errorf("write ledger: %w", err)
		}
	}

	for i, d := range decisions {
		switch d {
		case decisionNew:
			res.ToDeliver = append(res.ToDeliver, entries[i])
		case decisionPassed:
			res.ToDeliver = append(res.ToDeliver, entries[i])
			res.Passed = append(res.Passed, entries[i])
		case decisionBlocked:
			res.Blocked = append(res.Blocked, entries[i])
		case decisionStale:
			res.Stale = append(res.Stale, entries[i])
		}
	}

	e.log.Debug("compared articles",
		"feed_id", feedID,
		"articles", len(entries),
		"deliver", len(res.ToDeliver),
		"blocked", len(res.Blocked),
		"passed", len(res.Passed),
		"stale", len(res.Stale),
	)
	return res, nil
}

// findBlocked marks the fresh entries whose blocking field value is already
// recorded for the feed or appeared earlier in the same set.
func (e *Engine) findBlocked(ctx context.Context, feedID int64, entries []Entry, fresh []int, blocking []string) (map[int]bool, error) {
	out := make(map[int]bool)
	for _, field := range blocking {
		var hashes []string
		for _, i := range fresh {
			if v := entries[i].Article.Field(field); v != "" {
				hashes = append(hashes, Hash(v))
			}
		}
		if len(hashes) == 0 {
			continue
		}

		known, err := e.store.FindFieldHashes(ctx, feedID, field, hashes)
		if err != nil {
			return nil, fmt.Errorf("find %s hashes: %w", field, err)
		}

		inBatch := make(map[string]bool)
		for _, i := range fresh {
			v := entries[i].Article.Field(field)
			if v == "" {
				continue
			}
			h := Hash(v)
			if owner, ok := known[h]; ok && owner != entries[i].ID {
				out[i] = true
			}
			if inBatch[h] {
				out[i] = true
			}
			inBatch[h] = true
		}
	}
	return out, nil
}

func isStale(a model.Article, now time.Time, threshold time.Duration) bool {
	if threshold <= 0 || a.Published == nil {
		return false
	}
	return now.Sub(*a.Published) > threshold
}

func fieldHashes(en Entry, tracked []string) map[string]string {
	fields := map[string]string{idField: en.ID}
	for _, name := range tracked {
		fields[name] = Hash(en.Article.Field(name))
	}
	return fields
}

func record(feedID int64, en Entry, tracked []string) model.ArticleFieldRecord {
	return model.ArticleFieldRecord{FeedID: feedID, ArticleID: en.ID, Fields: fieldHashes(en, tracked)}
}

// sameFields reports whether every current field is stored with the same hash.
func sameFields(stored, current map[string]string) bool {
	for k, v := range current {
		if stored[k] != v {
			return false
		}
	}
	return true
}

func normalizeFields(names []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || n == idField || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
