package scheduler

import (
	"sort"
	"sync"

	"rss_relay/internal/model"
)

// URLFeeds is every feed that shares one URL. One fetch serves all of them.
type URLFeeds struct {
	URL   string
	Feeds []model.FeedConfig
}

// Batch is a group of URLs dispatched together.
type Batch []URLFeeds

// HungReport describes work units that never signaled completion.
type HungReport struct {
	// Summary lists, for each batch that is partly done, its pending URLs.
	Summary [][]string
	// Remaining is the pending count of every batch.
	Remaining []int
	// Total is the pending count across all batches.
	Total int
}

// ScheduleRun owns the bookkeeping of one scheduling run. It is created per
// run and discarded afterwards.
type ScheduleRun struct {
	Schedule model.Schedule

	mu       sync.Mutex
	records  []map[string]struct{}
	sizes    []int
	excluded map[int64]bool
}

// NewScheduleRun creates the state of a run of s.
func NewScheduleRun(s model.Schedule) *ScheduleRun {
	return &ScheduleRun{Schedule: s, excluded: make(map[int64]bool)}
}

// MapFeedsByURL groups feeds by URL in order of first appearance. Excluded
// feed ids are skipped and a feed id appears at most once.
func MapFeedsByURL(feeds []model.FeedConfig, excluded map[int64]bool) []URLFeeds {
	var out []URLFeeds
	index := make(map[string]int)
	seen := make(map[int64]bool)
	for _, f := range feeds {
		if excluded[f.ID] || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		i, ok := index[f.URL]
		if !ok {
			i = len(out)
			index[f.URL] = i
			out = append(out, URLFeeds{URL: f.URL})
		}
		out[i].Feeds = append(out[i].Feeds, f)
	}
	return out
}

// CreateBatches splits groups into batches of at most size URLs, keeping
// their order.
func CreateBatches(groups []URLFeeds, size int) []Batch {
	if size <= 0 {
		size = 1
	}
	var out []Batch
	var cur Batch
	for _, g := range groups {
		if len(cur)+1 > size {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, g)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// CreateURLRecords records the URL set and original size of every batch.
func (r *ScheduleRun) CreateURLRecords(batches []Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make([]map[string]struct{}, len(batches))
	r.sizes = make([]int, len(batches))
	for i, b := range batches {
		set := make(map[string]struct{}, len(b))
		for _, g := range b {
			set[g.URL] = struct{}{}
		}
		r.records[i] = set
		r.sizes[i] = len(set)
	}
}

// RemoveFromBatchRecords marks url of batch as complete.
func (r *ScheduleRun) RemoveFromBatchRecords(batch int, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if batch < 0 || batch >= len(r.records) {
		return
	}
	delete(r.records[batch], url)
}

// Pending returns the URLs of batch still in flight, sorted.
func (r *ScheduleRun) Pending(batch int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if batch < 0 || batch >= len(r.records) {
		return nil
	}
	return sortedKeys(r.records[batch])
}

// GetHungUpURLs reports the URLs whose work never completed. A batch shows
// up in Summary only once some but not all of its URLs are done.
func (r *ScheduleRun) GetHungUpURLs() HungReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := HungReport{Remaining: make([]int, len(r.records))}
	for i, rec := range r.records {
		n := len(rec)
		rep.Remaining[i] = n
		rep.Total += n
		if n > 0 && n < r.sizes[i] {
			rep.Summary = append(rep.Summary, sortedKeys(rec))
		}
	}
	return rep
}

// Exclude keeps feedID out of the rest of the run.
func (r *ScheduleRun) Exclude(feedID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.excluded[feedID] = true
}

// IsExcluded reports whether feedID was excluded during the run.
func (r *ScheduleRun) IsExcluded(feedID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.excluded[feedID]
}

// Excluded returns a copy of the excluded feed ids.
func (r *ScheduleRun) Excluded() map[int64]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]bool, len(r.excluded))
	for id := range r.excluded {
		out[id] = true
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
