// Package schedule resolves which fetch cadence a feed belongs to.
package schedule

import (
	"fmt"
	"strings"

	"rss_relay/internal/model"
)

// DefaultName is the schedule every unmatched feed falls into.
const DefaultName = "default"

// ElevatedLookup resolves the elevated schedule a tenant is entitled to.
type ElevatedLookup interface {
	ElevatedSchedule(tenantID string) (model.Schedule, bool)
}

// Policy resolves a feed to exactly one schedule per cycle.
type Policy struct {
	def       model.Schedule
	schedules []model.Schedule
	elevated  ElevatedLookup
}

// NewPolicy creates a Policy. Named schedules are tried in order; elevated
// may be nil.
func NewPolicy(def model.Schedule, schedules []model.Schedule, elevated ElevatedLookup) (*Policy, error) {
	if def.Name == "" {
		def.Name = DefaultName
	}
	if def.RefreshRateMinutes <= 0 {
		return nil, fmt.Errorf("schedule %q: refresh rate must be positive", def.Name)
	}
	seen := map[string]bool{def.Name: true}
	for _, s := range schedules {
		if s.Name == "" {
			return nil, fmt.Errorf("schedule without name")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate schedule %q", s.Name)
		}
		if s.RefreshRateMinutes <= 0 {
			return nil, fmt.Errorf("schedule %q: refresh rate must be positive", s.Name)
		}
		seen[s.Name] = true
	}
	return &Policy{def: def, schedules: schedules, elevated: elevated}, nil
}

// Default returns the fallback schedule.
func (p *Policy) Default() model.Schedule {
	return p.def
}

// Determine returns the schedule of feed, or nil when the feed's URL is
// actionably failed and must sit out this cycle. Resolution order: explicit
// feed id or schedule name, keyword in URL, elevated tier, default.
func (p *Policy) Determine(feed model.FeedConfig, failed bool) *model.Schedule {
	if failed {
		return nil
	}
	for i := range p.schedules {
		s := p.schedules[i]
		if s.HasFeedID(feed.ID) || (feed.ScheduleName != "" && strings.EqualFold(feed.ScheduleName, s.Name)) {
			return &s
		}
	}
	for i := range p.schedules {
		s := p.schedules[i]
		if s.MatchesURL(feed.URL) {
			return &s
		}
	}
	if p.elevated != nil {
		if s, ok := p.elevated.ElevatedSchedule(feed.TenantID); ok {
			return &s
		}
	}
	def := p.def
	return &def
}
