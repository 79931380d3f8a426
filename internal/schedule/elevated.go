package schedule

import (
	"rss_relay/internal/model"
)

// Tier is an entitlement granting a faster schedule and a larger feed limit
// to a set of tenants.
type Tier struct {
	Name      string         `yaml:"name"`
	Schedule  model.Schedule `yaml:"schedule"`
	FeedLimit int            `yaml:"feed_limit"`
	Tenants   []string       `yaml:"tenants"`
}

// Tiers is an ElevatedLookup over statically configured tiers. When a tenant
// holds several tiers it gets the maximum benefit of each kind: the fastest
// schedule and the largest feed limit.
type Tiers struct {
	tiers    []Tier
	byTenant map[string][]int
}

// NewTiers indexes tiers by tenant.
func NewTiers(tiers []Tier) *Tiers {
	t := &Tiers{tiers: tiers, byTenant: make(map[string][]int)}
	for i, tier := range tiers {
		for _, tenant := range tier.Tenants {
			t.byTenant[tenant] = append(t.byTenant[tenant], i)
		}
	}
	return t
}

// ElevatedSchedule implements ElevatedLookup.
func (t *Tiers) ElevatedSchedule(tenantID string) (model.Schedule, bool) {
	var best model.Schedule
	found := false
	for _, i := range t.byTenant[tenantID] {
		s := t.tiers[i].Schedule
		if s.RefreshRateMinutes <= 0 {
			continue
		}
		if !found || s.RefreshRateMinutes < best.RefreshRateMinutes {
			best = s
			found = true
		}
	}
	return best, found
}

// FeedLimit returns the largest feed limit of the tenant's tiers.
func (t *Tiers) FeedLimit(tenantID string) (int, bool) {
	best, found := 0, false
	for _, i := range t.byTenant[tenantID] {
		if limit := t.tiers[i].FeedLimit; limit > best {
			best = limit
			found = true
		}
	}
	return best, found
}

// Schedules returns the distinct schedules the tiers grant.
func (t *Tiers) Schedules() []model.Schedule {
	var out []model.Schedule
	seen := make(map[string]bool)
	for _, tier := range t.tiers {
		s := tier.Schedule
		if s.Name == "" || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	return out
}
