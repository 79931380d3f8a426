package scheduler

import (
	"context"
	"fmt"
	"sort"

	"rss_relay/internal/model"
)

// FeedLimits resolves per-tenant feed limits that override the default.
type FeedLimits interface {
	FeedLimit(tenantID string) (int, bool)
}

// Maintain enforces per-tenant feed limits. The oldest feeds of a tenant are
// kept enabled up to its limit and the rest are disabled with the
// exceeded-feed-limit code. Feeds disabled for any other reason are left
// untouched. A limit of zero means unlimited.
func (s *Scheduler) Maintain(ctx context.Context, limits FeedLimits) (StatusChanges, error) {
	changes := StatusChanges{Code: model.DisabledExceededFeedLimit}

	feeds, err := s.store.ListFeeds(ctx)
	if err != nil {
		return changes, fmt.Errorf("list feeds: %w", err)
	}

	byTenant := make(map[string][]model.FeedConfig)
	var tenants []string
	for _, f := range feeds {
		if f.Disabled != model.DisabledNone && f.Disabled != model.DisabledExceededFeedLimit {
			continue
		}
		if _, ok := byTenant[f.TenantID]; !ok {
			tenants = append(tenants, f.TenantID)
		}
		byTenant[f.TenantID] = append(byTenant[f.TenantID], f)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		limit := s.opts.DefaultFeedLimit
		if limit > 0 && limits != nil {
			if l, ok := limits.FeedLimit(tenant); ok && l > limit {
				limit = l
			}
		}

		candidates := byTenant[tenant]
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

		for i, f := range candidates {
			withinLimit := limit <= 0 || i < limit
			switch {
			case withinLimit && f.Disabled == model.DisabledExceededFeedLimit:
				if err := s.store.EnableFeed(ctx, f.ID); err != nil {
					return changes, fmt.Errorf("enable feed %d: %w", f.ID, err)
				}
				changes.Enabled = append(changes.Enabled, f.ID)
			case !withinLimit && f.Disabled == model.DisabledNone:
				if err := s.store.DisableFeed(ctx, f.ID, model.DisabledExceededFeedLimit); err != nil {
					return changes, fmt.Errorf("disable feed %d: %w", f.ID, err)
				}
				changes.Disabled = append(changes.Disabled, f.ID)
			}
		}
	}

	UpdateFeedsStatus(s.events, changes)
	if len(changes.Enabled)+len(changes.Disabled) > 0 {
		s.log.Info("feed limits enforced", "enabled", len(changes.Enabled), "disabled", len(changes.Disabled))
	}
	return changes, nil
}

// RotateDeliveryRecords makes sure the delivery log has partitions for today
// and the next two days and drops those older than retentionDays.
func (s *Scheduler) RotateDeliveryRecords(ctx context.Context, retentionDays int) (int64, error) {
	now := s.now()
	if err := s.store.EnsurePartitions(ctx, now, 2); err != nil {
		return 0, fmt.Errorf("ensure partitions: %w", err)
	}
	if retentionDays <= 0 {
		return 0, nil
	}
	pruned, err := s.store.PruneDeliveryRecords(ctx, now.AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, fmt.Errorf("prune delivery records: %w", err)
	}
	if pruned > 0 {
		s.log.Info("delivery records pruned", "records", pruned, "retention_days", retentionDays)
	}
	return pruned, nil
}
