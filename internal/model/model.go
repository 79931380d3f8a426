// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"strings"
	"time"
)

// DisabledCode explains why a feed is disabled. The empty code means enabled.
type DisabledCode string

// Known disable reasons.
const (
	DisabledNone              DisabledCode = ""
	DisabledManual            DisabledCode = "manual"
	DisabledFailedParse       DisabledCode = "failed-parse"
	DisabledExceededFeedLimit DisabledCode = "exceeded-feed-limit"
)

// Comparisons lists the article fields used for duplicate blocking and re-delivery.
type Comparisons struct {
	Blocking []string `json:"blocking,omitempty"`
	Passing  []string `json:"passing,omitempty"`
}

// FeedConfig is one tenant's subscription to a URL.
type FeedConfig struct {
	ID           int64
	TenantID     string
	URL          string
	Destinations []Destination
	Disabled     DisabledCode
	Comparisons  Comparisons
	ScheduleName string
	CreatedAt    time.Time
}

// IsDisabled reports whether the feed carries any disable code.
func (f FeedConfig) IsDisabled() bool {
	return f.Disabled != DisabledNone
}

// Schedule is a named fetch cadence shared by many feeds.
type Schedule struct {
	Name               string   `yaml:"name"`
	RefreshRateMinutes int      `yaml:"refresh_rate_minutes"`
	Keywords           []string `yaml:"keywords"`
	FeedIDs            []int64  `yaml:"feed_ids"`
}

// Interval returns the refresh rate as a duration.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.RefreshRateMinutes) * time.Minute
}

// HasFeedID reports whether the schedule explicitly lists the feed.
func (s Schedule) HasFeedID(id int64) bool {
	for _, v := range s.FeedIDs {
		if v == id {
			return true
		}
	}
	return false
}

// MatchesURL reports whether any schedule keyword occurs in the URL.
func (s Schedule) MatchesURL(url string) bool {
	low := strings.ToLower(url)
	for _, kw := range s.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(low, kw) {
			return true
		}
	}
	return false
}

// Article is a normalized feed item.
type Article struct {
	GUID        string
	Title       string
	Description string
	Link        string
	Author      string
	Published   *time.Time
	Categories  []string
}

// Field returns the article value for a comparison or filter field name.
// Unknown names yield an empty string.
func (a Article) Field(name string) string {
	switch strings.ToLower(name) {
	case "guid":
		return a.GUID
	case "title":
		return a.Title
	case "description", "content":
		return a.Description
	case "link":
		return a.Link
	case "author":
		return a.Author
	case "categories":
		return strings.Join(a.Categories, ",")
	case "pubdate", "published":
		if a.Published == nil {
			return ""
		}
		return a.Published.UTC().Format(time.RFC3339)
	}
	return ""
}

// ArticleFieldRecord holds the last-seen hashed comparison values of one article.
type ArticleFieldRecord struct {
	FeedID    int64
	ArticleID string
	Fields    map[string]string
}

// DeliveryStatus is the outcome of one (article, destination) pair.
type DeliveryStatus string

// Delivery statuses.
const (
	StatusSent                    DeliveryStatus = "sent"
	StatusFailed                  DeliveryStatus = "failed"
	StatusRejected                DeliveryStatus = "rejected"
	StatusPendingDelivery         DeliveryStatus = "pending-delivery"
	StatusFilteredOut             DeliveryStatus = "filtered-out"
	StatusRateLimited             DeliveryStatus = "rate-limited"
	StatusMediumRateLimitedByUser DeliveryStatus = "medium-rate-limited-by-user"
)

// IsTerminal reports whether the status can no longer change.
func (s DeliveryStatus) IsTerminal() bool {
	return s != StatusPendingDelivery
}

// Delivery error codes.
const (
	ErrorCodeThirdPartyBadRequest = "third-party-bad-request"
	ErrorCodeThirdPartyForbidden  = "third-party-forbidden"
	ErrorCodeThirdPartyInternal   = "third-party-internal"
	ErrorCodeNoChannelOrWebhook   = "no-channel-or-webhook"
	ErrorCodeInvalidFilter        = "invalid-filter"
	ErrorCodeInternal             = "internal"
)

// DeliveryState records one delivery attempt.
type DeliveryState struct {
	ID              string
	FeedID          int64
	MediumID        string
	CreatedAt       time.Time
	Status          DeliveryStatus
	ErrorCode       string
	InternalMessage string
	ExternalDetail  string
	ArticleID       string
	ArticleIDHash   string
	ArticleData     map[string]string
}

// RetryRecord tracks consecutive parse failures of a feed.
type RetryRecord struct {
	FeedID        int64
	AttemptsSoFar int
	CreatedAt     time.Time
}

// FailRecord tracks a URL that failed requests.
type FailRecord struct {
	URL      string
	Reason   string
	FailedAt time.Time
	Alerted  bool
}

// HasFailed reports whether the record is older than the grace period and so
// counts as actionably failed.
func (r FailRecord) HasFailed(now time.Time, grace time.Duration) bool {
	return now.Sub(r.FailedAt) >= grace
}

// FilterKind defines the type of a filter leaf.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude   FilterKind = "include"
	FilterExclude   FilterKind = "exclude"
	FilterIncludeRe FilterKind = "include_re"
	FilterExcludeRe FilterKind = "exclude_re"
)

// FilterScope defines which part of the article a flat rule matches against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle   FilterScope = "title"
	ScopeContent FilterScope = "content"
	ScopeAll     FilterScope = "all"
)

// Filter is a flat include/exclude rule.
type Filter struct {
	Kind  FilterKind  `json:"kind"`
	Scope FilterScope `json:"scope"`
	Value string      `json:"value"`
}

// FilterOp is the operator of a filter expression node.
type FilterOp string

// Expression operators.
const (
	OpAnd      FilterOp = "and"
	OpOr       FilterOp = "or"
	OpNot      FilterOp = "not"
	OpContains FilterOp = "contains"
	OpEquals   FilterOp = "equals"
	OpRegex    FilterOp = "regex"
)

// FilterExpression is a logical tree over article fields.
type FilterExpression struct {
	Op       FilterOp           `json:"op"`
	Field    string             `json:"field,omitempty"`
	Value    string             `json:"value,omitempty"`
	Children []FilterExpression `json:"children,omitempty"`
}

// RateLimit caps sent deliveries within a rolling window.
type RateLimit struct {
	TimeWindowSeconds int  `json:"time_window_seconds"`
	Limit             int  `json:"limit"`
	UserConfigured    bool `json:"user_configured,omitempty"`
}

// Window returns the rolling window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.TimeWindowSeconds) * time.Second
}

// DestinationKind selects the delivery medium.
type DestinationKind string

// Supported destination kinds.
const (
	DestinationTelegram DestinationKind = "telegram"
	DestinationWebhook  DestinationKind = "webhook"
)

// TelegramTarget addresses a Telegram chat. When ThreadTitle is set the
// article is posted as a reply under a freshly created header message, which
// is confirmed asynchronously.
type TelegramTarget struct {
	ChatID      int64  `json:"chat_id"`
	ThreadTitle string `json:"thread_title,omitempty"`
}

// WebhookTarget addresses an HTTP webhook.
type WebhookTarget struct {
	URL string `json:"url"`
}

// Destination is a delivery medium attached to a feed.
type Destination struct {
	ID         string            `json:"id"`
	Kind       DestinationKind   `json:"kind"`
	Telegram   *TelegramTarget   `json:"telegram,omitempty"`
	Webhook    *WebhookTarget    `json:"webhook,omitempty"`
	Filter     *FilterExpression `json:"filter,omitempty"`
	RateLimits []RateLimit       `json:"rate_limits,omitempty"`
}

// Validate checks that the kind-specific target is present.
func (d Destination) Validate() error {
	switch d.Kind {
	case DestinationTelegram:
		if d.Telegram == nil || d.Telegram.ChatID == 0 {
			return fmt.Errorf("destination %s: telegram chat id is required", d.ID)
		}
	case DestinationWebhook:
		if d.Webhook == nil || d.Webhook.URL == "" {
			return fmt.Errorf("destination %s: webhook url is required", d.ID)
		}
	default:
		return fmt.Errorf("destination %s: unsupported kind %q", d.ID, d.Kind)
	}
	return nil
}

// RequiresConfirmation reports whether a send to d resolves out-of-band.
func (d Destination) RequiresConfirmation() bool {
	switch d.Kind {
	case DestinationTelegram:
		return d.Telegram != nil && d.Telegram.ThreadTitle != ""
	case DestinationWebhook:
		return false
	}
	return false
}
