// Package storage defines the persistence interfaces and their SQLite implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"rss_relay/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when a delivery update targets a record that
	// is not in the pending state, or tries to move it to a non-terminal state.
	ErrNotPending = errors.New("delivery record is not pending")
)

// SentQuery selects sent deliveries inside a rolling window.
// Zero-valued MediumID or FeedID do not constrain the query.
type SentQuery struct {
	MediumID string
	FeedID   int64
	Since    time.Time
}

// DeliveryQuery selects delivery records for inspection.
type DeliveryQuery struct {
	FeedID   int64
	MediumID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// FeedStore persists tenant feed configurations.
type FeedStore interface {
	CreateFeed(ctx context.Context, feed *model.FeedConfig) error
	GetFeed(ctx context.Context, id int64) (*model.FeedConfig, error)
	ListFeeds(ctx context.Context) ([]model.FeedConfig, error)
	UpdateFeed(ctx context.Context, feed *model.FeedConfig) error
	DeleteFeed(ctx context.Context, id int64) error
	DisableFeed(ctx context.Context, id int64, code model.DisabledCode) error
	EnableFeed(ctx context.Context, id int64) error
}

// ArticleFieldStore persists the dedup ledger, namespaced by feed id.
type ArticleFieldStore interface {
	HasArticles(ctx context.Context, feedID int64) (bool, error)
	FindArticleFields(ctx context.Context, feedID int64, articleIDs []string) (map[string]map[string]string, error)
	FindFieldHashes(ctx context.Context, feedID int64, field string, hashes []string) (map[string]string, error)
	UpsertArticleFields(ctx context.Context, records []model.ArticleFieldRecord) error
}

// DeliveryRecordStore is the append-only delivery log.
type DeliveryRecordStore interface {
	InsertDeliveryStates(ctx context.Context, states []model.DeliveryState) error
	UpdatePendingDelivery(ctx context.Context, state model.DeliveryState) error
	CountSent(ctx context.Context, q SentQuery) (int, error)
	ListDeliveryStates(ctx context.Context, q DeliveryQuery) ([]model.DeliveryState, error)
	EnsurePartitions(ctx context.Context, from time.Time, days int) error
	PruneDeliveryRecords(ctx context.Context, before time.Time) (int64, error)
}

// RetryStore tracks per-feed parse failures.
type RetryStore interface {
	GetRetryRecord(ctx context.Context, feedID int64) (*model.RetryRecord, error)
	IncrementRetryRecord(ctx context.Context, feedID int64, now time.Time) (model.RetryRecord, error)
	DeleteRetryRecord(ctx context.Context, feedID int64) error
}

// FailStore tracks per-URL request failures.
type FailStore interface {
	GetFailRecords(ctx context.Context, urls []string) ([]model.FailRecord, error)
	UpsertFailRecord(ctx context.Context, url, reason string, now time.Time) error
	DeleteFailRecord(ctx context.Context, url string) error
	MarkFailRecordAlerted(ctx context.Context, url string) error
}

// Storage is the interface for all persistence operations.
type Storage interface {
	FeedStore
	ArticleFieldStore
	DeliveryRecordStore
	RetryStore
	FailStore

	Close() error
}
