package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"rss_relay/internal/model"
	"rss_relay/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// maxInArgs bounds the number of bound parameters in one IN (...) list.
const maxInArgs = 500

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	dbx *sqlx.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared between concurrent work units.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, dbx: sqlx.NewDb(db, "sqlite3")}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateFeed inserts a new feed and populates its ID and CreatedAt.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.FeedConfig) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (tenant_id, url, destinations, comparisons, disabled, schedule_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		feed.TenantID, feed.URL, jsonColumn[[]model.Destination]{&feed.Destinations},
		jsonColumn[model.Comparisons]{&feed.Comparisons}, string(feed.Disabled), feed.ScheduleName, now,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

const feedColumns = `id, tenant_id, url, destinations, comparisons, disabled, schedule_name, created_at`

// GetFeed returns a single feed by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.FeedConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	f, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	return f, err
}

// ListFeeds returns every feed, enabled or not, ordered by id.
func (s *SQLite) ListFeeds(ctx context.Context) ([]model.FeedConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []model.FeedConfig
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// UpdateFeed persists changes to an existing feed.
func (s *SQLite) UpdateFeed(ctx context.Context, feed *model.FeedConfig) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET tenant_id = ?, url = ?, destinations = ?, comparisons = ?, disabled = ?, schedule_name = ?
		 WHERE id = ?`,
		feed.TenantID, feed.URL, jsonColumn[[]model.Destination]{&feed.Destinations},
		jsonColumn[model.Comparisons]{&feed.Comparisons}, string(feed.Disabled), feed.ScheduleName, feed.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	return nil
}

// DeleteFeed removes a feed together with its ledger and retry state.
func (s *SQLite) DeleteFeed(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM article_field WHERE feed_id = ?`, id); err != nil {
		return fmt.Errorf("delete article_field: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_retry_record WHERE feed_id = ?`, id); err != nil {
		return fmt.Errorf("delete feed_retry_record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return tx.Commit()
}

// DisableFeed marks a feed disabled with the given reason.
func (s *SQLite) DisableFeed(ctx context.Context, id int64, code model.DisabledCode) error {
	if code == model.DisabledNone {
		return fmt.Errorf("disable feed %d: empty code", id)
	}
	return s.setDisabled(ctx, id, code)
}

// EnableFeed clears a feed's disable code.
func (s *SQLite) EnableFeed(ctx context.Context, id int64) error {
	return s.setDisabled(ctx, id, model.DisabledNone)
}

func (s *SQLite) setDisabled(ctx context.Context, id int64, code model.DisabledCode) error {
	res, err := s.db.ExecContext(ctx, `UPDATE feeds SET disabled = ? WHERE id = ?`, string(code), id)
	if err != nil {
		return fmt.Errorf("update feed disabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.FeedConfig, error) {
	var f model.FeedConfig
	var disabled, created string
	err := row.Scan(&f.ID, &f.TenantID, &f.URL,
		jsonColumn[[]model.Destination]{&f.Destinations}, jsonColumn[model.Comparisons]{&f.Comparisons},
		&disabled, &f.ScheduleName, &created)
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.Disabled = model.DisabledCode(disabled)
	f.CreatedAt, _ = time.Parse(timeLayout, created)
	return &f, nil
}

// jsonColumn stores a value as JSON text. It implements sql.Scanner and
// driver.Valuer so nested configuration round-trips through a TEXT column.
type jsonColumn[T any] struct {
	v *T
}

// Value implements driver.Valuer.
func (c jsonColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c jsonColumn[T]) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, c.v)
	case string:
		return json.Unmarshal([]byte(v), c.v)
	default:
		return fmt.Errorf("jsonColumn: cannot scan type %T", src)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
