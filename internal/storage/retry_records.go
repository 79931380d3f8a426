package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"rss_relay/internal/model"
)

// GetRetryRecord returns the retry record of a feed.
func (s *SQLite) GetRetryRecord(ctx context.Context, feedID int64) (*model.RetryRecord, error) {
	var attempts int
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT attempts_so_far, created_at FROM feed_retry_record WHERE feed_id = ?`, feedID,
	).Scan(&attempts, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("retry record %d: %w", feedID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan retry record: %w", err)
	}
	return &model.RetryRecord{FeedID: feedID, AttemptsSoFar: attempts, CreatedAt: parseTime(created)}, nil
}

// IncrementRetryRecord creates the record with one attempt or bumps an
// existing one, keeping its original creation time.
func (s *SQLite) IncrementRetryRecord(ctx context.Context, feedID int64, now time.Time) (model.RetryRecord, error) {
	var attempts int
	var created string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO feed_retry_record (feed_id, attempts_so_far, created_at) VALUES (?, 1, ?)
		 ON CONFLICT (feed_id) DO UPDATE SET attempts_so_far = attempts_so_far + 1
		 RETURNING attempts_so_far, created_at`,
		feedID, formatTime(now),
	).Scan(&attempts, &created)
	if err != nil {
		return model.RetryRecord{}, fmt.Errorf("increment retry record: %w", err)
	}
	return model.RetryRecord{FeedID: feedID, AttemptsSoFar: attempts, CreatedAt: parseTime(created)}, nil
}

// DeleteRetryRecord removes a feed's retry record. Missing records are not an error.
func (s *SQLite) DeleteRetryRecord(ctx context.Context, feedID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM feed_retry_record WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete retry record: %w", err)
	}
	return nil
}

type failRow struct {
	URL      string `db:"url"`
	Reason   string `db:"reason"`
	FailedAt string `db:"failed_at"`
	Alerted  int    `db:"alerted"`
}

// GetFailRecords returns the fail records of the given URLs in one query per chunk.
func (s *SQLite) GetFailRecords(ctx context.Context, urls []string) ([]model.FailRecord, error) {
	var out []model.FailRecord
	for _, us := range chunk(urls, maxInArgs) {
		query, args, err := sqlx.In(
			`SELECT url, reason, failed_at, alerted FROM fail_record WHERE url IN (?)`, us)
		if err != nil {
			return nil, fmt.Errorf("build fail record query: %w", err)
		}
		var rows []failRow
		if err := s.dbx.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, fmt.Errorf("query fail records: %w", err)
		}
		for _, r := range rows {
			out = append(out, model.FailRecord{
				URL:      r.URL,
				Reason:   r.Reason,
				FailedAt: parseTime(r.FailedAt),
				Alerted:  r.Alerted == 1,
			})
		}
	}
	return out, nil
}

// UpsertFailRecord records a URL failure. The original failed_at is kept
// so the grace period counts from the first failure.
func (s *SQLite) UpsertFailRecord(ctx context.Context, url, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fail_record (url, reason, failed_at, alerted) VALUES (?, ?, ?, 0)
		 ON CONFLICT (url) DO UPDATE SET reason = excluded.reason`,
		url, reason, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert fail record: %w", err)
	}
	return nil
}

// DeleteFailRecord clears a URL's fail record.
func (s *SQLite) DeleteFailRecord(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fail_record WHERE url = ?`, url); err != nil {
		return fmt.Errorf("delete fail record: %w", err)
	}
	return nil
}

// MarkFailRecordAlerted flags that operators were told about the failure.
func (s *SQLite) MarkFailRecordAlerted(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE fail_record SET alerted = ? WHERE url = ?`, boolToInt(true), url)
	if err != nil {
		return fmt.Errorf("mark fail record alerted: %w", err)
	}
	return nil
}
