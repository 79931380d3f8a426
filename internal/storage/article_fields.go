package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"rss_relay/internal/model"
)

type articleFieldRow struct {
	ArticleID string `db:"article_id"`
	FieldName string `db:"field_name"`
	FieldHash string `db:"field_hash"`
}

// HasArticles reports whether any ledger row exists for the feed.
func (s *SQLite) HasArticles(ctx context.Context, feedID int64) (bool, error) {
	var exists int
	err := s.dbx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM article_field WHERE feed_id = ?)`, feedID)
	if err != nil {
		return false, fmt.Errorf("check articles: %w", err)
	}
	return exists == 1, nil
}

// FindArticleFields returns the stored field hashes for the given article ids,
// keyed by article id. Ids with no record are absent from the result.
func (s *SQLite) FindArticleFields(ctx context.Context, feedID int64, articleIDs []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	for _, ids := range chunk(articleIDs, maxInArgs) {
		query, args, err := sqlx.In(
			`SELECT article_id, field_name, field_hash FROM article_field
			 WHERE feed_id = ? AND article_id IN (?)`, feedID, ids)
		if err != nil {
			return nil, fmt.Errorf("build article fields query: %w", err)
		}
		var rows []articleFieldRow
		if err := s.dbx.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, fmt.Errorf("query article fields: %w", err)
		}
		for _, r := range rows {
			fields, ok := out[r.ArticleID]
			if !ok {
				fields = make(map[string]string)
				out[r.ArticleID] = fields
			}
			fields[r.FieldName] = r.FieldHash
		}
	}
	return out, nil
}

// FindFieldHashes returns, for each given hash already recorded under field
// for the feed, one article id carrying it.
func (s *SQLite) FindFieldHashes(ctx context.Context, feedID int64, field string, hashes []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, hs := range chunk(hashes, maxInArgs) {
		query, args, err := sqlx.In(
			`SELECT article_id, field_name, field_hash FROM article_field
			 WHERE feed_id = ? AND field_name = ? AND field_hash IN (?)`, feedID, field, hs)
		if err != nil {
			return nil, fmt.Errorf("build field hash query: %w", err)
		}
		var rows []articleFieldRow
		if err := s.dbx.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, fmt.Errorf("query field hashes: %w", err)
		}
		for _, r := range rows {
			if _, ok := out[r.FieldHash]; !ok {
				out[r.FieldHash] = r.ArticleID
			}
		}
	}
	return out, nil
}

// UpsertArticleFields writes all records in one transaction. Existing
// (feed, article, field) rows get their hash replaced.
func (s *SQLite) UpsertArticleFields(ctx context.Context, records []model.ArticleFieldRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO article_field (feed_id, article_id, field_name, field_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (feed_id, article_id, field_name) DO UPDATE SET field_hash = excluded.field_hash`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		for name, hash := range r.Fields {
			if _, err := stmt.ExecContext(ctx, r.FeedID, r.ArticleID, name, hash, now); err != nil {
				return fmt.Errorf("upsert article field %s/%s: %w", r.ArticleID, name, err)
			}
		}
	}
	return tx.Commit()
}
