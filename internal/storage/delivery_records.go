package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rss_relay/internal/model"
)

const partitionLayout = "2006-01-02"

type deliveryRow struct {
	ID              string `db:"id"`
	FeedID          int64  `db:"feed_id"`
	MediumID        string `db:"medium_id"`
	CreatedAt       string `db:"created_at"`
	Status          string `db:"status"`
	InternalMessage string `db:"internal_message"`
	ErrorCode       string `db:"error_code"`
	ExternalDetail  string `db:"external_detail"`
	ArticleID       string `db:"article_id"`
	ArticleIDHash   string `db:"article_id_hash"`
	ArticleData     string `db:"article_data"`
}

func (r deliveryRow) state() (model.DeliveryState, error) {
	st := model.DeliveryState{
		ID:              r.ID,
		FeedID:          r.FeedID,
		MediumID:        r.MediumID,
		CreatedAt:       parseTime(r.CreatedAt),
		Status:          model.DeliveryStatus(r.Status),
		InternalMessage: r.InternalMessage,
		ErrorCode:       r.ErrorCode,
		ExternalDetail:  r.ExternalDetail,
		ArticleID:       r.ArticleID,
		ArticleIDHash:   r.ArticleIDHash,
	}
	if err := (jsonColumn[map[string]string]{&st.ArticleData}).Scan(r.ArticleData); err != nil {
		return st, fmt.Errorf("decode article data %s: %w", r.ID, err)
	}
	return st, nil
}

func partitionKey(t time.Time) string {
	return t.UTC().Format(partitionLayout)
}

// InsertDeliveryStates appends all states in a single transaction.
func (s *SQLite) InsertDeliveryStates(ctx context.Context, states []model.DeliveryState) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO delivery_record (id, feed_id, medium_id, created_at, partition_key, status,
		   internal_message, error_code, external_detail, article_id, article_id_hash, article_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	partitions := make(map[string]struct{})
	for i := range states {
		st := &states[i]
		key := partitionKey(st.CreatedAt)
		partitions[key] = struct{}{}
		_, err := stmt.ExecContext(ctx,
			st.ID, st.FeedID, st.MediumID, formatTime(st.CreatedAt), key, string(st.Status),
			st.InternalMessage, st.ErrorCode, st.ExternalDetail, st.ArticleID, st.ArticleIDHash,
			jsonColumn[map[string]string]{&st.ArticleData},
		)
		if err != nil {
			return fmt.Errorf("insert delivery record %s: %w", st.ID, err)
		}
	}

	now := formatTime(time.Now())
	for key := range partitions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO delivery_record_partition (partition_key, created_at) VALUES (?, ?)`,
			key, now); err != nil {
			return fmt.Errorf("register partition %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// UpdatePendingDelivery moves a pending record to a terminal status. This is
// the only permitted mutation of a delivery record.
func (s *SQLite) UpdatePendingDelivery(ctx context.Context, state model.DeliveryState) error {
	if !state.Status.IsTerminal() {
		return fmt.Errorf("update delivery %s to %s: %w", state.ID, state.Status, ErrNotPending)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_record
		 SET status = ?, error_code = ?, internal_message = ?, external_detail = ?
		 WHERE id = ? AND status = ?`,
		string(state.Status), state.ErrorCode, state.InternalMessage, state.ExternalDetail,
		state.ID, string(model.StatusPendingDelivery),
	)
	if err != nil {
		return fmt.Errorf("update delivery record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update delivery %s: %w", state.ID, ErrNotPending)
	}
	return nil
}

// CountSent counts deliveries matching q that are sent or still awaiting
// confirmation. A pending delivery has already reached the third party.
func (s *SQLite) CountSent(ctx context.Context, q SentQuery) (int, error) {
	where := []string{"status IN (?, ?)", "created_at >= ?"}
	args := []any{string(model.StatusSent), string(model.StatusPendingDelivery), formatTime(q.Since)}
	if q.MediumID != "" {
		where = append(where, "medium_id = ?")
		args = append(args, q.MediumID)
	}
	if q.FeedID != 0 {
		where = append(where, "feed_id = ?")
		args = append(args, q.FeedID)
	}

	var n int
	err := s.dbx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM delivery_record WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return n, nil
}

// ListDeliveryStates returns records matching q, newest first.
func (s *SQLite) ListDeliveryStates(ctx context.Context, q DeliveryQuery) ([]model.DeliveryState, error) {
	var where []string
	var args []any
	if q.FeedID != 0 {
		where = append(where, "feed_id = ?")
		args = append(args, q.FeedID)
	}
	if q.MediumID != "" {
		where = append(where, "medium_id = ?")
		args = append(args, q.MediumID)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(q.Until))
	}

	query := `SELECT id, feed_id, medium_id, created_at, status, internal_message, error_code,
	            external_detail, article_id, article_id_hash, article_data
	          FROM delivery_record`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var rows []deliveryRow
	if err := s.dbx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query delivery records: %w", err)
	}
	out := make([]model.DeliveryState, 0, len(rows))
	for _, r := range rows {
		st, err := r.state()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// EnsurePartitions registers daily partitions for from and the following days.
func (s *SQLite) EnsurePartitions(ctx context.Context, from time.Time, days int) error {
	now := formatTime(time.Now())
	for i := 0; i <= days; i++ {
		key := partitionKey(from.AddDate(0, 0, i))
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO delivery_record_partition (partition_key, created_at) VALUES (?, ?)`,
			key, now); err != nil {
			return fmt.Errorf("ensure partition %s: %w", key, err)
		}
	}
	return nil
}

// PruneDeliveryRecords drops every partition older than the day of before and
// returns the number of records removed.
func (s *SQLite) PruneDeliveryRecords(ctx context.Context, before time.Time) (int64, error) {
	cutoff := partitionKey(before)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM delivery_record WHERE partition_key < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune delivery records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_record_partition WHERE partition_key < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("prune partitions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

// Partitions lists the registered partition keys in order.
func (s *SQLite) Partitions(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.dbx.SelectContext(ctx, &keys,
		`SELECT partition_key FROM delivery_record_partition ORDER BY partition_key`); err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return keys, nil
}
