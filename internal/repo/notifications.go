package repo

import (
	"context"
	"database/sql"
	"strings"

	"drawline/internal/domain"
)

// InsertNotifications queues records in the outbox and fills in their IDs.
func (r Repo) InsertNotifications(ctx context.Context, tx *sql.Tx, items []domain.Notification) error {
	for i := range items {
		res, err := tx.ExecContext(ctx, `INSERT INTO notifications(event_id,target_id,message,created_at) VALUES (?,?,?,?)`,
			items[i].EventID, items[i].TargetID, items[i].Message, items[i].CreatedAt)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		items[i].ID = id
	}
	return nil
}

// PendingNotifications returns undelivered rows that have been attempted
// fewer than maxAttempts times, oldest first.
func (r Repo) PendingNotifications(ctx context.Context, limit, maxAttempts int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,event_id,target_id,message,created_at FROM notifications WHERE delivered_at IS NULL`
	var args []any
	if maxAttempts > 0 {
		query += ` AND attempts < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.EventID, &n.TargetID, &n.Message, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkDelivered(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivered_at=?, attempts=attempts+1 WHERE id=?`, now(), id)
	return err
}

func (r Repo) RecordAttempt(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1 WHERE id=?`, id)
	return err
}

type NotificationFilters struct {
	TargetID string
	EventID  string
	Limit    int
	Cursor   int64
}

// ListNotifications returns notifications newest first.
func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TargetID != "" {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.EventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, f.EventID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,event_id,target_id,message,created_at,delivered_at FROM notifications WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var delivered sql.NullString
		if err := rows.Scan(&n.ID, &n.EventID, &n.TargetID, &n.Message, &n.CreatedAt, &delivered); err != nil {
			return nil, err
		}
		if delivered.Valid {
			n.DeliveredAt = &delivered.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
