package repo

import (
	"context"
	"strings"

	"drawline/internal/domain"
)

type ActivityFilters struct {
	EventID       string
	ParticipantID string
	Type          string
	Limit         int
	Cursor        int64
}

// LatestActivity returns audit rows newest first, before Cursor when set.
func (r Repo) LatestActivity(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, f.EventID)
	}
	if f.ParticipantID != "" {
		clauses = append(clauses, "participant_id=?")
		args = append(args, f.ParticipantID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(event_id,''),COALESCE(participant_id,''),actor_id,payload_json FROM activity WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.TS, &a.Type, &a.EventID, &a.ParticipantID, &a.ActorID, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
