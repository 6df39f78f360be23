// Package repo stores participants, event aggregates, the notification
// outbox and the activity log in SQLite.
//
// The connection pool holds a single connection, so code holding a *sql.Tx
// must read through that transaction and never through Repo.DB.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"drawline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the stored event version moved since it was loaded.
	ErrConflict = errors.New("event version conflict")
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- participants ---

func (r Repo) InsertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO participants(id,name,email,phone,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Email), nullable(p.Phone), p.CreatedAt)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	return getParticipant(ctx, r.DB, id)
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, id string) (domain.Participant, error) {
	return getParticipant(ctx, tx, id)
}

func getParticipant(ctx context.Context, q dbtx, id string) (domain.Participant, error) {
	var p domain.Participant
	err := q.QueryRowContext(ctx, `SELECT id,name,COALESCE(email,''),COALESCE(phone,''),created_at FROM participants WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListParticipants(ctx context.Context, limit int) ([]domain.Participant, error) {
	query := `SELECT id,name,COALESCE(email,''),COALESCE(phone,''),created_at FROM participants ORDER BY created_at, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- events ---

const eventColumns = `id,organizer_id,name,COALESCE(description,''),max_registration,select_num,COALESCE(start_at,''),COALESCE(end_at,''),version,created_at,updated_at`

func scanEvent(row interface{ Scan(...any) error }) (domain.Event, error) {
	var ev domain.Event
	err := row.Scan(&ev.ID, &ev.OrganizerID, &ev.Name, &ev.Description, &ev.MaxRegistration, &ev.SelectNum,
		&ev.StartAt, &ev.EndAt, &ev.Version, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, ErrNotFound
	}
	return ev, err
}

// InsertEvent stores a new event at version 1 with whatever pools it carries.
func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	ev.Version = 1
	_, err := tx.ExecContext(ctx, `INSERT INTO events(id,organizer_id,name,description,max_registration,select_num,start_at,end_at,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.OrganizerID, ev.Name, nullable(ev.Description), ev.MaxRegistration, ev.SelectNum,
		nullable(ev.StartAt), nullable(ev.EndAt), ev.Version, ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return writePools(ctx, tx, ev)
}

// GetEvent loads a fully hydrated event aggregate.
func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return getEvent(ctx, r.DB, id)
}

func (r Repo) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.Event, error) {
	return getEvent(ctx, tx, id)
}

func getEvent(ctx context.Context, q dbtx, id string) (domain.Event, error) {
	ev, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
	if err != nil {
		return ev, err
	}
	if err := loadPools(ctx, q, &ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func loadPools(ctx context.Context, q dbtx, ev *domain.Event) error {
	ev.Waiting = []domain.Participant{}
	ev.Invited = []domain.Participant{}
	ev.Enrolled = []domain.Participant{}
	ev.Cancelled = []domain.Participant{}
	rows, err := q.QueryContext(ctx, `
SELECT pm.pool, p.id, p.name, COALESCE(p.email,''), COALESCE(p.phone,''), p.created_at
FROM pool_members pm
JOIN participants p ON p.id = pm.participant_id
WHERE pm.event_id=?
ORDER BY pm.pool, pm.position`, ev.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var pool string
		var p domain.Participant
		if err := rows.Scan(&pool, &p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt); err != nil {
			return err
		}
		switch pool {
		case "waiting":
			ev.Waiting = append(ev.Waiting, p)
		case "invited":
			ev.Invited = append(ev.Invited, p)
		case "enrolled":
			ev.Enrolled = append(ev.Enrolled, p)
		case "cancelled":
			ev.Cancelled = append(ev.Cancelled, p)
		default:
			return fmt.Errorf("event %s: unknown pool %q", ev.ID, pool)
		}
	}
	return rows.Err()
}

// SaveEvent replaces the stored aggregate when its version still matches
// ev.Version, then bumps ev.Version. A moved version yields ErrConflict.
func (r Repo) SaveEvent(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET name=?, description=?, max_registration=?, select_num=?, start_at=?, end_at=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		ev.Name, nullable(ev.Description), ev.MaxRegistration, ev.SelectNum, nullable(ev.StartAt), nullable(ev.EndAt), ev.UpdatedAt,
		ev.ID, ev.Version)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id=?`, ev.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pool_members WHERE event_id=?`, ev.ID); err != nil {
		return fmt.Errorf("clear pools: %w", err)
	}
	if err := writePools(ctx, tx, ev); err != nil {
		return err
	}
	ev.Version++
	return nil
}

func writePools(ctx context.Context, tx *sql.Tx, ev *domain.Event) error {
	pools := []struct {
		name    string
		members []domain.Participant
	}{
		{"waiting", ev.Waiting},
		{"invited", ev.Invited},
		{"enrolled", ev.Enrolled},
		{"cancelled", ev.Cancelled},
	}
	for _, pool := range pools {
		for i, p := range pool.members {
			if _, err := tx.ExecContext(ctx, `INSERT INTO pool_members(event_id,participant_id,pool,position) VALUES (?,?,?,?)`,
				ev.ID, p.Key(), pool.name, i); err != nil {
				return fmt.Errorf("insert %s member %s: %w", pool.name, p.Key(), err)
			}
		}
	}
	return nil
}

func (r Repo) DeleteEvent(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EventFilters struct {
	OrganizerID     string
	ParticipantID   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListEvents returns hydrated events, newest first.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.OrganizerID != "" {
		clauses = append(clauses, "organizer_id=?")
		args = append(args, f.OrganizerID)
	}
	if f.ParticipantID != "" {
		clauses = append(clauses, "id IN (SELECT event_id FROM pool_members WHERE participant_id=?)")
		args = append(args, f.ParticipantID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, ev)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := loadPools(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Membership is the pool a participant holds in one event.
type Membership struct {
	EventID   string `json:"event_id"`
	EventName string `json:"event_name"`
	Pool      string `json:"pool"`
}

func (r Repo) ListMemberships(ctx context.Context, participantID string) ([]Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT e.id, e.name, pm.pool FROM pool_members pm
JOIN events e ON e.id = pm.event_id
WHERE pm.participant_id=?
ORDER BY e.created_at DESC, e.id DESC`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.EventID, &m.EventName, &m.Pool); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
