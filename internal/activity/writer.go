// Package activity appends audit rows inside the caller's transaction.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Activity types written by the engine.
const (
	ParticipantCreated = "participant.created"
	EventCreated       = "event.created"
	EventUpdated       = "event.updated"
	EventDeleted       = "event.deleted"
	EntrantJoined      = "entrant.joined"
	EntrantLeft        = "entrant.left"
	EntrantEnrolled    = "entrant.enrolled"
	EntrantDeclined    = "entrant.declined"
	EntrantRevoked     = "entrant.revoked"
	LotteryDrawn       = "lottery.drawn"
	NotificationsSent  = "notifications.queued"
	APIKeyCreated      = "apikey.created"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Entry describes one activity row.
type Entry struct {
	Type          string
	EventID       string
	ParticipantID string
	ActorID       string
	Payload       Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity(ts,type,event_id,participant_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, nullable(e.EventID), nullable(e.ParticipantID), e.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
