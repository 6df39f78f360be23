package domain

import "strings"

// Participant is a registered profile. Two participants are the same person
// when their identifiers match; display and contact fields never take part.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
}

// Key returns the identifier used for pool membership checks.
func (p Participant) Key() string {
	return strings.TrimSpace(p.ID)
}

// Same reports whether both values identify the same participant.
func (p Participant) Same(other Participant) bool {
	return p.Key() != "" && p.Key() == other.Key()
}

type Event struct {
	ID              string        `json:"id"`
	OrganizerID     string        `json:"organizer_id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	MaxRegistration int           `json:"max_registration"`
	SelectNum       int           `json:"select_num"`
	StartAt         string        `json:"start_at,omitempty" format:"date-time"`
	EndAt           string        `json:"end_at,omitempty" format:"date-time"`
	Waiting         []Participant `json:"waiting"`
	Invited         []Participant `json:"invited"`
	Enrolled        []Participant `json:"enrolled"`
	Cancelled       []Participant `json:"cancelled"`
	Version         int64         `json:"version"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
	UpdatedAt       string        `json:"updated_at" format:"date-time"`
}

// Notification is a message addressed to one participant. ID and
// DeliveredAt are assigned by the outbox, never by the registration core.
type Notification struct {
	ID          int64   `json:"id,omitempty"`
	EventID     string  `json:"event_id"`
	TargetID    string  `json:"target_id"`
	Message     string  `json:"message"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DeliveredAt *string `json:"delivered_at,omitempty" format:"date-time"`
}

// Session identifies who is calling. It is always passed explicitly.
type Session struct {
	Participant Participant `json:"participant"`
	AdminMode   bool        `json:"admin_mode"`
}

// Activity is one row of the append-only audit log.
type Activity struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	EventID       string `json:"event_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID            string `json:"id"`
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name,omitempty"`
	KeyHash       string `json:"key_hash"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}
