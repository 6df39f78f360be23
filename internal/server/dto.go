package server

import (
	"drawline/internal/domain"
	"drawline/internal/registration"
	"drawline/internal/repo"
)

// Request payloads

type CreateParticipantRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name" minLength:"1"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type CreateEventRequest struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name" minLength:"1"`
	Description     string `json:"description,omitempty"`
	MaxRegistration *int   `json:"max_registration,omitempty" minimum:"0" doc:"Waiting list capacity; 0 means unlimited"`
	SelectNum       *int   `json:"select_num,omitempty" minimum:"0" doc:"Target number of invited plus enrolled entrants"`
	StartAt         string `json:"start_at,omitempty" format:"date-time"`
	EndAt           string `json:"end_at,omitempty" format:"date-time"`
}

type UpdateEventRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	MaxRegistration *int    `json:"max_registration,omitempty" minimum:"0"`
	StartAt         *string `json:"start_at,omitempty"`
	EndAt           *string `json:"end_at,omitempty"`
}

type RevokeRequest struct {
	ParticipantID string `json:"participant_id" minLength:"1"`
}

type LotteryRequest struct {
	SelectNum *int   `json:"select_num,omitempty" minimum:"0"`
	Message   string `json:"message,omitempty"`
}

type NotifyRequest struct {
	Pool    string `json:"pool" enum:"waiting,invited,enrolled,cancelled"`
	Message string `json:"message" minLength:"1"`
}

type DevLoginRequest struct {
	ParticipantID string `json:"participant_id" minLength:"1"`
	Admin         bool   `json:"admin,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Responses

type EventResponse struct {
	domain.Event
	Slots int `json:"slots" doc:"Invitations still available before select_num is met"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedNotifications struct {
	Items      []domain.Notification `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedActivity struct {
	Items      []domain.Activity `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type LotteryResponse struct {
	Event         EventResponse         `json:"event"`
	Invited       []domain.Participant  `json:"invited"`
	Notifications []domain.Notification `json:"notifications"`
}

type NotifyResponse struct {
	Queued        int                   `json:"queued"`
	Notifications []domain.Notification `json:"notifications"`
}

type MeResponse struct {
	Participant domain.Participant `json:"participant"`
	AdminMode   bool               `json:"admin_mode"`
	Memberships []repo.Membership  `json:"memberships"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type APIKeyResponse struct {
	ID            string `json:"id"`
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name,omitempty"`
	Key           string `json:"key" doc:"Shown once; only a hash is stored"`
	CreatedAt     string `json:"created_at"`
}

func eventResponse(ev domain.Event) EventResponse {
	ev.Waiting = nonNilSlice(ev.Waiting)
	ev.Invited = nonNilSlice(ev.Invited)
	ev.Enrolled = nonNilSlice(ev.Enrolled)
	ev.Cancelled = nonNilSlice(ev.Cancelled)
	return EventResponse{Event: ev, Slots: max(registration.Slots(&ev), 0)}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
