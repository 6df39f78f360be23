// Package auth decides who may manage an event.
package auth

import (
	"fmt"

	"drawline/internal/domain"
)

// ForbiddenError reports that the session may not perform Action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// CanManage allows the event organizer and admin sessions.
func CanManage(s domain.Session, ev domain.Event, action string) error {
	if s.AdminMode {
		return nil
	}
	if s.Participant.Key() != "" && s.Participant.Key() == ev.OrganizerID {
		return nil
	}
	return ForbiddenError{Action: action}
}

// RequireParticipant rejects sessions that carry no participant identity.
func RequireParticipant(s domain.Session, action string) error {
	if s.Participant.Key() == "" {
		return ForbiddenError{Action: action}
	}
	return nil
}
