// Package registration holds the pool state machine of an event:
// waiting -> invited -> enrolled, with cancelled as the exit, plus the
// lottery that promotes waiting participants to invited.
//
// Every operation mutates the event in place and returns nil, or returns a
// *RejectedError and leaves the event untouched. Nothing here performs I/O.
package registration

import "drawline/internal/domain"

// Join appends p to the waiting list. A participant found in cancelled is
// moved back to waiting; one already waiting, invited or enrolled is refused.
func Join(ev *domain.Event, p domain.Participant) error {
	id := p.Key()
	if ev.MaxRegistration > 0 && len(ev.Waiting) >= ev.MaxRegistration {
		return reject(CapacityFull, id, Waiting)
	}
	if contains(ev, Waiting, id) || contains(ev, Invited, id) || contains(ev, Enrolled, id) {
		return reject(DuplicateRegistration, id, Waiting)
	}
	if i := indexOf(ev.Cancelled, id); i >= 0 {
		ev.Cancelled, _ = removeAt(ev.Cancelled, i)
	}
	ev.Waiting = append(ev.Waiting, p)
	return nil
}

// Leave moves a waiting participant to cancelled.
func Leave(ev *domain.Event, id string) error {
	return move(ev, id, Waiting, Cancelled)
}

// Enroll accepts an invitation.
func Enroll(ev *domain.Event, id string) error {
	return move(ev, id, Invited, Enrolled)
}

// Decline drops an invitation, whether the entrant refused it or the
// organizer revoked it.
func Decline(ev *domain.Event, id string) error {
	return move(ev, id, Invited, Cancelled)
}
