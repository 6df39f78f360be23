package registration

import (
	"time"

	"drawline/internal/domain"
)

// Notify builds one notification per participant currently in pool, in pool
// order. The event is not modified.
func Notify(ev *domain.Event, pool Pool, message string, now time.Time) []domain.Notification {
	return fanOut(ev.ID, *members(ev, pool), message, now)
}

func NotifyWaiting(ev *domain.Event, message string, now time.Time) []domain.Notification {
	return Notify(ev, Waiting, message, now)
}

func NotifyInvited(ev *domain.Event, message string, now time.Time) []domain.Notification {
	return Notify(ev, Invited, message, now)
}

func NotifyEnrolled(ev *domain.Event, message string, now time.Time) []domain.Notification {
	return Notify(ev, Enrolled, message, now)
}

func NotifyCancelled(ev *domain.Event, message string, now time.Time) []domain.Notification {
	return Notify(ev, Cancelled, message, now)
}

// Invitations builds the invite records for the winners of a lottery run.
func Invitations(ev *domain.Event, winners []domain.Participant, message string, now time.Time) []domain.Notification {
	return fanOut(ev.ID, winners, message, now)
}

func fanOut(eventID string, targets []domain.Participant, message string, now time.Time) []domain.Notification {
	ts := now.UTC().Format(time.RFC3339)
	out := make([]domain.Notification, 0, len(targets))
	for _, p := range targets {
		out = append(out, domain.Notification{
			EventID:   eventID,
			TargetID:  p.Key(),
			Message:   message,
			CreatedAt: ts,
		})
	}
	return out
}
