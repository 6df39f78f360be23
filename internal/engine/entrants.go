package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/rs/zerolog"

	"drawline/internal/activity"
	"drawline/internal/domain"
	"drawline/internal/engine/auth"
	"drawline/internal/metrics"
	"drawline/internal/registration"
	"drawline/internal/repo"
)

// change is what a transition asks the unit of work to persist besides the
// event itself.
type change struct {
	notifications []domain.Notification
	entries       []activity.Entry
	invited       []domain.Participant
}

type applyFunc func(tx *sql.Tx, ev *domain.Event) (change, error)

// mutate runs apply against a freshly loaded event inside one transaction
// and reruns the whole unit when the version check fails.
func (e Engine) mutate(ctx context.Context, op, eventID string, apply applyFunc) (domain.Event, change, error) {
	start := time.Now()
	var saved domain.Event
	var applied change
	err := e.withRetry(ctx, op, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		ev, err := e.Repo.GetEventTx(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if err := registration.CheckInvariants(&ev); err != nil {
			return err
		}
		ch, err := apply(tx, &ev)
		if err != nil {
			return err
		}
		ev.UpdatedAt = e.stamp()
		if err := e.Repo.SaveEvent(ctx, tx, &ev); err != nil {
			return err
		}
		if len(ch.notifications) > 0 {
			if err := e.Repo.InsertNotifications(ctx, tx, ch.notifications); err != nil {
				return fmt.Errorf("queue notifications: %w", err)
			}
		}
		for _, entry := range ch.entries {
			if err := e.appendActivity(ctx, tx, entry); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		saved, applied = ev, ch
		return nil
	})
	e.observe(ctx, op, start, err)
	return saved, applied, err
}

func (e Engine) withRetry(ctx context.Context, op string, unit func() error) error {
	attempts := e.Retries
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	_ = retry.NewRetrier(attempts, 5*time.Millisecond, 100*time.Millisecond).RunContext(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			last = err
			return retry.Stop(err)
		}
		last = unit()
		if errors.Is(last, repo.ErrConflict) {
			e.recorder().Conflict(op)
			zerolog.Ctx(ctx).Debug().Str("op", op).Msg("version conflict, retrying")
			return last
		}
		return nil
	})
	return last
}

func (e Engine) observe(ctx context.Context, op string, start time.Time, err error) {
	outcome := metrics.OutcomeOK
	var rejected *registration.RejectedError
	switch {
	case err == nil:
	case errors.As(err, &rejected):
		outcome = metrics.OutcomeRejected
		e.recorder().Rejected(string(rejected.Reason))
		zerolog.Ctx(ctx).Debug().Str("op", op).Str("reason", string(rejected.Reason)).Msg("rejected")
	default:
		outcome = metrics.OutcomeError
	}
	e.recorder().Observe(ctx, op, outcome, time.Since(start))
}

func entrantEntry(kind string, ev *domain.Event, participantID, actorID string, payload activity.Payload) activity.Entry {
	return activity.Entry{
		Type:          kind,
		EventID:       ev.ID,
		ParticipantID: participantID,
		ActorID:       actorID,
		Payload:       payload,
	}
}

// Join puts the session participant on the waiting list.
func (e Engine) Join(ctx context.Context, s domain.Session, eventID string) (domain.Event, error) {
	if err := auth.RequireParticipant(s, "join"); err != nil {
		return domain.Event{}, err
	}
	ev, _, err := e.mutate(ctx, "join", eventID, func(tx *sql.Tx, ev *domain.Event) (change, error) {
		p, err := e.Repo.GetParticipantTx(ctx, tx, s.Participant.Key())
		if err != nil {
			return change{}, fmt.Errorf("participant %s: %w", s.Participant.Key(), err)
		}
		if err := registration.Join(ev, p); err != nil {
			return change{}, err
		}
		return change{entries: []activity.Entry{
			entrantEntry(activity.EntrantJoined, ev, p.ID, p.ID, activity.Payload{"waiting": len(ev.Waiting)}),
		}}, nil
	})
	return ev, err
}

// Leave moves the session participant from waiting to cancelled.
func (e Engine) Leave(ctx context.Context, s domain.Session, eventID string) (domain.Event, error) {
	return e.transition(ctx, s, "leave", eventID, activity.EntrantLeft, registration.Leave)
}

// Accept enrolls the session participant after an invitation.
func (e Engine) Accept(ctx context.Context, s domain.Session, eventID string) (domain.Event, error) {
	return e.transition(ctx, s, "accept", eventID, activity.EntrantEnrolled, registration.Enroll)
}

// Decline turns down the session participant's invitation.
func (e Engine) Decline(ctx context.Context, s domain.Session, eventID string) (domain.Event, error) {
	return e.transition(ctx, s, "decline", eventID, activity.EntrantDeclined, registration.Decline)
}

func (e Engine) transition(ctx context.Context, s domain.Session, op, eventID, kind string, step func(*domain.Event, string) error) (domain.Event, error) {
	if err := auth.RequireParticipant(s, op); err != nil {
		return domain.Event{}, err
	}
	id := s.Participant.Key()
	ev, _, err := e.mutate(ctx, op, eventID, func(_ *sql.Tx, ev *domain.Event) (change, error) {
		if err := step(ev, id); err != nil {
			return change{}, err
		}
		return change{entries: []activity.Entry{entrantEntry(kind, ev, id, id, nil)}}, nil
	})
	return ev, err
}

// Revoke cancels another participant's invitation on the organizer's behalf.
func (e Engine) Revoke(ctx context.Context, s domain.Session, eventID, participantID string) (domain.Event, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return domain.Event{}, fmt.Errorf("%w: participant_id is required", ErrInvalid)
	}
	ev, _, err := e.mutate(ctx, "revoke", eventID, func(_ *sql.Tx, ev *domain.Event) (change, error) {
		if err := auth.CanManage(s, *ev, "revoke invitations"); err != nil {
			return change{}, err
		}
		if err := registration.Decline(ev, participantID); err != nil {
			return change{}, err
		}
		return change{entries: []activity.Entry{
			entrantEntry(activity.EntrantRevoked, ev, participantID, s.Participant.Key(), nil),
		}}, nil
	})
	return ev, err
}

type LotteryOptions struct {
	// SelectNum replaces the event's target before drawing. It is only
	// persisted when the draw succeeds.
	SelectNum *int
	// Message overrides the configured invitation text.
	Message string
}

type LotteryResult struct {
	Event         domain.Event          `json:"event"`
	Invited       []domain.Participant  `json:"invited"`
	Notifications []domain.Notification `json:"notifications"`
}

// RunLottery draws invitees from the waiting list and queues one invitation
// per winner.
func (e Engine) RunLottery(ctx context.Context, s domain.Session, eventID string, opts LotteryOptions) (LotteryResult, error) {
	if opts.SelectNum != nil && *opts.SelectNum < 0 {
		return LotteryResult{}, fmt.Errorf("%w: select_num must be >= 0", ErrInvalid)
	}
	ev, ch, err := e.mutate(ctx, "lottery", eventID, func(_ *sql.Tx, ev *domain.Event) (change, error) {
		if err := auth.CanManage(s, *ev, "run lottery"); err != nil {
			return change{}, err
		}
		if opts.SelectNum != nil {
			ev.SelectNum = *opts.SelectNum
		}
		winners, err := registration.RunLottery(ev, e.rng())
		if err != nil {
			return change{}, err
		}
		msg := opts.Message
		if strings.TrimSpace(msg) == "" {
			msg = e.Config.InviteMessage(ev.Name)
		}
		notes := registration.Invitations(ev, winners, msg, e.now())
		ids := make([]string, len(winners))
		for i, w := range winners {
			ids[i] = w.Key()
		}
		return change{
			invited:       winners,
			notifications: notes,
			entries: []activity.Entry{
				entrantEntry(activity.LotteryDrawn, ev, "", s.Participant.Key(), activity.Payload{
					"select_num": ev.SelectNum,
					"invited":    ids,
					"waiting":    len(ev.Waiting),
				}),
			},
		}, nil
	})
	if err != nil {
		return LotteryResult{}, err
	}
	e.recorder().Invited(len(ch.invited))
	zerolog.Ctx(ctx).Info().Str("event", ev.ID).Int("invited", len(ch.invited)).Msg("lottery drawn")
	return LotteryResult{Event: ev, Invited: ch.invited, Notifications: ch.notifications}, nil
}

// Notify queues message for every participant currently in pool.
func (e Engine) Notify(ctx context.Context, s domain.Session, eventID string, pool registration.Pool, message string) (notes []domain.Notification, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "notify", start, err) }()
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalid)
	}
	if _, err := registration.ParsePool(string(pool)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	ev, err := e.Repo.GetEventTx(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	if err := registration.CheckInvariants(&ev); err != nil {
		return nil, err
	}
	if err := auth.CanManage(s, ev, "notify entrants"); err != nil {
		return nil, err
	}
	notes = registration.Notify(&ev, pool, message, e.now())
	if len(notes) > 0 {
		if err := e.Repo.InsertNotifications(ctx, tx, notes); err != nil {
			return nil, fmt.Errorf("queue notifications: %w", err)
		}
	}
	if err := e.appendActivity(ctx, tx, entrantEntry(activity.NotificationsSent, &ev, "", s.Participant.Key(), activity.Payload{
		"pool":  string(pool),
		"count": len(notes),
	})); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return notes, nil
}
