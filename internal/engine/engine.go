// Package engine runs registration operations against stored events. Each
// mutation loads the event, applies one registration transition, saves the
// aggregate under an optimistic version check and queues notifications, all
// in one transaction.
package engine

import (
	"context"
	crand "crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"drawline/internal/activity"
	"drawline/internal/config"
	"drawline/internal/domain"
	"drawline/internal/engine/auth"
	"drawline/internal/metrics"
	"drawline/internal/registration"
	"drawline/internal/repo"
)

var (
	// ErrInvalid wraps input validation failures.
	ErrInvalid = errors.New("invalid input")
	// ErrExists reports an identifier that is already taken.
	ErrExists = errors.New("already exists")
)

const defaultRetries = 4

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Config   *config.Config
	Now      func() time.Time
	Rand     registration.Source
	Metrics  metrics.Recorder
	// Retries bounds how often a unit of work is rerun after a version conflict.
	Retries int
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Now:     time.Now,
		Retries: defaultRetries,
	}
	if cfg != nil && cfg.Lottery.Seed != nil {
		e.Rand = &lockedSource{src: registration.NewSource(*cfg.Lottery.Seed)}
		return e
	}
	src, err := registration.NewRandomSource()
	if err != nil {
		log.Warn().Err(err).Msg("falling back to clock-seeded lottery source")
		src = registration.NewSource(uint64(time.Now().UnixNano()))
	}
	e.Rand = &lockedSource{src: src}
	return e
}

// lockedSource serializes draws so one Engine can serve concurrent requests.
type lockedSource struct {
	mu  sync.Mutex
	src registration.Source
}

func (l *lockedSource) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.IntN(n)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) recorder() metrics.Recorder {
	if e.Metrics == nil {
		return (*metrics.Metrics)(nil)
	}
	return e.Metrics
}

func (e Engine) appendActivity(ctx context.Context, tx *sql.Tx, entry activity.Entry) error {
	w := e.Activity
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entry)
}

func (e Engine) rng() registration.Source {
	if e.Rand == nil {
		return registration.NewSource(uint64(e.now().UnixNano()))
	}
	return e.Rand
}

// --- participants ---

func (e Engine) CreateParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	start := time.Now()
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return p, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetParticipantTx(ctx, tx, p.ID); err == nil {
		return p, fmt.Errorf("participant %s: %w", p.ID, ErrExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return p, err
	}
	if err := e.Repo.InsertParticipant(ctx, tx, p); err != nil {
		return p, fmt.Errorf("insert participant: %w", err)
	}
	if err := e.appendActivity(ctx, tx, activity.Entry{
		Type:          activity.ParticipantCreated,
		ParticipantID: p.ID,
		ActorID:       p.ID,
		Payload:       activity.Payload{"name": p.Name},
	}); err != nil {
		return p, err
	}
	err = tx.Commit()
	e.observe(ctx, "participant.create", start, err)
	return p, err
}

// CreateAPIKey issues a key for the session participant. The raw key is
// returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, s domain.Session, name string) (domain.APIKey, string, error) {
	if err := auth.RequireParticipant(s, "create api key"); err != nil {
		return domain.APIKey{}, "", err
	}
	var buf [24]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate api key: %w", err)
	}
	raw := "dl_" + hex.EncodeToString(buf[:])
	key := domain.APIKey{
		ID:            uuid.NewString(),
		ParticipantID: s.Participant.Key(),
		Name:          strings.TrimSpace(name),
		KeyHash:       repo.HashAPIKey(raw),
		CreatedAt:     e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.appendActivity(ctx, tx, activity.Entry{
		Type:          activity.APIKeyCreated,
		ParticipantID: key.ParticipantID,
		ActorID:       key.ParticipantID,
		Payload:       activity.Payload{"key_id": key.ID, "name": key.Name},
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// --- events ---

type EventCreateOptions struct {
	ID              string
	Name            string
	Description     string
	MaxRegistration *int
	SelectNum       *int
	StartAt         string
	EndAt           string
}

func (e Engine) CreateEvent(ctx context.Context, s domain.Session, opts EventCreateOptions) (domain.Event, error) {
	start := time.Now()
	if err := auth.RequireParticipant(s, "create event"); err != nil {
		return domain.Event{}, err
	}
	now := e.stamp()
	ev := domain.Event{
		ID:          strings.TrimSpace(opts.ID),
		OrganizerID: s.Participant.Key(),
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		StartAt:     strings.TrimSpace(opts.StartAt),
		EndAt:       strings.TrimSpace(opts.EndAt),
		Waiting:     []domain.Participant{},
		Invited:     []domain.Participant{},
		Enrolled:    []domain.Participant{},
		Cancelled:   []domain.Participant{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if e.Config != nil {
		ev.MaxRegistration = e.Config.Events.DefaultMaxRegistration
		ev.SelectNum = e.Config.Events.DefaultSelectNum
	}
	if opts.MaxRegistration != nil {
		ev.MaxRegistration = *opts.MaxRegistration
	}
	if opts.SelectNum != nil {
		ev.SelectNum = *opts.SelectNum
	}
	if err := validateEvent(ev); err != nil {
		return domain.Event{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetParticipantTx(ctx, tx, ev.OrganizerID); err != nil {
		return domain.Event{}, fmt.Errorf("organizer %s: %w", ev.OrganizerID, err)
	}
	if _, err := e.Repo.GetEventTx(ctx, tx, ev.ID); err == nil {
		return domain.Event{}, fmt.Errorf("event %s: %w", ev.ID, ErrExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Event{}, err
	}
	if err := e.Repo.InsertEvent(ctx, tx, &ev); err != nil {
		return domain.Event{}, err
	}
	if err := e.appendActivity(ctx, tx, activity.Entry{
		Type:    activity.EventCreated,
		EventID: ev.ID,
		ActorID: s.Participant.Key(),
		Payload: activity.Payload{
			"name":             ev.Name,
			"max_registration": ev.MaxRegistration,
			"select_num":       ev.SelectNum,
		},
	}); err != nil {
		return domain.Event{}, err
	}
	err = tx.Commit()
	e.observe(ctx, "event.create", start, err)
	if err != nil {
		return domain.Event{}, err
	}
	zerolog.Ctx(ctx).Info().Str("event", ev.ID).Str("organizer", ev.OrganizerID).Msg("event created")
	return ev, nil
}

func validateEvent(ev domain.Event) error {
	if ev.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if ev.MaxRegistration < 0 {
		return fmt.Errorf("%w: max_registration must be >= 0", ErrInvalid)
	}
	if ev.SelectNum < 0 {
		return fmt.Errorf("%w: select_num must be >= 0", ErrInvalid)
	}
	var startAt, endAt time.Time
	var err error
	if ev.StartAt != "" {
		if startAt, err = time.Parse(time.RFC3339, ev.StartAt); err != nil {
			return fmt.Errorf("%w: start_at must be RFC3339", ErrInvalid)
		}
	}
	if ev.EndAt != "" {
		if endAt, err = time.Parse(time.RFC3339, ev.EndAt); err != nil {
			return fmt.Errorf("%w: end_at must be RFC3339", ErrInvalid)
		}
	}
	if !startAt.IsZero() && !endAt.IsZero() && !endAt.After(startAt) {
		return fmt.Errorf("%w: end_at must be after start_at", ErrInvalid)
	}
	return nil
}

// EventUpdateOptions carries optional field changes; nil leaves a field as is.
type EventUpdateOptions struct {
	Name            *string
	Description     *string
	MaxRegistration *int
	StartAt         *string
	EndAt           *string
}

// UpdateEvent edits event details. SelectNum is left alone; only RunLottery
// changes it.
func (e Engine) UpdateEvent(ctx context.Context, s domain.Session, eventID string, opts EventUpdateOptions) (domain.Event, error) {
	ev, _, err := e.mutate(ctx, "event.update", eventID, func(_ *sql.Tx, ev *domain.Event) (change, error) {
		if err := auth.CanManage(s, *ev, "update event"); err != nil {
			return change{}, err
		}
		if opts.Name != nil {
			ev.Name = strings.TrimSpace(*opts.Name)
		}
		if opts.Description != nil {
			ev.Description = *opts.Description
		}
		if opts.MaxRegistration != nil {
			ev.MaxRegistration = *opts.MaxRegistration
		}
		if opts.StartAt != nil {
			ev.StartAt = strings.TrimSpace(*opts.StartAt)
		}
		if opts.EndAt != nil {
			ev.EndAt = strings.TrimSpace(*opts.EndAt)
		}
		if err := validateEvent(*ev); err != nil {
			return change{}, err
		}
		if ev.MaxRegistration > 0 && len(ev.Waiting) > ev.MaxRegistration {
			return change{}, fmt.Errorf("%w: max_registration below current waiting list size %d", ErrInvalid, len(ev.Waiting))
		}
		return change{entries: []activity.Entry{{
			Type:    activity.EventUpdated,
			EventID: ev.ID,
			ActorID: s.Participant.Key(),
			Payload: activity.Payload{"max_registration": ev.MaxRegistration},
		}}}, nil
	})
	return ev, err
}

func (e Engine) GetEvent(ctx context.Context, eventID string) (domain.Event, error) {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return ev, err
	}
	return ev, registration.CheckInvariants(&ev)
}

func (e Engine) DeleteEvent(ctx context.Context, s domain.Session, eventID string) error {
	start := time.Now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ev, err := e.Repo.GetEventTx(ctx, tx, eventID)
	if err != nil {
		return err
	}
	if err := auth.CanManage(s, ev, "delete event"); err != nil {
		return err
	}
	if err := e.Repo.DeleteEvent(ctx, tx, ev.ID); err != nil {
		return err
	}
	if err := e.appendActivity(ctx, tx, activity.Entry{
		Type:    activity.EventDeleted,
		EventID: ev.ID,
		ActorID: s.Participant.Key(),
		Payload: activity.Payload{"name": ev.Name},
	}); err != nil {
		return err
	}
	err = tx.Commit()
	e.observe(ctx, "event.delete", start, err)
	return err
}

// MembershipStatus names the pool a participant holds in an event. Pool is
// empty when the participant never registered.
type MembershipStatus struct {
	EventID       string `json:"event_id"`
	ParticipantID string `json:"participant_id"`
	Pool          string `json:"pool,omitempty"`
	Registered    bool   `json:"registered"`
}

func (e Engine) Membership(ctx context.Context, eventID, participantID string) (MembershipStatus, error) {
	ev, err := e.GetEvent(ctx, eventID)
	if err != nil {
		return MembershipStatus{}, err
	}
	st := MembershipStatus{EventID: ev.ID, ParticipantID: strings.TrimSpace(participantID)}
	if pool, ok := registration.Locate(&ev, participantID); ok {
		st.Pool = string(pool)
		st.Registered = true
	}
	return st, nil
}
