package engine_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"drawline/internal/config"
	"drawline/internal/db"
	"drawline/internal/domain"
	"drawline/internal/engine"
	"drawline/internal/engine/auth"
	"drawline/internal/metrics"
	"drawline/internal/migrate"
	"drawline/internal/registration"
	"drawline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Org    domain.Session
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	seed := uint64(42)
	cfg.Lottery.Seed = &seed
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	org, err := eng.CreateParticipant(ctx, domain.Participant{ID: "org", Name: "Organizer"})
	if err != nil {
		t.Fatalf("create organizer: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Org: domain.Session{Participant: org}}
}

func (env testEnv) entrant(t *testing.T, id string) domain.Session {
	t.Helper()
	p, err := env.Engine.CreateParticipant(env.Ctx, domain.Participant{ID: id, Name: strings.ToUpper(id)})
	if err != nil {
		t.Fatalf("create participant %s: %v", id, err)
	}
	return domain.Session{Participant: p}
}

func (env testEnv) event(t *testing.T, maxReg, selectNum int) domain.Event {
	t.Helper()
	ev, err := env.Engine.CreateEvent(env.Ctx, env.Org, engine.EventCreateOptions{
		Name:            "Swim lessons",
		MaxRegistration: &maxReg,
		SelectNum:       &selectNum,
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	return ev
}

func ids(list []domain.Participant) []string {
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = p.ID
	}
	return out
}

func TestJoinPersistsAndRejectsWhenFull(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 2, 1)
	for _, id := range []string{"a", "b"} {
		if _, err := env.Engine.Join(env.Ctx, env.entrant(t, id), ev.ID); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	_, err := env.Engine.Join(env.Ctx, env.entrant(t, "c"), ev.ID)
	if !registration.IsRejected(err, registration.CapacityFull) {
		t.Fatalf("expected capacity_full, got %v", err)
	}
	got, err := env.Engine.GetEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !slices.Equal(ids(got.Waiting), []string{"a", "b"}) {
		t.Fatalf("unexpected waiting list %v", ids(got.Waiting))
	}
	if got.Version != 3 {
		t.Fatalf("expected version 3 after two joins, got %d", got.Version)
	}
}

func TestJoinTwiceIsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 1)
	a := env.entrant(t, "a")
	if _, err := env.Engine.Join(env.Ctx, a, ev.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := env.Engine.Join(env.Ctx, a, ev.ID); !registration.IsRejected(err, registration.DuplicateRegistration) {
		t.Fatalf("expected duplicate_registration, got %v", err)
	}
}

func TestJoinUnknownEventIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Join(env.Ctx, env.entrant(t, "a"), "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLotteryQueuesInvitations(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 3)
	all := []string{"a", "b", "c", "d", "e"}
	for _, id := range all {
		if _, err := env.Engine.Join(env.Ctx, env.entrant(t, id), ev.ID); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	res, err := env.Engine.RunLottery(env.Ctx, env.Org, ev.ID, engine.LotteryOptions{})
	if err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if len(res.Invited) != 3 || len(res.Event.Invited) != 3 || len(res.Event.Waiting) != 2 {
		t.Fatalf("expected 3 invited and 2 waiting, got %d/%d", len(res.Event.Invited), len(res.Event.Waiting))
	}
	pending, err := env.Engine.Repo.PendingNotifications(env.Ctx, 10, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 queued invitations, got %d", len(pending))
	}
	for i, n := range pending {
		if n.TargetID != res.Invited[i].ID {
			t.Fatalf("notification %d targets %s, want %s", i, n.TargetID, res.Invited[i].ID)
		}
		if !strings.Contains(n.Message, "Swim lessons") {
			t.Fatalf("invite message missing event name: %q", n.Message)
		}
	}
	if _, err := env.Engine.RunLottery(env.Ctx, env.Org, ev.ID, engine.LotteryOptions{}); !registration.IsRejected(err, registration.NoLotterySlots) {
		t.Fatalf("expected no_lottery_slots on second run, got %v", err)
	}
}

func TestLotteryIsReproducibleWithSeed(t *testing.T) {
	draw := func() []string {
		env := newTestEnv(t)
		ev := env.event(t, 0, 2)
		for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
			if _, err := env.Engine.Join(env.Ctx, env.entrant(t, id), ev.ID); err != nil {
				t.Fatalf("join %s: %v", id, err)
			}
		}
		res, err := env.Engine.RunLottery(env.Ctx, env.Org, ev.ID, engine.LotteryOptions{})
		if err != nil {
			t.Fatalf("lottery: %v", err)
		}
		return ids(res.Invited)
	}
	first, second := draw(), draw()
	if !slices.Equal(first, second) {
		t.Fatalf("same seed drew %v then %v", first, second)
	}
}

func TestRejectedLotteryKeepsSelectNum(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 0)
	target := 5
	_, err := env.Engine.RunLottery(env.Ctx, env.Org, ev.ID, engine.LotteryOptions{SelectNum: &target})
	if !registration.IsRejected(err, registration.EmptyWaitingList) {
		t.Fatalf("expected empty_waiting_list, got %v", err)
	}
	got, err := env.Engine.GetEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.SelectNum != 0 || got.Version != ev.Version {
		t.Fatalf("rejected draw changed the event: select_num=%d version=%d", got.SelectNum, got.Version)
	}
}

func TestLotteryRequiresOrganizerOrAdmin(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 1)
	a := env.entrant(t, "a")
	if _, err := env.Engine.Join(env.Ctx, a, ev.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	var fe auth.ForbiddenError
	if _, err := env.Engine.RunLottery(env.Ctx, a, ev.ID, engine.LotteryOptions{}); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	admin := env.entrant(t, "root")
	admin.AdminMode = true
	res, err := env.Engine.RunLottery(env.Ctx, admin, ev.ID, engine.LotteryOptions{})
	if err != nil {
		t.Fatalf("admin lottery: %v", err)
	}
	if !slices.Equal(ids(res.Invited), []string{"a"}) {
		t.Fatalf("expected a invited, got %v", ids(res.Invited))
	}
}

func TestAcceptDeclineAndRevoke(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 3)
	a, b, c := env.entrant(t, "a"), env.entrant(t, "b"), env.entrant(t, "c")
	for _, s := range []domain.Session{a, b, c} {
		if _, err := env.Engine.Join(env.Ctx, s, ev.ID); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	if _, err := env.Engine.RunLottery(env.Ctx, env.Org, ev.ID, engine.LotteryOptions{}); err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if _, err := env.Engine.Accept(env.Ctx, a, ev.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.Decline(env.Ctx, b, ev.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := env.Engine.Revoke(env.Ctx, a, ev.ID, "c"); err == nil {
		t.Fatalf("expected entrant revoke to be forbidden")
	}
	got, err := env.Engine.Revoke(env.Ctx, env.Org, ev.ID, "c")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !slices.Equal(ids(got.Enrolled), []string{"a"}) || !slices.Equal(ids(got.Cancelled), []string{"b", "c"}) || len(got.Invited) != 0 {
		t.Fatalf("unexpected pools enrolled=%v cancelled=%v invited=%v", ids(got.Enrolled), ids(got.Cancelled), ids(got.Invited))
	}
	if _, err := env.Engine.Accept(env.Ctx, b, ev.ID); !registration.IsRejected(err, registration.NotInPool) {
		t.Fatalf("expected not_in_pool for cancelled accept, got %v", err)
	}
	m, err := env.Engine.Membership(env.Ctx, ev.ID, "a")
	if err != nil || m.Pool != string(registration.Enrolled) || !m.Registered {
		t.Fatalf("unexpected membership %+v err=%v", m, err)
	}
	m, err = env.Engine.Membership(env.Ctx, ev.ID, "org")
	if err != nil || m.Registered {
		t.Fatalf("organizer should not be registered: %+v err=%v", m, err)
	}
}

func TestLeaveThenRejoin(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 1, 1)
	a := env.entrant(t, "a")
	if _, err := env.Engine.Join(env.Ctx, a, ev.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	got, err := env.Engine.Leave(env.Ctx, a, ev.ID)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(got.Waiting) != 0 || !slices.Equal(ids(got.Cancelled), []string{"a"}) {
		t.Fatalf("unexpected pools after leave: %+v", got)
	}
	got, err = env.Engine.Join(env.Ctx, a, ev.ID)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !slices.Equal(ids(got.Waiting), []string{"a"}) || len(got.Cancelled) != 0 {
		t.Fatalf("unexpected pools after rejoin: %+v", got)
	}
}

func TestNotifyFansOutToPool(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 1)
	for _, id := range []string{"a", "b"} {
		if _, err := env.Engine.Join(env.Ctx, env.entrant(t, id), ev.ID); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	notes, err := env.Engine.Notify(env.Ctx, env.Org, ev.ID, registration.Waiting, "still waiting")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(notes) != 2 || notes[0].TargetID != "a" || notes[1].TargetID != "b" {
		t.Fatalf("unexpected notifications %+v", notes)
	}
	listed, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{TargetID: "b"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].Message != "still waiting" {
		t.Fatalf("unexpected notifications for b: %+v", listed)
	}
	notes, err = env.Engine.Notify(env.Ctx, env.Org, ev.ID, registration.Enrolled, "hello")
	if err != nil || len(notes) != 0 {
		t.Fatalf("empty pool should queue nothing: %v %v", notes, err)
	}
	if _, err := env.Engine.Notify(env.Ctx, env.Org, ev.ID, registration.Pool("vip"), "x"); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid pool, got %v", err)
	}
}

func TestSaveEventDetectsStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 1)
	stale, err := env.Engine.Repo.GetEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := env.Engine.Join(env.Ctx, env.entrant(t, "a"), ev.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := env.Engine.Repo.SaveEvent(env.Ctx, tx, &stale); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUpdateEventValidatesCapacity(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 1)
	for _, id := range []string{"a", "b"} {
		if _, err := env.Engine.Join(env.Ctx, env.entrant(t, id), ev.ID); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	one := 1
	if _, err := env.Engine.UpdateEvent(env.Ctx, env.Org, ev.ID, engine.EventUpdateOptions{MaxRegistration: &one}); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid capacity, got %v", err)
	}
	name := "Evening swim"
	got, err := env.Engine.UpdateEvent(env.Ctx, env.Org, ev.ID, engine.EventUpdateOptions{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Name != name || len(got.Waiting) != 2 {
		t.Fatalf("unexpected event after update: %+v", got)
	}
}

func TestCreateEventValidation(t *testing.T) {
	env := newTestEnv(t)
	neg := -1
	cases := []engine.EventCreateOptions{
		{Name: ""},
		{Name: "x", MaxRegistration: &neg},
		{Name: "x", SelectNum: &neg},
		{Name: "x", StartAt: "2024-02-01T10:00:00Z", EndAt: "2024-02-01T09:00:00Z"},
		{Name: "x", StartAt: "tomorrow"},
	}
	for i, opts := range cases {
		if _, err := env.Engine.CreateEvent(env.Ctx, env.Org, opts); !errors.Is(err, engine.ErrInvalid) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
	if _, err := env.Engine.CreateEvent(env.Ctx, domain.Session{}, engine.EventCreateOptions{Name: "x"}); err == nil {
		t.Fatalf("expected anonymous create to fail")
	}
}

func TestDeleteEventAndActivity(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 1)
	if _, err := env.Engine.Join(env.Ctx, env.entrant(t, "a"), ev.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := env.Engine.DeleteEvent(env.Ctx, env.entrant(t, "b"), ev.ID); err == nil {
		t.Fatalf("expected stranger delete to be forbidden")
	}
	if err := env.Engine.DeleteEvent(env.Ctx, env.Org, ev.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetEvent(env.Ctx, ev.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected deleted event to be gone, got %v", err)
	}
	acts, err := env.Engine.Repo.LatestActivity(env.Ctx, repo.ActivityFilters{EventID: ev.ID})
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	var types []string
	for _, a := range acts {
		types = append(types, a.Type)
	}
	if !slices.Equal(types, []string{"event.deleted", "entrant.joined", "event.created"}) {
		t.Fatalf("unexpected activity %v", types)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, env.Org, "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if !strings.HasPrefix(raw, "dl_") || key.KeyHash == raw {
		t.Fatalf("unexpected key material %q", raw)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	if err != nil || stored.ParticipantID != "org" {
		t.Fatalf("lookup by hash: %+v %v", stored, err)
	}
}

func TestUpdateEventLeavesSelectNum(t *testing.T) {
	env := newTestEnv(t)
	ev := env.event(t, 0, 2)
	name, capacity := "Renamed", 5
	got, err := env.Engine.UpdateEvent(env.Ctx, env.Org, ev.ID, engine.EventUpdateOptions{Name: &name, MaxRegistration: &capacity})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, err := env.Engine.GetEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if got.SelectNum != 2 || stored.SelectNum != 2 {
		t.Fatalf("update changed select_num: returned %d stored %d", got.SelectNum, stored.SelectNum)
	}
	if stored.Name != name || stored.MaxRegistration != capacity {
		t.Fatalf("update not applied: %+v", stored)
	}
}

type observation struct {
	op      string
	outcome string
}

type recordingMetrics struct {
	observed []observation
}

func (r *recordingMetrics) Observe(_ context.Context, op, outcome string, _ time.Duration) {
	r.observed = append(r.observed, observation{op: op, outcome: outcome})
}
func (r *recordingMetrics) Rejected(string) {}
func (r *recordingMetrics) Conflict(string) {}
func (r *recordingMetrics) Invited(int)     {}
func (r *recordingMetrics) Delivery(string) {}

func TestNotifyObservesFailures(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingMetrics{}
	env.Engine.Metrics = rec
	ev := env.event(t, 0, 1)
	outsider := env.entrant(t, "x")

	if _, err := env.Engine.Notify(env.Ctx, env.Org, "missing", registration.Waiting, "hi"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.Notify(env.Ctx, outsider, ev.ID, registration.Waiting, "hi"); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.Notify(env.Ctx, env.Org, ev.ID, registration.Waiting, "hi"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	want := []observation{
		{"notify", metrics.OutcomeError},
		{"notify", metrics.OutcomeError},
		{"notify", metrics.OutcomeOK},
	}
	var got []observation
	for _, o := range rec.observed {
		if o.op == "notify" {
			got = append(got, o)
		}
	}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected observations %+v", got)
	}
}
