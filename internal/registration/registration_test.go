package registration_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"
	"time"

	"drawline/internal/domain"
	"drawline/internal/registration"
)

func person(id string) domain.Participant {
	return domain.Participant{ID: id, Name: "name-" + id}
}

func ids(list []domain.Participant) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}

func clonePool(list []domain.Participant) []domain.Participant {
	if list == nil {
		return nil
	}
	return append([]domain.Participant{}, list...)
}

func cloneEvent(ev domain.Event) domain.Event {
	cp := ev
	cp.Waiting = clonePool(ev.Waiting)
	cp.Invited = clonePool(ev.Invited)
	cp.Enrolled = clonePool(ev.Enrolled)
	cp.Cancelled = clonePool(ev.Cancelled)
	return cp
}

func mustJoin(t *testing.T, ev *domain.Event, id string) {
	t.Helper()
	if err := registration.Join(ev, person(id)); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
}

// seq replays fixed indexes so draws are fully predictable.
type seq struct {
	next []int
}

func (s *seq) IntN(n int) int {
	i := s.next[0]
	s.next = s.next[1:]
	if i >= n {
		panic(fmt.Sprintf("index %d out of range %d", i, n))
	}
	return i
}

func TestJoinCapacityScenario(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 2, MaxRegistration: 3}
	for _, id := range []string{"A", "B", "C"} {
		mustJoin(t, &ev, id)
	}
	err := registration.Join(&ev, person("D"))
	if !registration.IsRejected(err, registration.CapacityFull) {
		t.Fatalf("expected capacity_full, got %v", err)
	}
	if got := ids(ev.Waiting); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected waiting %v", got)
	}

	winners, err := registration.RunLottery(&ev, registration.NewSource(7))
	if err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if len(winners) != 2 || len(ev.Invited) != 2 || len(ev.Waiting) != 1 {
		t.Fatalf("expected 2 invited and 1 waiting, got winners=%d invited=%d waiting=%d", len(winners), len(ev.Invited), len(ev.Waiting))
	}
	if err := registration.CheckInvariants(&ev); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestJoinDuplicate(t *testing.T) {
	ev := domain.Event{ID: "ev"}
	mustJoin(t, &ev, "A")
	before := cloneEvent(ev)
	err := registration.Join(&ev, domain.Participant{ID: "A", Name: "someone else"})
	if !registration.IsRejected(err, registration.DuplicateRegistration) {
		t.Fatalf("expected duplicate_registration, got %v", err)
	}
	if !reflect.DeepEqual(before, ev) {
		t.Fatalf("rejected join mutated event")
	}
}

func TestJoinRefusesInvitedAndEnrolled(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 2}
	mustJoin(t, &ev, "A")
	mustJoin(t, &ev, "B")
	if _, err := registration.RunLottery(&ev, registration.NewSource(1)); err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if err := registration.Enroll(&ev, "A"); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	for _, id := range []string{"A", "B"} {
		if err := registration.Join(&ev, person(id)); !registration.IsRejected(err, registration.DuplicateRegistration) {
			t.Fatalf("join %s: expected duplicate_registration, got %v", id, err)
		}
	}
}

func TestRejoinClearsCancellation(t *testing.T) {
	ev := domain.Event{ID: "ev"}
	mustJoin(t, &ev, "A")
	mustJoin(t, &ev, "B")
	if err := registration.Leave(&ev, "A"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := ids(ev.Cancelled); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("expected A cancelled, got %v", got)
	}
	mustJoin(t, &ev, "A")
	if len(ev.Cancelled) != 0 {
		t.Fatalf("cancelled not cleared: %v", ids(ev.Cancelled))
	}
	if got := ids(ev.Waiting); !reflect.DeepEqual(got, []string{"B", "A"}) {
		t.Fatalf("expected A re-appended after B, got %v", got)
	}
	if pool, ok := registration.Locate(&ev, "A"); !ok || pool != registration.Waiting {
		t.Fatalf("expected A in waiting, got %q %v", pool, ok)
	}
}

func TestLeaveRequiresWaiting(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 1}
	mustJoin(t, &ev, "A")
	if _, err := registration.RunLottery(&ev, registration.NewSource(1)); err != nil {
		t.Fatalf("lottery: %v", err)
	}
	err := registration.Leave(&ev, "A")
	if !registration.IsRejected(err, registration.NotInPool) {
		t.Fatalf("expected not_in_pool, got %v", err)
	}
	err = registration.Leave(&ev, "ghost")
	if !registration.IsRejected(err, registration.NotInPool) {
		t.Fatalf("expected not_in_pool for unknown participant, got %v", err)
	}
}

func TestLotteryTopUpScenario(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 3}
	mustJoin(t, &ev, "A")
	winners, err := registration.RunLottery(&ev, registration.NewSource(3))
	if err != nil {
		t.Fatalf("first lottery: %v", err)
	}
	if got := ids(winners); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("expected sole participant invited, got %v", got)
	}
	mustJoin(t, &ev, "B")
	mustJoin(t, &ev, "C")
	winners, err = registration.RunLottery(&ev, registration.NewSource(3))
	if err != nil {
		t.Fatalf("second lottery: %v", err)
	}
	if len(winners) != 2 || len(ev.Invited) != 3 || len(ev.Waiting) != 0 {
		t.Fatalf("expected 3 invited total, got winners=%v invited=%v", ids(winners), ids(ev.Invited))
	}
}

func TestLotteryFullPromotionKeepsOrder(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 10}
	for _, id := range []string{"A", "B", "C", "D"} {
		mustJoin(t, &ev, id)
	}
	winners, err := registration.RunLottery(&ev, &seq{})
	if err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if got := ids(winners); !reflect.DeepEqual(got, []string{"A", "B", "C", "D"}) {
		t.Fatalf("unexpected winners %v", got)
	}
	if len(ev.Waiting) != 0 || !reflect.DeepEqual(ids(ev.Invited), []string{"A", "B", "C", "D"}) {
		t.Fatalf("expected everyone invited, waiting=%v invited=%v", ids(ev.Waiting), ids(ev.Invited))
	}
}

func TestLotteryDrawsFromShrinkingPool(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 3}
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		mustJoin(t, &ev, id)
	}
	// index 4 of [A B C D E] is E, index 0 of [A B C D] is A, index 1 of [B C D] is C
	winners, err := registration.RunLottery(&ev, &seq{next: []int{4, 0, 1}})
	if err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if got := ids(winners); !reflect.DeepEqual(got, []string{"E", "A", "C"}) {
		t.Fatalf("unexpected draw order %v", got)
	}
	if got := ids(ev.Waiting); !reflect.DeepEqual(got, []string{"B", "D"}) {
		t.Fatalf("remaining waiting should keep order, got %v", got)
	}
}

func TestLotteryExhaustionIsRejected(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 2}
	for _, id := range []string{"A", "B", "C"} {
		mustJoin(t, &ev, id)
	}
	if _, err := registration.RunLottery(&ev, registration.NewSource(11)); err != nil {
		t.Fatalf("first lottery: %v", err)
	}
	before := cloneEvent(ev)
	winners, err := registration.RunLottery(&ev, registration.NewSource(11))
	if !registration.IsRejected(err, registration.NoLotterySlots) {
		t.Fatalf("expected no_lottery_slots, got %v", err)
	}
	if winners != nil {
		t.Fatalf("expected no winners, got %v", ids(winners))
	}
	if !reflect.DeepEqual(before, ev) {
		t.Fatalf("rejected lottery mutated event")
	}
}

func TestLotteryEmptyWaiting(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 2}
	_, err := registration.RunLottery(&ev, registration.NewSource(1))
	if !registration.IsRejected(err, registration.EmptyWaitingList) {
		t.Fatalf("expected empty_waiting_list, got %v", err)
	}
	ev.SelectNum = 0
	mustJoin(t, &ev, "A")
	_, err = registration.RunLottery(&ev, registration.NewSource(1))
	if !registration.IsRejected(err, registration.NoLotterySlots) {
		t.Fatalf("expected no_lottery_slots when select_num is zero, got %v", err)
	}
}

func TestLotteryCountsEnrolledAgainstTarget(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 2}
	mustJoin(t, &ev, "A")
	if _, err := registration.RunLottery(&ev, registration.NewSource(1)); err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if err := registration.Enroll(&ev, "A"); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	for _, id := range []string{"B", "C", "D"} {
		mustJoin(t, &ev, id)
	}
	winners, err := registration.RunLottery(&ev, registration.NewSource(5))
	if err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if len(winners) != 1 || len(ev.Invited)+len(ev.Enrolled) != 2 {
		t.Fatalf("expected one more invite, got %v", ids(winners))
	}
}

func TestLotterySeedIsReproducible(t *testing.T) {
	build := func() domain.Event {
		ev := domain.Event{ID: "ev", SelectNum: 4}
		for i := range 20 {
			mustJoin(t, &ev, fmt.Sprintf("p%02d", i))
		}
		return ev
	}
	a, b := build(), build()
	wa, err := registration.RunLottery(&a, registration.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}
	wb, err := registration.RunLottery(&b, registration.NewSource(42))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids(wa), ids(wb)) {
		t.Fatalf("same seed gave different winners: %v vs %v", ids(wa), ids(wb))
	}
}

func TestLotteryIsUniform(t *testing.T) {
	const trials = 4000
	counts := map[string]int{}
	for seed := range uint64(trials) {
		ev := domain.Event{ID: "ev", SelectNum: 1}
		for _, id := range []string{"A", "B", "C", "D"} {
			mustJoin(t, &ev, id)
		}
		winners, err := registration.RunLottery(&ev, registration.NewSource(seed))
		if err != nil {
			t.Fatal(err)
		}
		counts[winners[0].ID]++
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		// expected 1000 each; 200 is more than seven standard deviations
		if c := counts[id]; c < 800 || c > 1200 {
			t.Fatalf("participant %s selected %d times out of %d: %v", id, c, trials, counts)
		}
	}
}

func TestEnrollDeclineSymmetry(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 2}
	mustJoin(t, &ev, "A")
	mustJoin(t, &ev, "B")
	if _, err := registration.RunLottery(&ev, registration.NewSource(9)); err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if err := registration.Enroll(&ev, "A"); err != nil {
		t.Fatalf("enroll A: %v", err)
	}
	if err := registration.Decline(&ev, "B"); err != nil {
		t.Fatalf("decline B: %v", err)
	}
	if err := registration.Decline(&ev, "A"); !registration.IsRejected(err, registration.NotInPool) {
		t.Fatalf("decline after enroll: expected not_in_pool, got %v", err)
	}
	if err := registration.Enroll(&ev, "B"); !registration.IsRejected(err, registration.NotInPool) {
		t.Fatalf("enroll after decline: expected not_in_pool, got %v", err)
	}
	if err := registration.Leave(&ev, "A"); !registration.IsRejected(err, registration.NotInPool) {
		t.Fatalf("leave after enroll: expected not_in_pool, got %v", err)
	}
	if !reflect.DeepEqual(ids(ev.Enrolled), []string{"A"}) || !reflect.DeepEqual(ids(ev.Cancelled), []string{"B"}) {
		t.Fatalf("unexpected pools enrolled=%v cancelled=%v", ids(ev.Enrolled), ids(ev.Cancelled))
	}
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	for seed := range uint64(50) {
		r := rand.New(rand.NewPCG(seed, seed+1))
		ev := domain.Event{ID: "ev", MaxRegistration: 1 + r.IntN(6), SelectNum: r.IntN(8)}
		for step := range 200 {
			id := fmt.Sprintf("p%d", r.IntN(12))
			var err error
			op := r.IntN(6)
			switch op {
			case 0:
				err = registration.Join(&ev, person(id))
			case 1:
				err = registration.Leave(&ev, id)
			case 2:
				_, err = registration.RunLottery(&ev, r)
			case 3:
				err = registration.Enroll(&ev, id)
			case 4:
				err = registration.Decline(&ev, id)
			case 5:
				ev.SelectNum = r.IntN(8)
			}
			var re *registration.RejectedError
			if err != nil && !errors.As(err, &re) {
				t.Fatalf("seed %d step %d: unexpected error type %T", seed, step, err)
			}
			if err := registration.CheckInvariants(&ev); err != nil {
				t.Fatalf("seed %d step %d op %d: %v", seed, step, op, err)
			}
			if op == 2 && err == nil && len(ev.Invited)+len(ev.Enrolled) > ev.SelectNum {
				t.Fatalf("seed %d step %d: lottery exceeded select_num", seed, step)
			}
		}
	}
}

func TestNotifyFanOut(t *testing.T) {
	ev := domain.Event{ID: "ev", SelectNum: 1}
	for _, id := range []string{"A", "B", "C"} {
		mustJoin(t, &ev, id)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	notes := registration.NotifyWaiting(&ev, "hello", now)
	if len(notes) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(notes))
	}
	for i, id := range []string{"A", "B", "C"} {
		n := notes[i]
		if n.TargetID != id || n.Message != "hello" || n.EventID != "ev" || n.CreatedAt != "2024-05-01T12:00:00Z" {
			t.Fatalf("unexpected notification %d: %+v", i, n)
		}
	}
	if got := registration.NotifyEnrolled(&ev, "x", now); len(got) != 0 {
		t.Fatalf("expected no notifications for empty pool, got %d", len(got))
	}
	if got := registration.NotifyInvited(&ev, "x", now); len(got) != 0 {
		t.Fatalf("expected no invited notifications, got %d", len(got))
	}
	if err := registration.Leave(&ev, "B"); err != nil {
		t.Fatal(err)
	}
	if got := registration.NotifyCancelled(&ev, "bye", now); len(got) != 1 || got[0].TargetID != "B" {
		t.Fatalf("unexpected cancelled fan-out %+v", got)
	}
}

func TestCheckInvariantsDetectsOverlap(t *testing.T) {
	ev := domain.Event{
		ID:       "ev",
		Waiting:  []domain.Participant{person("A")},
		Enrolled: []domain.Participant{person("A")},
	}
	err := registration.CheckInvariants(&ev)
	if _, ok := err.(*registration.InvariantError); !ok {
		t.Fatalf("expected invariant error, got %v", err)
	}
	ev = domain.Event{ID: "ev", MaxRegistration: 1, Waiting: []domain.Participant{person("A"), person("B")}}
	if err := registration.CheckInvariants(&ev); err == nil {
		t.Fatalf("expected capacity invariant error")
	}
}

func TestParsePool(t *testing.T) {
	for _, p := range registration.Pools() {
		got, err := registration.ParsePool(string(p))
		if err != nil || got != p {
			t.Fatalf("parse %s: %v", p, err)
		}
	}
	if _, err := registration.ParsePool("vip"); err == nil {
		t.Fatalf("expected error for unknown pool")
	}
}

func TestParticipantIdentity(t *testing.T) {
	a := domain.Participant{ID: "x", Name: "Ann", Email: "a@example.com"}
	b := domain.Participant{ID: "x", Name: "Anne"}
	c := domain.Participant{ID: "y", Name: "Ann", Email: "a@example.com"}
	if !a.Same(b) {
		t.Fatalf("same id should be equal")
	}
	if a.Same(c) {
		t.Fatalf("different id should not be equal")
	}
	if (domain.Participant{}).Same(domain.Participant{}) {
		t.Fatalf("empty identifiers must not match")
	}
}
