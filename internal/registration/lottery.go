package registration

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"drawline/internal/domain"
)

// Source draws a uniform index in [0, n). *rand.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

// NewSource returns a deterministic source; equal seeds give equal draws.
func NewSource(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// NewRandomSource seeds a source from crypto/rand.
func NewRandomSource() (*rand.Rand, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("read random seed: %w", err)
	}
	return NewSource(binary.LittleEndian.Uint64(b[:])), nil
}

// Slots is the number of invitations still available before SelectNum is met.
func Slots(ev *domain.Event) int {
	return ev.SelectNum - (len(ev.Invited) + len(ev.Enrolled))
}

// RunLottery promotes up to Slots(ev) waiting participants to invited and
// returns them in draw order. When every waiting participant fits, all are
// promoted in waiting order. Otherwise each draw picks uniformly among the
// participants still waiting, without replacement.
func RunLottery(ev *domain.Event, rng Source) ([]domain.Participant, error) {
	slots := Slots(ev)
	if slots <= 0 {
		return nil, reject(NoLotterySlots, "", Waiting)
	}
	if len(ev.Waiting) == 0 {
		return nil, reject(EmptyWaitingList, "", Waiting)
	}
	if slots >= len(ev.Waiting) {
		winners := Members(ev, Waiting)
		ev.Invited = append(ev.Invited, winners...)
		ev.Waiting = []domain.Participant{}
		return winners, nil
	}
	winners := make([]domain.Participant, 0, slots)
	for range slots {
		var p domain.Participant
		ev.Waiting, p = removeAt(ev.Waiting, rng.IntN(len(ev.Waiting)))
		ev.Invited = append(ev.Invited, p)
		winners = append(winners, p)
	}
	return winners, nil
}
