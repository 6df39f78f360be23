package registration

import (
	"fmt"

	"drawline/internal/domain"
)

// Pool names one of the four ordered participant lists of an event.
type Pool string

const (
	Waiting   Pool = "waiting"
	Invited   Pool = "invited"
	Enrolled  Pool = "enrolled"
	Cancelled Pool = "cancelled"
)

// Pools lists every pool in lifecycle order.
func Pools() []Pool {
	return []Pool{Waiting, Invited, Enrolled, Cancelled}
}

// ParsePool validates a pool name.
func ParsePool(s string) (Pool, error) {
	switch Pool(s) {
	case Waiting, Invited, Enrolled, Cancelled:
		return Pool(s), nil
	}
	return "", fmt.Errorf("invalid pool %q", s)
}

func members(ev *domain.Event, p Pool) *[]domain.Participant {
	switch p {
	case Waiting:
		return &ev.Waiting
	case Invited:
		return &ev.Invited
	case Enrolled:
		return &ev.Enrolled
	case Cancelled:
		return &ev.Cancelled
	}
	panic(fmt.Sprintf("registration: unknown pool %q", p))
}

// Members returns a copy of the given pool in insertion order.
func Members(ev *domain.Event, p Pool) []domain.Participant {
	src := *members(ev, p)
	out := make([]domain.Participant, len(src))
	copy(out, src)
	return out
}

func indexOf(list []domain.Participant, id string) int {
	for i, p := range list {
		if p.Key() == id {
			return i
		}
	}
	return -1
}

func contains(ev *domain.Event, p Pool, id string) bool {
	return indexOf(*members(ev, p), id) >= 0
}

// removeAt deletes index i keeping the order of the rest.
func removeAt(list []domain.Participant, i int) ([]domain.Participant, domain.Participant) {
	p := list[i]
	out := append(list[:i:i], list[i+1:]...)
	return out, p
}

// move transfers id from one pool to the tail of another.
func move(ev *domain.Event, id string, from, to Pool) error {
	src := members(ev, from)
	i := indexOf(*src, id)
	if i < 0 {
		return reject(NotInPool, id, from)
	}
	var p domain.Participant
	*src, p = removeAt(*src, i)
	dst := members(ev, to)
	*dst = append(*dst, p)
	return nil
}

// Locate returns the pool currently holding id.
func Locate(ev *domain.Event, id string) (Pool, bool) {
	for _, p := range Pools() {
		if contains(ev, p, id) {
			return p, true
		}
	}
	return "", false
}

// CheckInvariants verifies pool disjointness and the waiting capacity.
func CheckInvariants(ev *domain.Event) error {
	seen := make(map[string]Pool)
	for _, pool := range Pools() {
		for _, p := range *members(ev, pool) {
			id := p.Key()
			if id == "" {
				return &InvariantError{EventID: ev.ID, Detail: fmt.Sprintf("empty participant id in %s", pool)}
			}
			if prev, ok := seen[id]; ok {
				return &InvariantError{EventID: ev.ID, Detail: fmt.Sprintf("participant %s in both %s and %s", id, prev, pool)}
			}
			seen[id] = pool
		}
	}
	if ev.MaxRegistration > 0 && len(ev.Waiting) > ev.MaxRegistration {
		return &InvariantError{EventID: ev.ID, Detail: fmt.Sprintf("waiting %d exceeds capacity %d", len(ev.Waiting), ev.MaxRegistration)}
	}
	return nil
}
