package registration

import (
	"errors"
	"fmt"
)

// Reason names why a transition was refused.
type Reason string

const (
	CapacityFull          Reason = "capacity_full"
	DuplicateRegistration Reason = "duplicate_registration"
	NotInPool             Reason = "not_in_pool"
	NoLotterySlots        Reason = "no_lottery_slots"
	EmptyWaitingList      Reason = "empty_waiting_list"
)

// RejectedError reports an expected, recoverable refusal. The event is left
// untouched whenever one is returned.
type RejectedError struct {
	Reason        Reason
	ParticipantID string
	Pool          Pool
}

func (e *RejectedError) Error() string {
	switch e.Reason {
	case CapacityFull:
		return "waiting list is full"
	case DuplicateRegistration:
		return fmt.Sprintf("participant %s already registered", e.ParticipantID)
	case NotInPool:
		return fmt.Sprintf("participant %s not in %s pool", e.ParticipantID, e.Pool)
	case NoLotterySlots:
		return "no lottery slots left"
	case EmptyWaitingList:
		return "waiting list is empty"
	default:
		return string(e.Reason)
	}
}

func reject(reason Reason, participantID string, pool Pool) error {
	return &RejectedError{Reason: reason, ParticipantID: participantID, Pool: pool}
}

// IsRejected reports whether err is a rejection with the given reason.
func IsRejected(err error, reason Reason) bool {
	var re *RejectedError
	return errors.As(err, &re) && re.Reason == reason
}

// InvariantError means a loaded event is corrupted: the pools overlap or the
// waiting list exceeds capacity. It points at an upstream bug.
type InvariantError struct {
	EventID string
	Detail  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("event %s violates pool invariants: %s", e.EventID, e.Detail)
}
