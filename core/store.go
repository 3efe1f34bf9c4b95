package core

import (
	"context"
	"fmt"
)

// Round numbers a full R/P exchange. Round 0 means "not started".
type Round uint64

// Phase is one of the two sub-steps of a round.
type Phase uint8

const (
	PhaseR Phase = iota + 1
	PhaseP
)

func (p Phase) IsValid() bool {
	return p == PhaseR || p == PhaseP
}

func (p Phase) String() string {
	switch p {
	case PhaseR:
		return "R"
	case PhaseP:
		return "P"
	default:
		return "UNKNOWN"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("cannot encode phase %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "R":
		*p = PhaseR
	case "P":
		*p = PhaseP
	default:
		return fmt.Errorf("unknown phase %q", text)
	}
	return nil
}

// Store buffers protocol messages per round and phase, keeping at most
// one message per sender in each bucket.
type Store interface {
	// Record stores msg unless its sender already has a message in the
	// same round and phase. It reports whether msg was stored.
	Record(msg Message) bool

	Count(round Round, phase Phase) int

	Values(round Round, phase Phase) []Value

	// Await blocks until Count(round, phase) >= quorum or ctx is done.
	Await(ctx context.Context, round Round, phase Phase, quorum int) error

	// AwaitRoundAfter blocks until a message for a round later than
	// after is stored and returns the latest round seen.
	AwaitRoundAfter(ctx context.Context, after Round) (Round, error)

	// Prune discards every round strictly older than before.
	Prune(before Round)
}
