package benor

import (
	"encoding/json"
	"sync"

	"github.com/usernamenenad/benor-quic/core"
)

// Stage is the engine's position in the round loop.
type Stage uint8

const (
	StageIdle Stage = iota
	StageAwaitingR
	StageAwaitingP
	StageDecided
	StageStopped
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "IDLE"
	case StageAwaitingR:
		return "AWAITING_R"
	case StageAwaitingP:
		return "AWAITING_P"
	case StageDecided:
		return "DECIDED"
	case StageStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is written only by the owning node's engine (and Stop); readers
// go through Snapshot.
type State struct {
	mu       sync.RWMutex
	Estimate core.Value
	Round    core.Round
	Decided  bool
	Alive    bool
	Stage    Stage
}

// Snapshot is a point-in-time copy of a node's State.
type Snapshot struct {
	Decided  bool       `json:"decided"`
	Estimate core.Value `json:"x"`
	Round    core.Round `json:"k"`
	Alive    bool       `json:"alive"`
	Stage    Stage      `json:"stage"`
}

// MarshalJSON renders an absent estimate as null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	out := struct {
		plain
		Estimate *core.Value `json:"x"`
	}{plain: plain(s)}

	if s.Estimate != core.ValueNil {
		estimate := s.Estimate
		out.Estimate = &estimate
	}
	return json.Marshal(out)
}

func NewState(initial core.Value) *State {
	return &State{
		Estimate: initial,
		Round:    0,
		Decided:  false,
		Alive:    true,
		Stage:    StageIdle,
	}
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Decided:  s.Decided,
		Estimate: s.Estimate,
		Round:    s.Round,
		Alive:    s.Alive,
		Stage:    s.Stage,
	}
}

func (s *State) isAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.Alive
}

// beginRound advances the round counter and returns the new round with
// the estimate to report in it. ok is false once the node is stopped or
// decided.
func (s *State) beginRound() (round core.Round, estimate core.Value, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Alive || s.Decided {
		return s.Round, s.Estimate, false
	}

	s.Round++
	s.Stage = StageAwaitingR
	return s.Round, s.Estimate, true
}

func (s *State) setStage(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Stage == StageStopped || s.Stage == StageDecided {
		return
	}
	s.Stage = stage
}

// adopt replaces the estimate. It is a no-op once decided.
func (s *State) adopt(v core.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Decided {
		return
	}
	s.Estimate = v
}

func (s *State) decide(v core.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Decided {
		return
	}
	s.Estimate = v
	s.Decided = true
	if s.Stage != StageStopped {
		s.Stage = StageDecided
	}
}

// kill marks the node stopped and reports whether it was alive before.
func (s *State) kill() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasAlive := s.Alive
	s.Alive = false
	s.Stage = StageStopped
	return wasAlive
}
