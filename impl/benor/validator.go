package benor

import (
	"errors"
	"fmt"

	"github.com/usernamenenad/benor-quic/core"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownPhase     = errors.New("unknown phase")
	ErrInvalidRound     = errors.New("invalid round")
	ErrInvalidValue     = errors.New("invalid value")
	ErrUnknownSender    = errors.New("unknown sender")
)

// Outcome is what a node does with its estimate at the end of a round.
type Outcome uint8

const (
	OutcomeDecide Outcome = iota + 1
	OutcomeAdopt
	OutcomeFlip
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDecide:
		return "DECIDE"
	case OutcomeAdopt:
		return "ADOPT"
	case OutcomeFlip:
		return "FLIP"
	default:
		return "UNKNOWN"
	}
}

// Tally counts recorded values by kind.
type Tally struct {
	Zero    int
	One     int
	Unknown int
}

func CountValues(values []core.Value) Tally {
	var t Tally
	for _, v := range values {
		switch v {
		case core.ValueZero:
			t.Zero++
		case core.ValueOne:
			t.One++
		case core.ValueUnknown:
			t.Unknown++
		}
	}
	return t
}

// Leading returns the definite value with the higher count, preferring
// zero on a tie, along with that count.
func (t Tally) Leading() (core.Value, int) {
	if t.One > t.Zero {
		return core.ValueOne, t.One
	}
	return core.ValueZero, t.Zero
}

type Validator struct {
	Config *Config
}

func NewValidator(config *Config) *Validator {
	return &Validator{
		Config: config,
	}
}

// Validate checks that msg is a well-formed protocol message from a
// known sender. R-messages must carry a definite value; P-messages may
// also carry "?".
func (v *Validator) Validate(msg core.Message) (*Message, error) {
	m, ok := msg.(*Message)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: unexpected type %T", ErrMalformedMessage, msg)
	}

	if !m.Phase.IsValid() {
		return nil, fmt.Errorf("%w: %w %d", ErrMalformedMessage, ErrUnknownPhase, uint8(m.Phase))
	}

	if m.Round < 1 {
		return nil, fmt.Errorf("%w: %w %d", ErrMalformedMessage, ErrInvalidRound, m.Round)
	}

	switch m.Phase {
	case core.PhaseR:
		if !m.Value.IsDefinite() {
			return nil, fmt.Errorf("%w: %w %s in R phase", ErrMalformedMessage, ErrInvalidValue, m.Value)
		}
	case core.PhaseP:
		if !m.Value.IsValid() {
			return nil, fmt.Errorf("%w: %w %s in P phase", ErrMalformedMessage, ErrInvalidValue, m.Value)
		}
	}

	if m.From < 0 || int(m.From) >= v.Config.N {
		return nil, fmt.Errorf("%w: %w %d", ErrMalformedMessage, ErrUnknownSender, int(m.From))
	}

	return m, nil
}

// Proposal picks the P-phase value from the R-phase values: a definite
// value held by a strict majority of all N nodes, otherwise "?".
func (v *Validator) Proposal(values []core.Value) core.Value {
	t := CountValues(values)
	switch {
	case v.Config.IsMajority(t.Zero):
		return core.ValueZero
	case v.Config.IsMajority(t.One):
		return core.ValueOne
	default:
		return core.ValueUnknown
	}
}

// Resolve applies the end-of-round rule to the P-phase values. "?"
// entries never count toward a decision. For OutcomeFlip the returned
// value is ValueNil and the caller draws a coin.
func (v *Validator) Resolve(values []core.Value) (Outcome, core.Value) {
	value, count := CountValues(values).Leading()
	switch {
	case count >= v.Config.DecisionThreshold():
		return OutcomeDecide, value
	case count >= 1:
		return OutcomeAdopt, value
	default:
		return OutcomeFlip, core.ValueNil
	}
}
