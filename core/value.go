package core

import "fmt"

// Value is a binary consensus value. Unknown is the "?" marker
// carried in P-phase messages when no majority was observed; it is
// never decided upon. Nil means no value at all (a faulty node, or a
// node that has not started).
type Value uint8

const (
	ValueNil Value = iota
	ValueZero
	ValueOne
	ValueUnknown
)

// BinaryValue maps 0 and 1 to ValueZero and ValueOne.
func BinaryValue(b int) (Value, error) {
	switch b {
	case 0:
		return ValueZero, nil
	case 1:
		return ValueOne, nil
	default:
		return ValueNil, fmt.Errorf("not a binary value: %d", b)
	}
}

// IsDefinite reports whether v is 0 or 1.
func (v Value) IsDefinite() bool {
	return v == ValueZero || v == ValueOne
}

func (v Value) IsValid() bool {
	return v == ValueZero || v == ValueOne || v == ValueUnknown
}

func (v Value) String() string {
	switch v {
	case ValueZero:
		return "0"
	case ValueOne:
		return "1"
	case ValueUnknown:
		return "?"
	default:
		return "nil"
	}
}

func (v Value) MarshalText() ([]byte, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("cannot encode value %d", uint8(v))
	}
	return []byte(v.String()), nil
}

func (v *Value) UnmarshalText(text []byte) error {
	parsed, err := ParseValue(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseValue parses "0", "1" or "?".
func ParseValue(s string) (Value, error) {
	switch s {
	case "0":
		return ValueZero, nil
	case "1":
		return ValueOne, nil
	case "?":
		return ValueUnknown, nil
	default:
		return ValueNil, fmt.Errorf("unknown value %q", s)
	}
}
