package benor

import (
	"fmt"

	"github.com/usernamenenad/benor-quic/core"
)

// Message is a protocol datagram. It is never mutated after being sent.
type Message struct {
	Phase core.Phase
	Round core.Round
	Value core.Value
	From  core.NodeId
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(k=%d, x=%s, from=%d)", m.Phase, m.Round, m.Value, int(m.From))
}
