package benor

import (
	"encoding/json"
	"fmt"

	"github.com/usernamenenad/benor-quic/core"
)

// wireMessage is the JSON representation of a Message. Phase and value
// travel as their text forms ("R"/"P", "0"/"1"/"?").
type wireMessage struct {
	Phase core.Phase `json:"p"`
	Round uint64     `json:"r"`
	Value core.Value `json:"v"`
	From  int        `json:"f"`
}

// Codec serializes and deserializes protocol messages using JSON.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Marshal(msg core.Message) ([]byte, error) {
	m, ok := msg.(*Message)
	if !ok || m == nil {
		return nil, fmt.Errorf("unsupported message type: %T", msg)
	}
	return json.Marshal(wireMessage{
		Phase: m.Phase,
		Round: uint64(m.Round),
		Value: m.Value,
		From:  int(m.From),
	})
}

// Unmarshal decodes data. Structural checks beyond field syntax are
// left to the receiving node.
func (c *Codec) Unmarshal(data []byte) (core.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return &Message{
		Phase: w.Phase,
		Round: core.Round(w.Round),
		Value: w.Value,
		From:  core.NodeId(w.From),
	}, nil
}
