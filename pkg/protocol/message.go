package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the relay envelope. The relay never inspects payloads beyond
// the routing fields; everything else is opaque JSON.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message of the given type, marshaling the payload.
func NewMessage(msgType string, payload any) (Message, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal payload: %w", err)
		}
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// DecodePayload unmarshals the message payload into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
