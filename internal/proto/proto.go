// Package proto holds the JSON signaling messages exchanged with the Voice
// server. Every message is an object with a "type" discriminator.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeJoin   Type = "join"
	TypeJoined Type = "joined"
	TypeLeave  Type = "leave"
	TypePing   Type = "ping"
	TypePong   Type = "pong"
	TypeError  Type = "error"

	TypeRouterCapabilities Type = "routerCapabilities"
	TypePeerJoined         Type = "peerJoined"
	TypePeerLeft           Type = "peerLeft"
	TypeNewProducer        Type = "newProducer"
	TypeProducerClosed     Type = "producerClosed"

	TypeCreateTransport    Type = "createTransport"
	TypeTransportCreated   Type = "transportCreated"
	TypeConnectTransport   Type = "connectTransport"
	TypeTransportConnected Type = "transportConnected"
	TypeProduce            Type = "produce"
	TypeProduced           Type = "produced"
	TypeConsume            Type = "consume"
	TypeConsumed           Type = "consumed"
)

var (
	ErrNoType    = errors.New("proto: message has no type")
	ErrMalformed = errors.New("proto: malformed message")
)

// Message is a parsed inbound frame. Raw keeps the full object so handlers
// can decode the variant they expect.
type Message struct {
	Type Type
	Raw  json.RawMessage
}

// Decode parses the envelope of data.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Message{}, ErrNoType
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Message{Type: env.Type, Raw: raw}, nil
}

// Into decodes the full message into v.
func (m Message) Into(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Encode marshals an outbound message.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("proto: encode: %w", err)
	}
	return b, nil
}
