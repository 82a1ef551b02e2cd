package proto

import (
	"encoding/json"
	"fmt"
)

type Join struct {
	Type   Type   `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func NewJoin(roomID, userID string) Join {
	return Join{Type: TypeJoin, RoomID: roomID, UserID: userID}
}

type Leave struct {
	Type   Type   `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func NewLeave(roomID, userID string) Leave {
	return Leave{Type: TypeLeave, RoomID: roomID, UserID: userID}
}

type Ping struct {
	Type Type `json:"type"`
}

type Joined struct {
	Type   Type   `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type RouterCapabilities struct {
	Type            Type            `json:"type"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type Peer struct {
	Type   Type   `json:"type"`
	UserID string `json:"userId"`
}

type Producer struct {
	Type       Type   `json:"type"`
	UserID     string `json:"userId"`
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind,omitempty"`
}

// ServerError is an inbound "error" message. It is returned as an error
// from request round trips.
type ServerError struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Direction of a media transport, seen from this client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

type CreateTransport struct {
	Type      Type      `json:"type"`
	Direction Direction `json:"direction"`
}

// TransportInfo is what the server returns for a created transport. Params
// are opaque to the session layer and handed to the media engine.
type TransportInfo struct {
	Type      Type            `json:"type"`
	Direction Direction       `json:"direction"`
	ID        string          `json:"id"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type ConnectTransport struct {
	Type        Type            `json:"type"`
	TransportID string          `json:"transportId"`
	Params      json.RawMessage `json:"params"`
}

type TransportConnected struct {
	Type        Type            `json:"type"`
	TransportID string          `json:"transportId"`
	Params      json.RawMessage `json:"params,omitempty"`
}

type Produce struct {
	Type        Type            `json:"type"`
	TransportID string          `json:"transportId"`
	Kind        string          `json:"kind"`
	Params      json.RawMessage `json:"params"`
}

type Produced struct {
	Type       Type   `json:"type"`
	ProducerID string `json:"producerId"`
}

type Consume struct {
	Type            Type            `json:"type"`
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type Consumed struct {
	Type       Type            `json:"type"`
	ProducerID string          `json:"producerId"`
	Kind       string          `json:"kind,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}
