package core

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pion/rtp"

	"github.com/dkeye/Voice/internal/proto"
)

// ErrEngineUnsupported is the expected outcome of initializing an engine
// that cannot handle the offered capabilities. It is a result, not a fault.
var ErrEngineUnsupported = errors.New("media engine unsupported")

// NegotiateFunc answers a transport negotiation step by round-tripping
// params through signaling.
type NegotiateFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

type ProduceOptions struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType,omitempty"`
	TrackID  string `json:"trackId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

// MediaEngine is the opaque collaborator that owns capture, codecs and
// WebRTC transports.
type MediaEngine interface {
	Initialize(ctx context.Context, caps json.RawMessage) error
	Loaded() bool
	// Capabilities are the local receive capabilities, sent with consume.
	Capabilities() json.RawMessage
	CreateSendTransport(info proto.TransportInfo) (EngineTransport, error)
	CreateRecvTransport(info proto.TransportInfo) (EngineTransport, error)
}

type EngineTransport interface {
	ID() string
	Direction() proto.Direction
	// OnConnect exchanges connection parameters with the server. It is
	// asked before the first produce/consume and on every renegotiation.
	OnConnect(NegotiateFunc)
	// OnProduce is asked for every produced track; the response carries
	// the producer id.
	OnProduce(NegotiateFunc)
	Produce(ctx context.Context, opts ProduceOptions) (producerID string, err error)
	// WriteRTP pushes one packet of a produced track.
	WriteRTP(producerID string, pkt *rtp.Packet) error
	// Mute drops a produced track's packets without renegotiating.
	Mute(producerID string, muted bool) error
	Consume(ctx context.Context, c proto.Consumed) error
	CloseConsumer(producerID string) error
	Close() error
}
