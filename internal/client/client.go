// Package client is the entry point for callers: it joins a session and
// keeps the media engine in step with signaling. Every reaction that
// touches the engine runs on one operation queue, so bursts of signaling
// events and reconnects never race each other.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Voice/internal/core"
	"github.com/dkeye/Voice/internal/domain"
	"github.com/dkeye/Voice/internal/events"
	"github.com/dkeye/Voice/internal/opqueue"
	"github.com/dkeye/Voice/internal/proto"
	"github.com/dkeye/Voice/internal/session"
)

// Events published by the client on the session hub.
const (
	EventEngineReady       events.Name = "engineReady"
	EventEngineUnsupported events.Name = "engineUnsupported"
	EventConsumerAdded     events.Name = "consumerAdded"
	EventConsumerClosed    events.Name = "consumerClosed"
)

var ErrEngineNotReady = errors.New("media engine not ready")

// Status is a snapshot computed on every call.
type Status struct {
	Connected    bool `json:"connected"`
	InRoom       bool `json:"inRoom"`
	QueueSize    int  `json:"queueSize"`
	Processing   bool `json:"processing"`
	Reconnecting bool `json:"reconnecting"`
	EngineReady  bool `json:"engineReady"`
	Sending      bool `json:"sending"`
	Receiving    bool `json:"receiving"`
}

// Consumer is the payload of EventConsumerAdded and EventConsumerClosed.
type Consumer struct {
	UserID     string
	ProducerID string
	Kind       string
}

type Client struct {
	ctl    *session.Controller
	engine core.MediaEngine
	queue  *opqueue.Queue
	logger zerolog.Logger
	tokens []events.Token

	mu          sync.Mutex
	send        core.EngineTransport
	recv        core.EngineTransport
	unsupported bool
	consumers   map[string]Consumer
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(ctl *session.Controller, engine core.MediaEngine, opts ...Option) *Client {
	c := &Client{
		ctl:       ctl,
		engine:    engine,
		logger:    log.With().Str("module", "client").Logger(),
		consumers: make(map[string]Consumer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = opqueue.New(opqueue.WithLogger(c.logger))

	hub := ctl.Hub()
	c.tokens = []events.Token{
		c.react(hub, proto.TypeRouterCapabilities, c.onCapabilities),
		c.react(hub, proto.TypeNewProducer, c.onNewProducer),
		c.react(hub, proto.TypeProducerClosed, c.onProducerClosed),
		c.react(hub, proto.TypePeerLeft, c.onPeerLeft),
		// Queued ahead of any reply to the rejoin, so a fresh
		// routerCapabilities never sees its transports torn down.
		hub.Subscribe(session.EventRejoining, func(any) {
			c.queue.Submit(func(context.Context) (any, error) {
				c.logger.Info().Msg("rejoining, resetting media transports")
				c.resetTransports()
				return nil, nil
			})
		}),
	}
	return c
}

// react funnels an inbound message into the operation queue.
func (c *Client) react(hub *events.Hub, t proto.Type, fn func(context.Context, proto.Message) error) events.Token {
	return events.On(hub, events.Name(t), func(m proto.Message) {
		c.queue.Submit(func(ctx context.Context) (any, error) {
			if err := fn(ctx, m); err != nil {
				c.logger.Warn().Err(err).Str("type", string(t)).Msg("reaction failed")
				return nil, err
			}
			return nil, nil
		})
	})
}

func (c *Client) Join(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	return c.ctl.Join(ctx, roomID, userID)
}

// Leave tears the media side down behind any queued reactions, then
// leaves the session.
func (c *Client) Leave(ctx context.Context) error {
	_, err := opqueue.Do(ctx, c.queue, func(ctx context.Context) (struct{}, error) {
		c.resetTransports()
		return struct{}{}, c.ctl.Leave(ctx)
	})
	return err
}

// Produce publishes a local track through the send transport.
func (c *Client) Produce(ctx context.Context, opts core.ProduceOptions) (string, error) {
	return opqueue.Do(ctx, c.queue, func(ctx context.Context) (string, error) {
		c.mu.Lock()
		send := c.send
		c.mu.Unlock()
		if send == nil {
			return "", ErrEngineNotReady
		}
		id, err := send.Produce(ctx, opts)
		if err != nil {
			return "", err
		}
		c.logger.Info().Str("producer_id", id).Str("kind", opts.Kind).Msg("producing")
		return id, nil
	})
}

// WriteRTP pushes media for a track returned by Produce. It does not wait
// on the queue; after a reset it fails until the track is produced again.
func (c *Client) WriteRTP(producerID string, pkt *rtp.Packet) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrEngineNotReady
	}
	return send.WriteRTP(producerID, pkt)
}

// Mute pauses or resumes a produced track, ordered with the other reactions.
func (c *Client) Mute(ctx context.Context, producerID string, muted bool) error {
	_, err := opqueue.Do(ctx, c.queue, func(context.Context) (struct{}, error) {
		c.mu.Lock()
		send := c.send
		c.mu.Unlock()
		if send == nil {
			return struct{}{}, ErrEngineNotReady
		}
		return struct{}{}, send.Mute(producerID, muted)
	})
	return err
}

// On subscribes to session and client events.
func (c *Client) On(name events.Name, fn events.Handler) events.Token {
	return c.ctl.Hub().Subscribe(name, fn)
}

func (c *Client) Off(tok events.Token) bool {
	return c.ctl.Hub().Unsubscribe(tok)
}

func (c *Client) Status() Status {
	_, inRoom := c.ctl.Identity()
	c.mu.Lock()
	sending := c.send != nil
	receiving := c.recv != nil
	unsupported := c.unsupported
	c.mu.Unlock()
	return Status{
		Connected:    c.ctl.Connected(),
		InRoom:       inRoom,
		QueueSize:    c.queue.Size(),
		Processing:   c.queue.IsRunning(),
		Reconnecting: c.ctl.Reconnecting(),
		EngineReady:  c.engine.Loaded() && !unsupported,
		Sending:      sending,
		Receiving:    receiving,
	}
}

// Close leaves, detaches from the session hub and closes the session.
func (c *Client) Close() error {
	_ = c.Leave(context.Background())
	for _, tok := range c.tokens {
		c.ctl.Hub().Unsubscribe(tok)
	}
	return c.ctl.Close()
}
