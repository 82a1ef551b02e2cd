// Package channel owns one signaling connection: it queues outbound
// messages until the transport is open and republishes inbound messages
// by their type.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Voice/internal/core"
	"github.com/dkeye/Voice/internal/events"
	"github.com/dkeye/Voice/internal/proto"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Lifecycle events. Inbound messages are published under their own type.
const (
	EventOpen  events.Name = "open"
	EventClose events.Name = "close"
	EventError events.Name = "error"
)

var ErrClosed = errors.New("channel: closed")

const (
	defaultDrainTimeout = 5 * time.Second
	drainRetry          = time.Millisecond
)

type pending struct {
	frame core.Frame
	// done is nil for fire-and-forget sends.
	done chan error
}

type Channel struct {
	addr   string
	hub    *events.Hub
	logger zerolog.Logger
	// drainTimeout bounds how long one queued frame waits out transport
	// backpressure while the queue is drained on open.
	drainTimeout time.Duration

	mu        sync.Mutex
	state     State
	transport core.Transport
	outbound  []*pending
}

type Option func(*Channel)

// WithHub publishes channel events on h, so subscribers can register
// before the first dial.
func WithHub(h *events.Hub) Option {
	return func(c *Channel) { c.hub = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

func WithDrainTimeout(d time.Duration) Option {
	return func(c *Channel) { c.drainTimeout = d }
}

// New dials addr immediately. The connection opens asynchronously.
func New(addr string, dialer core.Dialer, opts ...Option) *Channel {
	c := &Channel{
		addr:         addr,
		state:        StateConnecting,
		logger:       log.With().Str("module", "channel").Logger(),
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("addr", addr).Logger()
	if c.hub == nil {
		c.hub = events.NewHub(c.logger)
	}

	// Callbacks are async but may race this assignment; they wait on mu.
	c.mu.Lock()
	t, err := dialer.Dial(addr, core.TransportHandler{
		OnOpen:    c.onOpen,
		OnMessage: c.onMessage,
		OnError:   c.onError,
		OnClose:   c.onClose,
	})
	c.transport = t
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("dial")
		go func() {
			c.onError(err)
			c.onClose()
		}()
	}
	return c
}

func (c *Channel) Addr() string { return c.addr }

func (c *Channel) Hub() *events.Hub { return c.hub }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports the number of queued outbound messages.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// Send transmits msg when open, otherwise queues it. A queued message is
// not an error: it goes out on the next open.
func (c *Channel) Send(msg any) error {
	frame, err := encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		return c.transport.Send(frame)
	}
	c.outbound = append(c.outbound, &pending{frame: frame})
	c.logger.Debug().Int("queued", len(c.outbound)).Msg("send queued")
	return nil
}

// SendWhenReady returns once msg was handed to the transport. It fails with
// the transport error if the channel errors before opening, with ErrClosed
// if it closes first, or with ctx.Err(). A failed message is never sent.
func (c *Channel) SendWhenReady(ctx context.Context, msg any) error {
	frame, err := encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateOpen:
		err := c.transport.Send(frame)
		c.mu.Unlock()
		return err
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	p := &pending{frame: frame, done: make(chan error, 1)}
	c.outbound = append(c.outbound, p)
	c.mu.Unlock()

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
	}

	c.mu.Lock()
	removed := c.removeLocked(p)
	c.mu.Unlock()
	if removed {
		return ctx.Err()
	}
	// Drained concurrently; the outcome is already buffered.
	return <-p.done
}

// Close shuts the transport down. The close event follows asynchronously.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

// onOpen drains the queue in order before the channel reports open. A
// frame refused with core.ErrBackpressure is retried until drainTimeout,
// with mu released so the transport can make progress.
func (c *Channel) onOpen() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	drained := 0
	var blockedSince time.Time
	for len(c.outbound) > 0 {
		p := c.outbound[0]
		err := c.transport.Send(p.frame)
		if errors.Is(err, core.ErrBackpressure) {
			if blockedSince.IsZero() {
				blockedSince = time.Now()
			}
			if time.Since(blockedSince) < c.drainTimeout {
				c.mu.Unlock()
				time.Sleep(drainRetry)
				c.mu.Lock()
				if c.state != StateConnecting {
					c.mu.Unlock()
					c.logger.Warn().Int("drained", drained).Msg("closed while draining")
					return
				}
				continue
			}
		}
		blockedSince = time.Time{}
		c.outbound = c.outbound[1:]
		drained++
		if p.done != nil {
			p.done <- err
		} else if err != nil {
			c.logger.Error().Err(err).Msg("drain send")
		}
	}
	c.outbound = nil
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info().Int("drained", drained).Msg("open")
	c.hub.Publish(EventOpen, nil)
}

func (c *Channel) onMessage(f core.Frame) {
	msg, err := proto.Decode(f)
	if err != nil {
		c.logger.Debug().Err(err).Msg("drop inbound frame")
		return
	}
	name := events.Name(msg.Type)
	if name == EventOpen || name == EventClose {
		c.logger.Debug().Str("type", string(msg.Type)).Msg("drop reserved inbound type")
		return
	}
	c.hub.Publish(name, msg)
}

func (c *Channel) onError(err error) {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.rejectLocked(err)
	}
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("transport error")
	c.hub.Publish(EventError, err)
}

func (c *Channel) onClose() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.rejectLocked(ErrClosed)
	c.mu.Unlock()

	c.logger.Info().Msg("closed")
	c.hub.Publish(EventClose, nil)
}

// rejectLocked fails every waiting SendWhenReady and drops its frame.
// Fire-and-forget frames stay queued.
func (c *Channel) rejectLocked(err error) {
	kept := c.outbound[:0]
	for _, p := range c.outbound {
		if p.done != nil {
			p.done <- err
			continue
		}
		kept = append(kept, p)
	}
	c.outbound = kept
}

func (c *Channel) removeLocked(target *pending) bool {
	for i, p := range c.outbound {
		if p == target {
			c.outbound = append(c.outbound[:i], c.outbound[i+1:]...)
			return true
		}
	}
	return false
}

func encode(msg any) (core.Frame, error) {
	switch v := msg.(type) {
	case core.Frame:
		return v, nil
	case []byte:
		return core.Frame(v), nil
	}
	return proto.Encode(msg)
}
