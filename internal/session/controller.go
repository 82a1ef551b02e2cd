// Package session drives the join/leave handshake over a message channel
// and replaces the channel transparently when the connection drops.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Voice/internal/channel"
	"github.com/dkeye/Voice/internal/core"
	"github.com/dkeye/Voice/internal/domain"
	"github.com/dkeye/Voice/internal/events"
	"github.com/dkeye/Voice/internal/proto"
)

// Controller owns exactly one channel at a time. Callers subscribe to the
// controller hub only, so channel swaps are invisible to them.
type Controller struct {
	addr   string
	dialer core.Dialer
	opt    Options
	hub    *events.Hub
	logger zerolog.Logger

	mu sync.Mutex
	ch *channel.Channel
	// chHub identifies the current channel's events; nil once detached.
	chHub    *events.Hub
	identity *domain.Identity
	state    State
	rc       reconnectState
	closed   bool
}

// New creates the controller and dials its first channel.
func New(addr string, dialer core.Dialer, opt Options) *Controller {
	opt.init()
	logger := log.With().Str("module", "session").Logger()
	if opt.Logger != nil {
		logger = *opt.Logger
	}
	c := &Controller{
		addr:   addr,
		dialer: dialer,
		opt:    opt,
		hub:    events.NewHub(logger),
		logger: logger,
		state:  StateConnecting,
	}
	c.mu.Lock()
	c.dialLocked()
	c.mu.Unlock()
	return c
}

func (c *Controller) Hub() *events.Hub { return c.hub }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Identity() (domain.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return domain.Identity{}, false
	}
	return *c.identity, true
}

// Connected reports whether the current channel is open and not being replaced.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chHub != nil && !c.rc.active && c.ch.State() == channel.StateOpen
}

func (c *Controller) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rc.active
}

// Attempt is the current reconnection attempt, 0 when not reconnecting.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rc.attempt
}

// Join sets the session identity and sends the join request once the
// channel is open. A second join while in a call fails with
// ErrAlreadyInCall, unless reconnection has terminally failed, in which
// case the join starts over on a fresh channel.
func (c *Controller) Join(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	ident, err := domain.NewIdentity(roomID, userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.identity != nil && c.state != StateReconnectFailed {
		c.mu.Unlock()
		return ErrAlreadyInCall
	}
	c.stopReconnectLocked()
	c.identity = &ident
	if c.chHub == nil || c.ch.State() >= channel.StateClosing {
		c.state = StateConnecting
		c.dialLocked()
	}
	ch := c.ch
	c.mu.Unlock()

	c.logger.Info().Str("room_id", string(roomID)).Str("user_id", string(userID)).Msg("join")
	if err := ch.SendWhenReady(ctx, proto.NewJoin(string(roomID), string(userID))); err != nil {
		c.mu.Lock()
		if c.identity != nil && *c.identity == ident {
			c.identity = nil
		}
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("room_id", string(roomID)).Msg("join failed, identity rolled back")
		return fmt.Errorf("join: %w", err)
	}
	return nil
}

// Leave cancels any pending reconnection and clears the identity. It is a
// no-op when not in a call.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.identity == nil && !c.rc.active && c.state != StateReconnectFailed {
		c.mu.Unlock()
		return nil
	}
	ident := c.identity
	c.identity = nil
	wasReconnecting := c.rc.active
	c.stopReconnectLocked()

	var stale *channel.Channel
	if wasReconnecting || c.state == StateReconnectFailed {
		stale = c.ch
		c.chHub = nil
		c.state = StateDisconnected
	}
	ch := c.ch
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}
	if ident != nil {
		c.logger.Info().Str("room_id", string(ident.RoomID)).Str("user_id", string(ident.UserID)).Msg("leave")
		if stale == nil && ch != nil && ch.State() == channel.StateOpen {
			return ch.Send(proto.NewLeave(string(ident.RoomID), string(ident.UserID)))
		}
	}
	return nil
}

// Send is fire-and-forget on the current channel.
func (c *Controller) Send(msg any) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	return ch.Send(msg)
}

// Close leaves the call and shuts the channel down for good.
func (c *Controller) Close() error {
	_ = c.Leave(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.chHub = nil
	c.state = StateDisconnected
	ch := c.ch
	c.mu.Unlock()

	return ch.Close()
}

// dialLocked replaces the current channel. Handlers are registered on the
// new channel's hub before it dials, so no event is missed.
func (c *Controller) dialLocked() *channel.Channel {
	hub := events.NewHub(c.logger)
	hub.Subscribe(channel.EventOpen, func(any) { c.onOpen(hub) })
	events.On(hub, channel.EventError, func(err error) { c.onFailure(hub, err) })
	hub.Subscribe(channel.EventClose, func(any) { c.onFailure(hub, nil) })
	hub.SubscribeAll(func(name events.Name, payload any) {
		if msg, ok := payload.(proto.Message); ok {
			c.forward(hub, name, msg)
		}
	})

	c.ch = channel.New(c.addr, c.dialer, channel.WithHub(hub), channel.WithLogger(c.logger))
	c.chHub = hub
	return c.ch
}

func (c *Controller) onOpen(hub *events.Hub) {
	c.mu.Lock()
	if hub != c.chHub {
		c.mu.Unlock()
		return
	}
	if c.rc.active {
		w := c.rc.waiter
		c.mu.Unlock()
		notify(w, nil)
		return
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info().Msg("connected")
	c.hub.Publish(EventConnected, nil)
}

// onFailure handles error (err != nil) and close (err == nil) events.
func (c *Controller) onFailure(hub *events.Hub, err error) {
	c.mu.Lock()
	if hub != c.chHub {
		c.mu.Unlock()
		return
	}
	if c.rc.active {
		w := c.rc.waiter
		c.mu.Unlock()
		if err == nil {
			err = channel.ErrClosed
		}
		notify(w, err)
		return
	}
	old := c.ch
	c.chHub = nil
	// A first join still waiting for the open fails and rolls back on its own.
	if c.identity == nil || c.state == StateConnecting {
		c.state = StateDisconnected
		c.mu.Unlock()

		_ = old.Close()
		if err != nil {
			c.hub.Publish(EventError, err)
		}
		c.hub.Publish(EventDisconnected, nil)
		return
	}

	// In a call: the dead channel is detached above; start reconnecting.
	c.state = StateReconnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.rc = reconnectState{
		active:  true,
		gen:     c.rc.gen + 1,
		cancel:  cancel,
		lastErr: err,
	}
	if c.rc.lastErr == nil {
		c.rc.lastErr = channel.ErrClosed
	}
	gen := c.rc.gen
	c.mu.Unlock()

	_ = old.Close()
	c.logger.Warn().Err(err).Msg("connection lost, reconnecting")
	if err != nil {
		c.hub.Publish(EventError, err)
	}
	c.hub.Publish(EventDisconnected, nil)
	go c.reconnect(ctx, gen)
}

func (c *Controller) forward(hub *events.Hub, name events.Name, msg proto.Message) {
	c.mu.Lock()
	current := hub == c.chHub
	c.mu.Unlock()
	if !current {
		return
	}
	c.hub.Publish(name, msg)
}

// reconnect runs attempts strictly one after another until one opens and
// rejoins, attempts run out, or the generation is superseded.
func (c *Controller) reconnect(ctx context.Context, gen uint64) {
	for {
		c.mu.Lock()
		if c.rc.gen != gen || !c.rc.active {
			c.mu.Unlock()
			return
		}
		if c.identity == nil {
			c.stopReconnectLocked()
			c.chHub = nil
			c.state = StateDisconnected
			c.mu.Unlock()
			c.hub.Publish(EventDisconnected, nil)
			return
		}
		if c.rc.attempt >= c.opt.MaxAttempts {
			err := fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, c.rc.attempt, c.rc.lastErr)
			stale := c.ch
			c.stopReconnectLocked()
			c.chHub = nil
			c.state = StateReconnectFailed
			c.mu.Unlock()

			_ = stale.Close()
			c.logger.Error().Err(err).Msg("reconnection failed")
			c.hub.Publish(EventReconnectionFailed, err)
			return
		}
		c.rc.attempt++
		attempt := c.rc.attempt
		delay := Backoff(attempt, c.opt.BaseDelay, c.opt.MaxDelay, c.opt.Jitter)
		c.mu.Unlock()

		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		c.hub.Publish(EventReconnecting, ReconnectAttempt{Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.rc.gen != gen || !c.rc.active {
			c.mu.Unlock()
			return
		}
		waiter := make(chan error, 1)
		c.rc.waiter = waiter
		ch := c.dialLocked()
		c.mu.Unlock()

		if err := c.awaitOpen(ctx, waiter); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.attemptFailed(gen, ch, err)
			continue
		}

		if c.resume(ctx, gen, ch, waiter) {
			return
		}
	}
}

func (c *Controller) awaitOpen(ctx context.Context, waiter chan error) error {
	timer := time.NewTimer(c.opt.OpenTimeout)
	defer timer.Stop()
	select {
	case err := <-waiter:
		return err
	case <-timer.C:
		return ErrOpenTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resume rejoins over the freshly opened channel. It returns false when
// the attempt loop must continue.
func (c *Controller) resume(ctx context.Context, gen uint64, ch *channel.Channel, waiter chan error) bool {
	c.mu.Lock()
	if c.rc.gen != gen || !c.rc.active {
		c.mu.Unlock()
		return true
	}
	var ident domain.Identity
	hasIdent := c.identity != nil
	if hasIdent {
		ident = *c.identity
	}
	c.mu.Unlock()

	if hasIdent {
		c.hub.Publish(EventRejoining, ident)
		if err := ch.SendWhenReady(ctx, proto.NewJoin(string(ident.RoomID), string(ident.UserID))); err != nil {
			if ctx.Err() != nil {
				return true
			}
			c.attemptFailed(gen, ch, err)
			return false
		}
	}

	c.mu.Lock()
	if c.rc.gen != gen || !c.rc.active {
		c.mu.Unlock()
		return true
	}
	// The channel may have dropped right after opening.
	select {
	case err := <-waiter:
		c.mu.Unlock()
		c.attemptFailed(gen, ch, err)
		return false
	default:
	}
	c.stopReconnectLocked()
	c.state = StateConnected
	c.mu.Unlock()

	if !hasIdent {
		c.logger.Info().Msg("reconnected without identity")
		c.hub.Publish(EventConnected, nil)
		return true
	}
	c.logger.Info().Str("room_id", string(ident.RoomID)).Str("user_id", string(ident.UserID)).Msg("reconnected")
	c.hub.Publish(EventReconnected, ident)
	return true
}

func (c *Controller) attemptFailed(gen uint64, ch *channel.Channel, err error) {
	c.mu.Lock()
	if c.rc.gen == gen {
		c.rc.lastErr = err
	}
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("reconnect attempt failed")
	_ = ch.Close()
}

// stopReconnectLocked cancels a running loop and resets the state. The
// generation is bumped so the loop notices it was superseded.
func (c *Controller) stopReconnectLocked() {
	if c.rc.cancel != nil {
		c.rc.cancel()
	}
	c.rc = reconnectState{gen: c.rc.gen + 1}
}

func notify(w chan error, err error) {
	if w == nil {
		return
	}
	select {
	case w <- err:
	default:
	}
}
