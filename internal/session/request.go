package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Voice/internal/events"
	"github.com/dkeye/Voice/internal/proto"
)

// Request sends msg and waits for the first inbound message of type resp.
// Correlation is by type only: with two requests of the same type in
// flight, the first reply resolves whichever subscribed first. A server
// "error" message fails the request with a *proto.ServerError.
func (c *Controller) Request(ctx context.Context, msg any, resp proto.Type) (proto.Message, error) {
	c.mu.Lock()
	ch := c.ch
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return proto.Message{}, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.opt.RequestTimeout)
	defer cancel()

	replies := make(chan proto.Message, 1)
	failures := make(chan *proto.ServerError, 1)

	tok := events.OnceOf(c.hub, events.Name(resp), func(m proto.Message) { replies <- m })
	defer c.hub.Unsubscribe(tok)
	errTok := events.OnceOf(c.hub, EventError, func(m proto.Message) {
		se := &proto.ServerError{}
		if err := m.Into(se); err != nil {
			se.Message = string(m.Raw)
		}
		failures <- se
	})
	defer c.hub.Unsubscribe(errTok)

	if err := ch.SendWhenReady(ctx, msg); err != nil {
		return proto.Message{}, fmt.Errorf("request %s: %w", resp, c.ctxErr(ctx, err))
	}

	select {
	case m := <-replies:
		return m, nil
	case se := <-failures:
		return proto.Message{}, se
	case <-ctx.Done():
		return proto.Message{}, fmt.Errorf("request %s: %w", resp, c.ctxErr(ctx, ctx.Err()))
	}
}

// Ping round-trips a ping and reports the latency.
func (c *Controller) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Request(ctx, proto.Ping{Type: proto.TypePing}, proto.TypePong); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Controller) ctxErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrRequestTimeout
	}
	return err
}
