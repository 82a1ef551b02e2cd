package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Voice/internal/core"
	"github.com/dkeye/Voice/internal/proto"
)

func (c *Client) onCapabilities(ctx context.Context, m proto.Message) error {
	var caps proto.RouterCapabilities
	if err := m.Into(&caps); err != nil {
		return err
	}
	c.resetTransports()

	if err := c.engine.Initialize(ctx, caps.RtpCapabilities); err != nil {
		if errors.Is(err, core.ErrEngineUnsupported) {
			c.mu.Lock()
			c.unsupported = true
			c.mu.Unlock()
			c.logger.Warn().Err(err).Msg("media engine unsupported")
			c.ctl.Hub().Publish(EventEngineUnsupported, err)
			return nil
		}
		return fmt.Errorf("initialize engine: %w", err)
	}

	send, err := c.createTransport(ctx, proto.DirectionSend)
	if err != nil {
		return err
	}
	recv, err := c.createTransport(ctx, proto.DirectionRecv)
	if err != nil {
		_ = send.Close()
		return err
	}

	c.mu.Lock()
	c.send, c.recv = send, recv
	c.unsupported = false
	c.mu.Unlock()

	c.logger.Info().Str("send", send.ID()).Str("recv", recv.ID()).Msg("media engine ready")
	c.ctl.Hub().Publish(EventEngineReady, nil)
	return nil
}

// createTransport asks the server for a transport and wires the engine's
// negotiation callbacks back through signaling.
func (c *Client) createTransport(ctx context.Context, dir proto.Direction) (core.EngineTransport, error) {
	resp, err := c.ctl.Request(ctx, proto.CreateTransport{Type: proto.TypeCreateTransport, Direction: dir}, proto.TypeTransportCreated)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", dir, err)
	}
	var info proto.TransportInfo
	if err := resp.Into(&info); err != nil {
		return nil, err
	}
	info.Direction = dir

	var t core.EngineTransport
	if dir == proto.DirectionSend {
		t, err = c.engine.CreateSendTransport(info)
	} else {
		t, err = c.engine.CreateRecvTransport(info)
	}
	if err != nil {
		return nil, fmt.Errorf("engine %s transport: %w", dir, err)
	}

	id := t.ID()
	t.OnConnect(func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		resp, err := c.ctl.Request(ctx, proto.ConnectTransport{
			Type:        proto.TypeConnectTransport,
			TransportID: id,
			Params:      params,
		}, proto.TypeTransportConnected)
		if err != nil {
			return nil, err
		}
		return resp.Raw, nil
	})
	if dir == proto.DirectionSend {
		t.OnProduce(func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
			var opts core.ProduceOptions
			_ = json.Unmarshal(params, &opts)
			resp, err := c.ctl.Request(ctx, proto.Produce{
				Type:        proto.TypeProduce,
				TransportID: id,
				Kind:        opts.Kind,
				Params:      params,
			}, proto.TypeProduced)
			if err != nil {
				return nil, err
			}
			return resp.Raw, nil
		})
	}
	return t, nil
}

func (c *Client) onNewProducer(ctx context.Context, m proto.Message) error {
	var p proto.Producer
	if err := m.Into(&p); err != nil {
		return err
	}
	c.mu.Lock()
	recv := c.recv
	c.mu.Unlock()
	if recv == nil {
		return ErrEngineNotReady
	}

	resp, err := c.ctl.Request(ctx, proto.Consume{
		Type:            proto.TypeConsume,
		TransportID:     recv.ID(),
		ProducerID:      p.ProducerID,
		RtpCapabilities: c.engine.Capabilities(),
	}, proto.TypeConsumed)
	if err != nil {
		return fmt.Errorf("consume %s: %w", p.ProducerID, err)
	}
	var consumed proto.Consumed
	if err := resp.Into(&consumed); err != nil {
		return err
	}
	if consumed.ProducerID == "" {
		consumed.ProducerID = p.ProducerID
	}
	if err := recv.Consume(ctx, consumed); err != nil {
		return err
	}

	cons := Consumer{UserID: p.UserID, ProducerID: p.ProducerID, Kind: consumed.Kind}
	c.mu.Lock()
	c.consumers[p.ProducerID] = cons
	c.mu.Unlock()

	c.logger.Info().Str("user_id", p.UserID).Str("producer_id", p.ProducerID).Msg("consuming")
	c.ctl.Hub().Publish(EventConsumerAdded, cons)
	return nil
}

func (c *Client) onProducerClosed(_ context.Context, m proto.Message) error {
	var p proto.Producer
	if err := m.Into(&p); err != nil {
		return err
	}
	return c.closeConsumer(p.ProducerID)
}

func (c *Client) onPeerLeft(_ context.Context, m proto.Message) error {
	var p proto.Peer
	if err := m.Into(&p); err != nil {
		return err
	}
	c.mu.Lock()
	var ids []string
	for id, cons := range c.consumers {
		if cons.UserID == p.UserID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, c.closeConsumer(id))
	}
	return errors.Join(errs...)
}

func (c *Client) closeConsumer(producerID string) error {
	c.mu.Lock()
	cons, ok := c.consumers[producerID]
	delete(c.consumers, producerID)
	recv := c.recv
	c.mu.Unlock()
	if !ok {
		return nil
	}

	var err error
	if recv != nil {
		err = recv.CloseConsumer(producerID)
	}
	c.ctl.Hub().Publish(EventConsumerClosed, cons)
	return err
}

// resetTransports drops all engine-side state. Must run on the queue.
func (c *Client) resetTransports() {
	c.mu.Lock()
	send, recv := c.send, c.recv
	c.send, c.recv = nil, nil
	c.consumers = make(map[string]Consumer)
	c.mu.Unlock()

	for _, t := range []core.EngineTransport{send, recv} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			c.logger.Warn().Err(err).Str("transport_id", t.ID()).Msg("close transport")
		}
	}
}
