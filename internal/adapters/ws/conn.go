// Package ws implements core.Dialer on gorilla/websocket.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Voice/internal/core"
)

var ErrNotOpen = errors.New("ws: connection not open")

type Options struct {
	HandshakeTimeout time.Duration
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64
	// PingPeriod of zero disables keepalive and read deadlines.
	PingPeriod     time.Duration
	WriteWait      time.Duration
	WriteQueueSize int
	Header         http.Header
	Logger         *zerolog.Logger
}

func (o *Options) init() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 << 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = 256
	}
}

type Dialer struct {
	opt    Options
	ws     *websocket.Dialer
	logger zerolog.Logger
}

func NewDialer(opt Options) *Dialer {
	opt.init()
	logger := log.With().Str("module", "adapters.ws").Logger()
	if opt.Logger != nil {
		logger = *opt.Logger
	}
	return &Dialer{
		opt: opt,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opt.HandshakeTimeout,
		},
		logger: logger,
	}
}

// Dial returns at once. The handshake and every callback run on a
// goroutine owned by the returned connection.
func (d *Dialer) Dial(addr string, h core.TransportHandler) (core.Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		addr:   addr,
		opt:    d.opt,
		h:      h,
		send:   make(chan core.Frame, d.opt.WriteQueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: d.logger.With().Str("addr", addr).Logger(),
	}
	go c.run(d.ws)
	return c, nil
}

type connState int

const (
	stateDialing connState = iota
	stateOpen
	stateClosed
)

// Conn is one websocket signaling connection.
type Conn struct {
	addr   string
	opt    Options
	h      core.TransportHandler
	send   chan core.Frame
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu    sync.RWMutex
	state connState
	// local is set when Close was called by the owner.
	local bool
	conn  *websocket.Conn
}

// Send queues f for the write pump without blocking.
func (c *Conn) Send(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != stateOpen {
		return ErrNotOpen
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == stateClosed || c.local {
		c.mu.Unlock()
		return nil
	}
	c.local = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opt.WriteWait))
	return conn.Close()
}

func (c *Conn) run(d *websocket.Dialer) {
	ws, _, err := d.DialContext(c.ctx, c.addr, c.opt.Header)
	if err != nil {
		c.finish(err)
		return
	}

	c.mu.Lock()
	if c.local {
		c.mu.Unlock()
		_ = ws.Close()
		c.finish(nil)
		return
	}
	c.conn = ws
	c.state = stateOpen
	c.mu.Unlock()

	c.logger.Info().Msg("connected")
	// OnOpen may drain more frames than the send buffer holds.
	go c.writePump(ws)
	c.h.OnOpen()

	c.finish(c.readPump(ws))
}

func (c *Conn) readPump(ws *websocket.Conn) error {
	ws.SetReadLimit(c.opt.ReadLimit)
	if c.opt.PingPeriod > 0 {
		pongWait := c.opt.PingPeriod + c.opt.WriteWait
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if mt != websocket.TextMessage {
			c.logger.Debug().Int("message_type", mt).Msg("ignoring non-text frame")
			continue
		}
		c.h.OnMessage(data)
	}
}

func (c *Conn) writePump(ws *websocket.Conn) {
	var tick <-chan time.Time
	if c.opt.PingPeriod > 0 {
		ticker := time.NewTicker(c.opt.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				_ = ws.Close()
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				_ = ws.Close()
				return
			}
		case <-tick:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opt.WriteWait)); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping")
				_ = ws.Close()
				return
			}
		}
	}
}

// finish reports err unless the owner closed the connection, then OnClose.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	local := c.local
	conn := c.conn
	c.state = stateClosed
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if err != nil && !local {
		c.logger.Warn().Err(err).Msg("connection failed")
		c.h.OnError(err)
	}
	c.logger.Info().Bool("local", local).Msg("connection closed")
	c.h.OnClose()
}
