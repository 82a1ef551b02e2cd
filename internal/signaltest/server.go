// Package signaltest runs a loopback signaling server for integration
// tests. It speaks just enough of the protocol to drive a session.
package signaltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Voice/internal/proto"
)

// HandlerFunc answers one inbound message type.
type HandlerFunc func(c *Conn, m proto.Message)

type Server struct {
	srv      *httptest.Server
	caps     json.RawMessage
	handlers map[proto.Type]HandlerFunc

	mu     sync.Mutex
	conns  []*Conn
	reject int
	gate   chan struct{}
}

type Option func(*Server)

// WithCapabilities makes the server send routerCapabilities after joined.
func WithCapabilities(caps json.RawMessage) Option {
	return func(s *Server) { s.caps = caps }
}

// WithHandler overrides or adds the reply for a message type.
func WithHandler(t proto.Type, fn HandlerFunc) Option {
	return func(s *Server) { s.handlers[t] = fn }
}

// New starts the server; it is closed with the test.
func New(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	s := &Server{handlers: make(map[proto.Type]HandlerFunc)}
	s.handlers[proto.TypeJoin] = s.handleJoin
	s.handlers[proto.TypePing] = func(c *Conn, _ proto.Message) {
		c.Push(proto.Ping{Type: proto.TypePong})
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(s.router())
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/ws/signal", s.handleSignal)
	return r
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleSignal(c *gin.Context) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.Request.Context().Done():
			return
		}
	}

	s.mu.Lock()
	if s.reject > 0 {
		s.reject--
		s.mu.Unlock()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signaltest").Msg("ws upgrade")
		return
	}
	conn := &Conn{ID: uuid.NewString(), ws: ws}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	conn.readLoop(s.handlers)
}

func (s *Server) handleJoin(c *Conn, m proto.Message) {
	var j proto.Join
	if err := m.Into(&j); err != nil {
		c.Push(proto.ServerError{Type: proto.TypeError, Message: "bad_payload", Code: 400})
		return
	}
	c.Push(proto.Joined{Type: proto.TypeJoined, RoomID: j.RoomID, UserID: j.UserID})
	if s.caps != nil {
		c.Push(proto.RouterCapabilities{Type: proto.TypeRouterCapabilities, RtpCapabilities: s.caps})
	}
}

// URL is the websocket address of the signaling endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/ws/signal"
}

func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// WaitConns waits until n connections were accepted and returns them.
func (s *Server) WaitConns(tb testing.TB, n int) []*Conn {
	tb.Helper()
	require.Eventually(tb, func() bool { return len(s.Conns()) >= n }, 5*time.Second, 5*time.Millisecond)
	return s.Conns()
}

// DropAll closes every live connection without a close handshake.
func (s *Server) DropAll() {
	for _, c := range s.Conns() {
		c.Drop()
	}
}

// Reject refuses the next n upgrade requests.
func (s *Server) Reject(n int) {
	s.mu.Lock()
	s.reject = n
	s.mu.Unlock()
}

// Hold stalls upgrade requests until the returned release is called.
func (s *Server) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// Conn is the server side of one client connection.
type Conn struct {
	ID string
	ws *websocket.Conn

	wmu sync.Mutex

	mu       sync.Mutex
	received []proto.Message
	closed   bool
}

func (c *Conn) readLoop(handlers map[proto.Type]HandlerFunc) {
	defer c.Drop()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		m, err := proto.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaltest").Msg("bad json")
			continue
		}
		c.mu.Lock()
		c.received = append(c.received, m)
		c.mu.Unlock()

		if h, ok := handlers[m.Type]; ok {
			h(c, m)
		}
	}
}

// Push sends v as a JSON text frame. Errors are ignored once dropped.
func (c *Conn) Push(v any) {
	b, err := proto.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signaltest").Msg("push marshal")
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.TextMessage, b)
}

// Received returns every message read from the client so far.
func (c *Conn) Received() []proto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]proto.Message(nil), c.received...)
}

// Types lists the type of every received message.
func (c *Conn) Types() []proto.Type {
	var out []proto.Type
	for _, m := range c.Received() {
		out = append(out, m.Type)
	}
	return out
}

func (c *Conn) Drop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}
