package ws

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Voice/internal/core"
	"github.com/dkeye/Voice/internal/proto"
	"github.com/dkeye/Voice/internal/signaltest"
)

type recorder struct {
	open     chan struct{}
	messages chan string
	errs     chan error
	closed   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		open:     make(chan struct{}, 1),
		messages: make(chan string, 16),
		errs:     make(chan error, 4),
		closed:   make(chan struct{}, 1),
	}
}

func (r *recorder) handler() core.TransportHandler {
	return core.TransportHandler{
		OnOpen:    func() { r.open <- struct{}{} },
		OnMessage: func(f core.Frame) { r.messages <- string(f) },
		OnError:   func(err error) { r.errs <- err },
		OnClose:   func() { r.closed <- struct{}{} },
	}
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func testDialer() *Dialer {
	logger := zerolog.Nop()
	return NewDialer(Options{PingPeriod: 50 * time.Millisecond, Logger: &logger})
}

func TestConn_RoundTrip(t *testing.T) {
	srv := signaltest.New(t)
	rec := newRecorder()

	tr, err := testDialer().Dial(srv.URL(), rec.handler())
	require.NoError(t, err)
	wait(t, rec.open)

	b, err := proto.Encode(proto.NewJoin("room-a", "u1"))
	require.NoError(t, err)
	require.NoError(t, tr.Send(b))
	require.NoError(t, tr.Send([]byte(`{"type":"ping"}`)))

	joined, err := proto.Decode([]byte(wait(t, rec.messages)))
	require.NoError(t, err)
	assert.Equal(t, proto.TypeJoined, joined.Type)
	pong, err := proto.Decode([]byte(wait(t, rec.messages)))
	require.NoError(t, err)
	assert.Equal(t, proto.TypePong, pong.Type)

	conns := srv.WaitConns(t, 1)
	assert.Equal(t, []proto.Type{proto.TypeJoin, proto.TypePing}, conns[0].Types())
}

func TestConn_KeepaliveOutlivesPingPeriod(t *testing.T) {
	srv := signaltest.New(t)
	rec := newRecorder()

	tr, err := testDialer().Dial(srv.URL(), rec.handler())
	require.NoError(t, err)
	wait(t, rec.open)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, tr.Send([]byte(`{"type":"ping"}`)))
	wait(t, rec.messages)
	assert.Empty(t, rec.closed)
}

func TestConn_LocalCloseReportsNoError(t *testing.T) {
	srv := signaltest.New(t)
	rec := newRecorder()

	tr, err := testDialer().Dial(srv.URL(), rec.handler())
	require.NoError(t, err)
	wait(t, rec.open)

	require.NoError(t, tr.Close())
	wait(t, rec.closed)
	assert.Empty(t, rec.errs)
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrNotOpen)
	require.NoError(t, tr.Close())
}

func TestConn_RemoteDropReportsErrorThenClose(t *testing.T) {
	srv := signaltest.New(t)
	rec := newRecorder()

	_, err := testDialer().Dial(srv.URL(), rec.handler())
	require.NoError(t, err)
	wait(t, rec.open)
	srv.WaitConns(t, 1)

	srv.DropAll()
	require.Error(t, wait(t, rec.errs))
	wait(t, rec.closed)
}

func TestConn_RejectedHandshake(t *testing.T) {
	srv := signaltest.New(t)
	srv.Reject(1)
	rec := newRecorder()

	_, err := testDialer().Dial(srv.URL(), rec.handler())
	require.NoError(t, err)

	assert.ErrorIs(t, wait(t, rec.errs), websocket.ErrBadHandshake)
	wait(t, rec.closed)
	assert.Empty(t, rec.open)
}

func TestConn_CloseWhileDialing(t *testing.T) {
	// Accepts TCP but never answers the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	rec := newRecorder()
	tr, err := testDialer().Dial("ws://"+ln.Addr().String()+"/api/ws/signal", rec.handler())
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	wait(t, rec.closed)
	assert.Empty(t, rec.errs)
	assert.Empty(t, rec.open)
}

func TestConn_SendBackpressure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &Conn{
		send:   make(chan core.Frame, 1),
		ctx:    ctx,
		cancel: cancel,
		state:  stateOpen,
		logger: zerolog.Nop(),
	}

	require.NoError(t, c.Send([]byte(`{"type":"ping"}`)))
	assert.ErrorIs(t, c.Send([]byte(`{"type":"ping"}`)), core.ErrBackpressure)
}

func TestConn_SendBeforeOpen(t *testing.T) {
	c := &Conn{send: make(chan core.Frame, 1), logger: zerolog.Nop()}
	assert.ErrorIs(t, c.Send([]byte(`{}`)), ErrNotOpen)
}
