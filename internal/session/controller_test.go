package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Voice/internal/core/coretest"
	"github.com/dkeye/Voice/internal/domain"
	"github.com/dkeye/Voice/internal/events"
	"github.com/dkeye/Voice/internal/proto"
)

const joinRoomA = `{"type":"join","roomId":"room-a","userId":"u1"}`

func noJitter(time.Duration) time.Duration { return 0 }

func newController(t *testing.T, opt Options) (*Controller, *coretest.Dialer, *coretest.Transport) {
	t.Helper()
	logger := zerolog.Nop()
	opt.Logger = &logger
	if opt.BaseDelay == 0 {
		opt.BaseDelay = time.Millisecond
	}
	if opt.Jitter == nil {
		opt.Jitter = noJitter
	}
	if opt.OpenTimeout == 0 {
		opt.OpenTimeout = 500 * time.Millisecond
	}
	dialer := coretest.NewDialer()
	c := New("ws://test", dialer, opt)
	tr := dialer.Next(t)
	t.Cleanup(func() { _ = c.Close() })
	return c, dialer, tr
}

// recorder collects event names (and payloads) published on a hub.
type recorder struct {
	mu       sync.Mutex
	names    []events.Name
	payloads []any
}

func record(hub *events.Hub, names ...events.Name) *recorder {
	r := &recorder{}
	for _, name := range names {
		name := name
		hub.Subscribe(name, func(p any) {
			r.mu.Lock()
			r.names = append(r.names, name)
			r.payloads = append(r.payloads, p)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) Names() []events.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Name(nil), r.names...)
}

func (r *recorder) count(name events.Name) int {
	n := 0
	for _, got := range r.Names() {
		if got == name {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, name events.Name) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(name) > 0 }, 2*time.Second, time.Millisecond, "event %s", name)
}

func (r *recorder) payloadOf(name events.Name) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, got := range r.names {
		if got == name {
			return r.payloads[i]
		}
	}
	return nil
}

func joinAndOpen(t *testing.T, c *Controller, tr *coretest.Transport) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Join(context.Background(), "room-a", "u1") }()
	require.Eventually(t, func() bool { _, ok := c.Identity(); return ok }, time.Second, time.Millisecond)
	tr.Open()
	require.NoError(t, <-errCh)
}

func TestController_JoinWhileConnecting(t *testing.T) {
	c, _, tr := newController(t, Options{})
	rec := record(c.Hub(), EventConnected, events.Name(proto.TypeJoined))
	assert.Equal(t, StateConnecting, c.State())

	joinAndOpen(t, c, tr)
	assert.Equal(t, []string{joinRoomA}, tr.Sent())

	tr.Deliver(`{"type":"joined","roomId":"room-a","userId":"u1"}`)

	assert.Equal(t, []events.Name{EventConnected, "joined"}, rec.Names())
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.Connected())
}

func TestController_DoubleJoinRejected(t *testing.T) {
	c, _, tr := newController(t, Options{})
	joinAndOpen(t, c, tr)

	err := c.Join(context.Background(), "room-b", "u2")
	assert.ErrorIs(t, err, ErrAlreadyInCall)
	assert.EqualError(t, err, "already in a call")

	ident, ok := c.Identity()
	require.True(t, ok)
	assert.Equal(t, domain.Identity{RoomID: "room-a", UserID: "u1"}, ident)
	assert.Len(t, tr.Sent(), 1, "rejected join has no side effects")
}

func TestController_JoinValidatesIdentity(t *testing.T) {
	c, _, _ := newController(t, Options{})

	assert.ErrorIs(t, c.Join(context.Background(), "", "u1"), domain.ErrEmptyRoomID)
	_, ok := c.Identity()
	assert.False(t, ok)
}

func TestController_JoinRollbackOnTransportError(t *testing.T) {
	c, dialer, tr := newController(t, Options{})
	rec := record(c.Hub(), EventError, EventDisconnected, EventReconnecting, EventReconnectionFailed)
	boom := errors.New("connection refused")

	errCh := make(chan error, 1)
	go func() { errCh <- c.Join(context.Background(), "room-a", "u1") }()
	require.Eventually(t, func() bool { _, ok := c.Identity(); return ok }, time.Second, time.Millisecond)

	tr.Fail(boom)

	err := <-errCh
	assert.ErrorIs(t, err, boom)
	_, ok := c.Identity()
	assert.False(t, ok, "identity rolled back so a retry is possible")

	assert.False(t, c.Reconnecting())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, []events.Name{EventError, EventDisconnected}, rec.Names())
	assert.Equal(t, 1, dialer.Count())

	go func() { errCh <- c.Join(context.Background(), "room-a", "u1") }()
	tr2 := dialer.Next(t)
	tr2.Open()
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{joinRoomA}, tr2.Sent())
}

func TestController_ReconnectAndRejoin(t *testing.T) {
	c, dialer, tr := newController(t, Options{})
	joinAndOpen(t, c, tr)
	rec := record(c.Hub(), EventDisconnected, EventReconnecting, EventReconnected, EventConnected)

	tr.Drop()

	tr2 := dialer.Next(t)
	assert.True(t, c.Reconnecting())
	assert.Equal(t, StateReconnecting, c.State())
	tr2.Open()

	rec.waitFor(t, EventReconnected)
	assert.Equal(t, []string{joinRoomA}, tr2.Sent(), "rejoin sent exactly once")
	assert.Equal(t, []events.Name{EventDisconnected, EventReconnecting, EventReconnected}, rec.Names())
	assert.Equal(t, ReconnectAttempt{Attempt: 1, Delay: time.Millisecond}, rec.payloadOf(EventReconnecting))
	assert.Equal(t, domain.Identity{RoomID: "room-a", UserID: "u1"}, rec.payloadOf(EventReconnected))

	assert.False(t, c.Reconnecting())
	assert.Equal(t, 0, c.Attempt())
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.Connected())
	assert.Equal(t, 2, dialer.Count())
}

func TestController_RejoiningPrecedesJoinFrame(t *testing.T) {
	c, dialer, tr := newController(t, Options{})
	joinAndOpen(t, c, tr)
	rec := record(c.Hub(), EventRejoining, EventReconnected)

	sentAtRejoin := make(chan int, 1)
	var tr2 *coretest.Transport
	var mu sync.Mutex
	c.Hub().Subscribe(EventRejoining, func(any) {
		mu.Lock()
		defer mu.Unlock()
		sentAtRejoin <- len(tr2.Sent())
	})

	tr.Drop()
	mu.Lock()
	tr2 = dialer.Next(t)
	mu.Unlock()
	tr2.Open()

	rec.waitFor(t, EventReconnected)
	assert.Equal(t, 0, <-sentAtRejoin, "published before the join frame")
	assert.Equal(t, []events.Name{EventRejoining, EventReconnected}, rec.Names())
	assert.Equal(t, domain.Identity{RoomID: "room-a", UserID: "u1"}, rec.payloadOf(EventRejoining))
	assert.Equal(t, []string{joinRoomA}, tr2.Sent())
}

func TestController_ErrorThenClosePublishesOnce(t *testing.T) {
	c, dialer, tr := newController(t, Options{})
	joinAndOpen(t, c, tr)
	rec := record(c.Hub(), EventError, EventDisconnected)

	tr.Fail(errors.New("reset by peer"))
	dialer.Next(t)

	assert.Equal(t, []events.Name{EventError, EventDisconnected}, rec.Names())
}

func TestController_ForwardsInboundAcrossSwap(t *testing.T) {
	c, dialer, tr := newController(t, Options{})
	joinAndOpen(t, c, tr)

	var mu sync.Mutex
	var peers []string
	events.On(c.Hub(), events.Name(proto.TypePeerJoined), func(m proto.Message) {
		var p proto.Peer
		require.NoError(t, m.Into(&p))
		mu.Lock()
		peers = append(peers, p.UserID)
		mu.Unlock()
	})

	tr.Deliver(`{"type":"peerJoined","userId":"a"}`)
	tr.Drop()
	tr2 := dialer.Next(t)
	tr2.Open()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	tr.Deliver(`{"type":"peerJoined","userId":"stale"}`)
	tr2.Deliver(`{"type":"peerJoined","userId":"b"}`)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, peers)
}

func TestController_ReconnectTerminalFailure(t *testing.T) {
	c, dialer, tr := newController(t, Options{MaxAttempts: 3})
	joinAndOpen(t, c, tr)
	rec := record(c.Hub(), EventReconnecting, EventReconnectionFailed)

	tr.Drop()
	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		dialer.Next(t).Fail(boom)
	}

	rec.waitFor(t, EventReconnectionFailed)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, rec.count(EventReconnectionFailed))
	assert.Equal(t, 3, rec.count(EventReconnecting))
	assert.Equal(t, 4, dialer.Count(), "no attempt after the last one")
	assert.Equal(t, StateReconnectFailed, c.State())
	assert.False(t, c.Reconnecting())

	err, ok := rec.payloadOf(EventReconnectionFailed).(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrReconnectFailed)
	assert.ErrorIs(t, err, boom)

	_, inCall := c.Identity()
	assert.True(t, inCall, "identity is retained after terminal failure")
}

func TestController_ReconnectOpenTimeout(t *testing.T) {
	c, dialer, tr := newController(t, Options{MaxAttempts: 2, OpenTimeout: 10 * time.Millisecond})
	joinAndOpen(t, c, tr)
	rec := record(c.Hub(), EventReconnectionFailed)

	tr.Drop()

	rec.waitFor(t, EventReconnectionFailed)
	err := rec.payloadOf(EventReconnectionFailed).(error)
	assert.ErrorIs(t, err, ErrOpenTimeout)
	assert.Equal(t, 3, dialer.Count())
}

func TestController_ReconnectBackoffDelays(t *testing.T) {
	c, dialer, tr := newController(t, Options{MaxAttempts: 5, OpenTimeout: 5 * time.Millisecond})
	joinAndOpen(t, c, tr)

	var mu sync.Mutex
	var delays []time.Duration
	events.On(c.Hub(), EventReconnecting, func(a ReconnectAttempt) {
		mu.Lock()
		delays = append(delays, a.Delay)
		mu.Unlock()
	})
	rec := record(c.Hub(), EventReconnectionFailed)

	tr.Drop()
	rec.waitFor(t, EventReconnectionFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
		16 * time.Millisecond,
	}, delays)
	assert.Equal(t, 6, dialer.Count())
}

func TestController_JoinAfterTerminalFailure(t *testing.T) {
	c, dialer, tr := newController(t, Options{MaxAttempts: 1})
	joinAndOpen(t, c, tr)
	rec := record(c.Hub(), EventReconnectionFailed)

	tr.Drop()
	dialer.Next(t).Fail(errors.New("down"))
	rec.waitFor(t, EventReconnectionFailed)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Join(context.Background(), "room-b", "u1") }()
	fresh := dialer.Next(t)
	fresh.Open()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{`{"type":"join","roomId":"room-b","userId":"u1"}`}, fresh.Sent())
	assert.Equal(t, StateConnected, c.State())
}

func TestController_LeaveCancelsPendingReconnect(t *testing.T) {
	c, dialer, tr := newController(t, Options{BaseDelay: time.Hour})
	joinAndOpen(t, c, tr)
	rec := record(c.Hub(), EventReconnecting)

	tr.Drop()
	rec.waitFor(t, EventReconnecting)
	require.True(t, c.Reconnecting())

	require.NoError(t, c.Leave(context.Background()))

	assert.False(t, c.Reconnecting())
	assert.Equal(t, StateDisconnected, c.State())
	_, ok := c.Identity()
	assert.False(t, ok)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, dialer.Count())
}

func TestController_LeaveSendsLeaveAndIsIdempotent(t *testing.T) {
	c, _, tr := newController(t, Options{})
	joinAndOpen(t, c, tr)

	require.NoError(t, c.Leave(context.Background()))
	require.NoError(t, c.Leave(context.Background()))

	assert.Equal(t, []string{
		joinRoomA,
		`{"type":"leave","roomId":"room-a","userId":"u1"}`,
	}, tr.Sent())
	assert.Equal(t, StateConnected, c.State(), "leaving a room keeps the connection")

	// A fresh join is allowed afterwards.
	require.NoError(t, c.Join(context.Background(), "room-b", "u1"))
}

func TestController_DisconnectWithoutIdentity(t *testing.T) {
	c, dialer, tr := newController(t, Options{})
	rec := record(c.Hub(), EventConnected, EventDisconnected, EventReconnecting)
	tr.Open()

	tr.Drop()

	assert.Equal(t, []events.Name{EventConnected, EventDisconnected}, rec.Names())
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.Reconnecting())

	// Join dials a fresh channel.
	errCh := make(chan error, 1)
	go func() { errCh <- c.Join(context.Background(), "room-a", "u1") }()
	tr2 := dialer.Next(t)
	tr2.Open()
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{joinRoomA}, tr2.Sent())
}

func TestController_Request(t *testing.T) {
	c, _, tr := newController(t, Options{RequestTimeout: 50 * time.Millisecond})
	tr.Open()

	go func() {
		tr.WaitSent(t, 1)
		tr.Deliver(`{"type":"transportCreated","direction":"send","id":"t1"}`)
	}()
	msg, err := c.Request(context.Background(),
		proto.CreateTransport{Type: proto.TypeCreateTransport, Direction: proto.DirectionSend},
		proto.TypeTransportCreated)
	require.NoError(t, err)

	var info proto.TransportInfo
	require.NoError(t, msg.Into(&info))
	assert.Equal(t, "t1", info.ID)
	assert.Equal(t, 0, c.Hub().Count(events.Name(proto.TypeTransportCreated)), "handler removed on resolve")
	assert.Equal(t, 0, c.Hub().Count(EventError))
}

func TestController_RequestTimeout(t *testing.T) {
	c, _, tr := newController(t, Options{RequestTimeout: 20 * time.Millisecond})
	tr.Open()

	_, err := c.Request(context.Background(), proto.Ping{Type: proto.TypePing}, proto.TypePong)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, c.Hub().Count(events.Name(proto.TypePong)), "handler removed on timeout")
}

func TestController_RequestServerError(t *testing.T) {
	c, _, tr := newController(t, Options{RequestTimeout: time.Second})
	tr.Open()

	go func() {
		tr.WaitSent(t, 1)
		tr.Deliver(`{"type":"error","message":"no such producer","code":404}`)
	}()
	_, err := c.Request(context.Background(), proto.Consume{Type: proto.TypeConsume, ProducerID: "p"}, proto.TypeConsumed)

	var se *proto.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)
}

func TestController_Ping(t *testing.T) {
	c, _, tr := newController(t, Options{})
	tr.Open()

	go func() {
		tr.WaitSent(t, 1)
		tr.Deliver(`{"type":"pong"}`)
	}()
	rtt, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestController_CloseRejectsJoin(t *testing.T) {
	c, _, tr := newController(t, Options{})
	tr.Open()

	require.NoError(t, c.Close())
	assert.True(t, tr.Closed())
	assert.ErrorIs(t, c.Join(context.Background(), "room-a", "u1"), ErrClosed)
}
