// Package coretest provides a scripted in-memory transport. Tests drive
// the lifecycle explicitly with Open, Fail, Drop and Deliver.
package coretest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Voice/internal/core"
)

var ErrNotOpen = errors.New("coretest: transport not open")

// Dialer records every dialed transport.
type Dialer struct {
	mu      sync.Mutex
	conns   []*Transport
	dialed  chan *Transport
	DialErr error
	// OnDial, when set, runs in its own goroutine for every new transport.
	OnDial func(*Transport)
}

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Transport, 64)}
}

func (d *Dialer) Dial(addr string, h core.TransportHandler) (core.Transport, error) {
	d.mu.Lock()
	if d.DialErr != nil {
		err := d.DialErr
		d.mu.Unlock()
		return nil, err
	}
	t := &Transport{Addr: addr, h: h}
	d.conns = append(d.conns, t)
	onDial := d.OnDial
	d.mu.Unlock()

	d.dialed <- t
	if onDial != nil {
		go onDial(t)
	}
	return t, nil
}

// Count reports how many transports were dialed.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recently dialed transport.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Next waits for the next dialed transport.
func (d *Dialer) Next(tb testing.TB) *Transport {
	tb.Helper()
	select {
	case t := <-d.dialed:
		return t
	case <-time.After(2 * time.Second):
		tb.Fatalf("no transport dialed")
		return nil
	}
}

// Transport is a fake connection. Lifecycle methods call the handler on
// the caller's goroutine.
type Transport struct {
	Addr string
	h    core.TransportHandler

	mu       sync.Mutex
	open     bool
	closed   bool
	sent     []string
	sendErr  error
	closeHit int
}

func (t *Transport) Open() {
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	t.h.OnOpen()
}

// Fail reports err then closes, like a refused or reset connection.
func (t *Transport) Fail(err error) {
	t.h.OnError(err)
	t.Drop()
}

// Drop closes the connection from the remote side.
func (t *Transport) Drop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.open = false
	t.closed = true
	t.mu.Unlock()
	t.h.OnClose()
}

func (t *Transport) Deliver(raw string) {
	t.h.OnMessage(core.Frame(raw))
}

func (t *Transport) Send(f core.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	if !t.open || t.closed {
		return ErrNotOpen
	}
	t.sent = append(t.sent, string(f))
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeHit++
	t.mu.Unlock()
	t.Drop()
	return nil
}

// FailSends makes every following Send return err.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Closed reports whether Close was called locally.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeHit > 0
}

// Sent returns a copy of every frame transmitted so far.
func (t *Transport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

// WaitSent waits until at least n frames were transmitted.
func (t *Transport) WaitSent(tb testing.TB, n int) []string {
	tb.Helper()
	require.Eventually(tb, func() bool { return len(t.Sent()) >= n }, 2*time.Second, time.Millisecond)
	return t.Sent()
}
