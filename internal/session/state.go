package session

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/Voice/internal/events"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateReconnectFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// Events published on the controller hub. Inbound signaling messages are
// re-published under their own type with a proto.Message payload.
// EventRejoining carries the domain.Identity about to be re-sent on a
// fresh channel; it precedes every reply to the rejoin.
const (
	EventConnected          events.Name = "connected"
	EventDisconnected       events.Name = "disconnected"
	EventError              events.Name = "error"
	EventReconnecting       events.Name = "reconnecting"
	EventRejoining          events.Name = "rejoining"
	EventReconnected        events.Name = "reconnected"
	EventReconnectionFailed events.Name = "reconnectionFailed"
)

var (
	ErrAlreadyInCall   = errors.New("already in a call")
	ErrNotInCall       = errors.New("not in a call")
	ErrClosed          = errors.New("session: closed")
	ErrReconnectFailed = errors.New("reconnection attempts exhausted")
	ErrOpenTimeout     = errors.New("timed out waiting for connection")
	ErrRequestTimeout  = errors.New("request timed out")
)

// ReconnectAttempt is the payload of EventReconnecting.
type ReconnectAttempt struct {
	Attempt int
	Delay   time.Duration
}

const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = time.Minute
	DefaultOpenTimeout    = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

type Options struct {
	// MaxAttempts caps reconnection attempts. Optional; default 5.
	MaxAttempts int
	// BaseDelay is the backoff unit. Optional; default 1s.
	BaseDelay time.Duration
	// MaxDelay caps the exponential part of the backoff. Optional; default 1m.
	MaxDelay time.Duration
	// OpenTimeout bounds the wait for a reconnect attempt to open. Optional; default 10s.
	OpenTimeout time.Duration
	// RequestTimeout bounds Request round trips. Optional; default 10s.
	RequestTimeout time.Duration
	// Jitter returns a random extra delay in [0, max). Optional; default uniform.
	Jitter func(max time.Duration) time.Duration
	// Logger. Optional; default global logger with module=session.
	Logger *zerolog.Logger
}

func (o *Options) init() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Jitter == nil {
		o.Jitter = UniformJitter
	}
}

// Backoff is the delay before reconnection attempt n (1-based):
// min(base·2^(n−1), maxDelay) plus jitter(base). A maxDelay of zero
// means no cap.
func Backoff(attempt int, base, maxDelay time.Duration, jitter func(time.Duration) time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if maxDelay > 0 && d >= maxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	if jitter != nil {
		d += jitter(base)
	}
	return d
}

func UniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// reconnectState is reset to its zero value (keeping gen) whenever a
// reconnection ends. gen tells a running loop it has been superseded.
type reconnectState struct {
	active  bool
	attempt int
	gen     uint64
	cancel  context.CancelFunc
	waiter  chan error
	lastErr error
}
