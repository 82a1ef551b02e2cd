// Package events is a small typed publish/subscribe registry.
// Handlers run synchronously on the publisher's goroutine.
package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Name identifies an event variant.
type Name string

// Handler receives the payload of a published event.
type Handler func(payload any)

// Token identifies a single subscription. The zero value is never issued.
type Token struct {
	name Name
	id   uint64
}

// wildcard is the internal bucket for SubscribeAll handlers.
const wildcard Name = "\x00*"

type subscription struct {
	id  uint64
	fn  Handler
	all func(Name, any)
}

// Hub maps event names to ordered handler lists.
type Hub struct {
	mu     sync.Mutex
	subs   map[Name][]subscription
	nextID uint64
	logger zerolog.Logger
}

func NewHub(logger ...zerolog.Logger) *Hub {
	l := log.With().Str("module", "events").Logger()
	if len(logger) > 0 {
		l = logger[0]
	}
	return &Hub{
		subs:   make(map[Name][]subscription),
		logger: l,
	}
}

// Subscribe appends fn to the handlers of name.
func (h *Hub) Subscribe(name Name, fn Handler) Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subs[name] = append(h.subs[name], subscription{id: h.nextID, fn: fn})
	return Token{name: name, id: h.nextID}
}

// SubscribeAll registers fn for every published name. Wildcard handlers run
// after the named ones.
func (h *Hub) SubscribeAll(fn func(name Name, payload any)) Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subs[wildcard] = append(h.subs[wildcard], subscription{id: h.nextID, all: fn})
	return Token{name: wildcard, id: h.nextID}
}

// Once subscribes fn and removes it before its first invocation.
func (h *Hub) Once(name Name, fn Handler) Token {
	var (
		once sync.Once
		tok  Token
	)
	ready := make(chan struct{})
	tok = h.Subscribe(name, func(payload any) {
		<-ready
		fired := false
		once.Do(func() {
			h.Unsubscribe(tok)
			fired = true
		})
		if fired {
			fn(payload)
		}
	})
	close(ready)
	return tok
}

// Unsubscribe removes the subscription identified by tok.
func (h *Hub) Unsubscribe(tok Token) bool {
	if tok.id == 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[tok.name]
	for i, s := range subs {
		if s.id != tok.id {
			continue
		}
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(h.subs, tok.name)
		} else {
			h.subs[tok.name] = next
		}
		return true
	}
	return false
}

// Publish invokes the handlers of name in subscription order and returns
// how many ran. A panicking handler is logged and skipped.
func (h *Hub) Publish(name Name, payload any) int {
	h.mu.Lock()
	named := h.subs[name]
	all := h.subs[wildcard]
	h.mu.Unlock()

	// Slices are replaced, never mutated, on Unsubscribe, so the snapshot is stable.
	n := 0
	for _, s := range named {
		h.invoke(name, func() { s.fn(payload) })
		n++
	}
	for _, s := range all {
		h.invoke(name, func() { s.all(name, payload) })
		n++
	}
	return n
}

// Count reports the number of handlers registered for name.
func (h *Hub) Count(name Name) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[name])
}

func (h *Hub) invoke(name Name, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Str("event", string(name)).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler panicked")
		}
	}()
	fn()
}

// On subscribes a handler that only sees payloads of type T.
func On[T any](h *Hub, name Name, fn func(T)) Token {
	return h.Subscribe(name, func(payload any) {
		v, ok := payload.(T)
		if !ok {
			return
		}
		fn(v)
	})
}

// OnceOf is the one-shot form of On. It fires for the first payload of type T.
func OnceOf[T any](h *Hub, name Name, fn func(T)) Token {
	var (
		once sync.Once
		tok  Token
	)
	ready := make(chan struct{})
	tok = h.Subscribe(name, func(payload any) {
		<-ready
		v, ok := payload.(T)
		if !ok {
			return
		}
		fired := false
		once.Do(func() {
			h.Unsubscribe(tok)
			fired = true
		})
		if fired {
			fn(v)
		}
	})
	close(ready)
	return tok
}
