package events

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func TestHub_PublishInSubscriptionOrder(t *testing.T) {
	hub := newTestHub()

	var order []string
	hub.Subscribe("joined", func(p any) { order = append(order, "a:"+p.(string)) })
	hub.Subscribe("joined", func(p any) { order = append(order, "b:"+p.(string)) })
	hub.Subscribe("other", func(p any) { order = append(order, "other") })

	n := hub.Publish("joined", "r1")

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a:r1", "b:r1"}, order)
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := newTestHub()
	assert.Equal(t, 0, hub.Publish("nobody", nil))
}

func TestHub_UnsubscribeByToken(t *testing.T) {
	hub := newTestHub()

	calls := 0
	tok := hub.Subscribe("x", func(any) { calls++ })
	keep := hub.Subscribe("x", func(any) { calls += 10 })

	require.True(t, hub.Unsubscribe(tok))
	assert.False(t, hub.Unsubscribe(tok), "second removal is a no-op")
	assert.False(t, hub.Unsubscribe(Token{}))

	hub.Publish("x", nil)
	assert.Equal(t, 10, calls)
	assert.Equal(t, 1, hub.Count("x"))

	hub.Unsubscribe(keep)
	assert.Equal(t, 0, hub.Count("x"))
}

func TestHub_PanicIsolation(t *testing.T) {
	hub := newTestHub()

	var got []int
	hub.Subscribe("x", func(any) { got = append(got, 1) })
	hub.Subscribe("x", func(any) { panic("boom") })
	hub.Subscribe("x", func(any) { got = append(got, 3) })

	assert.NotPanics(t, func() { hub.Publish("x", nil) })
	assert.Equal(t, []int{1, 3}, got)

	// Table is intact after the panic.
	got = nil
	assert.Equal(t, 3, hub.Publish("x", nil))
	assert.Equal(t, []int{1, 3}, got)
}

func TestHub_ReentrantUnsubscribe(t *testing.T) {
	hub := newTestHub()

	var tok Token
	calls := 0
	tok = hub.Subscribe("x", func(any) {
		calls++
		hub.Unsubscribe(tok)
		hub.Subscribe("x", func(any) { calls += 100 })
	})

	hub.Publish("x", nil)
	assert.Equal(t, 1, calls, "handlers added during publish run on the next publish")

	hub.Publish("x", nil)
	assert.Equal(t, 101, calls)
}

func TestHub_Once(t *testing.T) {
	hub := newTestHub()

	calls := 0
	hub.Once("x", func(any) { calls++ })

	hub.Publish("x", nil)
	hub.Publish("x", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, hub.Count("x"))
}

func TestHub_SubscribeAllRunsAfterNamed(t *testing.T) {
	hub := newTestHub()

	var order []string
	hub.SubscribeAll(func(name Name, _ any) { order = append(order, "all:"+string(name)) })
	hub.Subscribe("x", func(any) { order = append(order, "x") })

	assert.Equal(t, 2, hub.Publish("x", nil))
	assert.Equal(t, 1, hub.Publish("y", nil))
	assert.Equal(t, []string{"x", "all:x", "all:y"}, order)
}

func TestOn_FiltersPayloadType(t *testing.T) {
	hub := newTestHub()

	var errs []error
	var texts []string
	On(hub, "error", func(err error) { errs = append(errs, err) })
	On(hub, "error", func(s string) { texts = append(texts, s) })

	hub.Publish("error", errors.New("transport"))
	hub.Publish("error", "server said no")

	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "transport")
	assert.Equal(t, []string{"server said no"}, texts)
}

func TestOnceOf_SkipsOtherTypes(t *testing.T) {
	hub := newTestHub()

	var got []int
	OnceOf(hub, "n", func(v int) { got = append(got, v) })

	hub.Publish("n", "not an int")
	hub.Publish("n", 7)
	hub.Publish("n", 8)

	assert.Equal(t, []int{7}, got)
	assert.Equal(t, 0, hub.Count("n"))
}
