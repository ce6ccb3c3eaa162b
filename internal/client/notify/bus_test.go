package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := New[int]()
	var got []string

	s1 := b.Subscribe("t", func(v int) { got = append(got, "a") })
	s2 := b.Subscribe("t", func(v int) { got = append(got, "b") })
	b.Subscribe("other", func(v int) { got = append(got, "x") })
	defer s1.Close()
	defer s2.Close()

	b.Publish("t", 1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	b := New[string]()
	calls := 0
	s := b.Subscribe("t", func(string) { calls++ })

	b.Publish("t", "x")
	s.Close()
	s.Close()
	b.Publish("t", "y")

	assert.Equal(t, 1, calls)

	var nilSub *Subscription
	assert.NotPanics(t, nilSub.Close)
}

func TestPublish_HandlerMaySubscribe(t *testing.T) {
	b := New[int]()
	inner := 0
	b.Subscribe("t", func(int) {
		b.Subscribe("t", func(int) { inner++ })
	})

	b.Publish("t", 1)
	assert.Zero(t, inner)
	b.Publish("t", 2)
	assert.Equal(t, 1, inner)
}
