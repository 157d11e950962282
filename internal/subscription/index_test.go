package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestIndex_SubscribeUnsubscribe(t *testing.T) {
	x := NewIndex()

	assert.Equal(t, []string{"alerts", "price_update"}, x.Subscribe("c1", "price_update", "alerts", ""))
	assert.Equal(t, []string{"alerts", "price_update"}, x.Subscribe("c1", "price_update"), "idempotent")
	x.Subscribe("c2", "price_update")

	assert.Equal(t, []string{"c1", "c2"}, x.SubscribersOf("price_update"))
	assert.True(t, x.IsSubscribed("c1", "alerts"))

	assert.Equal(t, []string{"price_update"}, x.Unsubscribe("c1", "alerts", "never"))
	assert.Empty(t, x.SubscribersOf("alerts"))

	assert.Empty(t, x.Unsubscribe("c1", "price_update"))
	clients, edges := x.Stats()
	assert.Equal(t, 1, clients, "c1 entry must be gone")
	assert.Equal(t, 1, edges)
}

func TestIndex_RemoveClient(t *testing.T) {
	x := NewIndex()
	x.Subscribe("c1", "a", "b")
	x.Subscribe("c2", "b")

	assert.Equal(t, []string{"a", "b"}, x.RemoveClient("c1"))
	assert.Empty(t, x.SubscriptionsOf("c1"))
	assert.Empty(t, x.SubscribersOf("a"))
	assert.Equal(t, []string{"c2"}, x.SubscribersOf("b"))
	assert.Empty(t, x.RemoveClient("unknown"))
}

// TestIndex_Symmetry checks both directions agree after any operation sequence
func TestIndex_Symmetry(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		x := NewIndex()
		clients := []string{"c1", "c2", "c3", "c4"}
		events := []string{"e1", "e2", "e3"}

		n := rapid.IntRange(1, 60).Draw(rt, "ops")
		for i := 0; i < n; i++ {
			c := rapid.SampledFrom(clients).Draw(rt, "client")
			picked := rapid.SliceOfN(rapid.SampledFrom(events), 0, 3).Draw(rt, "events")
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				x.Subscribe(c, picked...)
			case 1:
				x.Unsubscribe(c, picked...)
			default:
				x.RemoveClient(c)
			}
		}

		for _, c := range clients {
			for _, e := range events {
				inSubscribers := contains(x.SubscribersOf(e), c)
				inSubscriptions := contains(x.SubscriptionsOf(c), e)
				if inSubscribers != inSubscriptions {
					rt.Fatalf("asymmetric edge (%s, %s): subscribers=%v subscriptions=%v", c, e, inSubscribers, inSubscriptions)
				}
			}
		}

		x.mu.RLock()
		defer x.mu.RUnlock()
		for k, set := range x.byClient {
			if len(set) == 0 {
				rt.Fatalf("empty subscription set for %s", k)
			}
		}
		for k, set := range x.byEvent {
			if len(set) == 0 {
				rt.Fatalf("empty subscriber set for %s", k)
			}
		}
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
