package pool

import (
	"testing"
	"time"

	"github.com/murmurhq/feedcore/internal/logger"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSub(relays []string, buffer int) *Subscription {
	return newSubscription("sub-test", []nostr.Filter{{Kinds: []int{1}}}, relays, buffer, 128, logger.New("test"))
}

func eoseFired(s *Subscription) bool {
	select {
	case <-s.EOSE():
		return true
	default:
		return false
	}
}

func TestSubscriptionEOSEAfterAllRelays(t *testing.T) {
	s := newTestSub([]string{"wss://a", "wss://b"}, 8)

	s.markEOSE("wss://a")
	assert.False(t, eoseFired(s))

	s.markEOSE("wss://b")
	assert.True(t, eoseFired(s))

	// Repeats and unknown relays are harmless.
	s.markEOSE("wss://b")
	s.markEOSE("wss://c")
}

func TestSubscriptionDroppedRelayDoesNotBlockEOSE(t *testing.T) {
	s := newTestSub([]string{"wss://a", "wss://dead"}, 8)

	s.markEOSE("wss://a")
	s.dropRelay("wss://dead")
	assert.True(t, eoseFired(s))
}

func TestSubscriptionDispatchDeduplicates(t *testing.T) {
	s := newTestSub([]string{"wss://a", "wss://b"}, 8)
	ev := &nostr.Event{ID: "e1", Kind: 1}

	s.dispatch("wss://a", ev)
	s.dispatch("wss://b", ev)

	select {
	case got := <-s.Events():
		assert.Equal(t, "e1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected one event")
	}
	select {
	case got := <-s.Events():
		t.Fatalf("unexpected duplicate %s", got.ID)
	default:
	}
}

func TestSubscriptionBufferOverflowDrops(t *testing.T) {
	s := newTestSub([]string{"wss://a"}, 2)

	for i := 0; i < 5; i++ {
		s.dispatch("wss://a", &nostr.Event{ID: string(rune('a' + i)), Kind: 1})
	}

	count := 0
	for {
		select {
		case <-s.Events():
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 2, count)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	s := newTestSub([]string{"wss://a"}, 8)

	s.close()
	s.close()

	_, ok := <-s.Events()
	require.False(t, ok)
	assert.True(t, eoseFired(s))

	// Dispatch after close must not panic.
	s.dispatch("wss://a", &nostr.Event{ID: "late", Kind: 1})
}
