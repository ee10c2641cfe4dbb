package pool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/murmurhq/feedcore/internal/cache"
	"github.com/murmurhq/feedcore/internal/config"
	apperrors "github.com/murmurhq/feedcore/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockRelay is a minimal in-process relay: it answers REQ with its canned
// events plus EOSE, and EVENT with an OK verdict.
type mockRelay struct {
	server *httptest.Server
	events []nostr.Event
	accept bool
	reason string

	mu     sync.Mutex
	closes []string
	conns  []*websocket.Conn
}

func newMockRelay(t *testing.T, events []nostr.Event, accept bool, reason string) *mockRelay {
	t.Helper()
	r := &mockRelay{events: events, accept: accept, reason: reason}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		r.mu.Lock()
		r.conns = append(r.conns, ws)
		r.mu.Unlock()

		send := func(args ...interface{}) {
			raw, _ := json.Marshal(args)
			_ = ws.WriteMessage(websocket.TextMessage, raw)
		}

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var parts []json.RawMessage
			if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
				continue
			}
			var msgType string
			_ = json.Unmarshal(parts[0], &msgType)

			switch msgType {
			case "REQ":
				var subID string
				_ = json.Unmarshal(parts[1], &subID)
				for i := range r.events {
					send("EVENT", subID, r.events[i])
				}
				send("EOSE", subID)
			case "EVENT":
				var ev nostr.Event
				_ = json.Unmarshal(parts[1], &ev)
				send("OK", ev.ID, r.accept, r.reason)
			case "CLOSE":
				var subID string
				_ = json.Unmarshal(parts[1], &subID)
				r.mu.Lock()
				r.closes = append(r.closes, subID)
				r.mu.Unlock()
			}
		}
	}))
	t.Cleanup(r.server.Close)
	return r
}

// dropAll severs every live websocket. httptest's CloseClientConnections
// skips hijacked connections, so upgraded sockets must be closed directly.
func (r *mockRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range r.conns {
		_ = ws.Close()
	}
	r.conns = nil
}

func (r *mockRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *mockRelay) closedSubs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closes...)
}

func signedNote(t *testing.T, content string) nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	ev := nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      nostr.Tags{},
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxConcurrentQueries: 4,
		PerRelayConcurrency:  2,
		RatePerSecond:        1000,
		Burst:                1000,
		MaxRetries:           2,
		BackoffBase:          10 * time.Millisecond,
		BackoffMax:           40 * time.Millisecond,
		Cooldown:             500 * time.Millisecond,
		PublishTimeout:       2 * time.Second,
		EOSETimeout:          3 * time.Second,
		DedupMaxTracked:      1024,
		EventBuffer:          64,
	}
}

func newTestPool(t *testing.T, relayURLs ...string) *Pool {
	t.Helper()
	p, err := New(context.Background(), testPoolConfig(), config.RelaysConfig{
		Default:        relayURLs,
		AllowLocalhost: true,
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func waitConnected(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.ConnectedCount() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool never reached %d connected relays", n)
}

func collectUntilEOSE(t *testing.T, sub *Subscription) []*nostr.Event {
	t.Helper()
	var events []*nostr.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-sub.EOSE():
			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						return events
					}
					events = append(events, ev)
				default:
					return events
				}
			}
		case <-timeout:
			t.Fatal("timed out waiting for EOSE")
		}
	}
}

func TestSubscribeDeduplicatesAcrossRelays(t *testing.T) {
	shared := signedNote(t, "seen everywhere")
	onlyA := signedNote(t, "only on a")
	onlyB := signedNote(t, "only on b")

	relayA := newMockRelay(t, []nostr.Event{shared, onlyA}, true, "")
	relayB := newMockRelay(t, []nostr.Event{shared, onlyB}, true, "")

	p := newTestPool(t, relayA.url(), relayB.url())
	waitConnected(t, p, 2)

	sub, err := p.Subscribe(context.Background(), []nostr.Filter{{Kinds: []int{nostr.KindTextNote}}})
	require.NoError(t, err)
	defer p.Unsubscribe(sub)

	events := collectUntilEOSE(t, sub)
	require.Len(t, events, 3)

	ids := make(map[string]bool, 3)
	for _, ev := range events {
		ids[ev.ID] = true
	}
	assert.True(t, ids[shared.ID])
	assert.True(t, ids[onlyA.ID])
	assert.True(t, ids[onlyB.ID])
}

func TestSubscribeRejectsEmptyFilters(t *testing.T) {
	relay := newMockRelay(t, nil, true, "")
	p := newTestPool(t, relay.url())
	waitConnected(t, p, 1)

	_, err := p.Subscribe(context.Background(), nil)
	assert.Error(t, err)
}

func TestPublishCollectsPerRelayVerdicts(t *testing.T) {
	relayA := newMockRelay(t, nil, true, "")
	relayB := newMockRelay(t, nil, false, "blocked: spam")

	p := newTestPool(t, relayA.url(), relayB.url())
	waitConnected(t, p, 2)

	ev := signedNote(t, "hello")
	results, err := p.Publish(context.Background(), &ev)
	require.NoError(t, err)
	require.Len(t, results, 2)

	accepted, rejected := 0, 0
	for _, res := range results {
		if res.Accepted {
			accepted++
		} else {
			rejected++
			assert.Equal(t, "blocked: spam", res.Reason)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)
}

func TestPublishRejectedByEveryRelay(t *testing.T) {
	relay := newMockRelay(t, nil, false, "blocked: spam")
	p := newTestPool(t, relay.url())
	waitConnected(t, p, 1)

	ev := signedNote(t, "unwanted")
	results, err := p.Publish(context.Background(), &ev)
	assert.ErrorIs(t, err, apperrors.ErrPublishRejected)
	require.Len(t, results, 1)
	for _, res := range results {
		assert.False(t, res.Accepted)
		assert.Equal(t, "blocked: spam", res.Reason)
	}
}

func TestPublishConnectionLossIsNotRejection(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(raw), `"EVENT"`) {
				// Drop the socket instead of answering OK.
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	p := newTestPool(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitConnected(t, p, 1)

	ev := signedNote(t, "lost in transit")
	results, err := p.Publish(context.Background(), &ev)
	assert.ErrorIs(t, err, apperrors.ErrUnreachable)
	assert.NotErrorIs(t, err, apperrors.ErrPublishRejected)
	for _, res := range results {
		assert.False(t, res.Accepted)
	}
}

func TestPublishRequiresSignature(t *testing.T) {
	relay := newMockRelay(t, nil, true, "")
	p := newTestPool(t, relay.url())
	waitConnected(t, p, 1)

	_, err := p.Publish(context.Background(), &nostr.Event{Kind: nostr.KindTextNote})
	assert.Error(t, err)
}

func TestPublishUnreachableWhenAllRelaysDown(t *testing.T) {
	relay := newMockRelay(t, nil, true, "")
	url := relay.url()
	p := newTestPool(t, url)
	waitConnected(t, p, 1)

	relay.server.Close()
	relay.dropAll()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && p.ConnectedCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, p.ConnectedCount())

	ev := signedNote(t, "into the void")
	_, err := p.Publish(context.Background(), &ev)
	assert.ErrorIs(t, err, apperrors.ErrUnreachable)
}

func TestDeadRelayEntersCooldown(t *testing.T) {
	relay := newMockRelay(t, nil, true, "")
	url := relay.url()
	relay.server.Close()

	p := newTestPool(t, url)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h, ok := p.Health()[nostr.NormalizeURL(url)]; ok && h.Status == StatusCooldown {
			assert.NotEmpty(t, h.LastError)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("relay never entered cooldown: %+v", p.Health())
}

func TestCooldownExpiryLandsOnDisconnected(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxRetries = 0
	cfg.Cooldown = 20 * time.Millisecond

	c := newRelayConn("wss://relay.example.com", cfg, nil, zap.NewNop())
	require.True(t, c.backoffOrCooldown(context.Background(), errors.New("dial refused")))

	status, lastErr := c.Status()
	assert.Equal(t, StatusDisconnected, status)
	assert.Equal(t, "dial refused", lastErr)
}

func TestEndToEndOneDeadRelay(t *testing.T) {
	e1 := signedNote(t, "one")
	e2 := signedNote(t, "two")
	shared := signedNote(t, "shared")

	relayA := newMockRelay(t, []nostr.Event{e1, shared}, true, "")
	relayB := newMockRelay(t, []nostr.Event{e2, shared}, true, "")
	dead := newMockRelay(t, nil, true, "")
	deadURL := dead.url()
	dead.server.Close()

	p := newTestPool(t, relayA.url(), relayB.url(), deadURL)
	waitConnected(t, p, 2)

	sub, err := p.Subscribe(context.Background(), []nostr.Filter{{Kinds: []int{nostr.KindTextNote}}})
	require.NoError(t, err)
	defer p.Unsubscribe(sub)

	events := collectUntilEOSE(t, sub)
	assert.Len(t, events, 3)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h := p.Health()[nostr.NormalizeURL(deadURL)]
		if h.Status == StatusCooldown || h.Status == StatusFailing {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("dead relay never reported unhealthy")
}

func TestSubscribeClampsLimitToRelayMax(t *testing.T) {
	reqFilters := make(chan nostr.Filter, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Upgrade") == "" {
			// NIP-11 capability document request.
			w.Header().Set("Content-Type", "application/nostr+json")
			_ = json.NewEncoder(w).Encode(nip11.RelayInformationDocument{
				Limitation: &nip11.RelayLimitationDocument{MaxLimit: 50},
			})
			return
		}
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var parts []json.RawMessage
			if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 3 {
				continue
			}
			var msgType, subID string
			_ = json.Unmarshal(parts[0], &msgType)
			_ = json.Unmarshal(parts[1], &subID)
			if msgType != "REQ" {
				continue
			}
			var f nostr.Filter
			require.NoError(t, json.Unmarshal(parts[2], &f))
			reqFilters <- f
			eose, _ := json.Marshal([]interface{}{"EOSE", subID})
			_ = ws.WriteMessage(websocket.TextMessage, eose)
		}
	}))
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	p := newTestPool(t, url)
	p.SetRelayInfoCache(cache.NewStore[*nip11.RelayInformationDocument]("relay_info", 16, time.Hour, nil))
	waitConnected(t, p, 1)

	sub, err := p.Subscribe(context.Background(), []nostr.Filter{{Kinds: []int{nostr.KindTextNote}, Limit: 5000}})
	require.NoError(t, err)
	defer p.Unsubscribe(sub)

	select {
	case f := <-reqFilters:
		assert.Equal(t, 50, f.Limit)
	case <-time.After(5 * time.Second):
		t.Fatal("relay never received the REQ")
	}
}

func TestUnsubscribeClosesOnlyTargetRelays(t *testing.T) {
	carrier := newMockRelay(t, nil, true, "")
	late := newMockRelay(t, nil, true, "")

	p := newTestPool(t, carrier.url())
	waitConnected(t, p, 1)

	sub, err := p.Subscribe(context.Background(), []nostr.Filter{{Kinds: []int{nostr.KindTextNote}, Limit: 1}})
	require.NoError(t, err)

	require.NoError(t, p.AddRelay(late.url()))
	waitConnected(t, p, 2)

	p.Unsubscribe(sub)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(carrier.closedSubs()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Contains(t, carrier.closedSubs(), sub.ID)
	assert.Empty(t, late.closedSubs())
}

func TestRemoveRelayStopsIt(t *testing.T) {
	relay := newMockRelay(t, nil, true, "")
	p := newTestPool(t, relay.url())
	waitConnected(t, p, 1)

	require.NoError(t, p.RemoveRelay(relay.url()))
	assert.Equal(t, 0, p.ConnectedCount())

	h := p.Health()
	assert.Empty(t, h)

	assert.Error(t, p.RemoveRelay(relay.url()))
}

func TestAddRelayValidates(t *testing.T) {
	relay := newMockRelay(t, nil, true, "")
	p := newTestPool(t, relay.url())

	assert.Error(t, p.AddRelay("wss://hidden.onion"))
	assert.Error(t, p.AddRelay("http://example.com"))
	// Duplicate adds are fine.
	assert.NoError(t, p.AddRelay(relay.url()))
}
