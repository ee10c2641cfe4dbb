package pool

import (
	"sync"

	"github.com/murmurhq/feedcore/internal/metrics"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Subscription is one logical query fanned out across relays. Events from
// every relay funnel through the deduplicator into a single buffered
// channel; EOSE fires once after every participating relay has signalled
// end-of-stored-events or timed out.
type Subscription struct {
	ID      string
	Filters []nostr.Filter

	events chan *nostr.Event
	eose   chan struct{}
	done   chan struct{}

	mu        sync.RWMutex
	pending   map[string]bool          // relay URL -> still awaiting EOSE
	relayDone map[string]chan struct{} // closed when the relay EOSEs or drops
	closed    bool
	eoseOnce  sync.Once

	dedup *deduplicator
	log   *zap.Logger
}

func newSubscription(id string, filters []nostr.Filter, relays []string, buffer, dedupMax int, log *zap.Logger) *Subscription {
	pending := make(map[string]bool, len(relays))
	relayDone := make(map[string]chan struct{}, len(relays))
	for _, r := range relays {
		pending[r] = true
		relayDone[r] = make(chan struct{})
	}
	return &Subscription{
		ID:        id,
		Filters:   filters,
		events:    make(chan *nostr.Event, buffer),
		eose:      make(chan struct{}),
		done:      make(chan struct{}),
		pending:   pending,
		relayDone: relayDone,
		dedup:     newDeduplicator(dedupMax),
		log:       log.With(zap.String("sub_id", id)),
	}
}

// Events streams deduplicated events. The channel closes when the
// subscription is closed.
func (s *Subscription) Events() <-chan *nostr.Event { return s.events }

// EOSE is closed once all participating relays have finished replaying
// stored events (or the per-subscription timeout elapsed).
func (s *Subscription) EOSE() <-chan struct{} { return s.eose }

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// dispatch pushes one event through dedup into the buffer. Slow consumers
// lose events rather than stalling the relay read loops.
func (s *Subscription) dispatch(relay string, ev *nostr.Event) {
	if s.dedup.Seen(ev.ID) {
		metrics.EventsDeduplicated.Inc()
		return
	}
	// The read lock keeps close() from closing the channel mid-send.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		metrics.EventsDropped.Inc()
		s.log.Warn("event buffer full, dropping event",
			zap.String("relay", relay),
			zap.String("event_id", ev.ID))
	}
}

// markEOSE records end-of-stored-events from one relay. Unknown relays and
// repeats are ignored.
func (s *Subscription) markEOSE(relay string) {
	s.mu.Lock()
	if !s.pending[relay] {
		s.mu.Unlock()
		return
	}
	s.pending[relay] = false
	if ch, ok := s.relayDone[relay]; ok {
		close(ch)
	}
	remaining := 0
	for _, waiting := range s.pending {
		if waiting {
			remaining++
		}
	}
	s.mu.Unlock()

	if remaining == 0 {
		s.finishEOSE()
	}
}

// relayEOSE returns the channel closed when the given relay finishes its
// stored-event replay. Unknown relays get an already-closed channel.
func (s *Subscription) relayEOSE(relay string) <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch, ok := s.relayDone[relay]; ok {
		return ch
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// targetRelays returns the relays this subscription was fanned out to,
// including ones that have since dropped mid-replay.
func (s *Subscription) targetRelays() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.relayDone))
	for r := range s.relayDone {
		out = append(out, r)
	}
	return out
}

// finishEOSE closes the EOSE channel exactly once, used both when every
// relay reports and when the timeout gives up on stragglers.
func (s *Subscription) finishEOSE() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

// dropRelay removes a relay from the pending set, e.g. when its
// connection dies mid-replay, so one dead relay cannot block EOSE.
func (s *Subscription) dropRelay(relay string) {
	s.mu.Lock()
	wasPending := s.pending[relay]
	delete(s.pending, relay)
	if ch, ok := s.relayDone[relay]; ok && wasPending {
		close(ch)
	}
	remaining := 0
	for _, waiting := range s.pending {
		if waiting {
			remaining++
		}
	}
	s.mu.Unlock()

	if wasPending && remaining == 0 {
		s.finishEOSE()
	}
}

// close tears the subscription down; safe to call more than once.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	close(s.events)
	s.mu.Unlock()
	s.finishEOSE()
}
