package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/murmurhq/feedcore/internal/cache"
	"github.com/murmurhq/feedcore/internal/config"
	apperrors "github.com/murmurhq/feedcore/internal/errors"
	"github.com/murmurhq/feedcore/internal/filters"
	"github.com/murmurhq/feedcore/internal/logger"
	"github.com/murmurhq/feedcore/internal/metrics"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"go.uber.org/zap"
)

// PublishResult is one relay's verdict on a published event.
type PublishResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// RelayHealth is a point-in-time view of one relay's connection state.
type RelayHealth struct {
	URL       string      `json:"url"`
	Status    RelayStatus `json:"status"`
	LastError string      `json:"last_error,omitempty"`
}

// Pool fans queries and publishes out across a set of relay connections,
// enforcing the admission gates and funnelling results back through
// deduplicating subscriptions.
type Pool struct {
	cfg       config.PoolConfig
	relaysCfg config.RelaysConfig
	gates     *gates
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// relayInfo caches NIP-11 capability documents; nil disables clamping.
	relayInfo *cache.Store[*nip11.RelayInformationDocument]

	mu     sync.RWMutex
	relays map[string]*relayConn
	subs   map[string]*Subscription
}

// SetRelayInfoCache attaches the capability-document store so outbound
// filters get clamped to each relay's advertised max_limit.
func (p *Pool) SetRelayInfoCache(store *cache.Store[*nip11.RelayInformationDocument]) {
	p.relayInfo = store
}

// New builds a pool over the configured default relays and starts their
// connection loops.
func New(ctx context.Context, cfg config.PoolConfig, relaysCfg config.RelaysConfig) (*Pool, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:       cfg,
		relaysCfg: relaysCfg,
		gates:     newGates(cfg),
		log:       logger.New("pool"),
		ctx:       ctx,
		cancel:    cancel,
		relays:    make(map[string]*relayConn),
		subs:      make(map[string]*Subscription),
	}

	seed := relaysCfg.Default
	if relaysCfg.Search != "" {
		seed = append(append([]string{}, seed...), relaysCfg.Search)
	}
	for _, url := range seed {
		if err := p.AddRelay(url); err != nil {
			cancel()
			return nil, err
		}
	}
	return p, nil
}

// AddRelay validates the URL and starts a connection loop for it.
// Adding an already-known relay is a no-op.
func (p *Pool) AddRelay(url string) error {
	url = nostr.NormalizeURL(url)
	if err := validateRelayURL(url, p.relaysCfg.AllowLocalhost); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.relays[url]; ok {
		return nil
	}
	conn := newRelayConn(url, p.cfg, p, p.log)
	p.relays[url] = conn
	conn.start(p.ctx)
	p.log.Info("relay added", zap.String("relay", url))
	return nil
}

// RemoveRelay tears the relay's connection down and detaches it from all
// live subscriptions.
func (p *Pool) RemoveRelay(url string) error {
	url = nostr.NormalizeURL(url)

	p.mu.Lock()
	conn, ok := p.relays[url]
	if !ok {
		p.mu.Unlock()
		return apperrors.ValidationError(fmt.Sprintf("unknown relay %q", url))
	}
	delete(p.relays, url)
	subs := p.snapshotSubsLocked()
	p.mu.Unlock()

	conn.stop()
	p.gates.forget(url)
	for _, sub := range subs {
		sub.dropRelay(url)
	}
	p.log.Info("relay removed", zap.String("relay", url))
	return nil
}

// Subscribe opens one logical query across all currently connected relays.
// The global gate bounds how many queries are in their replay phase at
// once; the per-relay gates and limiters pace the REQ sends.
func (p *Pool) Subscribe(ctx context.Context, filters []nostr.Filter) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, apperrors.ValidationError("subscription needs at least one filter")
	}

	if err := p.gates.acquireGlobal(ctx); err != nil {
		return nil, apperrors.RateLimitError("caller gave up waiting for a query slot")
	}
	metrics.OpenQueries.Inc()

	targets := p.connectedRelays()
	if len(targets) == 0 {
		p.gates.releaseGlobal()
		metrics.OpenQueries.Dec()
		return nil, apperrors.UnreachableError("subscribe")
	}

	sub := newSubscription(newSubID(), filters, targets, p.cfg.EventBuffer, p.cfg.DedupMaxTracked, p.log)
	p.mu.Lock()
	p.subs[sub.ID] = sub
	p.mu.Unlock()
	metrics.ActiveSubscriptions.Inc()

	for _, relay := range targets {
		go p.runRelayQuery(relay, sub)
	}

	// Release the global slot once the replay phase ends, whether every
	// relay EOSEd, the timeout fired, or the caller closed early.
	go func() {
		timer := time.NewTimer(p.cfg.EOSETimeout)
		defer timer.Stop()
		select {
		case <-sub.EOSE():
		case <-sub.Done():
		case <-timer.C:
			sub.finishEOSE()
		case <-p.ctx.Done():
		}
		p.gates.releaseGlobal()
		metrics.OpenQueries.Dec()
	}()

	return sub, nil
}

// runRelayQuery holds one per-relay slot for the duration of that relay's
// stored-event replay.
func (p *Pool) runRelayQuery(relay string, sub *Subscription) {
	if err := p.gates.acquireRelay(p.ctx, relay); err != nil {
		sub.dropRelay(relay)
		return
	}
	defer p.gates.releaseRelay(relay)

	conn := p.relay(relay)
	if conn == nil || !conn.connected() {
		sub.dropRelay(relay)
		return
	}
	if err := conn.subscribe(sub.ID, p.clampFilters(relay, sub.Filters)); err != nil {
		p.log.Warn("subscribe send failed",
			zap.String("relay", relay), zap.String("sub_id", sub.ID), zap.Error(err))
		sub.dropRelay(relay)
		return
	}

	timer := time.NewTimer(p.cfg.EOSETimeout)
	defer timer.Stop()
	select {
	case <-sub.relayEOSE(relay):
	case <-sub.Done():
	case <-timer.C:
		sub.markEOSE(relay)
	case <-p.ctx.Done():
	}
}

// Unsubscribe sends CLOSE to the relays that carry the subscription and
// tears it down locally. Idempotent.
func (p *Pool) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.Lock()
	_, known := p.subs[sub.ID]
	delete(p.subs, sub.ID)
	p.mu.Unlock()

	if known {
		metrics.ActiveSubscriptions.Dec()
	}
	for _, relay := range sub.targetRelays() {
		conn := p.relay(relay)
		if conn == nil {
			continue
		}
		// Forget the replay entry even when the socket is down, so a later
		// reconnect does not resurrect the REQ.
		if err := conn.unsubscribe(sub.ID); err != nil && conn.connected() {
			p.log.Debug("close send failed",
				zap.String("relay", relay), zap.String("sub_id", sub.ID), zap.Error(err))
		}
	}
	sub.close()
}

// Publish fans the signed event out to every connected relay and collects
// per-relay verdicts. The error is non-nil when no relay could be reached,
// or when every relay that answered rejected the event.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) (map[string]PublishResult, error) {
	if ev == nil || ev.Sig == "" {
		return nil, apperrors.ValidationError("publish requires a signed event")
	}

	targets := p.connectedConns()
	if len(targets) == 0 {
		return nil, apperrors.UnreachableError("publish")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		results   = make(map[string]PublishResult, len(targets))
		reached   bool
		accepted  bool
		rejRelay  string
		rejReason string
	)
	record := func(relay string, res PublishResult, ok bool) {
		mu.Lock()
		results[relay] = res
		if ok {
			reached = true
		}
		if res.Accepted {
			accepted = true
		}
		mu.Unlock()
	}

	for _, conn := range targets {
		wg.Add(1)
		go func(conn *relayConn) {
			defer wg.Done()

			if err := p.gates.waitRate(ctx, conn.url); err != nil {
				record(conn.url, PublishResult{Reason: "rate limit wait aborted"}, false)
				metrics.PublishResults.WithLabelValues(conn.url, "error").Inc()
				return
			}
			okCh, err := conn.publish(ev)
			if err != nil {
				record(conn.url, PublishResult{Reason: err.Error()}, false)
				metrics.PublishResults.WithLabelValues(conn.url, "error").Inc()
				return
			}

			timer := time.NewTimer(p.cfg.PublishTimeout)
			defer timer.Stop()
			select {
			case res, ok := <-okCh:
				if !ok {
					// Socket died before the relay answered; a transport loss
					// is not a relay verdict.
					record(conn.url, PublishResult{Reason: "connection lost before OK"}, false)
					metrics.PublishResults.WithLabelValues(conn.url, "error").Inc()
					return
				}
				record(conn.url, PublishResult{Accepted: res.accepted, Reason: res.reason}, true)
				outcome := "accepted"
				if !res.accepted {
					outcome = "rejected"
					mu.Lock()
					if rejRelay == "" {
						rejRelay, rejReason = conn.url, res.reason
					}
					mu.Unlock()
				}
				metrics.PublishResults.WithLabelValues(conn.url, outcome).Inc()
			case <-timer.C:
				conn.dropOK(ev.ID)
				record(conn.url, PublishResult{Reason: "timed out waiting for OK"}, true)
				metrics.PublishResults.WithLabelValues(conn.url, "timeout").Inc()
			case <-ctx.Done():
				conn.dropOK(ev.ID)
				record(conn.url, PublishResult{Reason: ctx.Err().Error()}, false)
				metrics.PublishResults.WithLabelValues(conn.url, "error").Inc()
			}
		}(conn)
	}
	wg.Wait()

	if !reached {
		return results, apperrors.UnreachableError("publish")
	}
	if !accepted && rejRelay != "" {
		// Every responding relay said OK false; surface the first verdict.
		return results, apperrors.PublishRejectedError(rejRelay, rejReason)
	}
	return results, nil
}

// Health reports every relay's connection state.
func (p *Pool) Health() map[string]RelayHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]RelayHealth, len(p.relays))
	for url, conn := range p.relays {
		status, lastErr := conn.Status()
		out[url] = RelayHealth{URL: url, Status: status, LastError: lastErr}
	}
	return out
}

// ConnectedCount returns how many relays are currently connected.
func (p *Pool) ConnectedCount() int {
	return len(p.connectedRelays())
}

// Close shuts down every connection and subscription.
func (p *Pool) Close() {
	p.cancel()

	p.mu.Lock()
	relays := p.snapshotRelaysLocked()
	subs := p.snapshotSubsLocked()
	p.relays = make(map[string]*relayConn)
	p.subs = make(map[string]*Subscription)
	p.mu.Unlock()

	for _, conn := range relays {
		conn.stop()
	}
	for _, sub := range subs {
		sub.close()
	}
}

// messageSink implementation: route inbound frames to subscriptions.

func (p *Pool) onEvent(relay, subID string, ev *nostr.Event) {
	if sub := p.sub(subID); sub != nil {
		sub.dispatch(relay, ev)
	}
}

func (p *Pool) onEOSE(relay, subID string) {
	if sub := p.sub(subID); sub != nil {
		sub.markEOSE(relay)
	}
}

func (p *Pool) onClosed(relay, subID, reason string) {
	if sub := p.sub(subID); sub != nil {
		p.log.Info("relay closed subscription",
			zap.String("relay", relay), zap.String("sub_id", subID), zap.String("reason", reason))
		sub.dropRelay(relay)
	}
}

func (p *Pool) onDisconnect(relay string) {
	p.mu.RLock()
	subs := p.snapshotSubsLocked()
	p.mu.RUnlock()
	// Stop waiting on the dead relay's replays; live filters are replayed
	// by the connection itself after it reconnects.
	for _, sub := range subs {
		sub.dropRelay(relay)
	}
}

// clampFilters lowers limits to the relay's advertised maximum. A missing
// or unfetchable capability document leaves the filters untouched.
func (p *Pool) clampFilters(relay string, fs []nostr.Filter) []nostr.Filter {
	if p.relayInfo == nil {
		return fs
	}
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	info, err := p.relayInfo.GetOrFetch(ctx, relay, cache.RelayInfoFetcher(relay))
	if err != nil || info == nil || info.Limitation == nil {
		return fs
	}
	clamped := make([]nostr.Filter, len(fs))
	for i := range fs {
		clamped[i] = filters.Clamp(fs[i], info)
	}
	return clamped
}

func (p *Pool) sub(id string) *Subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subs[id]
}

func (p *Pool) relay(url string) *relayConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.relays[url]
}

func (p *Pool) connectedRelays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.relays))
	for url, conn := range p.relays {
		if conn.connected() {
			out = append(out, url)
		}
	}
	return out
}

func (p *Pool) connectedConns() []*relayConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*relayConn, 0, len(p.relays))
	for _, conn := range p.relays {
		if conn.connected() {
			out = append(out, conn)
		}
	}
	return out
}

func (p *Pool) snapshotRelaysLocked() []*relayConn {
	out := make([]*relayConn, 0, len(p.relays))
	for _, conn := range p.relays {
		out = append(out, conn)
	}
	return out
}

func (p *Pool) snapshotSubsLocked() []*Subscription {
	out := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		out = append(out, sub)
	}
	return out
}

func newSubID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("sub-%d", time.Now().UnixNano())
	}
	return "sub-" + hex.EncodeToString(b[:])
}
