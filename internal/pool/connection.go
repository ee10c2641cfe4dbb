package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/murmurhq/feedcore/internal/config"
	apperrors "github.com/murmurhq/feedcore/internal/errors"
	"github.com/murmurhq/feedcore/internal/metrics"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// RelayStatus is one station in the connection health state machine.
type RelayStatus string

const (
	StatusDisconnected RelayStatus = "disconnected"
	StatusConnecting   RelayStatus = "connecting"
	StatusConnected    RelayStatus = "connected"
	StatusFailing      RelayStatus = "failing"
	StatusCooldown     RelayStatus = "cooldown"
	StatusRemoved      RelayStatus = "removed"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pongWait     = 70 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 1 << 21
)

// messageSink receives parsed frames from a relay's read loop.
type messageSink interface {
	onEvent(relay, subID string, ev *nostr.Event)
	onEOSE(relay, subID string)
	onClosed(relay, subID, reason string)
	onDisconnect(relay string)
}

type okResult struct {
	accepted bool
	reason   string
}

// relayConn owns a single websocket to one relay and runs its reconnect
// loop. Subscriptions are replayed after every reconnect so a transient
// drop does not silently end live streams.
type relayConn struct {
	url  string
	cfg  config.PoolConfig
	sink messageSink
	log  *zap.Logger

	writeMu sync.Mutex
	ws      *websocket.Conn

	stateMu   sync.RWMutex
	status    RelayStatus
	lastError string
	attempts  int

	pendingMu sync.Mutex
	pendingOK map[string]chan okResult // event id -> waiter

	subsMu sync.Mutex
	subs   map[string][]nostr.Filter // sub id -> filters, for replay

	cancel  context.CancelFunc
	stopped atomic.Bool
}

// validateRelayURL enforces the admission rules for relay endpoints:
// websocket schemes only, no hidden services, loopback only when allowed.
func validateRelayURL(raw string, allowLocalhost bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperrors.ValidationError(fmt.Sprintf("invalid relay URL %q", raw))
	}
	if u.Scheme != "wss" && u.Scheme != "ws" {
		return apperrors.ValidationError(fmt.Sprintf("relay URL %q must use ws:// or wss://", raw))
	}
	host := u.Hostname()
	if strings.HasSuffix(host, ".onion") {
		return apperrors.ValidationError(fmt.Sprintf("hidden-service relay %q is not supported", raw))
	}
	if isLoopback(host) {
		if !allowLocalhost {
			return apperrors.ValidationError(fmt.Sprintf("loopback relay %q requires ALLOW_LOCALHOST", raw))
		}
		return nil
	}
	if u.Scheme != "wss" {
		return apperrors.ValidationError(fmt.Sprintf("relay %q must use wss:// outside localhost", raw))
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func newRelayConn(url string, cfg config.PoolConfig, sink messageSink, log *zap.Logger) *relayConn {
	c := &relayConn{
		url:       url,
		cfg:       cfg,
		sink:      sink,
		log:       log.With(zap.String("relay", url)),
		status:    StatusDisconnected,
		pendingOK: make(map[string]chan okResult),
		subs:      make(map[string][]nostr.Filter),
	}
	metrics.SetRelayState(url, string(StatusDisconnected))
	return c
}

// start launches the connect/reconnect loop.
func (c *relayConn) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

func (c *relayConn) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		c.setStatus(StatusConnecting, "")
		ws, err := c.dial(ctx)
		if err != nil {
			if !c.backoffOrCooldown(ctx, err) {
				return
			}
			continue
		}

		c.writeMu.Lock()
		c.ws = ws
		c.writeMu.Unlock()
		c.setStatus(StatusConnected, "")
		c.resetAttempts()
		c.replaySubscriptions()

		pingCtx, stopPing := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, ws)
		err = c.readLoop(ctx, ws)
		stopPing()

		c.writeMu.Lock()
		c.ws = nil
		c.writeMu.Unlock()
		_ = ws.Close()
		c.failPendingOK()
		c.sink.onDisconnect(c.url)

		if ctx.Err() != nil || c.stopped.Load() {
			c.setStatus(StatusDisconnected, "")
			return
		}
		if !c.backoffOrCooldown(ctx, err) {
			return
		}
	}
}

func (c *relayConn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, apperrors.ConnectionError(c.url, err)
	}
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return ws, nil
}

// backoffOrCooldown sleeps out the next retry delay. After MaxRetries
// consecutive failures the relay enters cooldown, then the attempt counter
// resets. Returns false when the context ended.
func (c *relayConn) backoffOrCooldown(ctx context.Context, cause error) bool {
	attempt := c.bumpAttempts()
	if attempt > c.cfg.MaxRetries {
		c.setStatus(StatusCooldown, cause.Error())
		c.log.Warn("relay entering cooldown",
			zap.Int("attempts", attempt-1),
			zap.Duration("cooldown", c.cfg.Cooldown),
			zap.Error(cause))
		if !sleepCtx(ctx, c.cfg.Cooldown) {
			return false
		}
		// Expired cooldown lands on Disconnected; the dial loop moves to
		// Connecting on the next pass.
		c.setStatus(StatusDisconnected, "")
		c.resetAttempts()
		return true
	}

	c.setStatus(StatusFailing, cause.Error())
	delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)
	c.log.Debug("relay reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return sleepCtx(ctx, delay)
}

// backoffDelay doubles the base per attempt, caps it, and jitters +-30%
// so a fleet of clients does not reconnect in lockstep.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	jitter := 0.7 + 0.6*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// readLoop parses inbound frames until the socket errors out.
func (c *relayConn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return apperrors.ConnectionError(c.url, err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(raw)
	}
}

// handleMessage routes one relay frame: ["EVENT", subID, event],
// ["EOSE", subID], ["OK", id, accepted, reason], ["NOTICE", msg],
// ["CLOSED", subID, reason].
func (c *relayConn) handleMessage(raw []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		metrics.ProtocolErrors.WithLabelValues(c.url).Inc()
		c.log.Debug("dropping malformed frame")
		return
	}

	var msgType string
	if err := json.Unmarshal(parts[0], &msgType); err != nil {
		metrics.ProtocolErrors.WithLabelValues(c.url).Inc()
		return
	}

	switch msgType {
	case "EVENT":
		if len(parts) < 3 {
			metrics.ProtocolErrors.WithLabelValues(c.url).Inc()
			return
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			metrics.ProtocolErrors.WithLabelValues(c.url).Inc()
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			metrics.ProtocolErrors.WithLabelValues(c.url).Inc()
			c.log.Debug("dropping unparseable event", zap.String("sub_id", subID))
			return
		}
		if ok, err := ev.CheckSignature(); err != nil || !ok {
			metrics.ProtocolErrors.WithLabelValues(c.url).Inc()
			c.log.Debug("dropping event with bad signature", zap.String("event_id", ev.ID))
			return
		}
		metrics.EventsReceived.WithLabelValues(c.url).Inc()
		c.sink.onEvent(c.url, subID, &ev)

	case "EOSE":
		if len(parts) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return
		}
		c.sink.onEOSE(c.url, subID)

	case "OK":
		if len(parts) < 3 {
			return
		}
		var (
			eventID  string
			accepted bool
			reason   string
		)
		if err := json.Unmarshal(parts[1], &eventID); err != nil {
			return
		}
		if err := json.Unmarshal(parts[2], &accepted); err != nil {
			return
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &reason)
		}
		c.resolveOK(eventID, okResult{accepted: accepted, reason: reason})

	case "NOTICE":
		var msg string
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &msg)
		}
		c.log.Info("relay notice", zap.String("notice", msg))

	case "CLOSED":
		if len(parts) < 2 {
			return
		}
		var subID, reason string
		_ = json.Unmarshal(parts[1], &subID)
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &reason)
		}
		c.sink.onClosed(c.url, subID, reason)

	default:
		c.log.Debug("ignoring unknown frame type", zap.String("type", msgType))
	}
}

// sendMessage marshals a top-level array like ["REQ", subID, filter] and
// writes it under the write lock.
func (c *relayConn) sendMessage(msgType string, args ...interface{}) error {
	data := append([]interface{}{msgType}, args...)
	raw, err := json.Marshal(data)
	if err != nil {
		return apperrors.ProtocolError(c.url, "failed to marshal outbound frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return apperrors.ConnectionError(c.url, fmt.Errorf("not connected"))
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return apperrors.ConnectionError(c.url, err)
	}
	return nil
}

func (c *relayConn) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if c.ws == ws {
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = ws.WriteMessage(websocket.PingMessage, nil)
			}
			c.writeMu.Unlock()
		}
	}
}

// subscribe sends REQ and remembers the filters for replay on reconnect.
func (c *relayConn) subscribe(subID string, filters []nostr.Filter) error {
	c.subsMu.Lock()
	c.subs[subID] = filters
	c.subsMu.Unlock()

	args := make([]interface{}, 0, len(filters)+1)
	args = append(args, subID)
	for i := range filters {
		args = append(args, filters[i])
	}
	return c.sendMessage("REQ", args...)
}

// unsubscribe sends CLOSE and forgets the replay entry.
func (c *relayConn) unsubscribe(subID string) error {
	c.subsMu.Lock()
	delete(c.subs, subID)
	c.subsMu.Unlock()
	return c.sendMessage("CLOSE", subID)
}

func (c *relayConn) replaySubscriptions() {
	c.subsMu.Lock()
	replay := make(map[string][]nostr.Filter, len(c.subs))
	for id, filters := range c.subs {
		replay[id] = filters
	}
	c.subsMu.Unlock()

	for id, filters := range replay {
		args := make([]interface{}, 0, len(filters)+1)
		args = append(args, id)
		for i := range filters {
			args = append(args, filters[i])
		}
		if err := c.sendMessage("REQ", args...); err != nil {
			c.log.Warn("failed to replay subscription",
				zap.String("sub_id", id), zap.Error(err))
			return
		}
	}
}

// publish sends the event and returns a channel the OK lands on.
func (c *relayConn) publish(ev *nostr.Event) (<-chan okResult, error) {
	ch := make(chan okResult, 1)
	c.pendingMu.Lock()
	c.pendingOK[ev.ID] = ch
	c.pendingMu.Unlock()

	if err := c.sendMessage("EVENT", ev); err != nil {
		c.dropOK(ev.ID)
		return nil, err
	}
	return ch, nil
}

func (c *relayConn) resolveOK(eventID string, res okResult) {
	c.pendingMu.Lock()
	ch, ok := c.pendingOK[eventID]
	if ok {
		delete(c.pendingOK, eventID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *relayConn) dropOK(eventID string) {
	c.pendingMu.Lock()
	delete(c.pendingOK, eventID)
	c.pendingMu.Unlock()
}

// failPendingOK closes every waiter channel so publishers see the socket
// died before an OK arrived. A closed channel is a transport loss, never a
// relay verdict.
func (c *relayConn) failPendingOK() {
	c.pendingMu.Lock()
	for id, ch := range c.pendingOK {
		close(ch)
		delete(c.pendingOK, id)
	}
	c.pendingMu.Unlock()
}

func (c *relayConn) setStatus(s RelayStatus, lastError string) {
	c.stateMu.Lock()
	c.status = s
	if lastError != "" {
		c.lastError = lastError
	}
	c.stateMu.Unlock()
	metrics.SetRelayState(c.url, string(s))
}

// Status returns the current state and the last recorded error.
func (c *relayConn) Status() (RelayStatus, string) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.status, c.lastError
}

func (c *relayConn) connected() bool {
	s, _ := c.Status()
	return s == StatusConnected
}

func (c *relayConn) bumpAttempts() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.attempts++
	return c.attempts
}

func (c *relayConn) resetAttempts() {
	c.stateMu.Lock()
	c.attempts = 0
	c.stateMu.Unlock()
}

// stop tears the connection down permanently.
func (c *relayConn) stop() {
	c.stopped.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	c.writeMu.Lock()
	if c.ws != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
		c.ws = nil
	}
	c.writeMu.Unlock()
	c.failPendingOK()
	c.setStatus(StatusRemoved, "")
}
