package pool

import (
	"context"
	"sync"

	"github.com/murmurhq/feedcore/internal/config"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// gates enforces the three admission limits on outbound relay traffic:
// a global cap on concurrently open queries, a per-relay concurrency cap,
// and a per-relay steady-rate limiter with burst allowance.
type gates struct {
	global *semaphore.Weighted

	mu       sync.Mutex
	perRelay map[string]*semaphore.Weighted
	limiters map[string]*rate.Limiter

	relayWeight int64
	ratePerSec  rate.Limit
	burst       int
}

func newGates(cfg config.PoolConfig) *gates {
	return &gates{
		global:      semaphore.NewWeighted(cfg.MaxConcurrentQueries),
		perRelay:    make(map[string]*semaphore.Weighted),
		limiters:    make(map[string]*rate.Limiter),
		relayWeight: cfg.PerRelayConcurrency,
		ratePerSec:  rate.Limit(cfg.RatePerSecond),
		burst:       cfg.Burst,
	}
}

// acquireGlobal blocks until a global query slot is free or ctx ends.
func (g *gates) acquireGlobal(ctx context.Context) error {
	return g.global.Acquire(ctx, 1)
}

func (g *gates) releaseGlobal() {
	g.global.Release(1)
}

// acquireRelay takes one concurrency slot on the relay and then waits out
// the rate limiter, so a burst of callers queues instead of flooding.
func (g *gates) acquireRelay(ctx context.Context, relay string) error {
	sem, limiter := g.forRelay(relay)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := limiter.Wait(ctx); err != nil {
		sem.Release(1)
		return err
	}
	return nil
}

func (g *gates) releaseRelay(relay string) {
	sem, _ := g.forRelay(relay)
	sem.Release(1)
}

// waitRate applies only the rate limiter, for sends that do not open a
// query (publishes, CLOSE frames).
func (g *gates) waitRate(ctx context.Context, relay string) error {
	_, limiter := g.forRelay(relay)
	return limiter.Wait(ctx)
}

func (g *gates) forRelay(relay string) (*semaphore.Weighted, *rate.Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.perRelay[relay]
	if !ok {
		sem = semaphore.NewWeighted(g.relayWeight)
		g.perRelay[relay] = sem
	}
	limiter, ok := g.limiters[relay]
	if !ok {
		limiter = rate.NewLimiter(g.ratePerSec, g.burst)
		g.limiters[relay] = limiter
	}
	return sem, limiter
}

// forget drops the per-relay state after a relay is removed.
func (g *gates) forget(relay string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.perRelay, relay)
	delete(g.limiters, relay)
}
