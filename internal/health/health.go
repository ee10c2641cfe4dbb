package health

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/murmurhq/feedcore/internal/logger"
	"github.com/murmurhq/feedcore/internal/pool"
)

// Status grades a component or the whole client.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus is one component's verdict.
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Response is the full health report served on /healthz.
type Response struct {
	Status     Status             `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
}

// PoolInterface is the slice of the relay pool health checks need.
type PoolInterface interface {
	Health() map[string]pool.RelayHealth
	ConnectedCount() int
}

// CacheSizer reports cache occupancy for the report details.
type CacheSizer interface {
	Sizes() map[string]int
}

// Checker aggregates component checks into one report.
type Checker struct {
	pool      PoolInterface
	caches    CacheSizer
	version   string
	startTime time.Time
	log       *zap.Logger
}

// NewChecker builds a checker; caches may be nil.
func NewChecker(p PoolInterface, caches CacheSizer, version string) *Checker {
	return &Checker{
		pool:      p,
		caches:    caches,
		version:   version,
		startTime: time.Now(),
		log:       logger.New("health"),
	}
}

// Check runs all component checks and grades the overall status.
func (c *Checker) Check() *Response {
	components := []*ComponentStatus{
		c.checkRelays(),
		c.checkMemory(),
	}
	if c.caches != nil {
		components = append(components, c.checkCaches())
	}

	return &Response{
		Status:     overall(components),
		Timestamp:  time.Now().UTC(),
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Components: components,
	}
}

// StatusFunc adapts the checker to the metrics server's health hook.
func (c *Checker) StatusFunc() func() (string, map[string]interface{}) {
	return func() (string, map[string]interface{}) {
		resp := c.Check()
		details := map[string]interface{}{
			"uptime":  resp.Uptime,
			"version": resp.Version,
		}
		for _, comp := range resp.Components {
			details[comp.Name] = comp.Status
		}
		return string(resp.Status), details
	}
}

// checkRelays grades connectivity: all relays down is unhealthy, any relay
// in cooldown or failing degrades the report.
func (c *Checker) checkRelays() *ComponentStatus {
	relays := c.pool.Health()
	connected := 0
	troubled := 0
	details := make(map[string]interface{}, len(relays))
	for url, h := range relays {
		details[url] = string(h.Status)
		switch h.Status {
		case pool.StatusConnected:
			connected++
		case pool.StatusFailing, pool.StatusCooldown:
			troubled++
		}
	}

	status := StatusHealthy
	message := fmt.Sprintf("%d/%d relays connected", connected, len(relays))
	switch {
	case len(relays) == 0 || connected == 0:
		status = StatusUnhealthy
	case troubled > 0 || connected < len(relays):
		status = StatusDegraded
	}

	return &ComponentStatus{
		Name:    "relays",
		Status:  status,
		Message: message,
		Details: details,
	}
}

func (c *Checker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	heapMB := m.HeapAlloc / 1024 / 1024
	status := StatusHealthy
	if heapMB > 512 {
		status = StatusDegraded
	}
	return &ComponentStatus{
		Name:   "memory",
		Status: status,
		Details: map[string]interface{}{
			"heap_alloc_mb": heapMB,
			"goroutines":    runtime.NumGoroutine(),
		},
	}
}

func (c *Checker) checkCaches() *ComponentStatus {
	sizes := c.caches.Sizes()
	details := make(map[string]interface{}, len(sizes))
	for class, n := range sizes {
		details[class] = n
	}
	return &ComponentStatus{
		Name:    "caches",
		Status:  StatusHealthy,
		Details: details,
	}
}

func overall(components []*ComponentStatus) Status {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
