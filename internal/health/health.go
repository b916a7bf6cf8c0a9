// Package health aggregates liveness probes for the dependencies the service
// cannot run without.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const probeTimeout = 5 * time.Second

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// ProbeResult is one dependency's outcome.
type ProbeResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report aggregates every probe. Healthy is false when any critical probe
// failed.
type Report struct {
	Healthy bool                   `json:"-"`
	Status  string                 `json:"status"`
	Probes  map[string]ProbeResult `json:"probes"`
}

type registration struct {
	probe    Probe
	critical bool
}

// Checker runs registered probes on demand.
type Checker struct {
	mu     sync.Mutex
	probes map[string]registration
	logger *zap.Logger
}

func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{probes: make(map[string]registration), logger: logger}
}

// Register adds a probe. Critical probes gate the overall verdict;
// non-critical ones only report.
func (c *Checker) Register(name string, critical bool, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = registration{probe: probe, critical: critical}
}

// Check runs every probe, each under its own timeout.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.Lock()
	probes := make(map[string]registration, len(c.probes))
	for name, reg := range c.probes {
		probes[name] = reg
	}
	c.mu.Unlock()

	report := Report{Healthy: true, Status: "ok", Probes: make(map[string]ProbeResult, len(probes))}
	for name, reg := range probes {
		result := c.run(ctx, name, reg)
		report.Probes[name] = result
		if result.Status != "up" && reg.critical {
			report.Healthy = false
			report.Status = "degraded"
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, name string, reg registration) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := reg.probe(ctx)
	result := ProbeResult{
		Status:     "up",
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Status = "down"
		result.Error = err.Error()
		c.logger.Warn("Health probe failed", zap.String("probe", name), zap.Error(err))
	}
	return result
}
