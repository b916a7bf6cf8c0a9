// Package ratecontrol paces outbound provider calls against per-minute
// request and token budgets so bursts of ingestion work cannot exhaust an
// account quota that chat traffic depends on.
package ratecontrol

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagecite/pagecite/internal/config"
)

type providerLimiter struct {
	requests   *rate.Limiter
	tokens     *rate.Limiter
	tokenBurst int
}

// Pacer throttles calls per provider. Providers without a configured limit
// pass through untouched, which is how the local embedding backend runs.
type Pacer struct {
	logger *zap.Logger

	mu       sync.RWMutex
	limiters map[string]*providerLimiter
}

// NewPacer builds limiters from the configured per-provider budgets.
func NewPacer(cfg config.RateLimitsConfig, logger *zap.Logger) *Pacer {
	p := &Pacer{
		logger:   logger,
		limiters: make(map[string]*providerLimiter, len(cfg.Providers)),
	}
	for name, limit := range cfg.Providers {
		p.setLimit(strings.ToLower(name), limit)
	}
	return p
}

// Update replaces the limiter set, used when the config file is reloaded.
func (p *Pacer) Update(cfg config.RateLimitsConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiters = make(map[string]*providerLimiter, len(cfg.Providers))
	for name, limit := range cfg.Providers {
		p.setLimitLocked(strings.ToLower(name), limit)
	}
}

func (p *Pacer) setLimit(name string, limit config.ProviderLimit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setLimitLocked(name, limit)
}

func (p *Pacer) setLimitLocked(name string, limit config.ProviderLimit) {
	if limit.RPM <= 0 && limit.TPM <= 0 {
		return
	}
	pl := &providerLimiter{}
	if limit.RPM > 0 {
		burst := limit.RPM / 6
		if burst < 1 {
			burst = 1
		}
		pl.requests = rate.NewLimiter(rate.Limit(limit.RPM)/60.0, burst)
	}
	if limit.TPM > 0 {
		// Allow one full minute of tokens as burst so a single large
		// batch is never starved forever.
		pl.tokens = rate.NewLimiter(rate.Limit(limit.TPM)/60.0, limit.TPM)
		pl.tokenBurst = limit.TPM
	}
	p.limiters[name] = pl
}

// Wait blocks until the provider's budgets admit a call consuming
// estimatedTokens, or until the context ends.
func (p *Pacer) Wait(ctx context.Context, provider string, estimatedTokens int) error {
	p.mu.RLock()
	pl := p.limiters[strings.ToLower(provider)]
	p.mu.RUnlock()
	if pl == nil {
		return nil
	}

	if pl.requests != nil {
		if err := pl.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if pl.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > pl.tokenBurst {
			n = pl.tokenBurst
		}
		if err := pl.tokens.WaitN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// EstimateTokens approximates the token count of texts for pacing purposes.
// Four characters per token tracks English prose closely enough here.
func EstimateTokens(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += len(t) / 4
	}
	if total < 1 {
		total = 1
	}
	return total
}
