// Package generation turns a question and its retrieved passages into an
// ordered stream of answer deltas. Prompt assembly, model override
// resolution, and the provider adapters all live here; the coordinator only
// sees a channel of events.
package generation

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go/v3"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/circuitbreaker"
	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/metrics"
	"github.com/pagecite/pagecite/internal/ratecontrol"
	"github.com/pagecite/pagecite/internal/tracing"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 10 * time.Second
)

// Service routes generation requests to the right provider with pacing, a
// circuit breaker, and bounded retries on transient upstream failures.
type Service struct {
	cfg       config.GenerationConfig
	providers map[string]Provider
	breakers  map[string]*circuitbreaker.Breaker
	pacer     *ratecontrol.Pacer
	logger    *zap.Logger
}

// NewService wires both provider adapters.
func NewService(cfg config.GenerationConfig, pacer *ratecontrol.Pacer, logger *zap.Logger) *Service {
	s := &Service{
		cfg:       cfg,
		providers: make(map[string]Provider, 2),
		breakers:  make(map[string]*circuitbreaker.Breaker, 2),
		pacer:     pacer,
		logger:    logger,
	}
	s.register(NewOpenAIProvider(cfg))
	if cfg.AnthropicAPIKey != "" {
		s.register(NewAnthropicProvider(cfg))
	}
	return s
}

func (s *Service) register(p Provider) {
	name := p.Name()
	s.providers[name] = p
	bc := circuitbreaker.DefaultConfig()
	bc.OnStateChange = func(n string, _, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState("generation_"+n, int(to))
	}
	s.breakers[name] = circuitbreaker.New("generation_"+name, bc, s.logger)
}

// DefaultModel returns the model used when neither caller nor catalog names
// one.
func (s *Service) DefaultModel() string { return s.cfg.DefaultModel }

// ProviderFor maps a model name to its provider name.
func ProviderFor(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return "anthropic"
	}
	return "openai"
}

// Generate opens a delta stream for the request, retrying transient failures
// to open it. Once the stream is flowing, errors terminate it without retry:
// replaying half an answer would duplicate emitted text.
func (s *Service) Generate(ctx context.Context, req Request) (<-chan Event, error) {
	ctx, span := tracing.StartSpan(ctx, "generation.generate")
	defer span.End()

	providerName := ProviderFor(req.Model)
	provider, ok := s.providers[providerName]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindValidationFailed,
			"model %q requires the %s provider, which is not configured", req.Model, providerName)
	}
	breaker := s.breakers[providerName]

	attempts := s.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.pacer.Wait(ctx, providerName, ratecontrol.EstimateTokens(flatten(req)...)); err != nil {
			return nil, s.classify(providerName, req.Model, err)
		}

		start := time.Now()
		var events <-chan Event
		err := breaker.Do(ctx, func() error {
			var openErr error
			events, openErr = s.openStream(ctx, provider, req)
			return openErr
		})
		if err == nil {
			metrics.RecordGeneration(providerName, req.Model, "ok", time.Since(start).Seconds())
			return events, nil
		}

		metrics.RecordGeneration(providerName, req.Model, "error", time.Since(start).Seconds())
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, circuitbreaker.ErrOpen) {
			break
		}
		status, retryAfter := upstreamStatus(err)
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			break
		}
		if attempt < attempts {
			delay := retryBaseDelay << (attempt - 1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			if retryAfter > delay {
				delay = retryAfter
			}
			s.logger.Warn("Generation attempt failed, retrying",
				zap.String("provider", providerName),
				zap.String("model", req.Model),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, s.classify(providerName, req.Model, ctx.Err())
			}
		}
	}
	return nil, s.classify(providerName, req.Model, lastErr)
}

// openStream opens a provider stream under the per-attempt timeout. The
// timeout bounds reaching the first token, not the whole answer: once the
// stream is open its lifetime belongs to the request context.
func (s *Service) openStream(ctx context.Context, provider Provider, req Request) (<-chan Event, error) {
	if s.cfg.AttemptTimeout <= 0 {
		return provider.Stream(ctx, req)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(s.cfg.AttemptTimeout, cancel)
	events, err := provider.Stream(streamCtx, req)
	timer.Stop()
	if err != nil {
		cancel()
		if streamCtx.Err() != nil && ctx.Err() == nil {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}

	// Relay events so the stream context is released once the answer ends.
	out := make(chan Event)
	go func() {
		defer close(out)
		defer cancel()
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Collect drains a stream into the full answer text. The buffered chat
// variant uses it; SSE writes deltas directly.
func Collect(ctx context.Context, events <-chan Event) (string, error) {
	var b strings.Builder
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return b.String(), nil
			}
			if ev.Err != nil {
				return b.String(), ev.Err
			}
			if ev.Done {
				return b.String(), nil
			}
			b.WriteString(ev.Delta)
		case <-ctx.Done():
			return b.String(), ctx.Err()
		}
	}
}

func (s *Service) classify(provider, model string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.KindUpstreamTimeout, "generation timed out", err)
	}
	if status, _ := upstreamStatus(err); status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return apperrors.Wrap(apperrors.KindProviderRejected,
			"model "+model+" rejected by "+provider, err)
	}
	return apperrors.Wrap(apperrors.KindServiceUnavailable, "generation provider unavailable", err)
}

// upstreamStatus extracts the HTTP status and any Retry-After hint from an
// SDK error.
func upstreamStatus(err error) (int, time.Duration) {
	var header http.Header
	status := 0

	var oaErr *openaisdk.Error
	var anErr *anthropicsdk.Error
	switch {
	case errors.As(err, &oaErr):
		status = oaErr.StatusCode
		if oaErr.Response != nil {
			header = oaErr.Response.Header
		}
	case errors.As(err, &anErr):
		status = anErr.StatusCode
		if anErr.Response != nil {
			header = anErr.Response.Header
		}
	}

	var retryAfter time.Duration
	if header != nil {
		if v := header.Get("Retry-After"); v != "" {
			if secs, convErr := strconv.Atoi(v); convErr == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return status, retryAfter
}

func flatten(req Request) []string {
	texts := make([]string, 0, len(req.Messages)+1)
	if req.System != "" {
		texts = append(texts, req.System)
	}
	for _, m := range req.Messages {
		texts = append(texts, m.Content)
	}
	return texts
}
