// Package embeddings resolves query and chunk texts to vectors. Lookups pass
// through an in-process LRU, then the shared Redis cache, and only then reach
// a provider, with identical in-flight texts collapsed into one call.
package embeddings

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/circuitbreaker"
	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/metrics"
	"github.com/pagecite/pagecite/internal/models"
	"github.com/pagecite/pagecite/internal/ratecontrol"
	"github.com/pagecite/pagecite/internal/tracing"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 10 * time.Second
)

// Service is the embedding front end shared by the chat path and ingestion.
type Service struct {
	cfg       config.EmbeddingsConfig
	providers map[string]Provider
	breakers  map[string]*circuitbreaker.Breaker
	pacer     *ratecontrol.Pacer
	lru       *LocalLRU
	redis     *RedisCache
	flight    singleflight.Group
	logger    *zap.Logger

	stopSweep chan struct{}
	sweepWg   sync.WaitGroup
}

// NewService wires both providers. rdb may be nil, in which case only the
// in-process cache is used.
func NewService(cfg config.EmbeddingsConfig, redisTTL time.Duration, rdb *redis.Client, pacer *ratecontrol.Pacer, logger *zap.Logger) *Service {
	if cfg.CacheIdleMax <= 0 {
		cfg.CacheIdleMax = time.Hour
	}
	providers := map[string]Provider{
		models.ProviderRemote: NewOpenAIProvider(cfg),
		models.ProviderLocal:  NewOllamaProvider(cfg),
	}
	breakers := make(map[string]*circuitbreaker.Breaker, len(providers))
	for _, p := range providers {
		name := p.Name()
		if _, ok := breakers[name]; ok {
			continue
		}
		bc := circuitbreaker.DefaultConfig()
		bc.OnStateChange = func(n string, _, to circuitbreaker.State) {
			metrics.SetCircuitBreakerState("embeddings_"+n, int(to))
		}
		breakers[name] = circuitbreaker.New("embeddings_"+name, bc, logger)
	}

	s := &Service{
		cfg:       cfg,
		providers: providers,
		breakers:  breakers,
		pacer:     pacer,
		lru:       NewLocalLRU(cfg.CacheSize),
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
	if rdb != nil {
		s.redis = NewRedisCache(rdb, redisTTL)
	}

	s.sweepWg.Add(1)
	go s.sweepLoop()
	return s
}

// Dimensions reports the vector width of a provider partition.
func (s *Service) Dimensions(provider string) int {
	if p, ok := s.providers[provider]; ok {
		return p.Dimensions()
	}
	return models.RemoteDimensions
}

// Embed returns the vector for one text, typically the user's question.
// Concurrent requests for the same provider and text share a single provider
// call.
func (s *Service) Embed(ctx context.Context, provider, text string) ([]float32, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInternal, "unknown embedding provider %q", provider)
	}

	fp := Fingerprint(provider, text)
	if v, ok := s.lru.Get(fp); ok {
		metrics.RecordEmbeddingCacheHit("lru")
		return v, nil
	}
	if s.redis != nil {
		if v, ok := s.redis.Get(ctx, fp); ok {
			s.lru.Set(fp, v, s.cfg.CacheIdleMax)
			metrics.RecordEmbeddingCacheHit("redis")
			return v, nil
		}
	}
	metrics.EmbeddingCacheMisses.Inc()

	v, err, _ := s.flight.Do(fp, func() (interface{}, error) {
		vecs, err := s.callProvider(ctx, p, []string{text})
		if err != nil {
			return nil, err
		}
		vec := vecs[0]
		s.store(ctx, fp, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch returns vectors for many texts in input order, serving what it
// can from cache and fetching the rest in one provider call. Ingestion slices
// its chunk set into batches before calling this.
func (s *Service) EmbedBatch(ctx context.Context, provider string, texts []string) ([][]float32, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInternal, "unknown embedding provider %q", provider)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		fp := Fingerprint(provider, text)
		if v, ok := s.lru.Get(fp); ok {
			results[i] = v
			metrics.RecordEmbeddingCacheHit("lru")
			continue
		}
		if s.redis != nil {
			if v, ok := s.redis.Get(ctx, fp); ok {
				results[i] = v
				s.lru.Set(fp, v, s.cfg.CacheIdleMax)
				metrics.RecordEmbeddingCacheHit("redis")
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	vecs, err := s.callProvider(ctx, p, missing)
	if err != nil {
		return nil, err
	}
	for i, vec := range vecs {
		results[missingIdx[i]] = vec
		s.store(ctx, Fingerprint(provider, missing[i]), vec)
	}
	return results, nil
}

// callProvider runs the paced, breaker-guarded provider call with retries.
func (s *Service) callProvider(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	ctx, span := tracing.StartSpan(ctx, "embeddings.embed")
	defer span.End()

	breaker := s.breakers[p.Name()]
	attempts := s.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.pacer.Wait(ctx, p.Name(), ratecontrol.EstimateTokens(texts...)); err != nil {
			return nil, s.classify(err)
		}

		start := time.Now()
		var vecs [][]float32
		err := breaker.Do(ctx, func() error {
			var callErr error
			vecs, callErr = p.Embed(ctx, texts)
			return callErr
		})
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, apperrors.Newf(apperrors.KindInternal,
					"provider %s returned %d vectors for %d texts", p.Name(), len(vecs), len(texts))
			}
			metrics.RecordEmbedding(p.Name(), "ok", time.Since(start).Seconds())
			return vecs, nil
		}

		metrics.RecordEmbedding(p.Name(), "error", time.Since(start).Seconds())
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
			s.logger.Warn("Embedding attempt failed, retrying",
				zap.String("provider", p.Name()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, s.classify(ctx.Err())
			}
		}
	}
	return nil, s.classify(lastErr)
}

func (s *Service) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.KindUpstreamTimeout, "embedding request timed out", err)
	case errors.Is(err, context.Canceled):
		return err
	}
	if status, _ := upstreamStatus(err); status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return apperrors.Wrap(apperrors.KindProviderRejected, "embedding request rejected", err)
	}
	return apperrors.Wrap(apperrors.KindServiceUnavailable, "embedding provider unavailable", err)
}

// upstreamStatus extracts the HTTP status and any Retry-After hint from an
// OpenAI SDK error. Local provider errors carry no status and stay
// retryable.
func upstreamStatus(err error) (int, time.Duration) {
	var oaErr *openaisdk.Error
	if !errors.As(err, &oaErr) {
		return 0, 0
	}
	var retryAfter time.Duration
	if oaErr.Response != nil {
		if v := oaErr.Response.Header.Get("Retry-After"); v != "" {
			if secs, convErr := strconv.Atoi(v); convErr == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return oaErr.StatusCode, retryAfter
}

func (s *Service) store(ctx context.Context, fp string, vec []float32) {
	s.lru.Set(fp, vec, s.cfg.CacheIdleMax)
	if s.redis != nil {
		s.redis.Set(ctx, fp, vec)
	}
}

func (s *Service) sweepLoop() {
	defer s.sweepWg.Done()
	interval := s.cfg.CacheSweep
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dropped := s.lru.Sweep()
			metrics.EmbeddingCacheSize.Set(float64(s.lru.Len()))
			if dropped > 0 {
				s.logger.Debug("Swept idle embedding cache entries", zap.Int("dropped", dropped))
			}
		case <-s.stopSweep:
			return
		}
	}
}

// Close stops the cache sweeper.
func (s *Service) Close() {
	close(s.stopSweep)
	s.sweepWg.Wait()
}
