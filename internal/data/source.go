// Package data fronts the upstream stores: the indicator pipeline, the
// geometry pipeline, and the bar time-series. Every query is point-in-time
// (explicit as-of), so live and backtest reads go through identical code.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfall/trendphase/data/cache"
	"github.com/quantfall/trendphase/infra/breakers"
	"github.com/quantfall/trendphase/internal/domain"
)

// Store is the raw upstream accessor. Implementations block on I/O; the
// engine never talks to a Store directly, only through Source.
type Store interface {
	Indicators(ctx context.Context, pos domain.Position, timeframe string, asOf time.Time) (*domain.IndicatorSnapshot, error)
	Levels(ctx context.Context, pos domain.Position, asOf time.Time) ([]domain.SRLevel, error)
	Bars(ctx context.Context, pos domain.Position, timeframe string, asOf time.Time, limit int) ([]domain.Bar, error)
}

// Source wraps a Store with a read cache, a circuit breaker, and a rate
// limiter. As-of keyed entries are immutable, so cache hits are always safe.
type Source struct {
	store   Store
	cache   cache.Cache
	breaker *breakers.Breaker
	limiter *rate.Limiter
	ttl     time.Duration
}

// NewSource builds a Source over a raw store. qps bounds upstream query rate
// across the whole batch.
func NewSource(store Store, c cache.Cache, qps float64, ttl time.Duration) *Source {
	if c == nil {
		c = cache.NewAuto()
	}
	return &Source{
		store:   store,
		cache:   c,
		breaker: breakers.New("upstream-store"),
		limiter: rate.NewLimiter(rate.Limit(qps), int(qps)+1),
		ttl:     ttl,
	}
}

// BreakerState reports the upstream breaker state for health endpoints.
func (s *Source) BreakerState() string { return s.breaker.State() }

func (s *Source) Indicators(ctx context.Context, pos domain.Position, timeframe string, asOf time.Time) (*domain.IndicatorSnapshot, error) {
	key := fmt.Sprintf("ind:%s:%s:%d", pos.Key(), timeframe, asOf.Unix())
	var snap domain.IndicatorSnapshot
	ok, err := s.cached(ctx, key, &snap, func() (any, error) {
		return s.store.Indicators(ctx, pos, timeframe, asOf)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *Source) Levels(ctx context.Context, pos domain.Position, asOf time.Time) ([]domain.SRLevel, error) {
	key := fmt.Sprintf("lvl:%s:%d", pos.Key(), asOf.Unix())
	var levels []domain.SRLevel
	ok, err := s.cached(ctx, key, &levels, func() (any, error) {
		return s.store.Levels(ctx, pos, asOf)
	})
	if err != nil || !ok {
		return nil, err
	}
	return levels, nil
}

func (s *Source) Bars(ctx context.Context, pos domain.Position, timeframe string, asOf time.Time, limit int) ([]domain.Bar, error) {
	key := fmt.Sprintf("bar:%s:%s:%d:%d", pos.Key(), timeframe, asOf.Unix(), limit)
	var bars []domain.Bar
	ok, err := s.cached(ctx, key, &bars, func() (any, error) {
		return s.store.Bars(ctx, pos, timeframe, asOf, limit)
	})
	if err != nil || !ok {
		return nil, err
	}
	return bars, nil
}

// cached runs the fetch through cache -> rate limit -> breaker. The bool
// result is false when upstream legitimately returned nothing.
func (s *Source) cached(ctx context.Context, key string, out any, fetch func() (any, error)) (bool, error) {
	if b, hit := s.cache.Get(key); hit {
		if err := json.Unmarshal(b, out); err == nil {
			return true, nil
		}
		// fall through to a fresh fetch on a corrupt entry
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	v, err := s.breaker.Execute(fetch)
	if err != nil {
		return false, fmt.Errorf("upstream fetch %s: %w", key, err)
	}
	if v == nil {
		return false, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal for cache %s: %w", key, err)
	}
	s.cache.Set(key, b, s.ttl)
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}
