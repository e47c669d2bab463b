// Package exchange resolves the HMT/USD conversion rate used to price jobs.
package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/human-protocol/job-launcher/pkg/logger"
)

const cacheKey = "exchange:hmt:usd"

// Source produces the current HMT price in USD.
type Source interface {
	USDRate(ctx context.Context) (decimal.Decimal, error)
}

// HTTPSource fetches the rate from a JSON price API.
type HTTPSource struct {
	url        string
	jsonPath   string
	httpClient *http.Client
}

// NewHTTPSource creates a source against a CoinGecko-style endpoint. The
// path selects the rate field in the response document.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url:        url,
		jsonPath:   "human-protocol.usd",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) USDRate(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read rate response: %w", err)
	}

	value := gjson.GetBytes(body, s.jsonPath)
	if !value.Exists() {
		return decimal.Zero, fmt.Errorf("rate field %q missing in response", s.jsonPath)
	}

	rate, err := decimal.NewFromString(value.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", value.String(), err)
	}
	if rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive rate %s", rate)
	}
	return rate, nil
}

// Fixed returns a source that always reports the given rate.
func Fixed(rate decimal.Decimal) Source {
	return fixedSource{rate: rate}
}

type fixedSource struct {
	rate decimal.Decimal
}

func (f fixedSource) USDRate(context.Context) (decimal.Decimal, error) {
	return f.rate, nil
}

// Service caches the rate in redis so every job creation does not hit the
// upstream price API.
type Service struct {
	source Source
	cache  *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

var _ Source = (*Service)(nil)

// NewService wraps a source with an optional redis cache. A nil cache
// means every call goes to the source.
func NewService(source Source, cache *redis.Client, ttl time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("exchange")
	}
	return &Service{source: source, cache: cache, ttl: ttl, log: log}
}

// USDRate returns the current HMT price in USD, serving cached values
// when the cache is warm.
func (s *Service) USDRate(ctx context.Context) (decimal.Decimal, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			if rate, perr := decimal.NewFromString(cached); perr == nil {
				return rate, nil
			}
		} else if err != redis.Nil {
			s.log.WithError(err).Warn("rate cache read failed")
		}
	}

	rate, err := s.source.USDRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, rate.String(), s.ttl).Err(); err != nil {
			s.log.WithError(err).Warn("rate cache write failed")
		}
	}
	return rate, nil
}
