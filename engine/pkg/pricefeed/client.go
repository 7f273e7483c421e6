// Package pricefeed reads spot quotes for SPL tokens from a DEX aggregator.
// Quotes feed the voter-weight snapshot and the market-cap confirmation job;
// a short-lived cache absorbs bursts and a last-good fallback keeps voting
// usable through brief feed outages.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/anchorworks/escrowd/utils/pkg/retry"
)

// ErrUnavailable is returned when the feed is down and no usable cached quote
// exists. Callers decide whether to degrade or abort.
var ErrUnavailable = errors.New("price feed unavailable")

// ErrNoPair is returned when the aggregator knows no trading pair for a mint.
var ErrNoPair = errors.New("no trading pair found")

// Quote is one observation of a token's most liquid pair.
type Quote struct {
	TokenMint    string          `json:"tokenMint"`
	PairAddress  string          `json:"pairAddress"`
	PriceUSD     decimal.Decimal `json:"priceUsd"`
	LiquidityUSD decimal.Decimal `json:"liquidityUsd"`
	VolumeH24USD decimal.Decimal `json:"volumeH24Usd"`
	ObservedAt   time.Time       `json:"observedAt"`
	// Stale marks a quote served from the last-good fallback after a fetch
	// failure.
	Stale bool `json:"stale,omitempty"`
}

// Client is the quote source contract.
type Client interface {
	// Quote returns the freshest quote for a mint, picking its most liquid
	// pair. Returns ErrNoPair or ErrUnavailable.
	Quote(ctx context.Context, mint string) (Quote, error)
	// QuotePair returns a quote for one specific pair address.
	QuotePair(ctx context.Context, pairAddress string) (Quote, error)
}

// HTTPClientConfig configures the aggregator-backed client.
type HTTPClientConfig struct {
	Logger *slog.Logger
	// BaseURL of the aggregator API, e.g. https://api.dexscreener.com.
	BaseURL string
	// FreshTTL is how long a fetched quote is served without refetching.
	// Default 30s.
	FreshTTL time.Duration
	// StaleTTL is how long a last-good quote may substitute for a failed
	// fetch. Default 10m.
	StaleTTL time.Duration
	// HTTPTimeout bounds one upstream request. Default 10s.
	HTTPTimeout time.Duration
	Retry       retry.Config
	Clock       clockwork.Clock
}

func (cfg *HTTPClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.FreshTTL == 0 {
		cfg.FreshTTL = 30 * time.Second
	}
	if cfg.StaleTTL == 0 {
		cfg.StaleTTL = 10 * time.Minute
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// HTTPClient fetches quotes over HTTP with an in-process cache.
type HTTPClient struct {
	log   *slog.Logger
	cfg   HTTPClientConfig
	http  *http.Client
	cache *bigcache.BigCache
	clock clockwork.Clock
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Entries live for the stale TTL; freshness within that window is judged
	// against ObservedAt.
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(cfg.StaleTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create quote cache: %w", err)
	}
	return &HTTPClient{
		log:   cfg.Logger,
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.HTTPTimeout},
		cache: cache,
		clock: cfg.Clock,
	}, nil
}

func (c *HTTPClient) Quote(ctx context.Context, mint string) (Quote, error) {
	return c.cachedFetch(ctx, "mint:"+mint, func(ctx context.Context) (Quote, error) {
		return c.fetchByMint(ctx, mint)
	})
}

func (c *HTTPClient) QuotePair(ctx context.Context, pairAddress string) (Quote, error) {
	return c.cachedFetch(ctx, "pair:"+pairAddress, func(ctx context.Context) (Quote, error) {
		return c.fetchByPair(ctx, pairAddress)
	})
}

func (c *HTTPClient) cachedFetch(ctx context.Context, key string, fetch func(ctx context.Context) (Quote, error)) (Quote, error) {
	now := c.clock.Now()

	if cached, ok := c.cacheGet(key); ok && now.Sub(cached.ObservedAt) < c.cfg.FreshTTL {
		return cached, nil
	}

	quote, err := retry.DoValue(ctx, c.cfg.Retry, func() (Quote, error) {
		return fetch(ctx)
	})
	if err == nil {
		quote.ObservedAt = now
		c.cachePut(key, quote)
		return quote, nil
	}
	if errors.Is(err, ErrNoPair) {
		return Quote{}, err
	}

	// Fetch failed: fall back to the last good quote within the stale window.
	if cached, ok := c.cacheGet(key); ok && now.Sub(cached.ObservedAt) < c.cfg.StaleTTL {
		c.log.Warn("pricefeed: serving stale quote after fetch failure",
			"key", key, "age", now.Sub(cached.ObservedAt).String(), "error", err)
		cached.Stale = true
		return cached, nil
	}
	return Quote{}, errors.Join(ErrUnavailable, err)
}

func (c *HTTPClient) cacheGet(key string) (Quote, bool) {
	raw, err := c.cache.Get(key)
	if err != nil {
		return Quote{}, false
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Quote{}, false
	}
	return q, true
}

func (c *HTTPClient) cachePut(key string, q Quote) {
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.cache.Set(key, raw); err != nil {
		c.log.Debug("pricefeed: cache set failed", "key", key, "error", err)
	}
}

func (c *HTTPClient) fetchByMint(ctx context.Context, mint string) (Quote, error) {
	body, err := c.get(ctx, c.cfg.BaseURL+"/latest/dex/tokens/"+mint)
	if err != nil {
		return Quote{}, err
	}
	pairs := gjson.GetBytes(body, "pairs")
	if !pairs.Exists() || len(pairs.Array()) == 0 {
		return Quote{}, fmt.Errorf("%w for mint %s", ErrNoPair, mint)
	}

	// Pick the deepest pool; thin pairs produce junk prices.
	var best gjson.Result
	bestLiquidity := decimal.NewFromInt(-1)
	for _, pair := range pairs.Array() {
		liq := parseDecimal(pair.Get("liquidity.usd"))
		if liq.GreaterThan(bestLiquidity) {
			bestLiquidity = liq
			best = pair
		}
	}
	return quoteFromPair(mint, best)
}

func (c *HTTPClient) fetchByPair(ctx context.Context, pairAddress string) (Quote, error) {
	body, err := c.get(ctx, c.cfg.BaseURL+"/latest/dex/pairs/solana/"+pairAddress)
	if err != nil {
		return Quote{}, err
	}
	pair := gjson.GetBytes(body, "pairs.0")
	if !pair.Exists() {
		pair = gjson.GetBytes(body, "pair")
	}
	if !pair.Exists() {
		return Quote{}, fmt.Errorf("%w for pair %s", ErrNoPair, pairAddress)
	}
	return quoteFromPair(pair.Get("baseToken.address").String(), pair)
}

func quoteFromPair(mint string, pair gjson.Result) (Quote, error) {
	price := parseDecimal(pair.Get("priceUsd"))
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("pair %s has no usd price", pair.Get("pairAddress").String())
	}
	return Quote{
		TokenMint:    mint,
		PairAddress:  pair.Get("pairAddress").String(),
		PriceUSD:     price,
		LiquidityUSD: parseDecimal(pair.Get("liquidity.usd")),
		VolumeH24USD: parseDecimal(pair.Get("volume.h24")),
	}, nil
}

func parseDecimal(r gjson.Result) decimal.Decimal {
	if !r.Exists() {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(r.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *HTTPClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &feedStatusError{code: resp.StatusCode, url: url}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

type feedStatusError struct {
	code int
	url  string
}

func (e *feedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.code, e.url)
}

func (e *feedStatusError) StatusCode() int { return e.code }
