// Package pricesource talks to a CoinGecko-compatible price API.
package pricesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"coinalert/internal/logger"
	"coinalert/internal/models"
	"coinalert/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when the upstream answers 429
	ErrRateLimited = errors.New("price source rate limited")
	// ErrUnavailable covers timeouts, network failures and unexpected responses
	ErrUnavailable = errors.New("price source unavailable")
)

var priceRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "price_source_requests_total",
		Help: "Requests made to the price source by endpoint and result",
	},
	[]string{"endpoint", "result"},
)

func init() {
	prometheus.MustRegister(priceRequestsTotal)
}

// Coin is one entry of the upstream coin catalog
type Coin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Config configures the price client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS paces outgoing requests; zero or negative disables pacing
	RPS float64
	// InteractiveWait is the longest an Interactive request waits for a request slot
	InteractiveWait time.Duration
}

// Client fetches the coin catalog and batched USD prices
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	// interactive requests give up instead of queueing longer than this
	interactiveWait time.Duration
	log             *zap.Logger
}

// NewClient creates a price client
func NewClient(cfg Config, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}

	interactiveWait := cfg.InteractiveWait
	if interactiveWait <= 0 {
		interactiveWait = 2 * time.Second
	}

	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		timeout:         timeout,
		http:            &http.Client{Timeout: timeout},
		limiter:         limiter,
		interactiveWait: interactiveWait,
		log:             logger.OrNop(log),
	}
}

// Interactive is a view of the client for chat commands. When the request slot is
// further away than the configured wait it fails with ErrRateLimited instead of
// queueing, so bursts of commands cannot push a tick past its deadline.
type Interactive struct {
	c *Client
}

// Interactive returns the fail-fast view of c
func (c *Client) Interactive() *Interactive {
	return &Interactive{c: c}
}

// FetchPrices behaves like Client.FetchPrices with a bounded wait for a request slot
func (i *Interactive) FetchPrices(ctx context.Context, ids []string) (models.PriceSnapshot, error) {
	return i.c.fetchPrices(ctx, ids, i.c.interactiveWait)
}

// FetchPrices returns USD prices for ids in a single request. Ids the upstream does not
// know are simply absent from the snapshot.
func (c *Client) FetchPrices(ctx context.Context, ids []string) (models.PriceSnapshot, error) {
	return c.fetchPrices(ctx, ids, 0)
}

func (c *Client) fetchPrices(ctx context.Context, ids []string, maxWait time.Duration) (models.PriceSnapshot, error) {
	ids = lo.Uniq(lo.Compact(ids))
	if len(ids) == 0 {
		return models.PriceSnapshot{}, nil
	}
	slices.Sort(ids)

	ctx, span := tracing.Tracer().Start(ctx, "pricesource.FetchPrices")
	defer span.End()
	span.SetAttributes(attribute.Int("coin_count", len(ids)))

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")

	var body map[string]map[string]*float64
	if err := c.get(ctx, "simple_price", "/simple/price?"+q.Encode(), maxWait, &body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	snapshot := make(models.PriceSnapshot, len(body))
	for id, quotes := range body {
		usd, ok := quotes["usd"]
		if !ok || usd == nil {
			continue
		}
		snapshot[id] = *usd
	}

	c.log.Debug("Fetched prices",
		zap.Int("requested", len(ids)),
		zap.Int("priced", len(snapshot)),
	)
	return snapshot, nil
}

// FetchPrice is a convenience wrapper for a single coin. The bool is false when the
// upstream has no price for coinID.
func (c *Client) FetchPrice(ctx context.Context, coinID string) (float64, bool, error) {
	snapshot, err := c.FetchPrices(ctx, []string{coinID})
	if err != nil {
		return 0, false, err
	}
	price, ok := snapshot.Price(coinID)
	return price, ok, nil
}

// FetchCatalog returns the full upstream coin list
func (c *Client) FetchCatalog(ctx context.Context) ([]Coin, error) {
	ctx, span := tracing.Tracer().Start(ctx, "pricesource.FetchCatalog")
	defer span.End()

	var coins []Coin
	if err := c.get(ctx, "coins_list", "/coins/list", 0, &coins); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return coins, nil
}

// get performs one paced request. A positive maxWait bounds the wait for a request slot.
func (c *Client) get(ctx context.Context, endpoint, path string, maxWait time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.acquire(ctx, maxWait); err != nil {
		if errors.Is(err, ErrRateLimited) {
			priceRequestsTotal.WithLabelValues(endpoint, "throttled").Inc()
			return err
		}
		priceRequestsTotal.WithLabelValues(endpoint, "timeout").Inc()
		return fmt.Errorf("%w: waiting for request slot: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		priceRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		c.log.Warn("Price source request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		priceRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
		c.log.Warn("Price source rate limited", zap.String("endpoint", endpoint))
		return ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		priceRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: unexpected status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		priceRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	priceRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

func (c *Client) acquire(ctx context.Context, maxWait time.Duration) error {
	if maxWait <= 0 {
		return c.limiter.Wait(ctx)
	}

	r := c.limiter.Reserve()
	if !r.OK() {
		return ErrRateLimited
	}
	delay := r.Delay()
	if delay > maxWait {
		// give the slot back so a queued tick is not pushed further out
		r.Cancel()
		return ErrRateLimited
	}
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
