// Package coins resolves ticker symbols to canonical coin identifiers.
package coins

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"coinalert/internal/logger"
	"coinalert/internal/pricesource"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// CatalogSource provides the full upstream coin list
type CatalogSource interface {
	FetchCatalog(ctx context.Context) ([]pricesource.Coin, error)
}

// CoinMap is an immutable ticker -> coin id table
type CoinMap struct {
	ids map[string]string
}

// NewCoinMap builds a map from a catalog. Pins win over catalog entries, and for tickers
// shared by several coins the first catalog entry wins.
func NewCoinMap(catalog []pricesource.Coin, pins map[string]string) *CoinMap {
	ids := make(map[string]string, len(catalog)+len(pins))
	for _, coin := range catalog {
		symbol := strings.ToLower(strings.TrimSpace(coin.Symbol))
		if symbol == "" || coin.ID == "" {
			continue
		}
		if _, seen := ids[symbol]; !seen {
			ids[symbol] = coin.ID
		}
	}
	for symbol, id := range pins {
		ids[strings.ToLower(symbol)] = id
	}
	return &CoinMap{ids: ids}
}

// Lookup returns the coin id for a lowercase ticker
func (m *CoinMap) Lookup(symbol string) (string, bool) {
	if m == nil {
		return "", false
	}
	id, ok := m.ids[symbol]
	return id, ok
}

// Len returns the number of known tickers
func (m *CoinMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.ids)
}

// Build fetches the catalog once and returns the resulting map
func Build(ctx context.Context, src CatalogSource, pins map[string]string) (*CoinMap, error) {
	catalog, err := src.FetchCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch coin catalog: %w", err)
	}
	return NewCoinMap(catalog, pins), nil
}

// Resolver maps user input to coin ids over the current CoinMap snapshot.
// Reads are lock free; Rebuild swaps the snapshot atomically.
type Resolver struct {
	current atomic.Pointer[CoinMap]
	src     CatalogSource
	pins    map[string]string
	log     *zap.Logger
}

// NewResolver creates a resolver that starts with only the pinned tickers
func NewResolver(src CatalogSource, pins map[string]string, log *zap.Logger) *Resolver {
	r := &Resolver{src: src, pins: pins, log: logger.OrNop(log)}
	r.current.Store(NewCoinMap(nil, pins))
	return r
}

// NewStaticResolver creates a resolver over a fixed map
func NewStaticResolver(m *CoinMap) *Resolver {
	r := &Resolver{log: logger.Log}
	r.current.Store(m)
	return r
}

// Resolve lowercases input and returns its coin id, or the lowercased input itself
// when the ticker is unknown. It never fails.
func (r *Resolver) Resolve(input string) string {
	symbol := strings.ToLower(input)
	if id, ok := r.current.Load().Lookup(symbol); ok {
		return id
	}
	return symbol
}

// Size returns the number of tickers in the current snapshot
func (r *Resolver) Size() int {
	return r.current.Load().Len()
}

// Rebuild fetches the catalog and replaces the snapshot. On failure the previous
// snapshot is kept.
func (r *Resolver) Rebuild(ctx context.Context) error {
	if r.src == nil {
		return fmt.Errorf("resolver has no catalog source")
	}
	m, err := Build(ctx, r.src, r.pins)
	if err != nil {
		return err
	}
	r.current.Store(m)
	r.log.Info("Coin map built", zap.Int("symbols", m.Len()))
	return nil
}

// RebuildWithRetry calls Rebuild up to attempts times with exponential backoff
func (r *Resolver) RebuildWithRetry(ctx context.Context, attempts int, minDelay, maxDelay time.Duration) error {
	b := &backoff.Backoff{Min: minDelay, Max: maxDelay, Factor: 2, Jitter: true}

	var err error
	for i := 0; i < attempts; i++ {
		if err = r.Rebuild(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		delay := b.Duration()
		r.log.Warn("Coin map build failed, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
