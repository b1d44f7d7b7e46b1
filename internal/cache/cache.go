package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"coinalert/internal/config"
	"coinalert/internal/logger"
	"coinalert/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)
	cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)
)

func init() {
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
}

const priceKeyPrefix = "price:usd:"

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// PriceCache keeps recently fetched USD prices for interactive lookups.
// The background evaluator never reads from it.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewPriceCache creates a price cache with the given entry lifetime
func NewPriceCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *PriceCache {
	return &PriceCache{client: client, ttl: ttl, log: logger.OrNop(log)}
}

// Get returns the cached prices for ids; ids without a fresh entry are absent
func (c *PriceCache) Get(ctx context.Context, ids []string) models.PriceSnapshot {
	snapshot := models.PriceSnapshot{}
	if len(ids) == 0 {
		return snapshot
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = priceKeyPrefix + id
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("Price cache read failed", zap.Error(err))
		cacheMissesTotal.WithLabelValues("price").Add(float64(len(ids)))
		return snapshot
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			cacheMissesTotal.WithLabelValues("price").Inc()
			continue
		}
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			cacheMissesTotal.WithLabelValues("price").Inc()
			continue
		}
		cacheHitsTotal.WithLabelValues("price").Inc()
		snapshot[ids[i]] = price
	}
	return snapshot
}

// Put stores every price in the snapshot
func (c *PriceCache) Put(ctx context.Context, snapshot models.PriceSnapshot) {
	if len(snapshot) == 0 {
		return
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, price := range snapshot {
			pipe.Set(ctx, priceKeyPrefix+id, strconv.FormatFloat(price, 'f', -1, 64), c.ttl)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("Failed to store prices in cache", zap.Int("count", len(snapshot)), zap.Error(err))
	}
}
