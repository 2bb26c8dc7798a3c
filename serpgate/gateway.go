package serpgate

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hazyhaar/brandscope/resilience"
)

// Config configures the Gateway.
type Config struct {
	// BucketCapacity is the token bucket size. Default: 30.
	BucketCapacity int
	// RefillPerSecond is the bucket refill rate. Default: 0.5 (one call
	// every two seconds sustained).
	RefillPerSecond float64
	// MaxWait is how long Fetch will cooperatively wait for a token before
	// failing with rate_exceeded. Default: 10s.
	MaxWait time.Duration
	// Cache configures the read-through cache.
	Cache CacheConfig
	// Breaker protects the remote client. Nil creates a default breaker.
	Breaker *resilience.CircuitBreaker
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.BucketCapacity <= 0 {
		c.BucketCapacity = 30
	}
	if c.RefillPerSecond <= 0 {
		c.RefillPerSecond = 0.5
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 10 * time.Second
	}
	if c.Breaker == nil {
		c.Breaker = resilience.NewCircuitBreaker()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Gateway fronts the volatile SERP dependency with a token bucket, a
// read-through cache, and a circuit breaker. It is the only path to the
// dependency; jobs share one Gateway instance.
type Gateway struct {
	client  Client
	bucket  *Bucket
	cache   *Cache
	breaker *resilience.CircuitBreaker
	maxWait time.Duration
	logger  *slog.Logger
}

// New creates a Gateway. db holds the serp_cache table (CacheSchema must
// be applied by the caller).
func New(client Client, db *sql.DB, cfg Config) *Gateway {
	cfg.defaults()
	cfg.Cache.Logger = cfg.Logger
	return &Gateway{
		client:  client,
		bucket:  NewBucket(cfg.BucketCapacity, cfg.RefillPerSecond),
		cache:   NewCache(db, cfg.Cache),
		breaker: cfg.Breaker,
		maxWait: cfg.MaxWait,
		logger:  cfg.Logger,
	}
}

// Bucket exposes the token bucket (inspection and tests).
func (g *Gateway) Bucket() *Bucket { return g.bucket }

// Cache exposes the cache (purge endpoints and tests).
func (g *Gateway) Cache() *Cache { return g.cache }

// Fetch resolves one query: cache hit if unexpired, otherwise token
// bucket, breaker, remote call, cache store. A cache failure is a miss,
// never an error.
func (g *Gateway) Fetch(ctx context.Context, q Query) (*Result, error) {
	n := q.Normalize()
	key := n.Key()

	if payload := g.cache.Get(ctx, key); payload != nil {
		var res Result
		if err := json.Unmarshal(payload, &res); err == nil {
			res.FromCache = true
			return &res, nil
		}
		g.logger.Warn("serpgate: corrupt cache entry, refetching", "key", key)
	}

	if err := g.bucket.Take(ctx, g.maxWait); err != nil {
		return nil, err
	}

	if !g.breaker.Allow() {
		return nil, resilience.New(resilience.KindExternalDependency,
			"search provider circuit open")
	}

	res, err := g.client.Search(ctx, n)
	if err != nil {
		g.breaker.RecordFailure()
		return nil, err
	}
	g.breaker.RecordSuccess()

	if payload, merr := json.Marshal(res); merr == nil {
		g.cache.Put(ctx, key, n.Category, payload)
	}
	return res, nil
}

// LastKnown returns the most recent cached result for q regardless of
// expiry, for the degraded serve-last-known path. Returns nil when the
// query has never succeeded.
func (g *Gateway) LastKnown(ctx context.Context, q Query) *Result {
	payload, expired := g.cache.GetStale(ctx, q.Normalize().Key())
	if payload == nil {
		return nil
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil
	}
	res.FromCache = true
	res.Stale = expired
	return &res
}
