package serpgate

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// CacheSchema is the serp_cache table. Applied by the gateway at startup.
const CacheSchema = `
CREATE TABLE IF NOT EXISTS serp_cache (
    key        TEXT PRIMARY KEY,
    category   TEXT NOT NULL DEFAULT '',
    payload    BLOB NOT NULL,
    stored_at  INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_serp_cache_expiry ON serp_cache(expires_at);
`

// Cache is the read-through SERP cache. Every failure degrades to a miss:
// an unavailable cache must never turn into a hard failure for the caller.
type Cache struct {
	db     *sql.DB
	ttls   map[string]time.Duration
	def    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// CacheConfig configures TTLs per query category.
type CacheConfig struct {
	// DefaultTTL applies to categories absent from TTLs. Default: 24h.
	DefaultTTL time.Duration
	// TTLs maps query category to TTL (e.g. "news" shorter than "evergreen").
	TTLs map[string]time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

// NewCache creates a cache on db. The schema must already be applied
// (dbopen.WithSchema(CacheSchema)).
func NewCache(db *sql.DB, cfg CacheConfig) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		db:     db,
		ttls:   cfg.TTLs,
		def:    cfg.DefaultTTL,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

func (c *Cache) ttlFor(category string) time.Duration {
	if d, ok := c.ttls[category]; ok && d > 0 {
		return d
	}
	return c.def
}

// Get returns the unexpired payload for key, or nil on miss. Errors are
// logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) []byte {
	var payload []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT payload FROM serp_cache WHERE key = ? AND expires_at > ?`,
		key, c.now().UnixMilli()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		c.logger.Warn("serpgate: cache read failed, treating as miss", "error", err)
		return nil
	}
	return payload
}

// GetStale returns the most recent payload for key regardless of expiry,
// plus whether the entry was already expired. Used for the degraded
// serve-last-known path.
func (c *Cache) GetStale(ctx context.Context, key string) (payload []byte, expired bool) {
	var expiresAt int64
	err := c.db.QueryRowContext(ctx, `
		SELECT payload, expires_at FROM serp_cache WHERE key = ?`,
		key).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("serpgate: stale cache read failed", "error", err)
		return nil, false
	}
	return payload, expiresAt <= c.now().UnixMilli()
}

// Put stores payload under key with the category's TTL. Failures are
// logged and swallowed.
func (c *Cache) Put(ctx context.Context, key, category string, payload []byte) {
	now := c.now()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO serp_cache (key, category, payload, stored_at, expires_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			category = excluded.category,
			payload = excluded.payload,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at`,
		key, category, payload, now.UnixMilli(),
		now.Add(c.ttlFor(category)).UnixMilli())
	if err != nil {
		c.logger.Warn("serpgate: cache write failed", "error", err, "key", key)
	}
}

// Purge deletes entries past their expiry. Returns rows removed.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM serp_cache WHERE expires_at <= ?`, c.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeAll deletes every entry (explicit operator purge).
func (c *Cache) PurgeAll(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM serp_cache`)
	return err
}
