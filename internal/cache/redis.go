package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xtrntr/papertrade/internal/market"
	"github.com/xtrntr/papertrade/internal/models"
)

const (
	keyPrefix     = "stock:"
	channelPrefix = "prices."

	snapshotTTL = 1 * time.Hour
)

// RedisClient is the part of *redis.Client the cache needs
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Pipeline() redis.Pipeliner
	Close() error
}

// QuoteSource returns the latest known snapshot of a symbol
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (models.Snapshot, error)
}

// Compile-time check that *redis.Client satisfies RedisClient
var _ RedisClient = (*redis.Client)(nil)

// SnapshotCache keeps the latest tick of every symbol under stock:<SYM> and
// fans each tick out on the prices.<SYM> channel.
type SnapshotCache struct {
	rdb      RedisClient
	fallback QuoteSource
	logger   *zap.Logger
}

// NewSnapshotCache wraps rdb. fallback answers quotes for symbols that have
// no cached tick yet and may be nil.
func NewSnapshotCache(rdb RedisClient, fallback QuoteSource, logger *zap.Logger) *SnapshotCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotCache{rdb: rdb, fallback: fallback, logger: logger}
}

// Dial connects to redis and checks the connection
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// PublishSnapshot stores and broadcasts one tick in a single pipeline
func (c *SnapshotCache) PublishSnapshot(ctx context.Context, s models.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, keyPrefix+s.Symbol, payload, snapshotTTL)
	pipe.Publish(ctx, channelPrefix+s.Symbol, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write snapshot for %s: %w", s.Symbol, err)
	}
	c.logger.Debug("Cached snapshot", zap.String("symbol", s.Symbol), zap.Int64("seq", s.Seq))
	return nil
}

// Quote reads the cached tick for symbol
func (c *SnapshotCache) Quote(ctx context.Context, symbol string) (models.Snapshot, error) {
	symbol = models.NormalizeSymbol(symbol)

	payload, err := c.rdb.Get(ctx, keyPrefix+symbol).Bytes()
	if errors.Is(err, redis.Nil) {
		if c.fallback == nil {
			return models.Snapshot{}, fmt.Errorf("no cached snapshot for %s: %w", symbol, market.ErrUnknownSymbol)
		}
		return c.fallback.Quote(ctx, symbol)
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to read snapshot for %s: %w", symbol, err)
	}

	var s models.Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to decode snapshot for %s: %w", symbol, err)
	}
	return s, nil
}

// Close releases the redis connection
func (c *SnapshotCache) Close() error {
	return c.rdb.Close()
}
