package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bkaudit/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// DedupEntry is the cached open-ticket record for a (strategy, event) key.
type DedupEntry struct {
	TicketID  string    `msgpack:"ticket_id"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// RedisDedupIndex is a fast lookup for open tickets by dedup key, in front
// of the SQLite authority. Cache errors are absorbed: a miss or failure
// just falls back to the storage query, so the index can never create a
// duplicate ticket or lose one.
type RedisDedupIndex struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewRedisDedupIndex creates the index.
func NewRedisDedupIndex(addr, password string, db, poolSize int, ttl time.Duration, logger *zap.SugaredLogger) *RedisDedupIndex {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	return &RedisDedupIndex{client: client, ttl: ttl, logger: logger}
}

// Ping tests the connection.
func (r *RedisDedupIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisDedupIndex) Close() error {
	return r.client.Close()
}

func dedupCacheKey(key string) string {
	return "bkaudit:dedup:" + key
}

// Lookup returns the cached open ticket ID for a dedup key. Second return
// is false on miss or cache error.
func (r *RedisDedupIndex) Lookup(ctx context.Context, key string) (string, bool) {
	data, err := r.client.Get(ctx, dedupCacheKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warnf("Dedup index lookup failed for %s: %v", key, err)
			metrics.DedupCacheErrors.WithLabelValues("get").Inc()
		}
		return "", false
	}
	var entry DedupEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		r.logger.Warnf("Dedup index entry corrupt for %s: %v", key, err)
		metrics.DedupCacheErrors.WithLabelValues("decode").Inc()
		return "", false
	}
	return entry.TicketID, true
}

// Record stores the open ticket for a dedup key.
func (r *RedisDedupIndex) Record(ctx context.Context, key, ticketID string) error {
	data, err := msgpack.Marshal(&DedupEntry{TicketID: ticketID, CreatedAt: time.Now().UTC()})
	if err != nil {
		metrics.DedupCacheErrors.WithLabelValues("encode").Inc()
		return fmt.Errorf("failed to encode dedup entry: %w", err)
	}
	if err := r.client.Set(ctx, dedupCacheKey(key), data, r.ttl).Err(); err != nil {
		metrics.DedupCacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("failed to record dedup entry: %w", err)
	}
	return nil
}

// Remove drops the entry for a dedup key, called when a ticket closes.
func (r *RedisDedupIndex) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, dedupCacheKey(key)).Err(); err != nil {
		metrics.DedupCacheErrors.WithLabelValues("del").Inc()
		return fmt.Errorf("failed to remove dedup entry: %w", err)
	}
	return nil
}
