package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"failmon/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// RedisRepository caches the active-block set so the detection hot path can
// confirm "is there a global block for this IP" without a Postgres round
// trip, and provides the reconciler's distributed lock.
type RedisRepository struct {
	client *redis.Client
	ctx    context.Context
}

func (r *RedisRepository) trackDuration(op string, start time.Time) {
	metrics.MetricRedisDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func NewRedisRepository(host string, port int, password string, db int) *RedisRepository {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})
	return &RedisRepository{
		client: rdb,
		ctx:    context.Background(),
	}
}

func (r *RedisRepository) GetClient() *redis.Client {
	return r.client
}

func blockKey(ip string) string {
	return "block:" + ip
}

// CacheActiveBlock marks a global block in Redis with the block's remaining
// lifetime, so cache expiry and block expiry coincide.
func (r *RedisRepository) CacheActiveBlock(ip string, ttl time.Duration) error {
	defer r.trackDuration("CacheActiveBlock", time.Now())
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(r.ctx, blockKey(ip), "1", ttl).Err()
}

func (r *RedisRepository) DropActiveBlock(ip string) error {
	defer r.trackDuration("DropActiveBlock", time.Now())
	return r.client.Del(r.ctx, blockKey(ip)).Err()
}

// IsBlockCached reports whether a global block for the IP is present in the
// cache. A Redis failure is reported as an error so callers can fall back
// to Postgres.
func (r *RedisRepository) IsBlockCached(ip string) (bool, error) {
	defer r.trackDuration("IsBlockCached", time.Now())
	_, err := r.client.Get(r.ctx, blockKey(ip)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AcquireLock takes a best-effort distributed lock with a TTL. Returns
// false when another worker holds it.
func (r *RedisRepository) AcquireLock(name string, ttl time.Duration) (bool, error) {
	defer r.trackDuration("AcquireLock", time.Now())
	return r.client.SetNX(r.ctx, "lock:"+name, "1", ttl).Result()
}

func (r *RedisRepository) ReleaseLock(name string) error {
	defer r.trackDuration("ReleaseLock", time.Now())
	return r.client.Del(r.ctx, "lock:"+name).Err()
}
