package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"tillbook/backend/internal/domain"
)

const closureTTL = 24 * time.Hour

// Redis caches active closure snapshots keyed by business date. Cache
// failures are logged and treated as misses; the store stays authoritative.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

func closureKey(businessDate string) string {
	return "closure:" + businessDate
}

func (r *Redis) GetClosure(ctx context.Context, businessDate string) (*domain.DailyClosure, bool) {
	payload, err := r.client.Get(ctx, closureKey(businessDate)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[cache] get closure %s: %v", businessDate, err)
		}
		return nil, false
	}
	var closure domain.DailyClosure
	if err := json.Unmarshal(payload, &closure); err != nil {
		log.Printf("[cache] decode closure %s: %v", businessDate, err)
		return nil, false
	}
	return &closure, true
}

func (r *Redis) SetClosure(ctx context.Context, closure domain.DailyClosure) {
	if closure.Status != domain.ClosureActive {
		return
	}
	payload, err := json.Marshal(closure)
	if err != nil {
		log.Printf("[cache] encode closure %s: %v", closure.BusinessDate, err)
		return
	}
	if err := r.client.Set(ctx, closureKey(closure.BusinessDate), payload, closureTTL).Err(); err != nil {
		log.Printf("[cache] set closure %s: %v", closure.BusinessDate, err)
	}
}

func (r *Redis) InvalidateClosure(ctx context.Context, businessDate string) {
	if err := r.client.Del(ctx, closureKey(businessDate)).Err(); err != nil {
		log.Printf("[cache] invalidate closure %s: %v", businessDate, err)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
