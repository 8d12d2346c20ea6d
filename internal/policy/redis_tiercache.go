package policy

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/consensus-ledger/infrastructure/resilience"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
	"github.com/R3E-Network/consensus-ledger/pkg/logger"
)

// RedisTierCache is the distributed alternative to the in-process
// ttlTierCache: a multi-instance deployment shares one keyspace so
// a tier lookup warmed by one instance serves every other instance behind
// the same load balancer, and pkg/pgnotify's trust-update notification (see
// internal/storage/postgres.TrustNotifier) can invalidate it cluster-wide
// by deleting the key rather than waiting out the TTL everywhere at once.
//
// Every Redis call goes through a circuit breaker. The cache sits on the
// hot path of every policy check, so when Redis is unreachable the breaker
// opens and lookups degrade to trust-store reads immediately instead of
// eating a connect timeout per check.
type RedisTierCache struct {
	client    *redis.Client
	breaker   *resilience.CircuitBreaker
	ttl       time.Duration
	keyPrefix string
}

// NewRedisTierCache wraps an already-connected redis.Client. A non-nil log
// gets breaker state changes warned through it.
func NewRedisTierCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisTierCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	breakerCfg := resilience.DefaultConfig()
	if log != nil {
		breakerCfg = resilience.ConfigWithLogging(log)
	}
	return &RedisTierCache{
		client:    client,
		breaker:   resilience.New(breakerCfg),
		ttl:       ttl,
		keyPrefix: "consensus-ledger:tier:",
	}
}

func (r *RedisTierCache) key(participantID string) string {
	return r.keyPrefix + participantID
}

// Get satisfies TierCache. A Redis error, an open breaker, or a miss is
// treated as a cache miss; the gateway falls back to the trust store either
// way.
func (r *RedisTierCache) Get(ctx context.Context, participantID string) (domain.Tier, bool) {
	var val string
	err := r.breaker.Execute(ctx, func() error {
		var getErr error
		val, getErr = r.client.Get(ctx, r.key(participantID)).Result()
		if getErr == redis.Nil {
			val = ""
			return nil
		}
		return getErr
	})
	if err != nil || val == "" {
		return domain.TierNew, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return domain.TierNew, false
	}
	return domain.Tier(n), true
}

// Set satisfies TierCache.
func (r *RedisTierCache) Set(ctx context.Context, participantID string, tier domain.Tier) {
	_ = r.breaker.Execute(ctx, func() error {
		return r.client.Set(ctx, r.key(participantID), strconv.Itoa(int(tier)), r.ttl).Err()
	})
}

// Invalidate satisfies TierCache, used by the cross-instance trust-update
// subscriber to evict a stale entry the moment any instance's trust engine
// writes a new score.
func (r *RedisTierCache) Invalidate(ctx context.Context, participantID string) {
	_ = r.breaker.Execute(ctx, func() error {
		return r.client.Del(ctx, r.key(participantID)).Err()
	})
}
